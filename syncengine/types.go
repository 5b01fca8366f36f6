package syncengine

import (
	"cmp"
	"slices"
	"time"
)

type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type Reader struct {
	ID     int64     `json:"id"`
	Name   string    `json:"name"`
	ReadAt time.Time `json:"read_at"`
}

type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	UserID         int64     `json:"user_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	User           User      `json:"user"`
	ReadBy         []Reader  `json:"read_by"`
}

type Conversation struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Users     []User    `json:"users"`
	Messages  []Message `json:"messages"`
}

// ReadResult is the server's answer to a mark-read call. ReadAt is nil
// when nothing new was read.
type ReadResult struct {
	MessageIDs []int64    `json:"message_ids"`
	ReadAt     *time.Time `json:"read_at"`
}

// ReadEvent is the MessagesRead payload.
type ReadEvent struct {
	ConversationID int64     `json:"conversation_id"`
	UserID         int64     `json:"user_id"`
	UserName       string    `json:"user_name"`
	ReadMessageIDs []int64   `json:"read_message_ids"`
	ReadAt         time.Time `json:"read_at"`
}

// normalize orders messages by creation time, oldest first.
func (c *Conversation) normalize() {
	slices.SortStableFunc(c.Messages, func(a, b Message) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// LastActivity is the newest message time, or UpdatedAt for an empty list.
func (c Conversation) LastActivity() time.Time {
	if n := len(c.Messages); n > 0 {
		return c.Messages[n-1].CreatedAt
	}
	return c.UpdatedAt
}

func (c Conversation) hasMessage(id int64) bool {
	for _, m := range c.Messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

func (c Conversation) userName(id int64) string {
	for _, u := range c.Users {
		if u.ID == id {
			return u.Name
		}
	}
	return ""
}

func (c Conversation) clone() Conversation {
	out := c
	out.Users = slices.Clone(c.Users)
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		m.ReadBy = slices.Clone(m.ReadBy)
		out.Messages[i] = m
	}
	return out
}
