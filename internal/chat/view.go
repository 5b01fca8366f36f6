package chat

import (
	"time"

	"github.com/nexus-im/miniblog/store/conversation"
	"github.com/nexus-im/miniblog/store/user"
)

type UserView struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type ReaderView struct {
	ID     int64     `json:"id"`
	Name   string    `json:"name"`
	ReadAt time.Time `json:"read_at"`
}

type MessageView struct {
	ID             int64        `json:"id"`
	ConversationID int64        `json:"conversation_id"`
	UserID         int64        `json:"user_id"`
	Content        string       `json:"content"`
	CreatedAt      time.Time    `json:"created_at"`
	User           UserView     `json:"user"`
	ReadBy         []ReaderView `json:"read_by"`
}

type ConversationView struct {
	ID        int64         `json:"id"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Users     []UserView    `json:"users"`
	Messages  []MessageView `json:"messages"`
}

// ReadResult is returned by MarkRead. ReadAt is nil when nothing new was read.
type ReadResult struct {
	MessageIDs []int64    `json:"message_ids"`
	ReadAt     *time.Time `json:"read_at"`
}

func (v ConversationView) message(id int64) (MessageView, bool) {
	for _, m := range v.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return MessageView{}, false
}

func userView(id int64, users map[int64]user.User) UserView {
	return UserView{ID: id, Name: users[id].Name}
}

func messageView(m conversation.Message, users map[int64]user.User) MessageView {
	v := MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		UserID:         m.UserID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		User:           userView(m.UserID, users),
		ReadBy:         make([]ReaderView, 0, len(m.ReadBy)),
	}
	for _, r := range m.ReadBy {
		v.ReadBy = append(v.ReadBy, ReaderView{ID: r.UserID, Name: users[r.UserID].Name, ReadAt: r.ReadAt})
	}
	return v
}

func conversationView(c conversation.Conversation, users map[int64]user.User) ConversationView {
	v := ConversationView{
		ID:        c.ID,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		Users:     make([]UserView, 0, len(c.Participants)),
		Messages:  make([]MessageView, 0, len(c.Messages)),
	}
	for _, p := range c.Participants {
		v.Users = append(v.Users, userView(p.UserID, users))
	}
	for _, m := range c.Messages {
		v.Messages = append(v.Messages, messageView(m, users))
	}
	return v
}

// referencedUsers collects every user id a projection of convos needs.
func referencedUsers(convos ...conversation.Conversation) []int64 {
	seen := make(map[int64]struct{})
	var ids []int64
	add := func(id int64) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, c := range convos {
		for _, p := range c.Participants {
			add(p.UserID)
		}
		for _, m := range c.Messages {
			add(m.UserID)
			for _, r := range m.ReadBy {
				add(r.UserID)
			}
		}
	}
	return ids
}
