package conversation

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotParticipant       = errors.New("user is not a participant of the conversation")
)

// Conversation is a thread between a fixed set of users. UpdatedAt moves
// forward on every message and is what history clears are compared against.
type Conversation struct {
	ID           int64         `json:"id"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	Participants []Participant `json:"participants,omitempty"`
	Messages     []Message     `json:"messages,omitempty"`
}

// Participant links a user to a conversation. ClearedAt is the caller's
// personal history watermark; nil means nothing was cleared.
type Participant struct {
	ConversationID int64      `json:"conversation_id"`
	UserID         int64      `json:"user_id"`
	ClearedAt      *time.Time `json:"cleared_at,omitempty"`
}

type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	UserID         int64     `json:"user_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	ReadBy         []Receipt `json:"read_by,omitempty"`
}

// Receipt records that UserID read MessageID at ReadAt. At most one exists
// per (message, user).
type Receipt struct {
	MessageID int64     `json:"message_id"`
	UserID    int64     `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

// Store is the persistence boundary for conversations, messages and receipts.
type Store interface {
	// FindExact returns the conversation whose participant set equals ids
	// exactly. ids must be sorted and unique.
	FindExact(ctx context.Context, ids []int64) (*Conversation, error)
	// CreateWithMessage atomically creates the conversation, its participants
	// and the first message.
	CreateWithMessage(ctx context.Context, ids []int64, senderID int64, content string, at time.Time) (*Conversation, error)
	// Reactivate clears the sender's watermark and appends a message in one transaction.
	Reactivate(ctx context.Context, conversationID, senderID int64, content string, at time.Time) (*Message, error)
	AppendMessage(ctx context.Context, conversationID, senderID int64, content string, at time.Time) (*Message, error)

	// IsParticipant returns ErrConversationNotFound when the conversation does not exist.
	IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error)
	ListVisible(ctx context.Context, userID int64) ([]Conversation, error)
	GetVisible(ctx context.Context, conversationID, userID int64) (*Conversation, error)
	ClearHistory(ctx context.Context, conversationID, userID int64, at time.Time) error
	HideMessage(ctx context.Context, conversationID, messageID, userID int64, at time.Time) error

	MessageIDs(ctx context.Context, conversationID int64) ([]int64, error)
	ReadMessageIDs(ctx context.Context, userID int64, messageIDs []int64) ([]int64, error)
	// InsertReceipts returns only the ids this call inserted; rows that
	// already existed are skipped.
	InsertReceipts(ctx context.Context, userID int64, messageIDs []int64, at time.Time) ([]int64, error)
}

// CanonicalParticipants returns the sorted unique union of the sender and targets.
func CanonicalParticipants(senderID int64, targets []int64) []int64 {
	ids := make([]int64, 0, len(targets)+1)
	ids = append(ids, senderID)
	ids = append(ids, targets...)
	slices.Sort(ids)
	return slices.Compact(ids)
}

// VisibleTo reports whether c shows up in the participant's list.
func (p Participant) VisibleTo(c Conversation) bool {
	return p.ClearedAt == nil || c.UpdatedAt.After(*p.ClearedAt)
}

// VisibleMessages drops messages at or before clearedAt and those in hidden.
func VisibleMessages(msgs []Message, clearedAt *time.Time, hidden map[int64]struct{}) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if clearedAt != nil && !m.CreatedAt.After(*clearedAt) {
			continue
		}
		if _, ok := hidden[m.ID]; ok {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Participant returns the link for userID, if any.
func (c *Conversation) Participant(userID int64) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// ParticipantIDs returns the user ids of all participants.
func (c *Conversation) ParticipantIDs() []int64 {
	ids := make([]int64, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// LastActivity is the timestamp of the newest message, falling back to UpdatedAt.
func (c *Conversation) LastActivity() time.Time {
	if n := len(c.Messages); n > 0 {
		return c.Messages[n-1].CreatedAt
	}
	return c.UpdatedAt
}
