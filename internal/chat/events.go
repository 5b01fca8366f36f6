package chat

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	EventConversationCreated = "ConversationCreated"
	EventMessageSent         = "MessageSent"
	EventMessagesRead        = "MessagesRead"

	userChannelPrefix         = "private-user."
	conversationChannelPrefix = "private-conversation."
)

// Event is one real-time notification bound for a channel. ExceptSocket,
// when set, names the originating socket that must not receive it.
type Event struct {
	Channel      string
	Name         string
	Data         any
	ExceptSocket string
}

// Publisher delivers events to channel subscribers. Publish must not block
// on delivery and its failures never fail the calling operation.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// ReadEvent is the MessagesRead payload.
type ReadEvent struct {
	ConversationID int64     `json:"conversation_id"`
	UserID         int64     `json:"user_id"`
	UserName       string    `json:"user_name"`
	ReadMessageIDs []int64   `json:"read_message_ids"`
	ReadAt         time.Time `json:"read_at"`
}

func UserChannel(userID int64) string {
	return userChannelPrefix + strconv.FormatInt(userID, 10)
}

func ConversationChannel(conversationID int64) string {
	return conversationChannelPrefix + strconv.FormatInt(conversationID, 10)
}

// ChannelKind classifies a parsed channel name.
type ChannelKind int

const (
	ChannelUnknown ChannelKind = iota
	ChannelUser
	ChannelConversation
)

// ParseChannel splits a channel name into its kind and numeric id.
func ParseChannel(name string) (ChannelKind, int64, error) {
	kind := ChannelUnknown
	var rest string
	switch {
	case strings.HasPrefix(name, userChannelPrefix):
		kind, rest = ChannelUser, strings.TrimPrefix(name, userChannelPrefix)
	case strings.HasPrefix(name, conversationChannelPrefix):
		kind, rest = ChannelConversation, strings.TrimPrefix(name, conversationChannelPrefix)
	default:
		return ChannelUnknown, 0, fmt.Errorf("unknown channel %q", name)
	}

	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return ChannelUnknown, 0, fmt.Errorf("malformed channel %q", name)
	}
	return kind, id, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}
