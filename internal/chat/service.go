package chat

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nexus-im/miniblog/store/conversation"
	"github.com/nexus-im/miniblog/store/user"
)

// Directory resolves user ids to accounts.
type Directory interface {
	GetMany(ctx context.Context, ids []int64) (map[int64]user.User, error)
}

// Service implements conversation resolution, visibility, messaging and
// read receipts on behalf of an authenticated user.
type Service struct {
	store     conversation.Store
	users     Directory
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func NewService(store conversation.Store, users Directory, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:     store,
		users:     users,
		publisher: nopPublisher{},
		logger:    logger.Named("chat"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListConversations returns the conversations visible to actor, most
// recently active first.
func (s *Service) ListConversations(ctx context.Context, actor int64) ([]ConversationView, error) {
	convos, err := s.store.ListVisible(ctx, actor)
	if err != nil {
		return nil, persistence(err)
	}

	slices.SortStableFunc(convos, func(a, b conversation.Conversation) int {
		if c := b.LastActivity().Compare(a.LastActivity()); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})

	users, err := s.users.GetMany(ctx, referencedUsers(convos...))
	if err != nil {
		return nil, persistence(err)
	}

	out := make([]ConversationView, 0, len(convos))
	for _, c := range convos {
		out = append(out, conversationView(c, users))
	}
	return out, nil
}

// Conversation returns one conversation with the messages actor can see.
func (s *Service) Conversation(ctx context.Context, actor, conversationID int64) (ConversationView, error) {
	c, err := s.store.GetVisible(ctx, conversationID, actor)
	if err != nil {
		return ConversationView{}, mapStoreErr(err)
	}
	return s.project(ctx, *c)
}

func (s *Service) project(ctx context.Context, c conversation.Conversation) (ConversationView, error) {
	users, err := s.users.GetMany(ctx, referencedUsers(c))
	if err != nil {
		return ConversationView{}, persistence(err)
	}
	return conversationView(c, users), nil
}

// ClearHistory hides everything currently in the conversation from actor.
func (s *Service) ClearHistory(ctx context.Context, actor, conversationID int64) error {
	if err := s.authorize(ctx, actor, conversationID); err != nil {
		return err
	}
	if err := s.store.ClearHistory(ctx, conversationID, actor, s.now()); err != nil {
		return mapStoreErr(err)
	}
	s.logger.Debug("history cleared", zap.Int64("conversation_id", conversationID), zap.Int64("user_id", actor))
	return nil
}

// SendMessage appends a message and notifies the other sockets subscribed
// to the conversation. socketID identifies the sender's own socket, if any.
func (s *Service) SendMessage(ctx context.Context, actor, conversationID int64, content, socketID string) (MessageView, error) {
	content, err := normalizeContent(content)
	if err != nil {
		return MessageView{}, err
	}
	if err := s.authorize(ctx, actor, conversationID); err != nil {
		return MessageView{}, err
	}

	msg, err := s.store.AppendMessage(ctx, conversationID, actor, content, s.now())
	if err != nil {
		return MessageView{}, mapStoreErr(err)
	}

	view, err := s.messageView(ctx, *msg)
	if err != nil {
		return MessageView{}, err
	}
	s.publisher.Publish(ctx, Event{
		Channel:      ConversationChannel(conversationID),
		Name:         EventMessageSent,
		Data:         view,
		ExceptSocket: socketID,
	})
	return view, nil
}

// HideMessage removes a message from actor's view only.
func (s *Service) HideMessage(ctx context.Context, actor, conversationID, messageID int64) error {
	if err := s.authorize(ctx, actor, conversationID); err != nil {
		return err
	}
	if err := s.store.HideMessage(ctx, conversationID, messageID, actor, s.now()); err != nil {
		return mapStoreErr(err)
	}
	return nil
}

// CanSubscribe decides whether userID may join channel. Conversation
// membership is checked on every call and ignores cleared history.
func (s *Service) CanSubscribe(ctx context.Context, userID int64, channel string) (bool, error) {
	kind, id, err := ParseChannel(channel)
	if err != nil {
		return false, nil
	}
	switch kind {
	case ChannelUser:
		return id == userID, nil
	case ChannelConversation:
		ok, err := s.store.IsParticipant(ctx, id, userID)
		if errors.Is(err, conversation.ErrConversationNotFound) {
			return false, nil
		}
		if err != nil {
			return false, persistence(err)
		}
		return ok, nil
	}
	return false, nil
}

func (s *Service) authorize(ctx context.Context, actor, conversationID int64) error {
	ok, err := s.store.IsParticipant(ctx, conversationID, actor)
	if err != nil {
		return mapStoreErr(err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

func (s *Service) messageView(ctx context.Context, m conversation.Message) (MessageView, error) {
	users, err := s.users.GetMany(ctx, []int64{m.UserID})
	if err != nil {
		return MessageView{}, persistence(err)
	}
	return messageView(m, users), nil
}

func normalizeContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", invalid("content", "must not be empty")
	}
	if len([]rune(content)) > MaxContentLength {
		return "", invalid("content", "is too long")
	}
	return content, nil
}

// MaxContentLength bounds a single message in characters.
const MaxContentLength = 5000

func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, conversation.ErrConversationNotFound), errors.Is(err, conversation.ErrMessageNotFound):
		return ErrNotFound
	case errors.Is(err, conversation.ErrNotParticipant):
		return ErrForbidden
	default:
		return persistence(err)
	}
}
