package chat

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/nexus-im/miniblog/store/conversation"
)

// FindOrCreate delivers content to the conversation whose participants are
// exactly actor plus targets. An existing conversation is reactivated for
// actor and the message goes out like any other; otherwise one is created
// and every participant is notified on their user channel. The boolean
// reports whether a conversation was created.
func (s *Service) FindOrCreate(ctx context.Context, actor int64, targets []int64, content, socketID string) (ConversationView, bool, error) {
	content, err := normalizeContent(content)
	if err != nil {
		return ConversationView{}, false, err
	}
	ids, err := s.participants(ctx, actor, targets)
	if err != nil {
		return ConversationView{}, false, err
	}

	existing, err := s.store.FindExact(ctx, ids)
	switch {
	case err == nil:
		msg, err := s.store.Reactivate(ctx, existing.ID, actor, content, s.now())
		if err != nil {
			return ConversationView{}, false, mapStoreErr(err)
		}
		view, err := s.Conversation(ctx, actor, existing.ID)
		if err != nil {
			return ConversationView{}, false, err
		}
		if mv, ok := view.message(msg.ID); ok {
			s.publisher.Publish(ctx, Event{
				Channel:      ConversationChannel(existing.ID),
				Name:         EventMessageSent,
				Data:         mv,
				ExceptSocket: socketID,
			})
		}
		return view, false, nil
	case !errors.Is(err, conversation.ErrConversationNotFound):
		return ConversationView{}, false, persistence(err)
	}

	created, err := s.store.CreateWithMessage(ctx, ids, actor, content, s.now())
	if err != nil {
		return ConversationView{}, false, persistence(err)
	}
	view, err := s.project(ctx, *created)
	if err != nil {
		return ConversationView{}, false, err
	}

	s.logger.Info("conversation created",
		zap.Int64("conversation_id", created.ID),
		zap.Int64s("participants", ids),
	)
	for _, id := range ids {
		s.publisher.Publish(ctx, Event{
			Channel: UserChannel(id),
			Name:    EventConversationCreated,
			Data:    view,
		})
	}
	return view, true, nil
}

// participants validates targets and returns the canonical participant set.
func (s *Service) participants(ctx context.Context, actor int64, targets []int64) ([]int64, error) {
	if len(targets) == 0 {
		return nil, invalid("user_ids", "at least one recipient is required")
	}
	seen := make(map[int64]struct{}, len(targets))
	for _, id := range targets {
		if id <= 0 {
			return nil, invalid("user_ids", "must contain valid user ids")
		}
		if _, dup := seen[id]; dup {
			return nil, invalid("user_ids", "must not contain duplicates")
		}
		seen[id] = struct{}{}
	}

	ids := conversation.CanonicalParticipants(actor, targets)
	if len(ids) < 2 {
		return nil, invalid("user_ids", "at least one recipient other than yourself is required")
	}

	found, err := s.users.GetMany(ctx, ids)
	if err != nil {
		return nil, persistence(err)
	}
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			return nil, invalid("user_ids", "contains an unknown user")
		}
	}
	return ids, nil
}
