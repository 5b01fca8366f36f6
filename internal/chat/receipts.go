package chat

import (
	"context"
	"slices"

	"go.uber.org/zap"
)

// MarkRead records a receipt for every message in the conversation actor
// has not read yet and broadcasts the newly read ids. Receipts are
// idempotent: a concurrent call that already recorded a message wins and
// that message is left out of this call's result.
func (s *Service) MarkRead(ctx context.Context, actor, conversationID int64) (ReadResult, error) {
	empty := ReadResult{MessageIDs: []int64{}}

	if err := s.authorize(ctx, actor, conversationID); err != nil {
		return empty, err
	}

	all, err := s.store.MessageIDs(ctx, conversationID)
	if err != nil {
		return empty, persistence(err)
	}
	if len(all) == 0 {
		return empty, nil
	}

	read, err := s.store.ReadMessageIDs(ctx, actor, all)
	if err != nil {
		return empty, persistence(err)
	}
	already := make(map[int64]struct{}, len(read))
	for _, id := range read {
		already[id] = struct{}{}
	}
	unread := slices.DeleteFunc(slices.Clone(all), func(id int64) bool {
		_, ok := already[id]
		return ok
	})
	if len(unread) == 0 {
		return empty, nil
	}

	readAt := s.now()
	inserted, err := s.store.InsertReceipts(ctx, actor, unread, readAt)
	if err != nil {
		return empty, persistence(err)
	}
	if len(inserted) == 0 {
		return empty, nil
	}
	slices.Sort(inserted)

	users, err := s.users.GetMany(ctx, []int64{actor})
	if err != nil {
		s.logger.Warn("reader lookup failed", zap.Int64("user_id", actor), zap.Error(err))
	}

	s.publisher.Publish(ctx, Event{
		Channel: ConversationChannel(conversationID),
		Name:    EventMessagesRead,
		Data: ReadEvent{
			ConversationID: conversationID,
			UserID:         actor,
			UserName:       users[actor].Name,
			ReadMessageIDs: inserted,
			ReadAt:         readAt,
		},
	})
	return ReadResult{MessageIDs: inserted, ReadAt: &readAt}, nil
}
