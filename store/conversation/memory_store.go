package conversation

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used for development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	nextConvID    int64
	nextMessageID int64
	convos        map[int64]*Conversation
	messages      map[int64][]Message
	receipts      map[int64]map[int64]time.Time // message id -> user id -> read at
	hidden        map[int64]map[int64]struct{}  // user id -> message ids
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convos:   make(map[int64]*Conversation),
		messages: make(map[int64][]Message),
		receipts: make(map[int64]map[int64]time.Time),
		hidden:   make(map[int64]map[int64]struct{}),
	}
}

func (s *MemoryStore) FindExact(_ context.Context, ids []int64) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *Conversation
	for _, c := range s.convos {
		members := c.ParticipantIDs()
		slices.Sort(members)
		if !slices.Equal(members, ids) {
			continue
		}
		if found == nil || c.UpdatedAt.After(found.UpdatedAt) {
			found = c
		}
	}
	if found == nil {
		return nil, ErrConversationNotFound
	}
	return &Conversation{ID: found.ID, CreatedAt: found.CreatedAt, UpdatedAt: found.UpdatedAt}, nil
}

func (s *MemoryStore) CreateWithMessage(_ context.Context, ids []int64, senderID int64, content string, at time.Time) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextConvID++
	c := &Conversation{ID: s.nextConvID, CreatedAt: at, UpdatedAt: at}
	for _, id := range ids {
		c.Participants = append(c.Participants, Participant{ConversationID: c.ID, UserID: id})
	}
	s.convos[c.ID] = c
	msg := s.insertLocked(c.ID, senderID, content, at)

	out := s.copyLocked(c)
	out.Messages = []Message{msg}
	return &out, nil
}

func (s *MemoryStore) Reactivate(_ context.Context, conversationID, senderID int64, content string, at time.Time) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convos[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	p := s.participantLocked(c, senderID)
	if p == nil {
		return nil, ErrNotParticipant
	}
	p.ClearedAt = nil
	c.UpdatedAt = at
	msg := s.insertLocked(conversationID, senderID, content, at)
	return &msg, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, conversationID, senderID int64, content string, at time.Time) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convos[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	c.UpdatedAt = at
	msg := s.insertLocked(conversationID, senderID, content, at)
	return &msg, nil
}

func (s *MemoryStore) insertLocked(conversationID, senderID int64, content string, at time.Time) Message {
	s.nextMessageID++
	msg := Message{
		ID:             s.nextMessageID,
		ConversationID: conversationID,
		UserID:         senderID,
		Content:        content,
		CreatedAt:      at,
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	return msg
}

func (s *MemoryStore) participantLocked(c *Conversation, userID int64) *Participant {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i]
		}
	}
	return nil
}

func (s *MemoryStore) IsParticipant(_ context.Context, conversationID, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convos[conversationID]
	if !ok {
		return false, ErrConversationNotFound
	}
	return s.participantLocked(c, userID) != nil, nil
}

func (s *MemoryStore) ListVisible(_ context.Context, userID int64) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Conversation
	for _, c := range s.convos {
		p := s.participantLocked(c, userID)
		if p == nil || !p.VisibleTo(*c) {
			continue
		}
		out = append(out, s.viewLocked(c, *p))
	}
	return out, nil
}

func (s *MemoryStore) GetVisible(_ context.Context, conversationID, userID int64) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convos[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	p := s.participantLocked(c, userID)
	if p == nil {
		return nil, ErrNotParticipant
	}
	out := s.viewLocked(c, *p)
	return &out, nil
}

func (s *MemoryStore) viewLocked(c *Conversation, viewer Participant) Conversation {
	out := s.copyLocked(c)
	msgs := VisibleMessages(s.messages[c.ID], viewer.ClearedAt, s.hidden[viewer.UserID])
	for _, m := range msgs {
		for uid, at := range s.receipts[m.ID] {
			m.ReadBy = append(m.ReadBy, Receipt{MessageID: m.ID, UserID: uid, ReadAt: at})
		}
		slices.SortFunc(m.ReadBy, func(a, b Receipt) int {
			if c := a.ReadAt.Compare(b.ReadAt); c != 0 {
				return c
			}
			return cmp.Compare(a.UserID, b.UserID)
		})
		out.Messages = append(out.Messages, m)
	}
	return out
}

func (s *MemoryStore) copyLocked(c *Conversation) Conversation {
	out := Conversation{ID: c.ID, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt}
	out.Participants = make([]Participant, len(c.Participants))
	copy(out.Participants, c.Participants)
	return out
}

func (s *MemoryStore) ClearHistory(_ context.Context, conversationID, userID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convos[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	p := s.participantLocked(c, userID)
	if p == nil {
		return ErrNotParticipant
	}
	p.ClearedAt = &at
	return nil
}

func (s *MemoryStore) HideMessage(_ context.Context, conversationID, messageID, userID int64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, m := range s.messages[conversationID] {
		if m.ID == messageID {
			found = true
			break
		}
	}
	if !found {
		return ErrMessageNotFound
	}
	if s.hidden[userID] == nil {
		s.hidden[userID] = make(map[int64]struct{})
	}
	s.hidden[userID][messageID] = struct{}{}
	return nil
}

func (s *MemoryStore) MessageIDs(_ context.Context, conversationID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (s *MemoryStore) ReadMessageIDs(_ context.Context, userID int64, messageIDs []int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for _, id := range messageIDs {
		if _, ok := s.receipts[id][userID]; ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) InsertReceipts(_ context.Context, userID int64, messageIDs []int64, at time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted []int64
	for _, id := range messageIDs {
		readers := s.receipts[id]
		if readers == nil {
			readers = make(map[int64]time.Time)
			s.receipts[id] = readers
		}
		if _, ok := readers[userID]; ok {
			continue
		}
		readers[userID] = at
		inserted = append(inserted, id)
	}
	return inserted, nil
}
