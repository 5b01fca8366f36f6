package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalParticipants(t *testing.T) {
	assert.Equal(t, []int64{1, 2, 3}, CanonicalParticipants(2, []int64{3, 1, 3}))
	assert.Equal(t, []int64{4}, CanonicalParticipants(4, []int64{4}))
	assert.Equal(t, []int64{5}, CanonicalParticipants(5, nil))
}

func TestVisibility(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cleared := base.Add(time.Minute)

	p := Participant{UserID: 1, ClearedAt: &cleared}
	assert.False(t, p.VisibleTo(Conversation{UpdatedAt: base}))
	assert.False(t, p.VisibleTo(Conversation{UpdatedAt: cleared}))
	assert.True(t, p.VisibleTo(Conversation{UpdatedAt: cleared.Add(time.Second)}))
	assert.True(t, Participant{UserID: 1}.VisibleTo(Conversation{UpdatedAt: base}))

	msgs := []Message{
		{ID: 1, CreatedAt: base},
		{ID: 2, CreatedAt: cleared},
		{ID: 3, CreatedAt: cleared.Add(time.Second)},
		{ID: 4, CreatedAt: cleared.Add(2 * time.Second)},
	}
	got := VisibleMessages(msgs, &cleared, map[int64]struct{}{4: {}})
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Len(t, VisibleMessages(msgs, nil, nil), 4)
}

func TestMemoryStoreFindExactMatchesWholeSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	pair, err := s.CreateWithMessage(ctx, []int64{1, 2}, 1, "hi", now)
	require.NoError(t, err)
	group, err := s.CreateWithMessage(ctx, []int64{1, 2, 3}, 1, "all", now)
	require.NoError(t, err)

	got, err := s.FindExact(ctx, []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, pair.ID, got.ID)

	got, err = s.FindExact(ctx, []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, group.ID, got.ID)

	_, err = s.FindExact(ctx, []int64{2, 3})
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestMemoryStoreClearAndReactivate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c, err := s.CreateWithMessage(ctx, []int64{1, 2}, 1, "first", t0)
	require.NoError(t, err)
	require.NoError(t, s.ClearHistory(ctx, c.ID, 2, t0.Add(time.Minute)))

	list, err := s.ListVisible(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = s.AppendMessage(ctx, c.ID, 1, "second", t0.Add(2*time.Minute))
	require.NoError(t, err)

	list, err = s.ListVisible(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Len(t, list[0].Messages, 1)
	assert.Equal(t, "second", list[0].Messages[0].Content)

	require.NoError(t, s.ClearHistory(ctx, c.ID, 1, t0.Add(3*time.Minute)))
	_, err = s.Reactivate(ctx, c.ID, 1, "third", t0.Add(4*time.Minute))
	require.NoError(t, err)

	mine, err := s.GetVisible(ctx, c.ID, 1)
	require.NoError(t, err)
	assert.Len(t, mine.Messages, 3)
}

func TestMemoryStoreReceiptsAreUnique(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	c, err := s.CreateWithMessage(ctx, []int64{1, 2}, 1, "hi", now)
	require.NoError(t, err)
	ids, err := s.MessageIDs(ctx, c.ID)
	require.NoError(t, err)

	first, err := s.InsertReceipts(ctx, 2, ids, now)
	require.NoError(t, err)
	assert.Equal(t, ids, first)

	again, err := s.InsertReceipts(ctx, 2, ids, now.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, again)

	read, err := s.ReadMessageIDs(ctx, 2, ids)
	require.NoError(t, err)
	assert.Equal(t, ids, read)
}

func TestMemoryStoreHideMessage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	c, err := s.CreateWithMessage(ctx, []int64{1, 2}, 1, "secret", now)
	require.NoError(t, err)
	msgID := c.Messages[0].ID

	require.NoError(t, s.HideMessage(ctx, c.ID, msgID, 2, now))
	assert.ErrorIs(t, s.HideMessage(ctx, c.ID, msgID+100, 2, now), ErrMessageNotFound)

	theirs, err := s.GetVisible(ctx, c.ID, 2)
	require.NoError(t, err)
	assert.Empty(t, theirs.Messages)

	mine, err := s.GetVisible(ctx, c.ID, 1)
	require.NoError(t, err)
	assert.Len(t, mine.Messages, 1)
}
