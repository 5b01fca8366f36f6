package syncengine

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// WatermarkStore persists, per user, the id of the newest message the
// user has acknowledged in each conversation. Store never lowers a mark.
type WatermarkStore interface {
	Load(ctx context.Context, userID int64) (map[int64]int64, error)
	Store(ctx context.Context, userID, conversationID, messageID int64) error
	Forget(ctx context.Context, userID, conversationID int64) error
}

// MemoryWatermarks keeps watermarks for the life of the process.
type MemoryWatermarks struct {
	mu    sync.Mutex
	marks map[int64]map[int64]int64
}

func NewMemoryWatermarks() *MemoryWatermarks {
	return &MemoryWatermarks{marks: make(map[int64]map[int64]int64)}
}

func (m *MemoryWatermarks) Load(_ context.Context, userID int64) (map[int64]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]int64, len(m.marks[userID]))
	for k, v := range m.marks[userID] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryWatermarks) Store(_ context.Context, userID, conversationID, messageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.marks[userID] == nil {
		m.marks[userID] = make(map[int64]int64)
	}
	if cur, ok := m.marks[userID][conversationID]; !ok || cur < messageID {
		m.marks[userID][conversationID] = messageID
	}
	return nil
}

func (m *MemoryWatermarks) Forget(_ context.Context, userID, conversationID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.marks[userID], conversationID)
	return nil
}

// advanceScript raises a hash field to ARGV[2] unless it already holds a
// higher id.
var advanceScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur == false or tonumber(cur) < tonumber(ARGV[2]) then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
  return 1
end
return 0
`)

// RedisWatermarks stores one hash per user, conversation id to message id,
// so several clients of the same user share their acknowledgements.
// Stored ids only move forward.
type RedisWatermarks struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisWatermarks(rdb *redis.Client, prefix string) *RedisWatermarks {
	if prefix == "" {
		prefix = "miniblog:last-read:"
	}
	return &RedisWatermarks{rdb: rdb, prefix: prefix}
}

func (r *RedisWatermarks) key(userID int64) string {
	return r.prefix + strconv.FormatInt(userID, 10)
}

func (r *RedisWatermarks) Load(ctx context.Context, userID int64) (map[int64]int64, error) {
	raw, err := r.rdb.HGetAll(ctx, r.key(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load watermarks: %w", err)
	}
	out := make(map[int64]int64, len(raw))
	for field, value := range raw {
		convID, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		msgID, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		out[convID] = msgID
	}
	return out, nil
}

func (r *RedisWatermarks) Store(ctx context.Context, userID, conversationID, messageID int64) error {
	field := strconv.FormatInt(conversationID, 10)
	if err := advanceScript.Run(ctx, r.rdb, []string{r.key(userID)}, field, messageID).Err(); err != nil {
		return fmt.Errorf("store watermark: %w", err)
	}
	return nil
}

func (r *RedisWatermarks) Forget(ctx context.Context, userID, conversationID int64) error {
	field := strconv.FormatInt(conversationID, 10)
	if err := r.rdb.HDel(ctx, r.key(userID), field).Err(); err != nil {
		return fmt.Errorf("forget watermark: %w", err)
	}
	return nil
}
