package conversation

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// SQLStore implements Store using a database/sql connection.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new SQLStore.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) FindExact(ctx context.Context, ids []int64) (*Conversation, error) {
	if len(ids) == 0 {
		return nil, ErrConversationNotFound
	}

	query := `
		SELECT c.id, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_user cu ON cu.conversation_id = c.id
		WHERE c.id IN (SELECT conversation_id FROM conversation_user WHERE user_id = $1)
		GROUP BY c.id
		HAVING COUNT(*) = $3
			AND COUNT(*) FILTER (WHERE cu.user_id = ANY($2)) = $3
		ORDER BY c.updated_at DESC
		LIMIT 1
	`

	row := s.db.QueryRowContext(ctx, query, ids[0], pq.Array(ids), len(ids))

	var convo Conversation
	if err := row.Scan(&convo.ID, &convo.CreatedAt, &convo.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}

	return &convo, nil
}

func (s *SQLStore) CreateWithMessage(ctx context.Context, ids []int64, senderID int64, content string, at time.Time) (convo *Conversation, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	convo = &Conversation{CreatedAt: at, UpdatedAt: at}

	convoInsert := `
		INSERT INTO conversations (created_at, updated_at)
		VALUES ($1, $1)
		RETURNING id
	`
	if err = tx.QueryRowContext(ctx, convoInsert, at).Scan(&convo.ID); err != nil {
		return nil, err
	}

	memberInsert := `
		INSERT INTO conversation_user (conversation_id, user_id, created_at)
		VALUES ($1, $2, $3)
	`
	for _, id := range ids {
		if _, err = tx.ExecContext(ctx, memberInsert, convo.ID, id, at); err != nil {
			return nil, err
		}
		convo.Participants = append(convo.Participants, Participant{ConversationID: convo.ID, UserID: id})
	}

	msg, err := insertMessage(ctx, tx, convo.ID, senderID, content, at)
	if err != nil {
		return nil, err
	}
	convo.Messages = []Message{*msg}

	if err = tx.Commit(); err != nil {
		return nil, err
	}

	return convo, nil
}

func (s *SQLStore) Reactivate(ctx context.Context, conversationID, senderID int64, content string, at time.Time) (msg *Message, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE conversation_user SET cleared_at = NULL
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	if err = expectRow(res, ErrNotParticipant); err != nil {
		return nil, err
	}

	if msg, err = touchAndInsert(ctx, tx, conversationID, senderID, content, at); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *SQLStore) AppendMessage(ctx context.Context, conversationID, senderID int64, content string, at time.Time) (msg *Message, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if msg, err = touchAndInsert(ctx, tx, conversationID, senderID, content, at); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

func touchAndInsert(ctx context.Context, tx *sql.Tx, conversationID, senderID int64, content string, at time.Time) (*Message, error) {
	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = $2 WHERE id = $1`, conversationID, at)
	if err != nil {
		return nil, err
	}
	if err := expectRow(res, ErrConversationNotFound); err != nil {
		return nil, err
	}
	return insertMessage(ctx, tx, conversationID, senderID, content, at)
}

func insertMessage(ctx context.Context, tx *sql.Tx, conversationID, senderID int64, content string, at time.Time) (*Message, error) {
	msgInsert := `
		INSERT INTO messages (conversation_id, user_id, content, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	msg := &Message{ConversationID: conversationID, UserID: senderID, Content: content, CreatedAt: at}
	if err := tx.QueryRowContext(ctx, msgInsert, conversationID, senderID, content, at).Scan(&msg.ID); err != nil {
		return nil, err
	}
	return msg, nil
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func (s *SQLStore) IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	query := `
		SELECT
			EXISTS (SELECT 1 FROM conversations WHERE id = $1),
			EXISTS (SELECT 1 FROM conversation_user WHERE conversation_id = $1 AND user_id = $2)
	`
	var exists, member bool
	if err := s.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&exists, &member); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrConversationNotFound
	}
	return member, nil
}

func (s *SQLStore) ListVisible(ctx context.Context, userID int64) ([]Conversation, error) {
	query := `
		SELECT c.id, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_user cu ON cu.conversation_id = c.id AND cu.user_id = $1
		WHERE cu.cleared_at IS NULL OR c.updated_at > cu.cleared_at
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convos []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convos = append(convos, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(convos) == 0 {
		return nil, nil
	}

	if err := s.loadDetails(ctx, userID, convos); err != nil {
		return nil, err
	}
	return convos, nil
}

func (s *SQLStore) GetVisible(ctx context.Context, conversationID, userID int64) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, updated_at FROM conversations WHERE id = $1`,
		conversationID,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}

	ok, err := s.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotParticipant
	}

	convos := []Conversation{c}
	if err := s.loadDetails(ctx, userID, convos); err != nil {
		return nil, err
	}
	return &convos[0], nil
}

// loadDetails fills participants, the viewer's visible messages and their
// receipts for every conversation in convos.
func (s *SQLStore) loadDetails(ctx context.Context, viewerID int64, convos []Conversation) error {
	ids := make([]int64, len(convos))
	index := make(map[int64]int, len(convos))
	for i, c := range convos {
		ids[i] = c.ID
		index[c.ID] = i
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, user_id, cleared_at
		FROM conversation_user
		WHERE conversation_id = ANY($1)
		ORDER BY conversation_id, user_id
	`, pq.Array(ids))
	if err != nil {
		return err
	}
	for rows.Next() {
		var p Participant
		var cleared sql.NullTime
		if err := rows.Scan(&p.ConversationID, &p.UserID, &cleared); err != nil {
			rows.Close()
			return err
		}
		if cleared.Valid {
			t := cleared.Time
			p.ClearedAt = &t
		}
		c := &convos[index[p.ConversationID]]
		c.Participants = append(c.Participants, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.user_id, m.content, m.created_at
		FROM messages m
		JOIN conversation_user cu ON cu.conversation_id = m.conversation_id AND cu.user_id = $2
		WHERE m.conversation_id = ANY($1)
			AND (cu.cleared_at IS NULL OR m.created_at > cu.cleared_at)
			AND NOT EXISTS (
				SELECT 1 FROM hidden_messages h WHERE h.message_id = m.id AND h.user_id = $2
			)
		ORDER BY m.conversation_id, m.created_at, m.id
	`, pq.Array(ids), viewerID)
	if err != nil {
		return err
	}
	var messageIDs []int64
	msgIndex := make(map[int64][2]int)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Content, &m.CreatedAt); err != nil {
			rows.Close()
			return err
		}
		ci := index[m.ConversationID]
		msgIndex[m.ID] = [2]int{ci, len(convos[ci].Messages)}
		convos[ci].Messages = append(convos[ci].Messages, m)
		messageIDs = append(messageIDs, m.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(messageIDs) == 0 {
		return nil
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT message_id, user_id, read_at
		FROM message_reads
		WHERE message_id = ANY($1)
		ORDER BY read_at, user_id
	`, pq.Array(messageIDs))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.ReadAt); err != nil {
			return err
		}
		pos := msgIndex[r.MessageID]
		m := &convos[pos[0]].Messages[pos[1]]
		m.ReadBy = append(m.ReadBy, r)
	}
	return rows.Err()
}

func (s *SQLStore) ClearHistory(ctx context.Context, conversationID, userID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversation_user SET cleared_at = $3
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID, at)
	if err != nil {
		return err
	}
	return expectRow(res, ErrNotParticipant)
}

func (s *SQLStore) HideMessage(ctx context.Context, conversationID, messageID, userID int64, at time.Time) error {
	var owner int64
	err := s.db.QueryRowContext(ctx, `SELECT conversation_id FROM messages WHERE id = $1`, messageID).Scan(&owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		return err
	}
	if owner != conversationID {
		return ErrMessageNotFound
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO hidden_messages (user_id, message_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, message_id) DO NOTHING
	`, userID, messageID, at)
	return err
}

func (s *SQLStore) MessageIDs(ctx context.Context, conversationID int64) ([]int64, error) {
	return s.queryIDs(ctx, `SELECT id FROM messages WHERE conversation_id = $1 ORDER BY id`, conversationID)
}

func (s *SQLStore) ReadMessageIDs(ctx context.Context, userID int64, messageIDs []int64) ([]int64, error) {
	return s.queryIDs(ctx, `
		SELECT message_id FROM message_reads
		WHERE user_id = $1 AND message_id = ANY($2)
	`, userID, pq.Array(messageIDs))
}

func (s *SQLStore) InsertReceipts(ctx context.Context, userID int64, messageIDs []int64, at time.Time) ([]int64, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	return s.queryIDs(ctx, `
		INSERT INTO message_reads (message_id, user_id, read_at)
		SELECT id, $2, $3 FROM UNNEST($1::bigint[]) AS id
		ON CONFLICT (message_id, user_id) DO NOTHING
		RETURNING message_id
	`, pq.Array(messageIDs), userID, at)
}

func (s *SQLStore) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
