package user

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db), mock
}

func TestCreate(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO users`).
		WithArgs("Ada", "ada@example.com", "hash", now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))

	u := &User{Name: "Ada", Email: "ada@example.com", PasswordHash: "hash", CreatedAt: now}
	require.NoError(t, store.Create(context.Background(), u))
	assert.Equal(t, int64(3), u.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDuplicateEmail(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO users`).
		WillReturnError(&pq.Error{Code: "23505"})

	err := store.Create(context.Background(), &User{Name: "Ada", Email: "ada@example.com"})
	assert.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestGetByIDNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`FROM users WHERE id`).
		WithArgs(int64(9)).
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetByID(context.Background(), 9)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestGetMany(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`FROM users WHERE id = ANY`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "created_at"}).
			AddRow(1, "Ada", "ada@example.com", now).
			AddRow(2, "Grace", "grace@example.com", now))

	users, err := store.GetMany(context.Background(), []int64{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "Grace", users[2].Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryStoreRejectsDuplicateEmail(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &User{Name: "Ada", Email: "ada@example.com"}))
	err := s.Create(ctx, &User{Name: "Ada 2", Email: "ADA@example.com"})
	assert.ErrorIs(t, err, ErrDuplicateEmail)

	u, err := s.GetByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.ID)
}
