// Package schema holds the Postgres DDL for users, conversations, messages
// and their per-user state.
package schema

import (
	"context"
	"database/sql"
	_ "embed"
)

//go:embed schema.sql
var ddl string

// Apply creates any missing tables and indexes. It is safe to run repeatedly.
func Apply(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, ddl)
	return err
}
