package store

import (
	"context"
	"database/sql"
)

// DBTX is the common interface implemented by *sql.DB and *sql.Tx, allowing
// store implementations to run either directly against the pool or inside a
// caller-managed transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}
