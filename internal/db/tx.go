package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// WithinTx runs fn inside a database transaction. The transaction commits when
// fn returns nil and rolls back when fn returns an error or panics; the
// underlying connection is released on every exit path.
//
// Repositories accept sqlx.ExtContext, which both *sqlx.DB and *sqlx.Tx
// satisfy, so the same repository methods work inside and outside a
// transaction. Multi-statement operations (hash a credential, stage the row,
// commit only if both succeed) go through here; single-statement operations
// talk to the pool directly and rely on the statement's own atomicity.
func WithinTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
