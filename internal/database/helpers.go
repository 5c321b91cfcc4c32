package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	pqUniqueViolation = "23505"
	pqCheckViolation  = "23514"
)

// execRequireRows validates that an ExecContext result affected at least one row.
// Returns err if non-nil, or notFoundErr if rowsAffected is 0.
func execRequireRows(result sql.Result, err, notFoundErr error) error {
	if err != nil {
		return err
	}
	n, affectedErr := result.RowsAffected()
	if affectedErr != nil {
		return affectedErr
	}
	if n == 0 {
		return notFoundErr
	}
	return nil
}

// casApplied reports whether a conditional UPDATE matched its row.
func casApplied(result sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, affectedErr := result.RowsAffected()
	if affectedErr != nil {
		return false, affectedErr
	}
	return n == 1, nil
}

func pqCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func isUniqueViolation(err error) bool { return pqCode(err) == pqUniqueViolation }

func isCheckViolation(err error) bool { return pqCode(err) == pqCheckViolation }

// withTx runs fn inside a transaction, committing only when fn succeeds.
func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if fnErr := fn(tx); fnErr != nil {
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("failed to commit transaction: %w", commitErr)
	}
	return nil
}

// columns renders "a.f1, a.f2" for the given table alias.
func columns(alias string, fields []string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = alias + "." + f
	}
	return strings.Join(parts, ", ")
}

// nestedColumns renders `a.f1 AS "prefix.f1"` so sqlx can scan into a
// struct field tagged db:"prefix".
func nestedColumns(alias, prefix string, fields []string) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprintf(`%s.%s AS "%s.%s"`, alias, f, prefix, f)
	}
	return strings.Join(parts, ", ")
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
