// Package db provides error types for database operations.
package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/docagent/internal/store"
)

// ErrTransactionConflict indicates a SurrealDB transaction conflict.
// This occurs when multiple concurrent operations attempt to modify the same records.
var ErrTransactionConflict = errors.New("transaction conflict")

// wrapQueryError inspects a SurrealDB error and maps it onto the store
// sentinel errors. Anything unrecognized is a persistence failure.
func wrapQueryError(op string, err error) error {
	if err == nil {
		return nil
	}

	// Extract QueryError if present - this is a database-level error
	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) {
		msg := queryErr.Message
		if strings.Contains(msg, "already exists") || strings.Contains(msg, "already contains") {
			return fmt.Errorf("%s: %w: %s", op, store.ErrAlreadyExists, msg)
		}
		if strings.Contains(msg, "Transaction conflict") {
			return fmt.Errorf("%s: %w: %w: %s", op, store.ErrPersistence, ErrTransactionConflict, msg)
		}
	}

	return fmt.Errorf("%s: %w: %w", op, store.ErrPersistence, err)
}
