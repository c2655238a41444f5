// Package dbtx provides the shared "caller passes an open transaction"
// convention used by every money-path store in this module: every write
// runs inside a caller-supplied transaction under SERIALIZABLE isolation,
// plus the retry policy for 40001 (serialization failure) and 40P01
// (deadlock) that every call site is required to apply.
package dbtx

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/hustlexp/money-core/internal/retry"
)

// Querier is satisfied by both *sql.DB and *sql.Tx. Every Store method in
// internal/money/* takes a Querier instead of opening its own transaction,
// so the caller (almost always the Saga) controls the transaction boundary.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// codeSerializationFailure and codeDeadlock are the Postgres SQLSTATEs
// every money-path store names explicitly.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// IsRetryable reports whether err is a serialization failure or deadlock
// that the caller should retry with jittered backoff.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == codeSerializationFailure || pqErr.Code == codeDeadlockDetected
	}
	return false
}

// UniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), used to detect concurrent-duplicate races
// that lost to a DB-level unique index (e.g. idempotency keys, XP rows).
func UniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// CheckViolation reports whether err is a Postgres CHECK constraint
// violation (SQLSTATE 23514), used for zero-sum / cardinality guards
// enforced at the storage level as a last line of defense.
func CheckViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23514"
	}
	return false
}

// RaisedException reports whether err is a Postgres RAISE EXCEPTION
// (SQLSTATE P0001), the mechanism the constitution triggers use to reject
// terminal-state, append-only, and amount-immutability violations.
func RaisedException(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "P0001"
	}
	return false
}

// Policy: base 50ms, max 2000ms, 5 attempts.
var Policy = struct {
	MaxAttempts int
	BaseDelay   time.Duration
}{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond}

// RunSerializable opens a SERIALIZABLE transaction, invokes fn, and commits.
// On 40001/40P01 it rolls back and retries the whole fn under a fresh
// transaction with jittered exponential backoff, up to Policy.MaxAttempts.
// fn must be idempotent-safe to re-run (it should not have side effects
// outside the transaction it's given).
func RunSerializable(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	return retry.Do(ctx, Policy.MaxAttempts, Policy.BaseDelay, func() error {
		tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if IsRetryable(err) {
				return err // retry.Do will back off and retry
			}
			return retry.Permanent(err)
		}
		if err := tx.Commit(); err != nil {
			if IsRetryable(err) {
				return err
			}
			return retry.Permanent(err)
		}
		return nil
	})
}
