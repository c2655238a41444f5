// Package lock implements the Ring-1 Lock Manager: short-lived, TTL-bound
// leases over arbitrary resource keys (task ids, escrow ids, account ids)
// so the Saga can serialize concurrent actions on the same task without
// holding a database transaction open for the whole external call. The
// per-key mutex pattern mirrors a sync.Map of *sync.Mutex keyed by id,
// carried forward into a Postgres-backed lease so locks survive across
// process instances.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hustlexp/money-core/internal/idgen"
	"github.com/hustlexp/money-core/internal/money/merr"
)

// DefaultTTL is how long a lease is valid before the sweeper reclaims it.
const DefaultTTL = 30 * time.Second

// Lease represents one held lock.
type Lease struct {
	Key        string
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Manager acquires and releases leases against the lock_leases table.
type Manager struct {
	db *sql.DB
}

func New(db *sql.DB) *Manager {
	return &Manager{db: db}
}

// Acquire takes a single lease on key, failing with ConcurrencyConflict if
// another live lease already holds it.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	leases, err := m.AcquireBatch(ctx, []string{key}, ttl)
	if err != nil {
		return nil, err
	}
	return leases[0], nil
}

// AcquireBatch takes leases on every key in keys, all-or-nothing. Keys are
// sorted lexicographically before acquisition so that two callers racing
// over overlapping key sets always attempt them in the same order,
// preventing the classic deadlock where A holds 1 waiting for 2 while B
// holds 2 waiting for 1.
func (m *Manager) AcquireBatch(ctx context.Context, keys []string, ttl time.Duration) ([]*Lease, error) {
	if len(keys) == 0 {
		return nil, merr.Validation("NO_LOCK_KEYS", "at least one lock key is required", nil)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("lock: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	leases := make([]*Lease, 0, len(sorted))
	for _, key := range sorted {
		var existingExpiry time.Time
		err := tx.QueryRowContext(ctx, `
			SELECT expires_at FROM lock_leases WHERE key = $1 FOR UPDATE
		`, key).Scan(&existingExpiry)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("lock: check existing lease: %w", err)
		}
		if err == nil && existingExpiry.After(now) {
			return nil, merr.ConcurrencyConflict("LOCK_HELD", "resource is locked", nil)
		}

		token := idgen.New()
		expiresAt := now.Add(ttl)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO lock_leases (key, token, acquired_at, expires_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO UPDATE SET
				token = EXCLUDED.token, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
		`, key, token, now, expiresAt)
		if err != nil {
			return nil, fmt.Errorf("lock: upsert lease: %w", err)
		}
		leases = append(leases, &Lease{Key: key, Token: token, AcquiredAt: now, ExpiresAt: expiresAt})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("lock: commit: %w", err)
	}
	return leases, nil
}

// Release drops a lease early, if the token still matches (a lease whose
// token was overwritten by a newer Acquire is not ours to release).
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	_, err := m.db.ExecContext(ctx, `
		DELETE FROM lock_leases WHERE key = $1 AND token = $2
	`, lease.Key, lease.Token)
	if err != nil {
		return fmt.Errorf("lock: release: %w", err)
	}
	return nil
}

// ReleaseAll releases every lease in leases, best-effort (logs but does
// not fail on individual errors — callers releasing after a Commit/MarkFailed
// should not let a stray release error mask a successful saga outcome).
func (m *Manager) ReleaseAll(ctx context.Context, logger *slog.Logger, leases []*Lease) {
	for _, l := range leases {
		if err := m.Release(ctx, l); err != nil {
			logger.Warn("lock: failed to release lease", "key", l.Key, "error", err)
		}
	}
}

// Sweeper periodically deletes expired leases, mirroring the
// escrow.Timer pattern (atomic running flag, panic-recovering tick handler).
type Sweeper struct {
	mgr      *Manager
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

func NewSweeper(mgr *Manager, logger *slog.Logger) *Sweeper {
	return &Sweeper{mgr: mgr, interval: 15 * time.Second, logger: logger, stop: make(chan struct{})}
}

func (s *Sweeper) Running() bool { return s.running.Load() }

func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in lock sweeper", "panic", fmt.Sprint(r))
		}
	}()
	res, err := s.mgr.db.ExecContext(ctx, `DELETE FROM lock_leases WHERE expires_at < NOW()`)
	if err != nil {
		s.logger.Warn("lock: sweep failed", "error", err)
		return
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("lock: swept expired leases", "count", n)
	}
}
