package obs

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ConflictLogEntry is one illegal-transition rejection, logged so the
// scanner can detect bursts.
type ConflictLogEntry struct {
	TaskID    string
	FromState string
	ToState   string
	Reason    string
	CreatedAt time.Time
}

// ConflictLog persists rejected-transition attempts.
type ConflictLog struct {
	db *sql.DB
}

func NewConflictLog(db *sql.DB) *ConflictLog { return &ConflictLog{db: db} }

func (c *ConflictLog) Record(ctx context.Context, entry ConflictLogEntry) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO conflict_log (task_id, from_state, to_state, reason, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, entry.TaskID, entry.FromState, entry.ToState, entry.Reason)
	if err != nil {
		return fmt.Errorf("obs: record conflict: %w", err)
	}
	return nil
}

// CountLastHour returns the number of conflicts logged in the last hour,
// for the burst-detection threshold.
func (c *ConflictLog) CountLastHour(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conflict_log WHERE created_at > NOW() - INTERVAL '1 hour'
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("obs: count conflicts: %w", err)
	}
	return n, nil
}

// ConflictBurstThreshold is the ">3/hour triggers an alert" rule.
const ConflictBurstThreshold = 3

// Scanner periodically sweeps for the platform's "stuck entity" conditions:
// sagas stuck pending/executing, webhook claims stuck processing, outbox
// events stuck unpublished, and illegal-transition bursts — firing an
// Alert through Fanout for each condition it finds.
type Scanner struct {
	db          *sql.DB
	conflictLog *ConflictLog
	fanout      *Fanout
	stuckAfter  time.Duration
}

func NewScanner(db *sql.DB, conflictLog *ConflictLog, fanout *Fanout, stuckAfter time.Duration) *Scanner {
	return &Scanner{db: db, conflictLog: conflictLog, fanout: fanout, stuckAfter: stuckAfter}
}

// Sweep runs every check once and fires alerts for whatever it finds. It
// never returns an error to the caller — scanning failures themselves are
// alerted on, since a broken scanner is itself an observability gap.
func (s *Scanner) Sweep(ctx context.Context) {
	s.checkStuckSagas(ctx)
	s.checkStuckWebhooks(ctx)
	s.checkStuckOutbox(ctx)
	s.checkConflictBurst(ctx)
}

func (s *Scanner) checkStuckSagas(ctx context.Context) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_transactions
		WHERE status IN ('pending', 'executing') AND created_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(s.stuckAfter.Seconds()))).Scan(&n)
	if err != nil {
		s.fanout.Fire(ctx, Alert{Severity: SeverityWarning, Code: "SCANNER_QUERY_FAILED", Message: "stuck-saga scan failed: " + err.Error()})
		return
	}
	if n > 0 {
		s.fanout.Fire(ctx, Alert{Severity: SeverityCritical, Code: "STUCK_SAGAS", Message: fmt.Sprintf("%d ledger transaction(s) stuck in pending/executing", n), Context: map[string]any{"count": n}})
	}
}

func (s *Scanner) checkStuckWebhooks(ctx context.Context) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processed_webhooks
		WHERE result = 'processing' AND processed_at IS NULL AND claimed_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(s.stuckAfter.Seconds()))).Scan(&n)
	if err != nil {
		s.fanout.Fire(ctx, Alert{Severity: SeverityWarning, Code: "SCANNER_QUERY_FAILED", Message: "stuck-webhook scan failed: " + err.Error()})
		return
	}
	if n > 0 {
		s.fanout.Fire(ctx, Alert{Severity: SeverityWarning, Code: "STUCK_WEBHOOK_CLAIMS", Message: fmt.Sprintf("%d webhook claim(s) stuck in processing", n), Context: map[string]any{"count": n}})
	}
}

func (s *Scanner) checkStuckOutbox(ctx context.Context) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox_events
		WHERE published_at IS NULL AND claimed_at IS NOT NULL AND claimed_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(s.stuckAfter.Seconds()))).Scan(&n)
	if err != nil {
		s.fanout.Fire(ctx, Alert{Severity: SeverityWarning, Code: "SCANNER_QUERY_FAILED", Message: "stuck-outbox scan failed: " + err.Error()})
		return
	}
	if n > 0 {
		s.fanout.Fire(ctx, Alert{Severity: SeverityWarning, Code: "STUCK_OUTBOX_CLAIMS", Message: fmt.Sprintf("%d outbox event(s) stuck with an orphaned claim", n), Context: map[string]any{"count": n}})
	}
}

func (s *Scanner) checkConflictBurst(ctx context.Context) {
	n, err := s.conflictLog.CountLastHour(ctx)
	if err != nil {
		s.fanout.Fire(ctx, Alert{Severity: SeverityWarning, Code: "SCANNER_QUERY_FAILED", Message: "conflict burst scan failed: " + err.Error()})
		return
	}
	if n > ConflictBurstThreshold {
		s.fanout.Fire(ctx, Alert{Severity: SeverityWarning, Code: "CONFLICT_BURST", Message: fmt.Sprintf("%d illegal-transition conflicts in the last hour (threshold %d)", n, ConflictBurstThreshold), Context: map[string]any{"count": n}})
	}
}
