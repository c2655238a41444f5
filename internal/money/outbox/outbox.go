// Package outbox implements the durable outbox + worker pool + DLQ of
// Every business commit writes one or more OutboxEvent rows in
// the same database transaction as the business change (the Saga does
// this); a pool of queue workers later claims, publishes, and retires them.
// The worker/claim/backoff shape follows an escrow.Timer-style poll loop
// (atomic running flag, panic-recovering tick handler) generalized from a
// single sweep into a named-queue worker pool.
package outbox

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hustlexp/money-core/internal/money/dbtx"
	"github.com/hustlexp/money-core/internal/money/merr"
)

// Event is one durable outbox row.
type Event struct {
	ID             string
	AggregateType  string
	AggregateID    string
	EventType      string
	Payload        map[string]any
	IdempotencyKey string
	QueueName      string
	Attempts       int
	ClaimedAt      *time.Time
	PublishedAt    *time.Time
	NextAttemptAt  *time.Time
	CreatedAt      time.Time
}

// MaxAttempts is the retry budget before an event is moved to the DLQ.
const MaxAttempts = 8

// Enqueue writes event inside the caller's open transaction. It must be
// called from within the same DB transaction as the business change it
// describes, so the event and the business change commit atomically.
func Enqueue(ctx context.Context, q dbtx.Querier, aggregateType, aggregateID, eventType string, payload map[string]any, idempotencyKey, queueName string) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload, idempotency_key, queue_name, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
	`, aggregateType, aggregateID, eventType, payloadJSON, idempotencyKey, queueName)
	if err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// Handler processes one claimed event. A non-nil error causes a retry with
// backoff; Handler implementations must be idempotent since a crash
// between "execute" and "mark published" can replay a delivery.
type Handler func(ctx context.Context, ev *Event) error

// Publisher is a registry of queue name -> Handler, plus the worker pool
// that drains each queue on an interval.
type Publisher struct {
	db       *sql.DB
	logger   *slog.Logger
	handlers map[string]Handler
	interval time.Duration
	batch    int
	running  atomic.Bool
	stop     chan struct{}
}

func NewPublisher(db *sql.DB, logger *slog.Logger) *Publisher {
	return &Publisher{
		db:       db,
		logger:   logger,
		handlers: make(map[string]Handler),
		interval: 2 * time.Second,
		batch:    50,
		stop:     make(chan struct{}),
	}
}

// Register assigns the Handler that drains queueName.
func (p *Publisher) Register(queueName string, h Handler) {
	p.handlers[queueName] = h
}

func (p *Publisher) Running() bool { return p.running.Load() }

// Start runs the poll loop; call in a goroutine. Stops on ctx cancel or Stop().
func (p *Publisher) Start(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.safeDrainAll(ctx)
		}
	}
}

func (p *Publisher) Stop() {
	select {
	case p.stop <- struct{}{}:
	default:
	}
}

func (p *Publisher) safeDrainAll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in outbox publisher", "panic", fmt.Sprint(r))
		}
	}()
	for queue, handler := range p.handlers {
		if err := p.drainQueue(ctx, queue, handler); err != nil {
			p.logger.Warn("outbox: drain queue failed", "queue", queue, "error", err)
		}
	}
}

// drainQueue claims up to p.batch ready events from queue using
// FOR UPDATE SKIP LOCKED so only one worker claims a row at a time,
// runs handler on each, and records the outcome.
func (p *Publisher) drainQueue(ctx context.Context, queue string, handler Handler) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, idempotency_key, queue_name, attempts
		FROM outbox_events
		WHERE queue_name = $1
		  AND published_at IS NULL
		  AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
		  AND claimed_at IS NULL
		ORDER BY id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, queue, p.batch)
	if err != nil {
		return fmt.Errorf("outbox: claim query: %w", err)
	}
	var claimed []*Event
	for rows.Next() {
		ev := &Event{}
		var payloadJSON []byte
		if err := rows.Scan(&ev.ID, &ev.AggregateType, &ev.AggregateID, &ev.EventType, &payloadJSON, &ev.IdempotencyKey, &ev.QueueName, &ev.Attempts); err != nil {
			rows.Close()
			return err
		}
		_ = json.Unmarshal(payloadJSON, &ev.Payload)
		claimed = append(claimed, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(claimed) == 0 {
		return tx.Commit()
	}

	for _, ev := range claimed {
		if _, err := tx.ExecContext(ctx, `UPDATE outbox_events SET claimed_at = NOW() WHERE id = $1`, ev.ID); err != nil {
			return fmt.Errorf("outbox: mark claimed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, ev := range claimed {
		p.process(ctx, ev, handler)
	}
	return nil
}

func (p *Publisher) process(ctx context.Context, ev *Event, handler Handler) {
	if err := handler(ctx, ev); err != nil {
		p.fail(ctx, ev, err)
		return
	}
	if _, err := p.db.ExecContext(ctx, `UPDATE outbox_events SET published_at = NOW(), claimed_at = NULL WHERE id = $1`, ev.ID); err != nil {
		p.logger.Error("outbox: failed to mark published", "event_id", ev.ID, "error", err)
	}
}

func (p *Publisher) fail(ctx context.Context, ev *Event, cause error) {
	attempts := ev.Attempts + 1
	if attempts >= MaxAttempts {
		if err := p.moveToDLQ(ctx, ev, cause); err != nil {
			p.logger.Error("outbox: failed to move to dlq", "event_id", ev.ID, "error", err)
		}
		return
	}
	backoff := time.Duration(attempts*attempts) * time.Second
	if _, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET attempts = $2, next_attempt_at = NOW() + $3::interval, claimed_at = NULL
		WHERE id = $1
	`, ev.ID, attempts, fmt.Sprintf("%d seconds", int(backoff.Seconds()))); err != nil {
		p.logger.Error("outbox: failed to record retry", "event_id", ev.ID, "error", err)
	}
}

func (p *Publisher) moveToDLQ(ctx context.Context, ev *Event, cause error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	payloadJSON, _ := json.Marshal(ev.Payload)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letter_queue (queue, payload, first_failed_at, last_error, attempts)
		VALUES ($1, $2, NOW(), $3, $4)
	`, ev.QueueName, payloadJSON, cause.Error(), ev.Attempts+1)
	if err != nil {
		return fmt.Errorf("outbox: insert dlq row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM outbox_events WHERE id = $1`, ev.ID); err != nil {
		return fmt.Errorf("outbox: delete claimed event: %w", err)
	}
	return tx.Commit()
}

// ReclaimStuck resets events whose claim has been held past timeout
// without being published — the stuck-outbox reclaimer runs
// every minute.
func (p *Publisher) ReclaimStuck(ctx context.Context, timeout time.Duration) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET claimed_at = NULL
		WHERE claimed_at IS NOT NULL AND published_at IS NULL AND claimed_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(timeout.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("outbox: reclaim stuck: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// BodyHash computes a stable hash of a webhook payload for ReplayGuard
// comparisons.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

var errNotFound = errors.New("outbox: not found")

// OldestUnpublishedAge returns the age of the oldest unpublished event in
// queue, for the outbox age gauge; zero if the queue is empty.
func (p *Publisher) OldestUnpublishedAge(ctx context.Context, queue string) (time.Duration, error) {
	var createdAt time.Time
	err := p.db.QueryRowContext(ctx, `
		SELECT created_at FROM outbox_events
		WHERE queue_name = $1 AND published_at IS NULL
		ORDER BY id ASC LIMIT 1
	`, queue).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, merr.StuckRecovery("OUTBOX_AGE_QUERY_FAILED", "could not compute outbox age", map[string]any{"queue": queue})
	}
	return time.Since(createdAt), nil
}
