package server

import (
	"context"
	"time"

	"github.com/hustlexp/money-core/internal/metrics"
	"github.com/hustlexp/money-core/internal/money/obs"
	"github.com/hustlexp/money-core/internal/money/outbox"
)

// registerOutboxHandlers binds a Handler to every queue the Saga and
// Ordering Gate enqueue into: critical_payments carries every escrow state
// transition, user_notifications carries the subset a human should hear
// about, and dead_letter_intake carries failed sagas straight to on-call
// rather than letting them age out through normal retry.
func (s *Server) registerOutboxHandlers() {
	s.outboxPub.Register("critical_payments", s.timedHandler("critical_payments", s.handleCriticalPayment))
	s.outboxPub.Register("user_notifications", s.timedHandler("user_notifications", s.handleUserNotification))
	s.outboxPub.Register("dead_letter_intake", s.timedHandler("dead_letter_intake", s.handleDeadLetterIntake))
}

// timedHandler wraps a Handler with the per-queue latency observation
// every outbox worker gets, mirroring WorkerLatency's queue label.
func (s *Server) timedHandler(queue string, h outbox.Handler) outbox.Handler {
	return func(ctx context.Context, ev *outbox.Event) error {
		start := time.Now()
		defer func() { metrics.WorkerLatency.WithLabelValues(queue).Observe(time.Since(start).Seconds()) }()
		return h(ctx, ev)
	}
}

// handleCriticalPayment is the system of record for escrow.<state> events:
// it exists so every money movement is independently observable outside
// the ledger itself, not just logged as a side effect of the Saga commit.
func (s *Server) handleCriticalPayment(ctx context.Context, ev *outbox.Event) error {
	s.logger.Info("critical payment event", "event_type", ev.EventType, "task_id", ev.AggregateID, "payload", ev.Payload)
	s.alertFanout.Fire(ctx, obs.Alert{
		Severity: obs.SeverityInfo,
		Code:     ev.EventType,
		Message:  "escrow state change for task " + ev.AggregateID,
		Context:  ev.Payload,
	})
	return nil
}

// handleUserNotification fires the poster/worker-facing "your task is
// done, funds released" signal. There is no push/email provider wired yet,
// so it is delivered through the same alert fan-out as an info-severity
// event; a dedicated notification sink can subscribe to this queue later
// without touching the Saga.
func (s *Server) handleUserNotification(ctx context.Context, ev *outbox.Event) error {
	s.alertFanout.Fire(ctx, obs.Alert{
		Severity: obs.SeverityInfo,
		Code:     ev.EventType,
		Message:  "task " + ev.AggregateID + " completed and paid out",
		Context:  ev.Payload,
	})
	return nil
}

// handleDeadLetterIntake escalates a saga.failed event straight to on-call:
// the event is enqueued whenever a saga's ledger transaction is marked
// failed (a provider failure in Execute or a RecoverStuck pass), so
// reaching this queue means a human needs to look at it.
func (s *Server) handleDeadLetterIntake(ctx context.Context, ev *outbox.Event) error {
	s.alertFanout.Fire(ctx, obs.Alert{
		Severity: obs.SeverityCritical,
		Code:     "saga_failed",
		Message:  "saga permanently failed for ledger transaction " + ev.AggregateID,
		Context:  ev.Payload,
	})
	return nil
}
