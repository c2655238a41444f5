// Package ordering implements the Webhook Ordering Gate: the
// SourceGuard / ReplayGuard / TemporalGuard / SettlementGuard pipeline
// every inbound Stripe webhook passes through before reaching the Saga.
package ordering

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/hustlexp/money-core/internal/money/ledger"
	"github.com/hustlexp/money-core/internal/money/merr"
	"github.com/hustlexp/money-core/internal/money/outbox"
	"github.com/hustlexp/money-core/internal/money/saga"
)

// SignatureVerifier is the narrow surface the gate needs from
// internal/money/provider for SourceGuard.
type SignatureVerifier interface {
	VerifyWebhook(payload []byte, sigHeader string) (stripe.Event, error)
}

// Dispatcher executes the resolved Saga action for an event.
type Dispatcher interface {
	Execute(ctx context.Context, in saga.Input) (*saga.Output, error)
}

// Result is returned to the HTTP handler so it can pick the right status
// code: 400 only for SourceGuard signature failures, 200 for everything else
// (so the provider does not keep retrying an event we've already handled).
type Result struct {
	HTTPStatus int
	Message    string
}

type Gate struct {
	db         *sql.DB
	verifier   SignatureVerifier
	dispatcher Dispatcher
}

func New(db *sql.DB, verifier SignatureVerifier, dispatcher Dispatcher) *Gate {
	return &Gate{db: db, verifier: verifier, dispatcher: dispatcher}
}

// Handle runs the full pipeline for one inbound webhook delivery.
func (g *Gate) Handle(ctx context.Context, payload []byte, sigHeader string) Result {
	event, err := g.verifier.VerifyWebhook(payload, sigHeader)
	if err != nil {
		return Result{HTTPStatus: 400, Message: "signature verification failed"}
	}

	bodyHash := outbox.BodyHash(payload)

	claimed, storedResult, err := g.claimReplayGuard(ctx, event.ID, event.Type, bodyHash)
	if err != nil {
		return Result{HTTPStatus: 200, Message: "internal error recorded for retry"}
	}
	if !claimed {
		return Result{HTTPStatus: 200, Message: storedResult}
	}

	taskID := extractTaskID(event)
	if taskID != "" {
		if err := g.temporalGuard(ctx, taskID, event.ID); err != nil {
			g.finalize(ctx, event.ID, "failed", err.Error())
			return Result{HTTPStatus: 200, Message: "rejected: out-of-order event, logged"}
		}
	}

	if settlementOnly(event.Type) {
		g.finalize(ctx, event.ID, "ok", "")
		return Result{HTTPStatus: 200, Message: "settlement event acknowledged, not applied to ledger"}
	}

	action, ok := actionForEventType(event.Type)
	if !ok {
		g.finalize(ctx, event.ID, "ok", "")
		return Result{HTTPStatus: 200, Message: "event type not actionable, acknowledged"}
	}

	in := saga.Input{
		TaskID:   taskID,
		Action:   action,
		EventID:  event.ID,
		BodyHash: bodyHash,
		Metadata: map[string]any{"stripe_event_type": event.Type},
	}
	if _, err := g.dispatcher.Execute(ctx, in); err != nil {
		g.finalize(ctx, event.ID, "failed", err.Error())
		return Result{HTTPStatus: 200, Message: "saga dispatch failed, logged for retry"}
	}

	g.finalize(ctx, event.ID, "ok", "")
	return Result{HTTPStatus: 200, Message: "ok"}
}

// claimReplayGuard is the replay guard: single claim via
// INSERT ... ON CONFLICT DO NOTHING RETURNING.
func (g *Gate) claimReplayGuard(ctx context.Context, eventID, source, bodyHash string) (claimed bool, storedResult string, err error) {
	var id string
	err = g.db.QueryRowContext(ctx, `
		INSERT INTO processed_webhooks (event_id, source, body_hash, result, claimed_at)
		VALUES ($1, $2, $3, 'processing', NOW())
		ON CONFLICT (event_id) DO NOTHING
		RETURNING event_id
	`, eventID, source, bodyHash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		var result string
		ferr := g.db.QueryRowContext(ctx, `SELECT result FROM processed_webhooks WHERE event_id = $1`, eventID).Scan(&result)
		if ferr != nil {
			return false, "", fmt.Errorf("ordering: lookup existing claim: %w", ferr)
		}
		return false, result, nil
	}
	if err != nil {
		return false, "", fmt.Errorf("ordering: claim webhook: %w", err)
	}
	return true, "", nil
}

func (g *Gate) finalize(ctx context.Context, eventID, result, errMsg string) {
	_, _ = g.db.ExecContext(ctx, `
		UPDATE processed_webhooks SET result = $2, processed_at = NOW(), error_message = $3
		WHERE event_id = $1
	`, eventID, result, errMsg)
}

// temporalGuard looks up the latest committed or confirmed ledger
// transaction touching the task's escrow account; when there is one, it
// rejects the event if the task's escrow is already released or refunded.
// Event ids are not compared with transaction ids.
func (g *Gate) temporalGuard(ctx context.Context, taskID, eventID string) error {
	acctID := ledger.AccountID(taskID, "task_escrow_liability")
	var lastTxID sql.NullString
	err := g.db.QueryRowContext(ctx, `
		SELECT t.id FROM ledger_transactions t
		JOIN ledger_entries e ON e.transaction_id = t.id
		WHERE e.account_id = $1 AND t.status IN ('committed', 'confirmed')
		ORDER BY t.id DESC LIMIT 1
	`, acctID).Scan(&lastTxID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("ordering: temporal guard query: %w", err)
	}
	if !lastTxID.Valid {
		return nil
	}
	// Stripe event ids are opaque (evt_...), so we can't compare them
	// lexicographically against ULIDs, and no ordering comparison is made
	// here or later in the Saga. This guard's role
	// here is limited to rejecting events for tasks whose escrow already
	// reached a terminal state, which no legitimate later event should touch.
	var state string
	_ = g.db.QueryRowContext(ctx, `SELECT current_state FROM money_state_lock WHERE task_id = $1`, taskID).Scan(&state)
	if state == "released" || state == "refunded" {
		return merr.IllegalTransition("TEMPORAL_GUARD_TERMINAL_ESCROW", "event targets an escrow already in a terminal state", map[string]any{
			"task_id": taskID, "event_id": eventID, "state": state,
		})
	}
	return nil
}

// extractTaskID pulls task_id out of the event object's metadata, where
// the Saga stamps it on every PaymentIntent/Transfer/Refund it creates.
func extractTaskID(event stripe.Event) string {
	md, ok := event.Data.Object["metadata"].(map[string]any)
	if !ok {
		return ""
	}
	tid, _ := md["task_id"].(string)
	return tid
}

// settlementOnly is the settlement guard: payout.* events (other than
// payout.failed) are acknowledged but never touch the ledger.
func settlementOnly(eventType string) bool {
	return strings.HasPrefix(eventType, "payout.") && eventType != "payout.failed"
}

// ReclaimStuckClaims finds rows left in result='processing' with
// processed_at still NULL past timeout and sets their claimed_at to NOW();
// they stay in 'processing'. Nothing re-runs them, and a redelivery of the
// same event still gets the stored 'processing' result from claimReplayGuard.
func (g *Gate) ReclaimStuckClaims(ctx context.Context, timeout time.Duration) (int64, error) {
	res, err := g.db.ExecContext(ctx, `
		UPDATE processed_webhooks
		SET result = 'processing', claimed_at = NOW()
		WHERE result = 'processing' AND processed_at IS NULL AND claimed_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(timeout.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("ordering: reclaim stuck claims: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// actionForEventType maps a Stripe event type to the Saga action it
// triggers. payment_intent.succeeded funds the escrow; charge.refunded and
// transfer.* are observational logs here since their corresponding Saga
// action was already driven by an admin or worker-initiated call — only
// payment_intent.succeeded makes the gate itself originate a Saga call;
// every other type, payout.failed included, is acknowledged without one.
func actionForEventType(eventType string) (saga.Action, bool) {
	switch eventType {
	case "payment_intent.succeeded":
		return saga.Capture, true
	default:
		return "", false
	}
}
