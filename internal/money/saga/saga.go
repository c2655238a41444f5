// Package saga implements the Payment Saga Engine: the
// Hard-Mode Saga protocol that moves money across the ledger, the external
// payment provider, and the outbox inside explicit prepare/execute/commit
// phases, with crash-safety recovery. The functional-options constructor,
// the per-action idempotent dispatch table, and the pause/resume killswitch
// follow a payout-processor pattern: functional options, a processState map
// keyed by intent id, Pause/Resume.
package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hustlexp/money-core/internal/circuitbreaker"
	"github.com/hustlexp/money-core/internal/idgen"
	"github.com/hustlexp/money-core/internal/money/dbtx"
	"github.com/hustlexp/money-core/internal/money/ledger"
	"github.com/hustlexp/money-core/internal/money/lock"
	"github.com/hustlexp/money-core/internal/money/merr"
	"github.com/hustlexp/money-core/internal/money/outbox"
	"github.com/hustlexp/money-core/internal/money/taskfsm"
	"github.com/hustlexp/money-core/internal/traces"
)

// Action is one of the money-moving verbs the Saga can execute.
type Action string

const (
	HoldEscrow    Action = "HOLD_ESCROW"
	Capture       Action = "CAPTURE"
	ReleasePayout Action = "RELEASE_PAYOUT"
	RefundEscrow  Action = "REFUND_ESCROW"
	DisputeOpen   Action = "DISPUTE_OPEN"
	DisputeResolve Action = "DISPUTE_RESOLVE"
)

// targetEscrowState is the escrow state each action drives the
// money_state_lock toward on success.
var targetEscrowState = map[Action]taskfsm.EscrowState{
	HoldEscrow:     taskfsm.EscrowFunded,
	Capture:        taskfsm.EscrowFunded,
	ReleasePayout:  taskfsm.EscrowReleased,
	RefundEscrow:   taskfsm.EscrowRefunded,
	DisputeOpen:    taskfsm.EscrowPendingDispute,
	DisputeResolve: taskfsm.EscrowReleased, // resolved-in-worker's-favor path; refund path uses RefundEscrow instead
}

// Input is one invocation of the Saga.
type Input struct {
	TaskID     string
	Action     Action
	EventID    string // caller-supplied ULID, the idempotency seed
	AmountCents int64
	PosterID   string
	WorkerID   string
	BodyHash   string
	Metadata   map[string]any
	BypassGuard bool // admin force-payout/force-refund
	AdminID    string
}

// Output is the Saga's result on success.
type Output struct {
	LedgerTxID  string
	ProviderRef string
	Replayed    bool
}

// PaymentProvider is the narrow surface the Saga needs from
// internal/money/provider, kept as an interface here so tests can fake it.
type PaymentProvider interface {
	CapturePaymentIntent(ctx context.Context, piID, idempotencyKey string) (string, error)
	Transfer(ctx context.Context, destinationAcct, taskID string, amountCents int64, idempotencyKey string) (string, error)
	Refund(ctx context.Context, chargeID, taskID string, amountCents int64, idempotencyKey string) (string, error)
}

// Killswitch reports whether money-moving actions are currently blocked.
type Killswitch interface {
	Active(ctx context.Context) (active bool, reason string, err error)
}

// CompletionHandler runs inside commit's own transaction, right after the
// ledger transaction is folded into balances but before outbox events are
// enqueued, for the one action (ReleasePayout) whose downstream side
// effects (task state, XP award) must land atomically with the money
// movement rather than in a follow-up call. It is registered once at
// construction, not passed per-call, so RecoverStuck can replay it for a
// transaction that crashed before the handler ran.
type CompletionHandler func(ctx context.Context, tx *sql.Tx, taskID, workerID string, amountCents int64, escrowState taskfsm.EscrowState) error

// Engine wires the ledger, lock manager, state machines, provider, and
// outbox into a single linear protocol. Every dependency is an
// explicit field set at construction (Design Note: "replace module-level
// singletons with an explicit dependency graph passed from main").
type Engine struct {
	db                *sql.DB
	ledgerSvc         *ledger.Service
	lockMgr           *lock.Manager
	stateLocks        *taskfsm.StateLockStore
	escrowFSM         *taskfsm.EscrowMachine
	provider          PaymentProvider
	killswitch        Killswitch
	breaker           *circuitbreaker.Breaker
	completionHandler CompletionHandler
	logger            *slog.Logger
	paused            atomic.Bool
}

type Option func(*Engine)

func WithKillswitch(k Killswitch) Option { return func(e *Engine) { e.killswitch = k } }

// WithBreaker wires a circuit breaker around every provider call, keyed by
// Action, so a string of provider failures for one action (e.g. transfers)
// trips open without affecting unrelated actions (e.g. captures).
func WithBreaker(b *circuitbreaker.Breaker) Option { return func(e *Engine) { e.breaker = b } }

// WithCompletionHandler registers the durable post-commit hook ReleasePayout
// transactions run inside commit's transaction.
func WithCompletionHandler(h CompletionHandler) Option {
	return func(e *Engine) { e.completionHandler = h }
}

func New(db *sql.DB, ledgerSvc *ledger.Service, lockMgr *lock.Manager, stateLocks *taskfsm.StateLockStore, escrowFSM *taskfsm.EscrowMachine, provider PaymentProvider, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		db: db, ledgerSvc: ledgerSvc, lockMgr: lockMgr, stateLocks: stateLocks,
		escrowFSM: escrowFSM, provider: provider, logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Pause stops new saga executions (an operational killswitch independent
// of the DB-backed one, for graceful shutdown draining).
func (e *Engine) Pause()  { e.paused.Store(true) }
func (e *Engine) Resume() { e.paused.Store(false) }

func (e *Engine) idempotencyKey(in Input) string {
	return fmt.Sprintf("%s:%s:%s", in.Action, in.TaskID, in.EventID)
}

// Execute runs the full protocol for in. It is safe to call concurrently
// for different TaskIDs; calls for the same TaskID serialize through the
// Ring-1 lock acquired here.
func (e *Engine) Execute(ctx context.Context, in Input) (*Output, error) {
	ctx, span := traces.StartSpan(ctx, "saga.Execute", traces.TaskID(in.TaskID), traces.Reference(string(in.Action)))
	defer span.End()

	if e.paused.Load() {
		return nil, merr.ExternalProvider("SAGA_PAUSED", "saga engine is paused for shutdown", nil, nil)
	}
	if e.killswitch != nil {
		active, reason, err := e.killswitch.Active(ctx)
		if err != nil {
			return nil, err
		}
		if active {
			return nil, merr.ExternalProvider("KILLSWITCH_ACTIVE", "money-moving actions are blocked: "+reason, nil, map[string]any{"task_id": in.TaskID})
		}
	}

	lease, err := e.lockMgr.Acquire(ctx, "task:"+in.TaskID, 60*time.Second)
	if err != nil {
		return nil, err
	}
	defer e.lockMgr.ReleaseAll(ctx, e.logger, []*lock.Lease{lease})

	idemKey := e.idempotencyKey(in)

	// Replay check against an already-committed or already-failed attempt.
	if existing, ok, err := e.lookupExisting(ctx, idemKey); err != nil {
		return nil, err
	} else if ok {
		if existing.Status == ledger.StatusCommitted || existing.Status == ledger.StatusConfirmed {
			return &Output{LedgerTxID: existing.ID, Replayed: true}, nil
		}
		if existing.Status == ledger.StatusFailed {
			return nil, merr.IllegalTransition("SAGA_ALREADY_FAILED", "this action was already attempted and failed", map[string]any{"transaction_id": existing.ID})
		}
		// pending/executing: a recovery sweep owns it; report it as in flight.
		return nil, merr.StuckRecovery("SAGA_IN_FLIGHT", "a previous attempt for this action is still in flight", map[string]any{"transaction_id": existing.ID})
	}

	txID, entries, err := e.guardAndPrepare(ctx, in, idemKey)
	if err != nil {
		return nil, err
	}

	if err := e.setExecuting(ctx, txID); err != nil {
		return nil, err
	}

	providerRef, err := e.callProvider(ctx, in, txID)
	if err != nil {
		e.markFailed(ctx, txID, err.Error())
		return nil, err
	}

	if err := e.commit(ctx, in, txID, entries, providerRef); err != nil {
		return nil, err
	}

	return &Output{LedgerTxID: txID, ProviderRef: providerRef}, nil
}

func (e *Engine) lookupExisting(ctx context.Context, idemKey string) (*ledger.Transaction, bool, error) {
	return e.ledgerSvc.GetExisting(ctx, e.db, idemKey)
}

// guardAndPrepare runs step 1 (Guard) and step 2 (Prepare) in one
// SERIALIZABLE transaction: read money_state_lock FOR UPDATE, check the
// action is allowed (unless BypassGuard for admin actions), resolve the
// accounts for this action, and prepare the ledger transaction.
func (e *Engine) guardAndPrepare(ctx context.Context, in Input, idemKey string) (string, []ledger.Entry, error) {
	var txID string
	var entries []ledger.Entry

	err := dbtx.RunSerializable(ctx, e.db, func(tx *sql.Tx) error {
		msl, err := e.stateLocks.GetForUpdate(ctx, tx, in.TaskID)
		if err != nil {
			return err
		}
		target, ok := targetEscrowState[in.Action]
		if !ok {
			return merr.Validation("UNKNOWN_ACTION", "no such saga action", map[string]any{"action": in.Action})
		}
		// next_allowed_events is stored in escrow-state vocabulary (the
		// target state an edge leads to), not in Action vocabulary, so the
		// guard checks the action's target state rather than its own name.
		if !in.BypassGuard && !msl.Allows(string(target)) {
			return merr.IllegalTransition("ACTION_NOT_ALLOWED", "action is not in next_allowed_events", map[string]any{
				"task_id": in.TaskID, "action": in.Action, "allowed": msl.NextAllowedEvents,
			})
		}

		entries, err = e.resolveEntries(ctx, tx, in)
		if err != nil {
			return err
		}

		metadata := map[string]any{"body_hash": in.BodyHash}
		for k, v := range in.Metadata {
			metadata[k] = v
		}

		txn, err := e.ledgerSvc.PrepareTransaction(ctx, tx, string(in.Action), idemKey, in.TaskID, entries, metadata)
		if err != nil {
			return err
		}
		txID = txn.ID
		return nil
	})
	return txID, entries, err
}

// resolveEntries builds the double-entry pair for in.Action, per the
// templates defined in internal/money/ledger.
func (e *Engine) resolveEntries(ctx context.Context, q dbtx.Querier, in Input) ([]ledger.Entry, error) {
	escrowAcct, err := e.ledgerSvc.GetOrCreateAccount(ctx, q, ledger.OwnerTask, in.TaskID, "task_escrow_liability")
	if err != nil {
		return nil, err
	}
	platformCash, err := e.ledgerSvc.GetOrCreateAccount(ctx, q, ledger.OwnerPlatform, "", "platform_cash")
	if err != nil {
		return nil, err
	}

	switch in.Action {
	case HoldEscrow, Capture:
		return []ledger.Entry{
			{AccountID: platformCash.ID, Direction: ledger.Debit, AmountCents: in.AmountCents},
			{AccountID: escrowAcct.ID, Direction: ledger.Credit, AmountCents: in.AmountCents},
		}, nil
	case ReleasePayout:
		userPayable, err := e.ledgerSvc.GetOrCreateAccount(ctx, q, ledger.OwnerUser, in.WorkerID, "user_payable")
		if err != nil {
			return nil, err
		}
		return []ledger.Entry{
			{AccountID: escrowAcct.ID, Direction: ledger.Debit, AmountCents: in.AmountCents},
			{AccountID: userPayable.ID, Direction: ledger.Credit, AmountCents: in.AmountCents},
		}, nil
	case RefundEscrow:
		return []ledger.Entry{
			{AccountID: escrowAcct.ID, Direction: ledger.Debit, AmountCents: in.AmountCents},
			{AccountID: platformCash.ID, Direction: ledger.Credit, AmountCents: in.AmountCents},
		}, nil
	case DisputeOpen:
		disputeHold, err := e.ledgerSvc.GetOrCreateAccount(ctx, q, ledger.OwnerPlatform, "", "platform_dispute_hold")
		if err != nil {
			return nil, err
		}
		return []ledger.Entry{
			{AccountID: escrowAcct.ID, Direction: ledger.Debit, AmountCents: in.AmountCents},
			{AccountID: disputeHold.ID, Direction: ledger.Credit, AmountCents: in.AmountCents},
		}, nil
	case DisputeResolve:
		disputeHold, err := e.ledgerSvc.GetOrCreateAccount(ctx, q, ledger.OwnerPlatform, "", "platform_dispute_hold")
		if err != nil {
			return nil, err
		}
		userPayable, err := e.ledgerSvc.GetOrCreateAccount(ctx, q, ledger.OwnerUser, in.WorkerID, "user_payable")
		if err != nil {
			return nil, err
		}
		return []ledger.Entry{
			{AccountID: disputeHold.ID, Direction: ledger.Debit, AmountCents: in.AmountCents},
			{AccountID: userPayable.ID, Direction: ledger.Credit, AmountCents: in.AmountCents},
		}, nil
	default:
		return nil, merr.Validation("UNKNOWN_ACTION", "no such saga action", map[string]any{"action": in.Action})
	}
}

func (e *Engine) setExecuting(ctx context.Context, txID string) error {
	return dbtx.RunSerializable(ctx, e.db, func(tx *sql.Tx) error {
		return e.ledgerSvc.SetExecuting(ctx, tx, txID)
	})
}

// callProvider is step 4, the only step that is not wrapped in a database
// transaction (it's an HTTP call). Its idempotency key equals the ledger
// transaction's ULID.
func (e *Engine) callProvider(ctx context.Context, in Input, txID string) (string, error) {
	return e.invokeProvider(ctx, in.Action, in.TaskID, in.AmountCents, txID, in.Metadata)
}

// invokeProvider is the single place the Saga talks to the payment
// provider, shared by callProvider (first attempt) and recoverOne (crash
// recovery replay). Both pass the same idempotency key — the ledger
// transaction's own ULID — so a recovery replay of a call that already
// succeeded dedupes at the provider rather than moving money twice.
func (e *Engine) invokeProvider(ctx context.Context, action Action, taskID string, amountCents int64, idemKey string, metadata map[string]any) (string, error) {
	breakerKey := string(action)
	if e.breaker != nil && !e.breaker.Allow(breakerKey) {
		return "", merr.ExternalProvider("PROVIDER_CIRCUIT_OPEN", "provider circuit is open for "+breakerKey, nil, map[string]any{"action": action})
	}

	ref, err := e.dispatchProvider(ctx, action, taskID, amountCents, idemKey, metadata)

	if e.breaker != nil {
		if err != nil {
			e.breaker.RecordFailure(breakerKey)
		} else {
			e.breaker.RecordSuccess(breakerKey)
		}
	}
	return ref, err
}

func (e *Engine) dispatchProvider(ctx context.Context, action Action, taskID string, amountCents int64, idemKey string, metadata map[string]any) (string, error) {
	switch action {
	case HoldEscrow, Capture:
		piID, _ := metadata["stripe_payment_intent_id"].(string)
		return e.provider.CapturePaymentIntent(ctx, piID, idemKey)
	case ReleasePayout:
		dest, _ := metadata["stripe_connected_account_id"].(string)
		return e.provider.Transfer(ctx, dest, taskID, amountCents, idemKey)
	case RefundEscrow:
		chargeID, _ := metadata["stripe_charge_id"].(string)
		return e.provider.Refund(ctx, chargeID, taskID, amountCents, idemKey)
	case DisputeOpen, DisputeResolve:
		// No external call: disputes are an internal ledger/escrow reclassification
		// until a resolution action (RefundEscrow/ReleasePayout) triggers real money movement.
		return "", nil
	default:
		return "", merr.Validation("UNKNOWN_ACTION", "no such saga action", map[string]any{"action": action})
	}
}

// commit is step 5a: record the outbound log, advance money_state_lock,
// commit the ledger transaction, and enqueue outbox events, all atomically.
func (e *Engine) commit(ctx context.Context, in Input, txID string, entries []ledger.Entry, providerRef string) error {
	return dbtx.RunSerializable(ctx, e.db, func(tx *sql.Tx) error {
		if providerRef != "" {
			payloadJSON, _ := json.Marshal(map[string]any{"action": in.Action, "task_id": in.TaskID})
			_, err := tx.ExecContext(ctx, `
				INSERT INTO stripe_outbound_log (idempotency_key, stripe_id, type, payload, created_at)
				VALUES ($1, $2, $3, $4, NOW())
				ON CONFLICT (idempotency_key) DO NOTHING
			`, txID, providerRef, in.Action, payloadJSON)
			if err != nil {
				return fmt.Errorf("saga: record outbound log: %w", err)
			}
		}

		msl, err := e.stateLocks.GetForUpdate(ctx, tx, in.TaskID)
		if err != nil {
			return err
		}
		newState, ok := targetEscrowState[in.Action]
		if !ok {
			return merr.Validation("UNKNOWN_ACTION", "no such saga action", map[string]any{"action": in.Action})
		}
		if err := e.escrowFSM.Transition(ctx, tx, in.TaskID, msl.CurrentState, newState, map[string]any{"action": in.Action, "ledger_tx_id": txID}); err != nil {
			return err
		}
		if err := e.stateLocks.Advance(ctx, tx, in.TaskID, msl.Version, newState); err != nil {
			return err
		}

		if err := e.ledgerSvc.Commit(ctx, tx, txID); err != nil {
			return err
		}

		if requiresCompletion, _ := in.Metadata["requires_completion_handler"].(bool); requiresCompletion && e.completionHandler != nil {
			// Pass the escrow state this action transitioned FROM (the state
			// the task-level guard expects to see funded escrow in), not the
			// state it just moved TO — the completion handler's own FSM guard
			// checks against the pre-release state.
			if err := e.completionHandler(ctx, tx, in.TaskID, in.WorkerID, in.AmountCents, msl.CurrentState); err != nil {
				return err
			}
		}

		return e.enqueueOutboxEvents(ctx, tx, in, txID, newState)
	})
}

func (e *Engine) enqueueOutboxEvents(ctx context.Context, tx *sql.Tx, in Input, txID string, newState taskfsm.EscrowState) error {
	eventType := fmt.Sprintf("escrow.%s", newState)
	payload := map[string]any{
		"task_id":        in.TaskID,
		"escrow_state":   newState,
		"ledger_tx_id":   txID,
		"amount_cents":   in.AmountCents,
		"occurred_at":    time.Now().UTC(),
		"schema_version": 1,
	}
	idemKey := "outbox:" + eventType + ":" + txID
	if err := outbox.Enqueue(ctx, tx, "escrow", in.TaskID, eventType, payload, idemKey, "critical_payments"); err != nil {
		return err
	}
	if newState == taskfsm.EscrowReleased {
		completedPayload := map[string]any{"task_id": in.TaskID, "ledger_tx_id": txID, "occurred_at": time.Now().UTC(), "schema_version": 1}
		if err := outbox.Enqueue(ctx, tx, "task", in.TaskID, "task.completed", completedPayload, "outbox:task.completed:"+txID, "user_notifications"); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) markFailed(ctx context.Context, txID, reason string) {
	err := dbtx.RunSerializable(ctx, e.db, func(tx *sql.Tx) error {
		if err := e.ledgerSvc.MarkFailed(ctx, tx, txID, reason); err != nil {
			return err
		}
		payload := map[string]any{"transaction_id": txID, "reason": reason, "occurred_at": time.Now().UTC(), "schema_version": 1}
		return outbox.Enqueue(ctx, tx, "ledger_transaction", txID, "saga.failed", payload, "outbox:saga.failed:"+txID, "dead_letter_intake")
	})
	if err != nil {
		e.logger.Error("saga: failed to record MarkFailed", "transaction_id", txID, "error", err)
	}
}

// RecoverStuck implements the crash-safety sweep: find transactions stuck
// in pending|executing older than timeout and resolve each by replaying it
// from the provider call onward — the same idempotent call Execute would
// have made, so a transaction whose provider call actually already
// succeeded dedupes at Stripe instead of being declared failed underneath
// money that already moved.
func (e *Engine) RecoverStuck(ctx context.Context, timeout time.Duration) (int, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id FROM ledger_transactions
		WHERE status IN ('pending', 'executing') AND created_at < NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(timeout.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("saga: query stuck transactions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	recovered := 0
	for _, id := range ids {
		if err := e.recoverOne(ctx, id); err != nil {
			e.logger.Error("saga: recovery failed", "transaction_id", id, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// recoverOne re-derives the Input a stuck transaction was prepared from out
// of its own stored entries/metadata, replays the provider call through the
// same invokeProvider path Execute uses (idempotency key = txID), and on
// success runs commit() exactly as Execute would have. A provider failure
// here is a genuine failure, not an ambiguity, so it still routes to
// markFailed.
func (e *Engine) recoverOne(ctx context.Context, txID string) error {
	txn, err := e.ledgerSvc.GetTransaction(ctx, e.db, txID)
	if err != nil {
		return err
	}
	if txn.Status != ledger.StatusPending && txn.Status != ledger.StatusExecuting {
		return nil // already resolved by a concurrent sweep or the original caller
	}

	action := Action(txn.Type)
	var amountCents int64
	for _, en := range txn.Entries {
		if en.Direction == ledger.Debit {
			amountCents = en.AmountCents
			break
		}
	}

	var workerID string
	if requiresCompletion, _ := txn.Metadata["requires_completion_handler"].(bool); requiresCompletion {
		workerID, err = e.completionWorkerID(ctx, txn)
		if err != nil {
			return err
		}
	}

	providerRef, err := e.invokeProvider(ctx, action, txn.TaskID, amountCents, txID, txn.Metadata)
	if err != nil {
		e.markFailed(ctx, txID, "stuck recovery: provider call failed: "+err.Error())
		return nil
	}

	in := Input{
		TaskID: txn.TaskID, Action: action, AmountCents: amountCents,
		WorkerID: workerID, Metadata: txn.Metadata,
	}
	return e.commit(ctx, in, txID, txn.Entries, providerRef)
}

// completionWorkerID recovers the worker id a ReleasePayout transaction
// credits by reversing its user_payable entry back to that account's owner
// — the one piece of Input recoverOne can't read straight off the stored
// transaction, since Entries only carry account ids.
func (e *Engine) completionWorkerID(ctx context.Context, txn *ledger.Transaction) (string, error) {
	for _, en := range txn.Entries {
		if en.Direction != ledger.Credit {
			continue
		}
		acct, err := e.ledgerSvc.GetAccount(ctx, e.db, en.AccountID)
		if err != nil {
			return "", err
		}
		if acct.Template == "user_payable" {
			return acct.OwnerID, nil
		}
	}
	return "", merr.InvariantViolation("RECOVERY_MISSING_WORKER", "release transaction has no user_payable credit entry", map[string]any{"transaction_id": txn.ID})
}

// NewEventID mints a fresh idempotency seed for callers that don't already
// have one (e.g. internally-triggered actions like auto-release).
func NewEventID() string { return idgen.NewMonotonicULID().String() }
