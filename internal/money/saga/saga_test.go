package saga

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hustlexp/money-core/internal/money/ledger"
	"github.com/hustlexp/money-core/internal/money/lock"
	"github.com/hustlexp/money-core/internal/money/taskfsm"
	"github.com/hustlexp/money-core/internal/testutil"
)

// fakeProvider is a stand-in for the Stripe-backed adapter: it records every
// call by idempotency key so tests can assert a replayed call dedupes
// instead of moving money twice.
type fakeProvider struct {
	mu     sync.Mutex
	calls  map[string]int
	failOn string
}

func newFakeProvider() *fakeProvider { return &fakeProvider{calls: make(map[string]int)} }

func (f *fakeProvider) record(idemKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[idemKey]++
}

func (f *fakeProvider) callCount(idemKey string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[idemKey]
}

func (f *fakeProvider) CapturePaymentIntent(_ context.Context, _, idempotencyKey string) (string, error) {
	f.record(idempotencyKey)
	if f.failOn == idempotencyKey {
		return "", errFakeProvider
	}
	return "pi_ref_" + idempotencyKey, nil
}

func (f *fakeProvider) Transfer(_ context.Context, _, _ string, _ int64, idempotencyKey string) (string, error) {
	f.record(idempotencyKey)
	if f.failOn == idempotencyKey {
		return "", errFakeProvider
	}
	return "tr_ref_" + idempotencyKey, nil
}

func (f *fakeProvider) Refund(_ context.Context, _, _ string, _ int64, idempotencyKey string) (string, error) {
	f.record(idempotencyKey)
	if f.failOn == idempotencyKey {
		return "", errFakeProvider
	}
	return "rf_ref_" + idempotencyKey, nil
}

type fakeProviderError string

func (e fakeProviderError) Error() string { return string(e) }

const errFakeProvider = fakeProviderError("fake provider: simulated failure")

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testEngine(t *testing.T) (*Engine, *fakeProvider) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	provider := newFakeProvider()
	engine := New(
		db,
		ledger.New(ledger.NewPostgresStore()),
		lock.New(db),
		taskfsm.NewStateLockStore(),
		taskfsm.NewEscrowMachine(taskfsm.NewPostgresLogStore()),
		provider,
		quietLogger(),
	)
	return engine, provider
}

func TestExecute_HoldEscrowThenReleasePayout(t *testing.T) {
	engine, provider := testEngine(t)
	ctx := context.Background()
	taskID := uuid.NewString()
	workerID := uuid.NewString()

	holdOut, err := engine.Execute(ctx, Input{
		TaskID: taskID, Action: HoldEscrow, EventID: NewEventID(), AmountCents: 4000,
		Metadata: map[string]any{"stripe_payment_intent_id": "pi_test"},
	})
	if err != nil {
		t.Fatalf("hold escrow: %v", err)
	}
	if holdOut.LedgerTxID == "" {
		t.Fatal("expected a ledger transaction id")
	}

	releaseOut, err := engine.Execute(ctx, Input{
		TaskID: taskID, Action: ReleasePayout, EventID: NewEventID(), AmountCents: 4000, WorkerID: workerID,
		Metadata: map[string]any{"stripe_connected_account_id": "acct_test"},
	})
	if err != nil {
		t.Fatalf("release payout: %v", err)
	}
	if releaseOut.Replayed {
		t.Fatal("first release attempt should not be a replay")
	}

	payableID := ledger.AccountID(workerID, "user_payable")
	acct, err := engine.ledgerSvc.GetAccount(ctx, engine.db, payableID)
	if err != nil {
		t.Fatalf("get payable account: %v", err)
	}
	if acct.BalanceCents != 4000 {
		t.Fatalf("expected worker payable balance 4000, got %d", acct.BalanceCents)
	}
	if provider.callCount(releaseOut.LedgerTxID) != 1 {
		t.Fatalf("expected the provider to be called exactly once, got %d", provider.callCount(releaseOut.LedgerTxID))
	}
}

func TestExecute_ReplaySameEventIDReturnsSameTransaction(t *testing.T) {
	engine, provider := testEngine(t)
	ctx := context.Background()
	taskID := uuid.NewString()
	eventID := NewEventID()

	in := Input{
		TaskID: taskID, Action: HoldEscrow, EventID: eventID, AmountCents: 1500,
		Metadata: map[string]any{"stripe_payment_intent_id": "pi_test"},
	}
	first, err := engine.Execute(ctx, in)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	second, err := engine.Execute(ctx, in)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if !second.Replayed {
		t.Fatal("expected second identical call to be reported as a replay")
	}
	if second.LedgerTxID != first.LedgerTxID {
		t.Fatalf("expected replay to return the same transaction id, got %s vs %s", first.LedgerTxID, second.LedgerTxID)
	}
	if provider.callCount(first.LedgerTxID) != 1 {
		t.Fatalf("expected the provider to be called exactly once, got %d", provider.callCount(first.LedgerTxID))
	}
}

func TestExecute_GuardRejectsActionNotAllowedFromCurrentState(t *testing.T) {
	engine, _ := testEngine(t)
	ctx := context.Background()
	taskID := uuid.NewString()

	// A freshly created task starts in escrow state "pending", which only
	// allows a transition to "funded" (HOLD_ESCROW/CAPTURE) — RELEASE_PAYOUT
	// is not reachable yet.
	_, err := engine.Execute(ctx, Input{
		TaskID: taskID, Action: ReleasePayout, EventID: NewEventID(), AmountCents: 1000, WorkerID: uuid.NewString(),
		Metadata: map[string]any{"stripe_connected_account_id": "acct_test"},
	})
	if err == nil {
		t.Fatal("expected release payout to be rejected before escrow is funded")
	}
}

func TestExecute_CompletionHandlerRunsInsideCommitTransaction(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	provider := newFakeProvider()
	var gotTaskID, gotWorkerID string
	var gotEscrowState taskfsm.EscrowState
	engine := New(
		db,
		ledger.New(ledger.NewPostgresStore()),
		lock.New(db),
		taskfsm.NewStateLockStore(),
		taskfsm.NewEscrowMachine(taskfsm.NewPostgresLogStore()),
		provider,
		quietLogger(),
		WithCompletionHandler(func(_ context.Context, _ *sql.Tx, taskID, workerID string, _ int64, escrowState taskfsm.EscrowState) error {
			gotTaskID, gotWorkerID, gotEscrowState = taskID, workerID, escrowState
			return nil
		}),
	)

	taskID := uuid.NewString()
	workerID := uuid.NewString()
	if _, err := engine.Execute(ctx, Input{
		TaskID: taskID, Action: HoldEscrow, EventID: NewEventID(), AmountCents: 2000,
		Metadata: map[string]any{"stripe_payment_intent_id": "pi_test"},
	}); err != nil {
		t.Fatalf("hold escrow: %v", err)
	}

	if _, err := engine.Execute(ctx, Input{
		TaskID: taskID, Action: ReleasePayout, EventID: NewEventID(), AmountCents: 2000, WorkerID: workerID,
		Metadata: map[string]any{
			"stripe_connected_account_id":  "acct_test",
			"requires_completion_handler": true,
		},
	}); err != nil {
		t.Fatalf("release payout: %v", err)
	}

	if gotTaskID != taskID || gotWorkerID != workerID {
		t.Fatalf("completion handler did not receive the expected task/worker ids: got %s/%s", gotTaskID, gotWorkerID)
	}
	// The handler must see the state escrow transitioned FROM (funded), not
	// the state it just moved to (released) — its own downstream guard
	// checks against funded escrow.
	if gotEscrowState != taskfsm.EscrowFunded {
		t.Fatalf("expected completion handler to see pre-transition state %q, got %q", taskfsm.EscrowFunded, gotEscrowState)
	}
}

func TestRecoverStuck_ReplaysProviderCallAndCommits(t *testing.T) {
	engine, provider := testEngine(t)
	ctx := context.Background()
	taskID := uuid.NewString()

	in := Input{
		TaskID: taskID, Action: HoldEscrow, EventID: NewEventID(), AmountCents: 3000,
		Metadata: map[string]any{"stripe_payment_intent_id": "pi_test"},
	}
	idemKey := engine.idempotencyKey(in)

	txID, _, err := engine.guardAndPrepare(ctx, in, idemKey)
	if err != nil {
		t.Fatalf("guard and prepare: %v", err)
	}
	if err := engine.setExecuting(ctx, txID); err != nil {
		t.Fatalf("set executing: %v", err)
	}
	// Simulate a crash between the provider call and commit: the
	// transaction is "executing" but the provider was never actually
	// invoked by this test, so recovery must invoke it for the first time.
	if _, err := engine.db.ExecContext(ctx, `
		UPDATE ledger_transactions SET created_at = NOW() - interval '1 hour' WHERE id = $1
	`, txID); err != nil {
		t.Fatalf("backdate transaction: %v", err)
	}

	recovered, err := engine.RecoverStuck(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("recover stuck: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 recovered transaction, got %d", recovered)
	}

	txn, err := engine.ledgerSvc.GetTransaction(ctx, engine.db, txID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if txn.Status != ledger.StatusCommitted {
		t.Fatalf("expected recovered transaction to be committed, got %s", txn.Status)
	}
	if provider.callCount(txID) != 1 {
		t.Fatalf("expected the provider to be replayed exactly once, got %d", provider.callCount(txID))
	}
}

func TestRecoverStuck_LeavesFreshInFlightTransactionsAlone(t *testing.T) {
	engine, _ := testEngine(t)
	ctx := context.Background()
	taskID := uuid.NewString()

	in := Input{
		TaskID: taskID, Action: HoldEscrow, EventID: NewEventID(), AmountCents: 1000,
		Metadata: map[string]any{"stripe_payment_intent_id": "pi_test"},
	}
	idemKey := engine.idempotencyKey(in)
	txID, _, err := engine.guardAndPrepare(ctx, in, idemKey)
	if err != nil {
		t.Fatalf("guard and prepare: %v", err)
	}
	if err := engine.setExecuting(ctx, txID); err != nil {
		t.Fatalf("set executing: %v", err)
	}

	recovered, err := engine.RecoverStuck(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("recover stuck: %v", err)
	}
	if recovered != 0 {
		t.Fatalf("expected a freshly-executing transaction to be left alone, got %d recovered", recovered)
	}
}
