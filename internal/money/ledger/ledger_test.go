package ledger_test

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/hustlexp/money-core/internal/money/ledger"
	"github.com/hustlexp/money-core/internal/testutil"
)

func TestPrepareCommit_MovesBalancesAndIsZeroSum(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	svc := ledger.New(ledger.NewPostgresStore())
	taskID := uuid.NewString()
	workerID := uuid.NewString()

	escrow, err := svc.GetOrCreateAccount(ctx, db, ledger.OwnerTask, taskID, "task_escrow_liability")
	if err != nil {
		t.Fatalf("get or create escrow account: %v", err)
	}
	payable, err := svc.GetOrCreateAccount(ctx, db, ledger.OwnerUser, workerID, "user_payable")
	if err != nil {
		t.Fatalf("get or create payable account: %v", err)
	}

	entries := []ledger.Entry{
		{AccountID: escrow.ID, Direction: ledger.Debit, AmountCents: 5000},
		{AccountID: payable.ID, Direction: ledger.Credit, AmountCents: 5000},
	}
	txn, err := svc.PrepareTransaction(ctx, db, "release_payout", "idem-"+taskID, taskID, entries, nil)
	if err != nil {
		t.Fatalf("prepare transaction: %v", err)
	}
	if txn.Status != ledger.StatusPending {
		t.Fatalf("expected pending status, got %s", txn.Status)
	}

	if err := svc.SetExecuting(ctx, db, txn.ID); err != nil {
		t.Fatalf("set executing: %v", err)
	}
	if err := svc.Commit(ctx, db, txn.ID); err != nil {
		t.Fatalf("commit: %v", err)
	}

	after, err := svc.GetAccount(ctx, db, escrow.ID)
	if err != nil {
		t.Fatalf("get escrow account: %v", err)
	}
	if after.BalanceCents != -5000 {
		t.Fatalf("expected escrow liability to drop by 5000, got %d", after.BalanceCents)
	}
	afterPayable, err := svc.GetAccount(ctx, db, payable.ID)
	if err != nil {
		t.Fatalf("get payable account: %v", err)
	}
	if afterPayable.BalanceCents != 5000 {
		t.Fatalf("expected payable to gain 5000, got %d", afterPayable.BalanceCents)
	}

	matches, computed, stored, err := svc.AuditAccountBalance(ctx, db, payable.ID)
	if err != nil {
		t.Fatalf("audit account balance: %v", err)
	}
	if !matches || computed != stored {
		t.Fatalf("expected audited balance to match stored balance, computed=%d stored=%d", computed, stored)
	}
}

func TestPrepareTransaction_RejectsNonZeroSum(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	svc := ledger.New(ledger.NewPostgresStore())
	taskID := uuid.NewString()
	escrow, err := svc.GetOrCreateAccount(ctx, db, ledger.OwnerTask, taskID, "task_escrow_liability")
	if err != nil {
		t.Fatalf("get or create escrow account: %v", err)
	}
	platform, err := svc.GetOrCreateAccount(ctx, db, ledger.OwnerPlatform, "", "platform_cash")
	if err != nil {
		t.Fatalf("get or create platform account: %v", err)
	}

	entries := []ledger.Entry{
		{AccountID: escrow.ID, Direction: ledger.Debit, AmountCents: 1000},
		{AccountID: platform.ID, Direction: ledger.Credit, AmountCents: 900},
	}
	if _, err := svc.PrepareTransaction(ctx, db, "capture", "idem-"+taskID, taskID, entries, nil); err == nil {
		t.Fatal("expected zero-sum violation, got nil error")
	}
}

func TestPrepareTransaction_IdempotentOnReplay(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	svc := ledger.New(ledger.NewPostgresStore())
	taskID := uuid.NewString()
	escrow, err := svc.GetOrCreateAccount(ctx, db, ledger.OwnerTask, taskID, "task_escrow_liability")
	if err != nil {
		t.Fatalf("get or create escrow account: %v", err)
	}
	platform, err := svc.GetOrCreateAccount(ctx, db, ledger.OwnerPlatform, "", "platform_cash")
	if err != nil {
		t.Fatalf("get or create platform account: %v", err)
	}

	entries := []ledger.Entry{
		{AccountID: platform.ID, Direction: ledger.Debit, AmountCents: 2500},
		{AccountID: escrow.ID, Direction: ledger.Credit, AmountCents: 2500},
	}
	idemKey := "idem-hold-" + taskID
	first, err := svc.PrepareTransaction(ctx, db, "hold_escrow", idemKey, taskID, entries, nil)
	if err != nil {
		t.Fatalf("prepare first: %v", err)
	}
	second, err := svc.PrepareTransaction(ctx, db, "hold_escrow", idemKey, taskID, entries, nil)
	if err != nil {
		t.Fatalf("prepare second: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected replay to return the same transaction, got %s and %s", first.ID, second.ID)
	}
}

func TestMarkFailed_RefusesTerminalTransaction(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	svc := ledger.New(ledger.NewPostgresStore())
	taskID := uuid.NewString()
	escrow, err := svc.GetOrCreateAccount(ctx, db, ledger.OwnerTask, taskID, "task_escrow_liability")
	if err != nil {
		t.Fatalf("get or create escrow account: %v", err)
	}
	platform, err := svc.GetOrCreateAccount(ctx, db, ledger.OwnerPlatform, "", "platform_cash")
	if err != nil {
		t.Fatalf("get or create platform account: %v", err)
	}
	entries := []ledger.Entry{
		{AccountID: platform.ID, Direction: ledger.Debit, AmountCents: 100},
		{AccountID: escrow.ID, Direction: ledger.Credit, AmountCents: 100},
	}
	txn, err := svc.PrepareTransaction(ctx, db, "hold_escrow", "idem-fail-"+taskID, taskID, entries, nil)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := svc.SetExecuting(ctx, db, txn.ID); err != nil {
		t.Fatalf("set executing: %v", err)
	}
	if err := svc.Commit(ctx, db, txn.ID); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := svc.MarkFailed(ctx, db, txn.ID, "too late"); err == nil {
		t.Fatal("expected MarkFailed on a committed transaction to fail")
	}
}
