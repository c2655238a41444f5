// Package ledger implements the double-entry accounting core of the Money
// & Trust Core: deterministic accounts, ULID-ordered transactions, and the
// zero-sum invariant every balance-moving action must satisfy. It follows
// the shape of a narrow Store interface backed by Postgres (pq.Error
// SQLSTATE handling included), but replaces a single running-balance-per-
// wallet model with real debit/credit entries.
package ledger

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hustlexp/money-core/internal/money/dbtx"
	"github.com/hustlexp/money-core/internal/money/merr"
	"github.com/hustlexp/money-core/internal/traces"
)

// AccountOwnerType classifies who an account belongs to.
type AccountOwnerType string

const (
	OwnerPlatform AccountOwnerType = "platform"
	OwnerUser     AccountOwnerType = "user"
	OwnerTask     AccountOwnerType = "task"
)

// AccountType classifies the normal balance side of an account.
type AccountType string

const (
	TypeAsset     AccountType = "asset"
	TypeLiability AccountType = "liability"
	TypeEquity    AccountType = "equity"
	TypeExpense   AccountType = "expense"
)

// Direction is which side of a transaction an entry falls on.
type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

// TransactionStatus is the Ledger's own small state machine:
// pending -> executing -> committed | failed; committed -> confirmed.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusExecuting TransactionStatus = "executing"
	StatusCommitted TransactionStatus = "committed"
	StatusConfirmed TransactionStatus = "confirmed"
	StatusFailed    TransactionStatus = "failed"
)

// accountNamespace is the fixed UUID namespace account ids are derived
// under, so that uuid_from(sha256(owner||":"||template)) is stable across
// processes and restarts.
var accountNamespace = uuid.MustParse("6b9f1b1a-6e2e-4f1f-9a3a-2b6a1f7d8c11")

// Account is a single ledger account: platform-wide, per-user, or
// per-task, with a balance denominated in integer cents (never floats).
type Account struct {
	ID           string
	OwnerType    AccountOwnerType
	OwnerID      string
	Type         AccountType
	Template     string
	BalanceCents int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Entry is one leg of a Transaction: a signed movement against one account.
type Entry struct {
	TransactionID string
	AccountID     string
	Direction     Direction
	AmountCents   int64
}

// Transaction is an atomic, ULID-ordered group of Entries that must sum to
// zero (cardinality >= 2, debits == credits).
type Transaction struct {
	ID             string // ULID
	Type           string // the saga action, e.g. "CAPTURE", "RELEASE_PAYOUT", "REFUND_ESCROW"
	Status         TransactionStatus
	IdempotencyKey string
	TaskID         string
	Entries        []Entry
	Metadata       map[string]any
	CreatedAt      time.Time
	CommittedAt    *time.Time
	FailedAt       *time.Time
	FailureReason  string
}

// Snapshot is a point-in-time checkpoint of an account's balance. Stores
// persist snapshots, but neither ValidateMonotonicity nor
// AuditAccountBalance reads them; both scan the account's full history.
type Snapshot struct {
	AccountID     string
	BalanceCents  int64
	LastTxID      string // ULID of the last transaction folded into this snapshot
	TakenAt       time.Time
}

// template describes one of the canonical account templates the Saga's
// actions are allowed to resolve accounts against. owner_type/requiresOwner
// enforce that e.g. a "task_escrow_liability" account can't accidentally be
// minted under a user id.
type template struct {
	ownerType     AccountOwnerType
	accountType   AccountType
	requiresOwner bool
}

var templates = map[string]template{
	"task_escrow_liability":  {OwnerTask, TypeLiability, true},
	"user_payable":           {OwnerUser, TypeLiability, true},
	"platform_cash":          {OwnerPlatform, TypeAsset, false},
	"platform_fee_revenue":   {OwnerPlatform, TypeEquity, false},
	"platform_dispute_hold":  {OwnerPlatform, TypeLiability, false},
}

// AccountID computes the deterministic account id for (ownerID, tmpl):
// uuid_from(sha256(owner_id||":"||template)), so the same owner/template
// pair always resolves to the same account. The sha256 digest is hashed
// again via uuid.NewSHA1 over a fixed
// namespace so the result is a well-formed UUID (google/uuid has no
//"UUID from raw digest" constructor; NewSHA1 over our own digest bytes
// gives deterministic, replayable account IDs).
func AccountID(ownerID, tmpl string) string {
	sum := sha256.Sum256([]byte(ownerID + ":" + tmpl))
	return uuid.NewSHA1(accountNamespace, sum[:]).String()
}

// Service is the business-logic façade over a Store. It never opens its
// own transactions — every method takes a dbtx.Querier supplied by the
// caller (almost always the Saga), since every ledger operation must run
// inside an open transaction.
type Service struct {
	store Store
}

func New(store Store) *Service {
	return &Service{store: store}
}

// GetOrCreateAccount resolves the deterministic account for (ownerType,
// ownerID, tmpl), creating it on first use. tmpl must be one of the
// canonical templates; a mismatched ownerType is a validation error, not a
// silent coercion.
func (s *Service) GetOrCreateAccount(ctx context.Context, q dbtx.Querier, ownerType AccountOwnerType, ownerID, tmpl string) (*Account, error) {
	def, ok := templates[tmpl]
	if !ok {
		return nil, merr.Validation("UNKNOWN_ACCOUNT_TEMPLATE", "no such account template", map[string]any{"template": tmpl})
	}
	if def.ownerType != ownerType {
		return nil, merr.Validation("TEMPLATE_OWNER_MISMATCH", "template does not match owner type", map[string]any{
			"template": tmpl, "expected_owner_type": def.ownerType, "got_owner_type": ownerType,
		})
	}
	if def.requiresOwner && ownerID == "" {
		return nil, merr.Validation("TEMPLATE_REQUIRES_OWNER", "template requires a non-empty owner id", map[string]any{"template": tmpl})
	}

	id := AccountID(ownerID, tmpl)
	acct, err := s.store.GetAccount(ctx, q, id)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, merr.ErrNotFound) {
		return nil, err
	}

	acct = &Account{
		ID:        id,
		OwnerType: ownerType,
		OwnerID:   ownerID,
		Type:      def.accountType,
		Template:  tmpl,
	}
	if err := s.store.CreateAccount(ctx, q, acct); err != nil {
		if dbtx.UniqueViolation(err) {
			// Lost a create race; the row now exists, fetch it.
			return s.store.GetAccount(ctx, q, id)
		}
		return nil, err
	}
	return acct, nil
}

// normalSign returns the signed multiplier to apply to an entry's amount
// when folding it into an account's running balance, per standard
// double-entry convention: asset/expense accounts increase on debit,
// liability/equity accounts increase on credit.
func normalSign(t AccountType, d Direction) int64 {
	increases := Debit
	if t == TypeLiability || t == TypeEquity {
		increases = Credit
	}
	if d == increases {
		return 1
	}
	return -1
}

// PrepareTransaction validates entry cardinality and zero-sum,
// mints a monotonic ULID transaction id, and persists the transaction and
// its entries in status=pending. It does not touch account balances —
// that happens at Commit.
func (s *Service) PrepareTransaction(ctx context.Context, q dbtx.Querier, txType, idempotencyKey, taskID string, entries []Entry, metadata map[string]any) (*Transaction, error) {
	if len(entries) < 2 {
		return nil, merr.InvariantViolation("INV4_CARDINALITY", "transaction must have at least 2 entries", map[string]any{"count": len(entries)})
	}
	var debitSum, creditSum int64
	for _, e := range entries {
		if e.AmountCents <= 0 {
			return nil, merr.Validation("NONPOSITIVE_AMOUNT", "entry amount must be positive", map[string]any{"account_id": e.AccountID})
		}
		switch e.Direction {
		case Debit:
			debitSum += e.AmountCents
		case Credit:
			creditSum += e.AmountCents
		default:
			return nil, merr.Validation("BAD_DIRECTION", "entry direction must be debit or credit", map[string]any{"direction": e.Direction})
		}
	}
	if debitSum != creditSum {
		return nil, merr.InvariantViolation("INV4_ZEROSUM", "debits must equal credits", map[string]any{"debit_sum": debitSum, "credit_sum": creditSum})
	}

	existing, found, err := s.store.GetTransactionByIdempotencyKey(ctx, q, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if found {
		return existing, nil
	}

	txn := &Transaction{
		Type:           txType,
		Status:         StatusPending,
		IdempotencyKey: idempotencyKey,
		TaskID:         taskID,
		Entries:        entries,
		Metadata:       metadata,
	}
	if err := s.store.CreateTransaction(ctx, q, txn); err != nil {
		if dbtx.UniqueViolation(err) {
			existing, found, ferr := s.store.GetTransactionByIdempotencyKey(ctx, q, idempotencyKey)
			if ferr != nil {
				return nil, ferr
			}
			if found {
				return existing, nil
			}
		}
		return nil, err
	}
	return txn, nil
}

// SetExecuting transitions a prepared transaction to "executing", the
// durable marker recorded just before the Saga makes its external call.
func (s *Service) SetExecuting(ctx context.Context, q dbtx.Querier, txID string) error {
	return s.store.UpdateStatus(ctx, q, txID, StatusPending, StatusExecuting, nil)
}

// Commit folds a transaction's entries into account balances and marks it
// committed, all within the caller's transaction. This is the only point
// at which balances move.
func (s *Service) Commit(ctx context.Context, q dbtx.Querier, txID string) error {
	ctx, span := traces.StartSpan(ctx, "ledger.Commit", traces.Reference(txID))
	defer span.End()

	txn, err := s.store.GetTransaction(ctx, q, txID)
	if err != nil {
		return err
	}
	var moved int64
	for _, e := range txn.Entries {
		if e.Direction == Debit {
			moved += e.AmountCents
		}
	}
	span.SetAttributes(traces.TaskID(txn.TaskID), traces.Amount(fmtAmount(moved)))
	if txn.Status != StatusExecuting && txn.Status != StatusPending {
		return merr.IllegalTransition("LEDGER_COMMIT_FROM_BAD_STATE", "transaction not in a committable state", map[string]any{
			"transaction_id": txID, "status": txn.Status,
		})
	}
	for _, e := range txn.Entries {
		acct, err := s.store.GetAccount(ctx, q, e.AccountID)
		if err != nil {
			return err
		}
		delta := normalSign(acct.Type, e.Direction) * e.AmountCents
		if err := s.store.AdjustBalance(ctx, q, e.AccountID, delta); err != nil {
			return err
		}
	}
	return s.store.UpdateStatus(ctx, q, txID, txn.Status, StatusCommitted, nil)
}

// GetAccount fetches a single account by id, for callers outside the
// Service's own internal bookkeeping (e.g. crash recovery reconstructing a
// stuck transaction's counterparties).
func (s *Service) GetAccount(ctx context.Context, q dbtx.Querier, accountID string) (*Account, error) {
	return s.store.GetAccount(ctx, q, accountID)
}

// GetTransaction fetches a single transaction by id, for callers that need
// to re-read a transaction's recorded entries and metadata outside of
// PrepareTransaction/Commit (e.g. recovery replaying a stuck provider call).
func (s *Service) GetTransaction(ctx context.Context, q dbtx.Querier, txID string) (*Transaction, error) {
	return s.store.GetTransaction(ctx, q, txID)
}

// GetExisting looks up a transaction by idempotency key outside of any
// particular business transaction — used by callers (the Saga) that need
// a cheap replay check before deciding whether to open one.
func (s *Service) GetExisting(ctx context.Context, q dbtx.Querier, idempotencyKey string) (*Transaction, bool, error) {
	return s.store.GetTransactionByIdempotencyKey(ctx, q, idempotencyKey)
}

// Confirm transitions a committed transaction to confirmed — the webhook
// reconciler's stamp that the provider's own record agrees with ours.
// Confirmed transactions, like committed ones, are never mutated again.
func (s *Service) Confirm(ctx context.Context, q dbtx.Querier, txID string) error {
	return s.store.UpdateStatus(ctx, q, txID, StatusCommitted, StatusConfirmed, nil)
}

// MarkFailed transitions a non-terminal transaction to failed, recording
// reason. Balances are untouched — a failed transaction never moved money.
func (s *Service) MarkFailed(ctx context.Context, q dbtx.Querier, txID, reason string) error {
	txn, err := s.store.GetTransaction(ctx, q, txID)
	if err != nil {
		return err
	}
	if txn.Status == StatusCommitted || txn.Status == StatusConfirmed || txn.Status == StatusFailed {
		return merr.IllegalTransition("LEDGER_TERMINAL", "transaction already terminal", map[string]any{
			"transaction_id": txID, "status": txn.Status,
		})
	}
	return s.store.UpdateStatus(ctx, q, txID, txn.Status, StatusFailed, &reason)
}

// ValidateMonotonicity checks that, for the given account, stored
// transaction ids are strictly increasing in ULID order — a cheap guard
// against out-of-order writes slipping past application bugs.
func (s *Service) ValidateMonotonicity(ctx context.Context, q dbtx.Querier, accountID string) error {
	ids, err := s.store.ListTransactionIDsForAccount(ctx, q, accountID)
	if err != nil {
		return err
	}
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			return merr.InvariantViolation("INV_MONOTONIC", "transaction ids not strictly increasing", map[string]any{
				"account_id": accountID, "prev": ids[i-1], "next": ids[i],
			})
		}
	}
	return nil
}

// ReplayMatch implements the idempotency-replay check: if idempotencyKey
// already names a committed transaction, the caller's bodyHash must match
// the one stored in that transaction's metadata, or the request is a
// ReplayMismatch (same key, different intent — never silently accepted).
func (s *Service) ReplayMatch(ctx context.Context, q dbtx.Querier, idempotencyKey, bodyHash string) (*Transaction, error) {
	existing, found, err := s.store.GetTransactionByIdempotencyKey(ctx, q, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	storedHash, _ := existing.Metadata["body_hash"].(string)
	if storedHash != bodyHash {
		return nil, merr.InvariantViolation("REPLAY_MISMATCH", "idempotency key reused with a different request body", map[string]any{
			"idempotency_key": idempotencyKey, "transaction_id": existing.ID,
		})
	}
	return existing, nil
}

// AuditAccountBalance recomputes an account's balance from its full
// committed-entry history and reports whether it matches the stored
// running balance — the cross-check backing Testable Property 4 ("no
// ghost money") and the BackfillAccount/BackfillTask admin audits.
func (s *Service) AuditAccountBalance(ctx context.Context, q dbtx.Querier, accountID string) (matches bool, computed int64, stored int64, err error) {
	acct, err := s.store.GetAccount(ctx, q, accountID)
	if err != nil {
		return false, 0, 0, err
	}
	entries, err := s.store.ListEntriesForAccount(ctx, q, accountID)
	if err != nil {
		return false, 0, 0, err
	}
	var sum int64
	for _, e := range entries {
		sum += normalSign(acct.Type, e.Direction) * e.AmountCents
	}
	return sum == acct.BalanceCents, sum, acct.BalanceCents, nil
}

// fmtAmount renders cents as a decimal string for Commit's span amount
// attribute, without float formatting.
func fmtAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
