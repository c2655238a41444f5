package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hustlexp/money-core/internal/idgen"
	"github.com/hustlexp/money-core/internal/money/dbtx"
	"github.com/hustlexp/money-core/internal/money/merr"
)

// MemoryStore is an in-process Store for callers that don't need a real
// Postgres instance. It accepts the same dbtx.Querier parameter as
// PostgresStore for interface conformance but ignores it — all access is
// serialized by an internal mutex instead of a SQL transaction.
type MemoryStore struct {
	mu           sync.Mutex
	accounts     map[string]*Account
	transactions map[string]*Transaction
	byIdemKey    map[string]string
	snapshots    map[string]*Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*Account),
		transactions: make(map[string]*Transaction),
		byIdemKey:    make(map[string]string),
		snapshots:    make(map[string]*Snapshot),
	}
}

func (m *MemoryStore) GetAccount(_ context.Context, _ dbtx.Querier, id string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, merr.NotFound("ACCOUNT_NOT_FOUND", "ledger account not found")
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) CreateAccount(_ context.Context, _ dbtx.Querier, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acct.ID]; ok {
		return &dup{}
	}
	now := time.Now().UTC()
	cp := *acct
	cp.CreatedAt, cp.UpdatedAt = now, now
	m.accounts[acct.ID] = &cp
	return nil
}

func (m *MemoryStore) AdjustBalance(_ context.Context, _ dbtx.Querier, accountID string, deltaCents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return merr.NotFound("ACCOUNT_NOT_FOUND", "ledger account not found")
	}
	a.BalanceCents += deltaCents
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) CreateTransaction(_ context.Context, _ dbtx.Querier, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byIdemKey[txn.IdempotencyKey]; ok {
		return &dup{}
	}
	if txn.ID == "" {
		txn.ID = idgen.NewMonotonicULID().String()
	}
	txn.Status = StatusPending
	txn.CreatedAt = time.Now().UTC()
	cp := *txn
	cp.Entries = append([]Entry(nil), txn.Entries...)
	m.transactions[txn.ID] = &cp
	m.byIdemKey[txn.IdempotencyKey] = txn.ID
	return nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, _ dbtx.Querier, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, merr.NotFound("TRANSACTION_NOT_FOUND", "ledger transaction not found")
	}
	cp := *t
	cp.Entries = append([]Entry(nil), t.Entries...)
	return &cp, nil
}

func (m *MemoryStore) GetTransactionByIdempotencyKey(_ context.Context, _ dbtx.Querier, key string) (*Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byIdemKey[key]
	if !ok {
		return nil, false, nil
	}
	t := m.transactions[id]
	cp := *t
	cp.Entries = append([]Entry(nil), t.Entries...)
	return &cp, true, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, _ dbtx.Querier, id string, from, to TransactionStatus, failureReason *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return merr.NotFound("TRANSACTION_NOT_FOUND", "ledger transaction not found")
	}
	if t.Status != from {
		return merr.IllegalTransition("LEDGER_STATUS_CAS_FAILED", "transaction status changed concurrently", map[string]any{
			"transaction_id": id, "expected_from": from, "actual": t.Status,
		})
	}
	t.Status = to
	now := time.Now().UTC()
	switch to {
	case StatusCommitted:
		t.CommittedAt = &now
	case StatusFailed:
		t.FailedAt = &now
		if failureReason != nil {
			t.FailureReason = *failureReason
		}
	}
	return nil
}

func (m *MemoryStore) ListTransactionIDsForAccount(_ context.Context, _ dbtx.Querier, accountID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, t := range m.transactions {
		for _, e := range t.Entries {
			if e.AccountID == accountID {
				ids = append(ids, t.ID)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) ListEntriesForAccount(_ context.Context, _ dbtx.Querier, accountID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []Entry
	for _, t := range m.transactions {
		if t.Status != StatusCommitted && t.Status != StatusConfirmed {
			continue
		}
		for _, e := range t.Entries {
			if e.AccountID == accountID {
				entries = append(entries, e)
			}
		}
	}
	return entries, nil
}

func (m *MemoryStore) GetSnapshot(_ context.Context, _ dbtx.Querier, accountID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[accountID]
	if !ok {
		return nil, merr.NotFound("SNAPSHOT_NOT_FOUND", "no snapshot for account")
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) PutSnapshot(_ context.Context, _ dbtx.Querier, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snap
	if cp.TakenAt.IsZero() {
		cp.TakenAt = time.Now().UTC()
	}
	m.snapshots[snap.AccountID] = &cp
	return nil
}

// dup stands in for a unique-constraint violation. It is not a *pq.Error,
// so dbtx.UniqueViolation does not recognise it and Service's lost-race
// branches are not taken when it runs over a MemoryStore.
type dup struct{}

func (d *dup) Error() string { return "ledger: duplicate key" }
