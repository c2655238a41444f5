package ledger

import (
	"context"

	"github.com/hustlexp/money-core/internal/money/dbtx"
)

// Store is the persistence boundary for the ledger domain. Every method
// takes a dbtx.Querier (either *sql.DB or an in-flight *sql.Tx) rather than
// managing its own transaction — the caller owns the transaction boundary.
type Store interface {
	GetAccount(ctx context.Context, q dbtx.Querier, id string) (*Account, error)
	CreateAccount(ctx context.Context, q dbtx.Querier, acct *Account) error
	AdjustBalance(ctx context.Context, q dbtx.Querier, accountID string, deltaCents int64) error

	CreateTransaction(ctx context.Context, q dbtx.Querier, txn *Transaction) error
	GetTransaction(ctx context.Context, q dbtx.Querier, id string) (*Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, q dbtx.Querier, key string) (*Transaction, bool, error)
	UpdateStatus(ctx context.Context, q dbtx.Querier, id string, from, to TransactionStatus, failureReason *string) error

	ListTransactionIDsForAccount(ctx context.Context, q dbtx.Querier, accountID string) ([]string, error)
	ListEntriesForAccount(ctx context.Context, q dbtx.Querier, accountID string) ([]Entry, error)

	GetSnapshot(ctx context.Context, q dbtx.Querier, accountID string) (*Snapshot, error)
	PutSnapshot(ctx context.Context, q dbtx.Querier, snap *Snapshot) error
}
