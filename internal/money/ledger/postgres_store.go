package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hustlexp/money-core/internal/idgen"
	"github.com/hustlexp/money-core/internal/money/dbtx"
	"github.com/hustlexp/money-core/internal/money/merr"
)

// PostgresStore implements Store against the tables the migrations create:
// ledger_accounts, ledger_transactions, ledger_entries, ledger_snapshots.
type PostgresStore struct{}

func NewPostgresStore() *PostgresStore {
	return &PostgresStore{}
}

func (p *PostgresStore) GetAccount(ctx context.Context, q dbtx.Querier, id string) (*Account, error) {
	a := &Account{}
	err := q.QueryRowContext(ctx, `
		SELECT id, owner_type, owner_id, type, template, balance_cents, created_at, updated_at
		FROM ledger_accounts WHERE id = $1
	`, id).Scan(&a.ID, &a.OwnerType, &a.OwnerID, &a.Type, &a.Template, &a.BalanceCents, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merr.NotFound("ACCOUNT_NOT_FOUND", "ledger account not found")
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get account: %w", err)
	}
	return a, nil
}

func (p *PostgresStore) CreateAccount(ctx context.Context, q dbtx.Querier, acct *Account) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_accounts (id, owner_type, owner_id, type, template, balance_cents, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, NOW(), NOW())
	`, acct.ID, acct.OwnerType, acct.OwnerID, acct.Type, acct.Template)
	if err != nil {
		return fmt.Errorf("ledger: create account: %w", err)
	}
	return nil
}

func (p *PostgresStore) AdjustBalance(ctx context.Context, q dbtx.Querier, accountID string, deltaCents int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE ledger_accounts SET balance_cents = balance_cents + $2, updated_at = NOW()
		WHERE id = $1
	`, accountID, deltaCents)
	if err != nil {
		return fmt.Errorf("ledger: adjust balance: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return merr.NotFound("ACCOUNT_NOT_FOUND", "ledger account not found")
	}
	return nil
}

func (p *PostgresStore) CreateTransaction(ctx context.Context, q dbtx.Querier, txn *Transaction) error {
	if txn.ID == "" {
		txn.ID = idgen.NewMonotonicULID().String()
	}
	metaJSON, err := json.Marshal(txn.Metadata)
	if err != nil {
		return fmt.Errorf("ledger: marshal metadata: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO ledger_transactions
			(id, type, status, idempotency_key, task_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, txn.ID, txn.Type, StatusPending, txn.IdempotencyKey, nullString(txn.TaskID), metaJSON)
	if err != nil {
		return fmt.Errorf("ledger: create transaction: %w", err)
	}
	txn.Status = StatusPending

	for _, e := range txn.Entries {
		_, err = q.ExecContext(ctx, `
			INSERT INTO ledger_entries (transaction_id, account_id, direction, amount_cents)
			VALUES ($1, $2, $3, $4)
		`, txn.ID, e.AccountID, e.Direction, e.AmountCents)
		if err != nil {
			return fmt.Errorf("ledger: create entry: %w", err)
		}
	}
	return nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, q dbtx.Querier, id string) (*Transaction, error) {
	txn := &Transaction{ID: id}
	var metaJSON []byte
	var taskID sql.NullString
	var failureReason sql.NullString
	var committedAt, failedAt sql.NullTime

	err := q.QueryRowContext(ctx, `
		SELECT type, status, idempotency_key, task_id, metadata, created_at, committed_at, failed_at, failure_reason
		FROM ledger_transactions WHERE id = $1
	`, id).Scan(&txn.Type, &txn.Status, &txn.IdempotencyKey, &taskID, &metaJSON, &txn.CreatedAt, &committedAt, &failedAt, &failureReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merr.NotFound("TRANSACTION_NOT_FOUND", "ledger transaction not found")
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get transaction: %w", err)
	}
	txn.TaskID = taskID.String
	txn.FailureReason = failureReason.String
	if committedAt.Valid {
		txn.CommittedAt = &committedAt.Time
	}
	if failedAt.Valid {
		txn.FailedAt = &failedAt.Time
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &txn.Metadata)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT account_id, direction, amount_cents FROM ledger_entries WHERE transaction_id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("ledger: list entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e Entry
		e.TransactionID = id
		if err := rows.Scan(&e.AccountID, &e.Direction, &e.AmountCents); err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		txn.Entries = append(txn.Entries, e)
	}
	return txn, rows.Err()
}

func (p *PostgresStore) GetTransactionByIdempotencyKey(ctx context.Context, q dbtx.Querier, key string) (*Transaction, bool, error) {
	var id string
	err := q.QueryRowContext(ctx, `SELECT id FROM ledger_transactions WHERE idempotency_key = $1`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("ledger: lookup idempotency key: %w", err)
	}
	txn, err := p.GetTransaction(ctx, q, id)
	if err != nil {
		return nil, false, err
	}
	return txn, true, nil
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, q dbtx.Querier, id string, from, to TransactionStatus, failureReason *string) error {
	var res sql.Result
	var err error
	switch to {
	case StatusCommitted:
		res, err = q.ExecContext(ctx, `
			UPDATE ledger_transactions SET status = $3, committed_at = NOW()
			WHERE id = $1 AND status = $2
		`, id, from, to)
	case StatusFailed:
		res, err = q.ExecContext(ctx, `
			UPDATE ledger_transactions SET status = $3, failed_at = NOW(), failure_reason = $4
			WHERE id = $1 AND status = $2
		`, id, from, to, nullString(derefOr(failureReason, "")))
	default:
		res, err = q.ExecContext(ctx, `
			UPDATE ledger_transactions SET status = $3 WHERE id = $1 AND status = $2
		`, id, from, to)
	}
	if err != nil {
		return fmt.Errorf("ledger: update status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return merr.IllegalTransition("LEDGER_STATUS_CAS_FAILED", "transaction status changed concurrently", map[string]any{
			"transaction_id": id, "expected_from": from, "to": to,
		})
	}
	return nil
}

func (p *PostgresStore) ListTransactionIDsForAccount(ctx context.Context, q dbtx.Querier, accountID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT t.id FROM ledger_transactions t
		JOIN ledger_entries e ON e.transaction_id = t.id
		WHERE e.account_id = $1
		ORDER BY t.id ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list transaction ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) ListEntriesForAccount(ctx context.Context, q dbtx.Querier, accountID string) ([]Entry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT e.transaction_id, e.direction, e.amount_cents FROM ledger_entries e
		JOIN ledger_transactions t ON t.id = e.transaction_id
		WHERE e.account_id = $1 AND t.status IN ('committed', 'confirmed')
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list entries for account: %w", err)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		e := Entry{AccountID: accountID}
		if err := rows.Scan(&e.TransactionID, &e.Direction, &e.AmountCents); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) GetSnapshot(ctx context.Context, q dbtx.Querier, accountID string) (*Snapshot, error) {
	s := &Snapshot{AccountID: accountID}
	err := q.QueryRowContext(ctx, `
		SELECT balance_cents, last_tx_id, taken_at FROM ledger_snapshots WHERE account_id = $1
	`, accountID).Scan(&s.BalanceCents, &s.LastTxID, &s.TakenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merr.NotFound("SNAPSHOT_NOT_FOUND", "no snapshot for account")
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get snapshot: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) PutSnapshot(ctx context.Context, q dbtx.Querier, snap *Snapshot) error {
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_snapshots (account_id, balance_cents, last_tx_id, taken_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id) DO UPDATE SET
			balance_cents = EXCLUDED.balance_cents,
			last_tx_id = EXCLUDED.last_tx_id,
			taken_at = EXCLUDED.taken_at
	`, snap.AccountID, snap.BalanceCents, snap.LastTxID, snap.TakenAt)
	if err != nil {
		return fmt.Errorf("ledger: put snapshot: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
