package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hustlexp/money-core/internal/money/ledger"
	"github.com/hustlexp/money-core/internal/money/merr"
	"github.com/hustlexp/money-core/internal/money/provider"
	"github.com/hustlexp/money-core/internal/money/saga"
	"github.com/hustlexp/money-core/internal/pagination"
)

// ActionRecord is one append-only admin_actions row. Like LedgerEntry, these
// rows are never updated or deleted once written — the audit trail is
// append-only, the same as every other state-change log in this system.
type ActionRecord struct {
	ID         string
	AdminID    string
	ActionType string
	TaskID     string
	Reason     string
	Detail     map[string]any
	CreatedAt  time.Time
}

// ActionLogStore persists ActionRecord rows.
type ActionLogStore interface {
	Append(ctx context.Context, record ActionRecord) error
	// List returns up to limit records older than cursor (nil cursor means
	// "from the most recent"), ordered newest first. ListActions passes the
	// page size plus one so ComputePage can trim the result into a page
	// plus a next-cursor.
	List(ctx context.Context, limit int, cursor *pagination.Cursor) ([]ActionRecord, error)
}

type sqlActionLogStore struct {
	db *sql.DB
}

func NewActionLogStore(db *sql.DB) ActionLogStore { return &sqlActionLogStore{db: db} }

func (s *sqlActionLogStore) Append(ctx context.Context, record ActionRecord) error {
	detailJSON, err := json.Marshal(record.Detail)
	if err != nil {
		return fmt.Errorf("admin: marshal action detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO admin_actions (id, admin_id, action_type, task_id, reason, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, record.ID, record.AdminID, record.ActionType, record.TaskID, record.Reason, detailJSON)
	if err != nil {
		return fmt.Errorf("admin: append action log: %w", err)
	}
	return nil
}

func (s *sqlActionLogStore) List(ctx context.Context, limit int, cursor *pagination.Cursor) ([]ActionRecord, error) {
	query := `
		SELECT id, admin_id, action_type, task_id, reason, detail, created_at
		FROM admin_actions
	`
	args := []any{}
	if cursor != nil {
		query += ` WHERE (created_at, id) < ($1, $2) `
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ` + fmt.Sprintf("$%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("admin: list action log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []ActionRecord
	for rows.Next() {
		var r ActionRecord
		var detailJSON []byte
		if err := rows.Scan(&r.ID, &r.AdminID, &r.ActionType, &r.TaskID, &r.Reason, &detailJSON, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("admin: scan action log row: %w", err)
		}
		if len(detailJSON) > 0 {
			_ = json.Unmarshal(detailJSON, &r.Detail)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Dispatcher is the narrow saga.Engine surface admin operations need.
type Dispatcher interface {
	Execute(ctx context.Context, in saga.Input) (*saga.Output, error)
}

// TaskActivityLister is the narrow provider.Client surface BackfillTask
// needs to reconstruct provider truth for one task.
type TaskActivityLister interface {
	ListTaskActivity(ctx context.Context, taskID string) ([]provider.TaskProviderRecord, error)
}

// Service implements admin-initiated money operations: every
// call here bypasses the normal next_allowed_events guard via
// saga.Input.BypassGuard, and every call writes an undeletable log row
// before (not after) dispatching to the Saga, so a crash mid-dispatch still
// leaves a record that an admin attempted this override.
type Service struct {
	dispatcher       Dispatcher
	actionLog        ActionLogStore
	ledgerSvc        *ledger.Service
	db               *sql.DB
	providerActivity TaskActivityLister
}

func New(dispatcher Dispatcher, actionLog ActionLogStore, ledgerSvc *ledger.Service, db *sql.DB, providerActivity TaskActivityLister) *Service {
	return &Service{dispatcher: dispatcher, actionLog: actionLog, ledgerSvc: ledgerSvc, db: db, providerActivity: providerActivity}
}

// ForcePayout releases escrow to the worker even if the task's
// next_allowed_events does not currently include the released escrow
// state that RELEASE_PAYOUT leads to — e.g. a
// dispute resolved manually in the worker's favor.
func (s *Service) ForcePayout(ctx context.Context, adminID, taskID, workerID string, amountCents int64, reason string) (*saga.Output, error) {
	if adminID == "" || reason == "" {
		return nil, merr.Validation("ADMIN_ACTION_REQUIRES_REASON", "admin force actions require an admin id and a reason", nil)
	}
	eventID := saga.NewEventID()
	if err := s.actionLog.Append(ctx, ActionRecord{
		ID: eventID, AdminID: adminID, ActionType: "FORCE_PAYOUT", TaskID: taskID, Reason: reason,
		Detail: map[string]any{"worker_id": workerID, "amount_cents": amountCents}, CreatedAt: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	return s.dispatcher.Execute(ctx, saga.Input{
		TaskID: taskID, Action: saga.ReleasePayout, EventID: eventID, AmountCents: amountCents,
		WorkerID: workerID, BypassGuard: true, AdminID: adminID,
		Metadata: map[string]any{"admin_reason": reason},
	})
}

// ForceRefund returns escrow to the platform/poster even if the task's
// next_allowed_events does not currently include the refunded escrow
// state that REFUND_ESCROW leads to.
func (s *Service) ForceRefund(ctx context.Context, adminID, taskID string, amountCents int64, reason string) (*saga.Output, error) {
	if adminID == "" || reason == "" {
		return nil, merr.Validation("ADMIN_ACTION_REQUIRES_REASON", "admin force actions require an admin id and a reason", nil)
	}
	eventID := saga.NewEventID()
	if err := s.actionLog.Append(ctx, ActionRecord{
		ID: eventID, AdminID: adminID, ActionType: "FORCE_REFUND", TaskID: taskID, Reason: reason,
		Detail: map[string]any{"amount_cents": amountCents}, CreatedAt: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	return s.dispatcher.Execute(ctx, saga.Input{
		TaskID: taskID, Action: saga.RefundEscrow, EventID: eventID, AmountCents: amountCents,
		BypassGuard: true, AdminID: adminID,
		Metadata: map[string]any{"admin_reason": reason},
	})
}

// ListActions returns one cursor-paginated page of the admin audit trail,
// newest first. An empty cursorToken starts from the most recent row.
func (s *Service) ListActions(ctx context.Context, limit int, cursorToken string) ([]ActionRecord, string, bool, error) {
	cursor, err := pagination.Decode(cursorToken)
	if err != nil {
		return nil, "", false, merr.Validation("INVALID_CURSOR", "cursor is not a valid pagination token", nil)
	}
	records, err := s.actionLog.List(ctx, limit+1, cursor)
	if err != nil {
		return nil, "", false, err
	}
	page, next, hasMore := pagination.ComputePage(records, limit, func(r ActionRecord) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	return page, next, hasMore, nil
}

// BackfillResult reports one account's reconciliation outcome.
type BackfillResult struct {
	AccountID     string
	Matches       bool
	ComputedCents int64
	StoredCents   int64
}

// BackfillAccount audits one ledger account by recomputing its balance
// from committed entries and comparing it with the stored balance. It does
// not consult the provider (BackfillTask does that). It never writes a
// correction itself — a mismatch is an invariant violation surfaced to the
// admin, who decides the remediation (typically a manual correcting entry
// with its own idempotency key, not an automatic overwrite).
func (s *Service) BackfillAccount(ctx context.Context, adminID, accountID string) (*BackfillResult, error) {
	matches, computed, stored, err := s.ledgerSvc.AuditAccountBalance(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	result := &BackfillResult{AccountID: accountID, Matches: matches, ComputedCents: computed, StoredCents: stored}

	if err := s.actionLog.Append(ctx, ActionRecord{
		ID: saga.NewEventID(), AdminID: adminID, ActionType: "BACKFILL_AUDIT", TaskID: "", Reason: "scheduled reconciliation sweep",
		Detail: map[string]any{"account_id": accountID, "matches": matches, "computed_cents": computed, "stored_cents": stored},
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	if !matches {
		return result, merr.InvariantViolation("INV4_BALANCE_MISMATCH", "stored account balance does not match the sum of its committed entries", map[string]any{
			"account_id": accountID, "computed_cents": computed, "stored_cents": stored,
		})
	}
	return result, nil
}

// TaskBackfillResult reports provider-truth activity for one task alongside
// this system's own escrow-account reconciliation.
type TaskBackfillResult struct {
	TaskID          string
	ProviderRecords []provider.TaskProviderRecord
	EscrowAccountID string
	EscrowMatches   bool
	EscrowComputed  int64
	EscrowStored    int64
}

// BackfillTask reconstructs provider truth for one task: every
// PaymentIntent/Transfer/Refund Stripe recorded against it, cross-checked
// against the task's escrow account balance. BackfillAccount only audits
// our own committed entries against our own stored balance; this pulls the
// provider's own record of what actually happened, for the case where the
// suspicion is that our ledger and Stripe have diverged rather than that
// our stored balance merely drifted from our own entries.
func (s *Service) BackfillTask(ctx context.Context, adminID, taskID string) (*TaskBackfillResult, error) {
	if s.providerActivity == nil {
		return nil, merr.Validation("PROVIDER_BACKFILL_UNAVAILABLE", "no provider activity lister configured", nil)
	}
	records, err := s.providerActivity.ListTaskActivity(ctx, taskID)
	if err != nil {
		return nil, err
	}

	escrowAccountID := ledger.AccountID(taskID, "task_escrow_liability")
	matches, computed, stored, err := s.ledgerSvc.AuditAccountBalance(ctx, s.db, escrowAccountID)
	if err != nil {
		return nil, err
	}

	result := &TaskBackfillResult{
		TaskID: taskID, ProviderRecords: records, EscrowAccountID: escrowAccountID,
		EscrowMatches: matches, EscrowComputed: computed, EscrowStored: stored,
	}

	if err := s.actionLog.Append(ctx, ActionRecord{
		ID: saga.NewEventID(), AdminID: adminID, ActionType: "BACKFILL_TASK", TaskID: taskID, Reason: "provider-truth reconstruction",
		Detail:    map[string]any{"provider_record_count": len(records), "escrow_matches": matches},
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	if !matches {
		return result, merr.InvariantViolation("INV4_BALANCE_MISMATCH", "escrow account balance does not match the sum of its committed entries", map[string]any{
			"task_id": taskID, "computed_cents": computed, "stored_cents": stored,
		})
	}
	return result, nil
}
