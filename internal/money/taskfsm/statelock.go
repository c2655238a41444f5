package taskfsm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hustlexp/money-core/internal/money/dbtx"
	"github.com/hustlexp/money-core/internal/money/merr"
)

// MoneyStateLock is the canonical pointer for a task's escrow/money status
// It is always read with SELECT ... FOR UPDATE before a Saga
// step evaluates or advances it.
type MoneyStateLock struct {
	TaskID            string
	CurrentState      EscrowState
	NextAllowedEvents []string
	Version           int64
}

// Allows reports whether the given escrow state is currently in
// NextAllowedEvents; the Saga passes an action's target state.
func (l *MoneyStateLock) Allows(action string) bool {
	for _, a := range l.NextAllowedEvents {
		if a == action {
			return true
		}
	}
	return false
}

// StateLockStore persists MoneyStateLock rows.
type StateLockStore struct{}

func NewStateLockStore() *StateLockStore { return &StateLockStore{} }

// GetForUpdate locks and returns the row, creating one in the initial
// "pending" state with its natural next_allowed_events if it doesn't exist
// yet (first call for a freshly created task/escrow pair).
func (s *StateLockStore) GetForUpdate(ctx context.Context, q dbtx.Querier, taskID string) (*MoneyStateLock, error) {
	l := &MoneyStateLock{TaskID: taskID}
	var eventsJSON []byte
	err := q.QueryRowContext(ctx, `
		SELECT current_state, next_allowed_events, version
		FROM money_state_lock WHERE task_id = $1 FOR UPDATE
	`, taskID).Scan(&l.CurrentState, &eventsJSON, &l.Version)
	if errors.Is(err, sql.ErrNoRows) {
		l.CurrentState = EscrowPending
		l.NextAllowedEvents = NextAllowedEvents(EscrowPending)
		l.Version = 0
		if err := s.insert(ctx, q, l); err != nil {
			return nil, err
		}
		return s.GetForUpdate(ctx, q, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("taskfsm: get money_state_lock: %w", err)
	}
	_ = json.Unmarshal(eventsJSON, &l.NextAllowedEvents)
	return l, nil
}

func (s *StateLockStore) insert(ctx context.Context, q dbtx.Querier, l *MoneyStateLock) error {
	eventsJSON, _ := json.Marshal(l.NextAllowedEvents)
	_, err := q.ExecContext(ctx, `
		INSERT INTO money_state_lock (task_id, current_state, next_allowed_events, version, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (task_id) DO NOTHING
	`, l.TaskID, l.CurrentState, eventsJSON, l.Version)
	return err
}

// Advance moves the lock to newState with a fresh next_allowed_events set
// and a CAS on version, failing with ConcurrencyConflict if another writer
// advanced it first (should be unreachable given the FOR UPDATE hold, but
// guards against a caller forgetting to hold it).
func (s *StateLockStore) Advance(ctx context.Context, q dbtx.Querier, taskID string, expectedVersion int64, newState EscrowState) error {
	eventsJSON, _ := json.Marshal(NextAllowedEvents(newState))
	res, err := q.ExecContext(ctx, `
		UPDATE money_state_lock
		SET current_state = $3, next_allowed_events = $4, version = version + 1, updated_at = NOW()
		WHERE task_id = $1 AND version = $2
	`, taskID, expectedVersion, newState, eventsJSON)
	if err != nil {
		return fmt.Errorf("taskfsm: advance money_state_lock: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return merr.ConcurrencyConflict("MONEY_STATE_LOCK_CAS_FAILED", "money_state_lock version changed concurrently", nil)
	}
	return nil
}
