// Package admin implements the Admin, Recovery & Safety surface:
// a DB-backed global killswitch, a per-user/per-task denylist, SafeMode
// (an automatic partial killswitch driven by the outcome analyzer), and
// admin-initiated force-payout/force-refund/backfill operations that bypass
// the normal next_allowed_events guard while still writing an undeletable
// audit trail.
package admin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Killswitch is a single mutable row: flipping it blocks every money-moving
// Saga action platform-wide until an admin clears it.
type Killswitch struct {
	db *sql.DB
}

func NewKillswitch(db *sql.DB) *Killswitch { return &Killswitch{db: db} }

// Active satisfies saga.Killswitch.
func (k *Killswitch) Active(ctx context.Context) (active bool, reason string, err error) {
	err = k.db.QueryRowContext(ctx, `SELECT active, reason FROM killswitch WHERE id = 1`).Scan(&active, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("admin: read killswitch: %w", err)
	}
	return active, reason, nil
}

// Activate flips the killswitch on, recording who did it and why.
func (k *Killswitch) Activate(ctx context.Context, reason, activatedBy string) error {
	_, err := k.db.ExecContext(ctx, `
		INSERT INTO killswitch (id, active, reason, activated_by, activated_at)
		VALUES (1, true, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET active = true, reason = $1, activated_by = $2, activated_at = NOW()
	`, reason, activatedBy)
	if err != nil {
		return fmt.Errorf("admin: activate killswitch: %w", err)
	}
	return nil
}

// Deactivate clears the killswitch.
func (k *Killswitch) Deactivate(ctx context.Context, deactivatedBy string) error {
	_, err := k.db.ExecContext(ctx, `
		UPDATE killswitch SET active = false, reason = '', activated_by = $1, activated_at = NOW() WHERE id = 1
	`, deactivatedBy)
	if err != nil {
		return fmt.Errorf("admin: deactivate killswitch: %w", err)
	}
	return nil
}

// SafeMode is behaviorally identical to a partial killswitch: it blocks a
// named subset of actions (rather than everything) and is toggled by the
// outcome analyzer rather than a human.
type SafeMode struct {
	db *sql.DB
}

func NewSafeMode(db *sql.DB) *SafeMode { return &SafeMode{db: db} }

// BlockedActions returns the action names currently suppressed by SafeMode.
func (s *SafeMode) BlockedActions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT action FROM safe_mode_blocks`)
	if err != nil {
		return nil, fmt.Errorf("admin: list safe mode blocks: %w", err)
	}
	defer rows.Close()
	var actions []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// Engage blocks action, recording the negative-outcome-rate trigger that
// caused it ("triggered automatically when the negative outcome
// rate over a rolling window exceeds the configured threshold").
func (s *SafeMode) Engage(ctx context.Context, action, triggerReason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO safe_mode_blocks (action, trigger_reason, engaged_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (action) DO UPDATE SET trigger_reason = $2, engaged_at = NOW()
	`, action, triggerReason)
	if err != nil {
		return fmt.Errorf("admin: engage safe mode: %w", err)
	}
	return nil
}

// Disengage clears the block on action. SafeMode never clears itself —
// lifting a block always requires this explicit admin call.
func (s *SafeMode) Disengage(ctx context.Context, action, liftedBy string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM safe_mode_blocks WHERE action = $1`, action)
	if err != nil {
		return fmt.Errorf("admin: disengage safe mode: %w", err)
	}
	return s.recordLift(ctx, action, liftedBy)
}

func (s *SafeMode) recordLift(ctx context.Context, action, liftedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO safe_mode_lift_log (action, lifted_by, lifted_at) VALUES ($1, $2, NOW())
	`, action, liftedBy)
	return err
}

// Denylist blocks a specific user or task from initiating new money-moving
// actions, independent of the global killswitch. No TTL: entries persist
// until an admin removes them.
type Denylist struct {
	db *sql.DB
}

func NewDenylist(db *sql.DB) *Denylist { return &Denylist{db: db} }

func (d *Denylist) IsBlocked(ctx context.Context, subjectType, subjectID string) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM denylist WHERE subject_type = $1 AND subject_id = $2)
	`, subjectType, subjectID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("admin: check denylist: %w", err)
	}
	return exists, nil
}

func (d *Denylist) Add(ctx context.Context, subjectType, subjectID, reason, addedBy string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO denylist (subject_type, subject_id, reason, added_by, added_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (subject_type, subject_id) DO UPDATE SET reason = $3, added_by = $4, added_at = NOW()
	`, subjectType, subjectID, reason, addedBy)
	if err != nil {
		return fmt.Errorf("admin: add to denylist: %w", err)
	}
	return nil
}

func (d *Denylist) Remove(ctx context.Context, subjectType, subjectID string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM denylist WHERE subject_type = $1 AND subject_id = $2`, subjectType, subjectID)
	if err != nil {
		return fmt.Errorf("admin: remove from denylist: %w", err)
	}
	return nil
}
