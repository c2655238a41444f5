package trust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hustlexp/money-core/internal/idgen"
	"github.com/hustlexp/money-core/internal/money/dbtx"
)

// PostgresXPStore implements XPStore against the xp_ledger table.
type PostgresXPStore struct{}

func NewPostgresXPStore() *PostgresXPStore { return &PostgresXPStore{} }

func (s *PostgresXPStore) InsertAward(ctx context.Context, q dbtx.Querier, award XPAward) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO xp_ledger (id, user_id, escrow_id, base_xp, decay_factor, streak_mult, final_xp, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, idgen.NewMonotonicULID().String(), award.UserID, award.EscrowID, award.BaseXP, award.DecayFactor, award.StreakMult, award.FinalXP)
	if err != nil {
		return fmt.Errorf("trust: insert xp award: %w", err)
	}
	return nil
}

// TotalXP sums a user's awarded XP, feeding decayFactor's totalXPBefore and
// LevelForTotalXP.
func (s *PostgresXPStore) TotalXP(ctx context.Context, q dbtx.Querier, userID string) (int64, error) {
	var total sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT SUM(final_xp) FROM xp_ledger WHERE user_id = $1`, userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("trust: sum xp: %w", err)
	}
	return total.Int64, nil
}

// PostgresTierStore implements TierStore against the trust_ledger table.
type PostgresTierStore struct{}

func NewPostgresTierStore() *PostgresTierStore { return &PostgresTierStore{} }

func (s *PostgresTierStore) CurrentTier(ctx context.Context, q dbtx.Querier, userID string) (Tier, error) {
	var tier sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT new_tier FROM trust_ledger WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1
	`, userID).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) || !tier.Valid {
		return TierVerified, nil
	}
	if err != nil {
		return 0, fmt.Errorf("trust: current tier: %w", err)
	}
	return Tier(tier.Int64), nil
}

func (s *PostgresTierStore) LastDowngradeAt(ctx context.Context, q dbtx.Querier, userID string) (*time.Time, error) {
	var t sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT created_at FROM trust_ledger
		WHERE user_id = $1 AND new_tier < old_tier
		ORDER BY created_at DESC LIMIT 1
	`, userID).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) || !t.Valid {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trust: last downgrade: %w", err)
	}
	return &t.Time, nil
}

func (s *PostgresTierStore) InsertChange(ctx context.Context, q dbtx.Querier, change TierChange) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO trust_ledger (id, user_id, old_tier, new_tier, reason, triggered_by, task_id, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, idgen.NewMonotonicULID().String(), change.UserID, change.OldTier, change.NewTier, change.Reason, change.TriggeredBy, change.TaskID, change.IdempotencyKey, change.CreatedAt)
	if err != nil {
		return fmt.Errorf("trust: insert tier change: %w", err)
	}
	return nil
}
