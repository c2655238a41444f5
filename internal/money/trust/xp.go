// Package trust implements the XP & Trust Services:
// per-escrow idempotent XP award with fixed-point decay and streak
// multiplier, and the append-only trust tier ledger with its 30-day
// downgrade cooldown. All money-adjacent math here is fixed-point integer
// arithmetic, per the Ledger's own "no floating point" rule generalized to
// XP; the one exception is the float64 log10 inside decayFactor, whose
// result is truncated into fixed point at once.
package trust

import (
	"context"
	"math"

	"github.com/hustlexp/money-core/internal/money/dbtx"
	"github.com/hustlexp/money-core/internal/money/merr"
)

// scale is the fixed-point scale used for decay_factor/streak_mult math:
// values are carried as integers representing value * scale, giving 4
// decimal places of precision as XP amounts are stored to.
const scale = 10000

// XPAward is the result of computing (not yet persisting) an XP award.
type XPAward struct {
	UserID        string
	EscrowID      string
	BaseXP        int64
	DecayFactor   int64 // fixed-point, scale=10000
	StreakMult    int64 // fixed-point, scale=10000
	FinalXP       int64
}

// streakTiers maps streak_days to its fixed-point multiplier, per the
// {1.0, 1.1, 1.2, 1.3, 1.5} table for tiers {1-2, 3-6, 7-13, 14-29, >=30}.
func streakMultiplier(streakDays int) int64 {
	switch {
	case streakDays >= 30:
		return 15000
	case streakDays >= 14:
		return 13000
	case streakDays >= 7:
		return 12000
	case streakDays >= 3:
		return 11000
	default:
		return 10000
	}
}

// decayFactor computes 1 / (1 + log10(1 + totalXPBefore/1000)) to 4 decimal
// places (round down). log10 itself is
// irreducibly a float operation (no integer log exists); we compute it
// once in float64 and immediately truncate into the fixed-point domain so
// every subsequent multiplication is pure integer arithmetic.
func decayFactor(totalXPBefore int64) int64 {
	x := 1.0 + float64(totalXPBefore)/1000.0
	factor := 1.0 / (1.0 + math.Log10(x))
	fixed := int64(math.Floor(factor * scale))
	if fixed < 1 {
		fixed = 1
	}
	return fixed
}

// baseXP computes max(10, floor(price_dollars)).
func baseXP(priceCents int64) int64 {
	dollars := priceCents / 100
	if dollars < 10 {
		return 10
	}
	return dollars
}

// ComputeAward implements the award formula exactly:
// final_xp = floor(base_xp * decay_factor * streak_mult), all fixed-point,
// round-down at every step.
func ComputeAward(userID, escrowID string, priceCents, userTotalXPBefore int64, streakDays int) XPAward {
	base := baseXP(priceCents)
	decay := decayFactor(userTotalXPBefore)
	streak := streakMultiplier(streakDays)

	// base * decay/scale * streak/scale, kept in the integer domain by
	// multiplying first and dividing by scale^2 last (round down).
	product := base * decay * streak
	final := product / (scale * scale)

	return XPAward{
		UserID: userID, EscrowID: escrowID,
		BaseXP: base, DecayFactor: decay, StreakMult: streak, FinalXP: final,
	}
}

// LevelThresholds is the fixed XP-to-level table.
var LevelThresholds = []int64{0, 100, 300, 700, 1500, 2700, 4500, 7000, 10500, 18500}

// LevelForTotalXP returns the 0-indexed level whose threshold totalXP has
// reached (the highest threshold <= totalXP).
func LevelForTotalXP(totalXP int64) int {
	level := 0
	for i, t := range LevelThresholds {
		if totalXP >= t {
			level = i
		}
	}
	return level
}

// XPStore persists xp_ledger rows. The unique constraint on escrow_id is
// the idempotency primitive; a second award attempt must surface
// as an InvariantViolation, not silently succeed.
type XPStore interface {
	InsertAward(ctx context.Context, q dbtx.Querier, award XPAward) error
}

// AwardXPForEscrow persists award inside the caller's transaction — which
// must be the same transaction that releases the escrow, since that is
// ("persisted inside the same DB transaction that releases the escrow").
func AwardXPForEscrow(ctx context.Context, q dbtx.Querier, store XPStore, award XPAward) error {
	if err := store.InsertAward(ctx, q, award); err != nil {
		if dbtx.UniqueViolation(err) {
			return merr.InvariantViolation("INV5_XP_DUPLICATE", "an xp row already exists for this escrow", map[string]any{"escrow_id": award.EscrowID})
		}
		return err
	}
	return nil
}
