package trust

import (
	"context"
	"fmt"
	"time"

	"github.com/hustlexp/money-core/internal/money/dbtx"
	"github.com/hustlexp/money-core/internal/money/merr"
)

// Tier is the 1-4 trust ranking.
type Tier int

const (
	TierVerified Tier = 1
	TierTrusted  Tier = 2
	TierProven   Tier = 3
	TierElite    Tier = 4
)

func (t Tier) valid() bool { return t >= TierVerified && t <= TierElite }

// DowngradeCooldown is the 30-day floor between downgrades.
const DowngradeCooldown = 30 * 24 * time.Hour

// TierChange is one append-only trust_ledger row.
type TierChange struct {
	UserID         string
	OldTier        Tier
	NewTier        Tier
	Reason         string
	TriggeredBy    string // "system" | "admin:<id>"
	TaskID         string
	IdempotencyKey string
	CreatedAt      time.Time
}

// TierStore persists TierChange rows and answers cooldown/lookup queries.
type TierStore interface {
	CurrentTier(ctx context.Context, q dbtx.Querier, userID string) (Tier, error)
	LastDowngradeAt(ctx context.Context, q dbtx.Querier, userID string) (*time.Time, error)
	InsertChange(ctx context.Context, q dbtx.Querier, change TierChange) error
}

// Service evaluates and records tier changes.
type Service struct {
	store TierStore
}

func New(store TierStore) *Service { return &Service{store: store} }

// Eval is the per-completion/per-dispute outcome feeding a tier decision.
type Eval struct {
	UserID      string
	TaskID      string
	Reason      string
	TriggeredBy string
	Direction   int // +1 upgrade attempt, -1 downgrade attempt
}

// Apply attempts the tier change implied by ev, enforcing the tier bounds
// (1-4 range) and the 30-day downgrade cooldown. A suppressed downgrade is
// not an error — it returns ok=false with no row written, and the caller
// is expected to log it (spec S6: "a log line records the suppressed change").
// Apply does not itself check an SLA-breach condition before an upgrade
// attempt — there is no SLA data model in this schema yet (no committed
// turnaround-time or dispute-rate target per user), so the check is
// deferred rather than faked against a made-up threshold; see DESIGN.md.
func (s *Service) Apply(ctx context.Context, q dbtx.Querier, ev Eval, idempotencyKey string) (changed bool, newTier Tier, err error) {
	current, err := s.store.CurrentTier(ctx, q, ev.UserID)
	if err != nil {
		return false, 0, err
	}

	target := current + Tier(ev.Direction)
	if !target.valid() {
		return false, current, nil // already at the bound; nothing to do
	}

	if ev.Direction < 0 {
		lastDowngrade, err := s.store.LastDowngradeAt(ctx, q, ev.UserID)
		if err != nil {
			return false, current, err
		}
		if lastDowngrade != nil && time.Since(*lastDowngrade) < DowngradeCooldown {
			return false, current, nil // suppressed: still within cooldown
		}
	}

	change := TierChange{
		UserID: ev.UserID, OldTier: current, NewTier: target,
		Reason: ev.Reason, TriggeredBy: ev.TriggeredBy, TaskID: ev.TaskID,
		IdempotencyKey: idempotencyKey, CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertChange(ctx, q, change); err != nil {
		if dbtx.UniqueViolation(err) {
			return false, current, nil // already recorded this exact change
		}
		return false, current, fmt.Errorf("trust: insert tier change: %w", err)
	}
	return true, target, nil
}

// RequireValidTier validates an externally-supplied tier (e.g. a manual
// admin override) against the tier bounds before it's ever written.
func RequireValidTier(t Tier) error {
	if !t.valid() {
		return merr.InvariantViolation("INV_TRUST_BOUNDS", "trust tier out of bounds", map[string]any{"tier": t})
	}
	return nil
}
