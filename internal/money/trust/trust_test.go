package trust_test

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/hustlexp/money-core/internal/money/trust"
	"github.com/hustlexp/money-core/internal/testutil"
)

func TestComputeAward_BaseXPFloorsAtTen(t *testing.T) {
	award := trust.ComputeAward("user-1", "escrow-1", 500, 0, 0)
	if award.BaseXP != 10 {
		t.Fatalf("expected base xp to floor at 10 for a $5 task, got %d", award.BaseXP)
	}
}

func TestComputeAward_DecaysWithPriorXP(t *testing.T) {
	low := trust.ComputeAward("user-1", "escrow-1", 10000, 0, 0)
	high := trust.ComputeAward("user-1", "escrow-2", 10000, 50000, 0)
	if high.FinalXP >= low.FinalXP {
		t.Fatalf("expected higher prior XP to decay the award: low=%d high=%d", low.FinalXP, high.FinalXP)
	}
}

func TestComputeAward_StreakMultiplierIncreasesAward(t *testing.T) {
	noStreak := trust.ComputeAward("user-1", "escrow-1", 10000, 0, 0)
	longStreak := trust.ComputeAward("user-1", "escrow-2", 10000, 0, 30)
	if longStreak.FinalXP <= noStreak.FinalXP {
		t.Fatalf("expected a 30-day streak to increase the award: no_streak=%d streak=%d", noStreak.FinalXP, longStreak.FinalXP)
	}
}

func TestLevelForTotalXP_PicksHighestReachedThreshold(t *testing.T) {
	if got := trust.LevelForTotalXP(0); got != 0 {
		t.Fatalf("expected level 0 at zero xp, got %d", got)
	}
	if got := trust.LevelForTotalXP(299); got != 1 {
		t.Fatalf("expected level 1 just under the level-2 threshold, got %d", got)
	}
	if got := trust.LevelForTotalXP(18500); got != len(trust.LevelThresholds)-1 {
		t.Fatalf("expected the top level at the top threshold, got %d", got)
	}
}

func TestAwardXPForEscrow_DuplicateEscrowIsInvariantViolation(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	store := trust.NewPostgresXPStore()
	award := trust.ComputeAward(uuid.NewString(), uuid.NewString(), 5000, 0, 0)

	if err := trust.AwardXPForEscrow(ctx, db, store, award); err != nil {
		t.Fatalf("first award: %v", err)
	}
	if err := trust.AwardXPForEscrow(ctx, db, store, award); err == nil {
		t.Fatal("expected a second award for the same escrow to fail")
	}

	total, err := store.TotalXP(ctx, db, award.UserID)
	if err != nil {
		t.Fatalf("total xp: %v", err)
	}
	if total != award.FinalXP {
		t.Fatalf("expected total xp to equal the single award, got %d want %d", total, award.FinalXP)
	}
}

func TestTierService_Apply_UpgradesAndRespectsBounds(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	svc := trust.New(trust.NewPostgresTierStore())
	userID := uuid.NewString()

	for i := 0; i < 3; i++ {
		changed, _, err := svc.Apply(ctx, db, trust.Eval{
			UserID: userID, TaskID: uuid.NewString(), Reason: "task_completed",
			TriggeredBy: "system", Direction: 1,
		}, "idem-up-"+uuid.NewString())
		if err != nil {
			t.Fatalf("apply upgrade %d: %v", i, err)
		}
		if !changed {
			t.Fatalf("expected upgrade %d to change the tier", i)
		}
	}

	// A fourth upgrade attempt from TierElite (4) must be a no-op: there is
	// no tier 5.
	changed, tier, err := svc.Apply(ctx, db, trust.Eval{
		UserID: userID, TaskID: uuid.NewString(), Reason: "task_completed",
		TriggeredBy: "system", Direction: 1,
	}, "idem-up-"+uuid.NewString())
	if err != nil {
		t.Fatalf("apply upgrade past the ceiling: %v", err)
	}
	if changed || tier != trust.TierElite {
		t.Fatalf("expected the tier to stay pinned at Elite, got changed=%v tier=%v", changed, tier)
	}
}

func TestTierService_Apply_SuppressesDowngradeWithinCooldown(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	svc := trust.New(trust.NewPostgresTierStore())
	userID := uuid.NewString()

	// Start the user above the tier floor so the downgrades below land on
	// valid tiers instead of being rejected for hitting the bound.
	for i := 0; i < 2; i++ {
		if _, _, err := svc.Apply(ctx, db, trust.Eval{
			UserID: userID, TaskID: uuid.NewString(), Reason: "task_completed",
			TriggeredBy: "system", Direction: 1,
		}, "idem-setup-"+uuid.NewString()); err != nil {
			t.Fatalf("setup upgrade %d: %v", i, err)
		}
	}

	changedFirst, _, err := svc.Apply(ctx, db, trust.Eval{
		UserID: userID, TaskID: uuid.NewString(), Reason: "dispute_lost",
		TriggeredBy: "system", Direction: -1,
	}, "idem-down-1")
	if err != nil {
		t.Fatalf("first downgrade attempt: %v", err)
	}
	if !changedFirst {
		t.Fatal("expected the first downgrade, from a tier above the floor, to take effect")
	}

	changed, _, err := svc.Apply(ctx, db, trust.Eval{
		UserID: userID, TaskID: uuid.NewString(), Reason: "dispute_lost",
		TriggeredBy: "system", Direction: -1,
	}, "idem-down-2")
	if err != nil {
		t.Fatalf("second downgrade attempt: %v", err)
	}
	if changed {
		t.Fatal("expected a second downgrade within the 30-day cooldown to be suppressed")
	}
}

