package admin

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// OutcomeWindow is the rolling lookback the negative-outcome-rate
// analyzer uses.
const OutcomeWindow = 1 * time.Hour

// OutcomeAnalyzer computes the negative-outcome rate (the share of
// ledger_transactions created within OutcomeWindow whose status is
// 'failed') and engages SafeMode automatically when the rate exceeds the
// configured threshold.
type OutcomeAnalyzer struct {
	db        *sql.DB
	safeMode  *SafeMode
	threshold float64
}

func NewOutcomeAnalyzer(db *sql.DB, safeMode *SafeMode, threshold float64) *OutcomeAnalyzer {
	return &OutcomeAnalyzer{db: db, safeMode: safeMode, threshold: threshold}
}

// Rate computes the current negative-outcome rate over OutcomeWindow.
func (a *OutcomeAnalyzer) Rate(ctx context.Context) (float64, error) {
	var negative, total int64
	err := a.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'failed') AS negative,
			COUNT(*) AS total
		FROM ledger_transactions
		WHERE created_at > NOW() - $1::interval
	`, fmt.Sprintf("%d seconds", int(OutcomeWindow.Seconds()))).Scan(&negative, &total)
	if err != nil {
		return 0, fmt.Errorf("admin: compute outcome rate: %w", err)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(negative) / float64(total), nil
}

// Evaluate checks the current rate against threshold and engages the
// RELEASE_PAYOUT SafeMode block when the rate exceeds it. It only ever
// engages automatically; lifting requires an explicit admin call — it
// never clears itself.
func (a *OutcomeAnalyzer) Evaluate(ctx context.Context) (engaged bool, rate float64, err error) {
	rate, err = a.Rate(ctx)
	if err != nil {
		return false, 0, err
	}
	if rate > a.threshold {
		reason := fmt.Sprintf("negative outcome rate %.4f exceeded threshold %.4f over %s", rate, a.threshold, OutcomeWindow)
		if err := a.safeMode.Engage(ctx, "RELEASE_PAYOUT", reason); err != nil {
			return false, rate, err
		}
		return true, rate, nil
	}
	return false, rate, nil
}
