package obs

import (
	"context"
	"database/sql"

	"github.com/hustlexp/money-core/internal/health"
)

// RegisterHealthChecks wires the money-domain health signals into the
// shared health.Registry: DB reachability, outbox backlog age, and the
// global killswitch state, each surfaced as a named health.Status so
// /health's detail view shows *why* the system is unhealthy,
// not just that it is.
func RegisterHealthChecks(registry *health.Registry, db *sql.DB, outboxAgeThresholdSeconds float64) {
	registry.Register("database", func(ctx context.Context) health.Status {
		if err := db.PingContext(ctx); err != nil {
			return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "database", Healthy: true}
	})

	registry.Register("outbox_backlog", func(ctx context.Context) health.Status {
		var ageSeconds sql.NullFloat64
		err := db.QueryRowContext(ctx, `
			SELECT EXTRACT(EPOCH FROM (NOW() - MIN(created_at)))
			FROM outbox_events WHERE published_at IS NULL
		`).Scan(&ageSeconds)
		if err != nil {
			return health.Status{Name: "outbox_backlog", Healthy: false, Detail: err.Error()}
		}
		if !ageSeconds.Valid {
			return health.Status{Name: "outbox_backlog", Healthy: true, Detail: "empty"}
		}
		if ageSeconds.Float64 > outboxAgeThresholdSeconds {
			return health.Status{Name: "outbox_backlog", Healthy: false, Detail: "oldest unpublished event exceeds threshold"}
		}
		return health.Status{Name: "outbox_backlog", Healthy: true}
	})

	registry.Register("killswitch", func(ctx context.Context) health.Status {
		var active bool
		var reason string
		err := db.QueryRowContext(ctx, `SELECT active, reason FROM killswitch WHERE id = 1`).Scan(&active, &reason)
		if err != nil {
			return health.Status{Name: "killswitch", Healthy: true, Detail: "not engaged"}
		}
		if active {
			return health.Status{Name: "killswitch", Healthy: false, Detail: reason}
		}
		return health.Status{Name: "killswitch", Healthy: true}
	})
}
