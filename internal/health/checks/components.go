package checks

import (
	"context"
	"fmt"
	"sort"

	"github.com/bargom/resilience/internal/admission"
	"github.com/bargom/resilience/internal/delivery"
	"github.com/bargom/resilience/internal/failover"
	"github.com/bargom/resilience/internal/health"
)

// AdmissionChecker reports degraded while the controller serves decisions
// from its local fallback.
func AdmissionChecker(c *admission.Controller) health.Checker {
	return health.NewChecker("admission", health.SeverityWarning, func(context.Context) health.CheckResult {
		if c.Degraded() {
			return health.CheckResult{
				Status:  health.StatusDegraded,
				Message: "using local fallback",
			}
		}
		return health.CheckResult{Status: health.StatusHealthy}
	})
}

// QueueChecker reports degraded once the dead-letter store holds at least
// deadLetterThreshold items. A threshold of zero disables the check.
func QueueChecker(q *delivery.Queue, deadLetterThreshold int) health.Checker {
	return health.NewChecker("delivery_queue", health.SeverityWarning, func(context.Context) health.CheckResult {
		stats := q.Statistics()
		pending, dead := q.Length(), q.DeadLetterCount()

		result := health.CheckResult{
			Status: health.StatusHealthy,
			Details: map[string]any{
				"pending":               pending,
				"dead_letters":          dead,
				"total_queued":          stats.TotalQueued,
				"total_processed":       stats.TotalProcessed,
				"total_failed_attempts": stats.TotalFailedAttempts,
			},
		}
		if deadLetterThreshold > 0 && dead >= deadLetterThreshold {
			result.Status = health.StatusDegraded
			result.Message = fmt.Sprintf("%d dead letters", dead)
		}
		return result
	})
}

// FailoverChecker reports unhealthy when a manager's current provider is
// unavailable, and degraded when a manager runs on a fallback.
func FailoverChecker(r *failover.Registry) health.Checker {
	return health.NewChecker("failover", health.SeverityCritical, func(context.Context) health.CheckResult {
		managers := r.GetAll()
		names := make([]string, 0, len(managers))
		for name := range managers {
			names = append(names, name)
		}
		sort.Strings(names)

		result := health.CheckResult{Status: health.StatusHealthy}
		details := make(map[string]any, len(names))
		for _, name := range names {
			m := managers[name]
			current := m.Current()
			details[name] = current

			p, _ := m.Provider(current)
			switch {
			case !p.IsAvailable:
				result.Status = health.StatusUnhealthy
				result.Message = fmt.Sprintf("%s: current provider %s unavailable", name, current)
			case current != m.Config().PrimaryProvider && result.Status == health.StatusHealthy:
				result.Status = health.StatusDegraded
				result.Message = fmt.Sprintf("%s: running on fallback %s", name, current)
			}
		}
		if len(details) > 0 {
			result.Details = details
		}
		return result
	})
}
