package checks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bargom/resilience/internal/health"
)

// ArchiveChecker checks the SQL dead-letter archive.
type ArchiveChecker struct {
	db       *sql.DB
	timeout  time.Duration
	severity health.Severity
}

// ArchiveOption is a functional option for ArchiveChecker.
type ArchiveOption func(*ArchiveChecker)

// WithArchiveTimeout sets the ping timeout.
func WithArchiveTimeout(d time.Duration) ArchiveOption {
	return func(c *ArchiveChecker) {
		c.timeout = d
	}
}

// WithArchiveSeverity sets the severity level.
func WithArchiveSeverity(s health.Severity) ArchiveOption {
	return func(c *ArchiveChecker) {
		c.severity = s
	}
}

// NewArchiveChecker creates a checker for the archive database.
func NewArchiveChecker(db *sql.DB, opts ...ArchiveOption) *ArchiveChecker {
	c := &ArchiveChecker{
		db:       db,
		timeout:  2 * time.Second,
		severity: health.SeverityCritical,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the name of this health check.
func (c *ArchiveChecker) Name() string {
	return "dead_letter_archive"
}

// Severity returns the severity level of this check.
func (c *ArchiveChecker) Severity() health.Severity {
	return c.severity
}

// Check pings the database and reports pool usage.
func (c *ArchiveChecker) Check(ctx context.Context) health.CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return health.CheckResult{
			Status:  health.StatusUnhealthy,
			Message: fmt.Sprintf("archive ping failed: %v", err),
		}
	}

	stats := c.db.Stats()
	return health.CheckResult{
		Status: health.StatusHealthy,
		Details: map[string]any{
			"max_connections":  stats.MaxOpenConnections,
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
		},
	}
}
