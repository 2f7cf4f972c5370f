package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bargom/resilience/pkg/logging"
)

// Interval runs fn every interval in-process. It is used when asynq is
// disabled.
type Interval struct {
	interval time.Duration
	fn       func(ctx context.Context)
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInterval creates a runner; call Start to begin.
func NewInterval(interval time.Duration, fn func(ctx context.Context), logger *slog.Logger) *Interval {
	return &Interval{
		interval: interval,
		fn:       fn,
		logger:   logging.ComponentLogger(logger, "scheduler"),
	}
}

// Start begins ticking until ctx is done or Stop is called.
func (r *Interval) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.fn(ctx)
			case <-ctx.Done():
				return
			}
		}
	}(r.done)
	r.logger.Info("interval runner started", "interval", r.interval)
}

// Stop cancels the loop and waits for a running fn to return.
func (r *Interval) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil
}
