package admission

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 32

// MemoryBackend keeps per-key timestamp slices in lock-sharded maps.
// Expired entries are pruned lazily on access and dropped by a
// periodic sweep.
type MemoryBackend struct {
	shards        [memoryShards]*memoryShard
	sweepInterval time.Duration
	now           func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type memoryShard struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
}

type memoryWindow struct {
	stamps   []int64 // unix ms, ascending
	expireAt int64
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithSweepInterval sets how often idle keys are dropped.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *MemoryBackend) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithMemoryClock overrides the clock used by the sweep.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryBackend) {
		m.now = now
	}
}

// NewMemoryBackend creates an in-process backend. Call Start to run the sweep.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		sweepInterval: time.Minute,
		now:           time.Now,
		stopCh:        make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &memoryShard{windows: make(map[string]*memoryWindow)}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name implements Backend.
func (m *MemoryBackend) Name() string { return "memory" }

// Admit implements Backend. It never returns an error.
func (m *MemoryBackend) Admit(_ context.Context, key string, now time.Time, window time.Duration, maxRequests int) (Result, error) {
	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()
	windowStart := nowMs - windowMs

	shard := m.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	w, ok := shard.windows[key]
	if !ok {
		w = &memoryWindow{}
		shard.windows[key] = w
	}
	w.prune(windowStart)

	count := len(w.stamps)
	if count+1 > maxRequests {
		earliest := nowMs
		if count > 0 {
			earliest = w.stamps[0]
		}
		if count == 0 {
			delete(shard.windows, key)
		}
		return Result{
			Allowed:           false,
			Remaining:         0,
			RetryAfterSeconds: retryAfterSeconds(earliest, windowMs, nowMs),
		}, nil
	}

	w.stamps = append(w.stamps, nowMs)
	w.expireAt = nowMs + windowMs
	return Result{
		Allowed:   true,
		Remaining: maxRequests - (count + 1),
	}, nil
}

// prune drops timestamps at or before windowStart.
func (w *memoryWindow) prune(windowStart int64) {
	i := 0
	for i < len(w.stamps) && w.stamps[i] <= windowStart {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

func (m *MemoryBackend) shard(key string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%memoryShards]
}

// Len returns the number of tracked keys.
func (m *MemoryBackend) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.windows)
		s.mu.Unlock()
	}
	return n
}

// Sweep drops keys whose expiry has passed and returns how many were removed.
func (m *MemoryBackend) Sweep() int {
	nowMs := m.now().UnixMilli()
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, w := range s.windows {
			if w.expireAt <= nowMs {
				delete(s.windows, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Start runs the periodic sweep until ctx is done or Stop is called.
func (m *MemoryBackend) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.Sweep()
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the sweep and waits for it to exit. Safe to call more than once.
func (m *MemoryBackend) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}
