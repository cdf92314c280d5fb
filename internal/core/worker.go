package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JonMunkholm/portfoliolens/internal/matching"
)

const (
	DefaultWorkerTimeout     = 10 * time.Second
	DefaultWorkerMaxLifespan = 10 * time.Minute
)

// WorkerOptions configures a WorkerManager.
type WorkerOptions struct {
	Enabled     bool
	Timeout     time.Duration
	MaxLifespan time.Duration
	Match       matching.Config
	CacheSize   int
	Now         func() time.Time
}

// Worker is an exclusively held matching engine. Its scorer cache is its
// own, so a retired worker takes its memory with it.
type Worker struct {
	ID     int64
	Engine *matching.Engine
	born   time.Time
}

// WorkerStats counts worker lifecycle events.
type WorkerStats struct {
	Created   int64 `json:"created"`
	Retired   int64 `json:"retired"`
	Timeouts  int64 `json:"timeouts"`
	Fallbacks int64 `json:"fallbacks"`
}

// WorkerManager owns one background matching worker. The worker is created
// lazily, lent out to one task at a time and replaced when it gets old or
// stops answering.
type WorkerManager struct {
	opts WorkerOptions

	mu      sync.Mutex
	current *Worker
	busy    bool
	nextID  int64

	created   atomic.Int64
	retired   atomic.Int64
	timeouts  atomic.Int64
	fallbacks atomic.Int64
}

// NewWorkerManager returns a manager; no worker exists until first use.
func NewWorkerManager(opts WorkerOptions) *WorkerManager {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultWorkerTimeout
	}
	if opts.MaxLifespan <= 0 {
		opts.MaxLifespan = DefaultWorkerMaxLifespan
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &WorkerManager{opts: opts}
}

// Timeout returns how long Offload waits for the worker.
func (m *WorkerManager) Timeout() time.Duration {
	return m.opts.Timeout
}

// Acquire lends out the worker. It returns false when offloading is
// disabled or the worker is busy. A worker past its lifespan is retired
// and replaced first.
func (m *WorkerManager) Acquire() (*Worker, bool) {
	if m == nil || !m.opts.Enabled {
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.busy {
		return nil, false
	}
	if m.current != nil && m.opts.Now().Sub(m.current.born) > m.opts.MaxLifespan {
		slog.Debug("retiring worker past lifespan", "worker_id", m.current.ID)
		m.current = nil
		m.retired.Add(1)
	}
	if m.current == nil {
		m.nextID++
		m.current = &Worker{
			ID:     m.nextID,
			Engine: matching.NewEngine(m.opts.Match, m.opts.CacheSize),
			born:   m.opts.Now(),
		}
		m.created.Add(1)
	}
	m.busy = true
	return m.current, true
}

// Release returns a worker after a task finished in time.
func (m *WorkerManager) Release(w *Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == w {
		m.busy = false
	}
}

// Retire discards w. Its task may still be running; whatever it produces
// is ignored, and the next Acquire starts a fresh worker.
func (m *WorkerManager) Retire(w *Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == w {
		m.current = nil
		m.busy = false
		m.retired.Add(1)
	}
}

// ClearCache drops the idle worker's memo caches.
func (m *WorkerManager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && !m.busy {
		m.current.Engine.ClearCache()
	}
}

// Stats returns lifecycle counters.
func (m *WorkerManager) Stats() WorkerStats {
	return WorkerStats{
		Created:   m.created.Load(),
		Retired:   m.retired.Load(),
		Timeouts:  m.timeouts.Load(),
		Fallbacks: m.fallbacks.Load(),
	}
}

type offloadResult[T any] struct {
	value T
	err   error
}

// Offload runs fn on the worker's engine. When the worker is unavailable,
// panics, or misses the timeout, fn runs synchronously on fallback instead,
// so callers always get a result. A timed-out worker is retired. Only ctx
// ending makes Offload fail.
func Offload[T any](ctx context.Context, m *WorkerManager, fallback *matching.Engine, task string, fn func(*matching.Engine) T) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}

	w, ok := m.Acquire()
	if !ok {
		if m != nil {
			m.fallbacks.Add(1)
		}
		return fn(fallback), nil
	}

	done := make(chan offloadResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- offloadResult[T]{err: fmt.Errorf("worker panic: %v", r)}
			}
		}()
		done <- offloadResult[T]{value: fn(w.Engine)}
	}()

	timer := time.NewTimer(m.opts.Timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err == nil {
			m.Release(w)
			return res.value, nil
		}
		slog.Warn("worker task failed, computing inline", "task", task, "worker_id", w.ID, "error", res.err)
		m.Retire(w)

	case <-timer.C:
		err := &WorkerTimeoutError{Task: task, Timeout: m.opts.Timeout}
		slog.Warn("worker timed out, computing inline", "worker_id", w.ID, "error", err)
		m.timeouts.Add(1)
		m.Retire(w)

	case <-ctx.Done():
		m.Retire(w)
		var zero T
		return zero, ctx.Err()
	}

	m.fallbacks.Add(1)
	return fn(fallback), nil
}
