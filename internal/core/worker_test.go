package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/JonMunkholm/portfoliolens/internal/matching"
	"github.com/JonMunkholm/portfoliolens/internal/schema"
)

func testSnapshot() *schema.Snapshot {
	return schema.NewSnapshot([]schema.Table{
		{Name: "ln_payments", Columns: []schema.Column{{Name: "amount", SQLType: "numeric"}}},
		{Name: "ln_loans", Columns: []schema.Column{{Name: "loan_id", SQLType: "text"}}},
	}, time.Now())
}

func newTestWorkers(timeout time.Duration) *WorkerManager {
	return NewWorkerManager(WorkerOptions{
		Enabled:   true,
		Timeout:   timeout,
		Match:     matching.DefaultConfig(),
		CacheSize: 100,
	})
}

func TestOffload_RunsOnWorker(t *testing.T) {
	m := newTestWorkers(time.Second)
	fallback := matching.NewEngine(matching.DefaultConfig(), 100)

	var used *matching.Engine
	got, err := Offload(context.Background(), m, fallback, "rank", func(e *matching.Engine) int {
		used = e
		return 7
	})
	if err != nil || got != 7 {
		t.Fatalf("Offload() = %d, %v", got, err)
	}
	if used == fallback {
		t.Error("task ran on the fallback engine with an idle worker")
	}
	if s := m.Stats(); s.Created != 1 || s.Fallbacks != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestOffload_UnresponsiveWorkerFallsBack(t *testing.T) {
	m := newTestWorkers(20 * time.Millisecond)
	fallback := matching.NewEngine(matching.DefaultConfig(), 100)
	snap := testSnapshot()

	release := make(chan struct{})
	defer close(release)

	task := func(e *matching.Engine) *matching.TableSuggestion {
		if e != fallback {
			<-release // the worker hangs
		}
		return e.Tables.FindBestMatch("Payments", snap)
	}

	start := time.Now()
	got, err := Offload(context.Background(), m, fallback, "best-match", task)
	if err != nil {
		t.Fatalf("Offload() error = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("fallback waited far past the worker timeout")
	}

	want := matching.NewEngine(matching.DefaultConfig(), 100).Tables.FindBestMatch("Payments", snap)
	if got == nil || want == nil || *got != *want {
		t.Errorf("fallback result = %+v, want %+v", got, want)
	}

	s := m.Stats()
	if s.Timeouts != 1 || s.Retired != 1 || s.Fallbacks != 1 {
		t.Errorf("stats = %+v, want one timeout, retirement and fallback", s)
	}

	// the next task gets a fresh worker
	w, ok := m.Acquire()
	if !ok || w.ID != 2 {
		t.Errorf("Acquire after timeout = %v, %v; want fresh worker 2", w, ok)
	}
}

func TestOffload_BusyWorkerFallsBack(t *testing.T) {
	m := newTestWorkers(time.Second)
	fallback := matching.NewEngine(matching.DefaultConfig(), 100)

	held, ok := m.Acquire()
	if !ok {
		t.Fatal("Acquire failed")
	}

	var used *matching.Engine
	Offload(context.Background(), m, fallback, "t", func(e *matching.Engine) bool { used = e; return true })
	if used != fallback {
		t.Error("busy worker should make the task run on the fallback")
	}
	m.Release(held)
}

func TestOffload_PanicFallsBack(t *testing.T) {
	m := newTestWorkers(time.Second)
	fallback := matching.NewEngine(matching.DefaultConfig(), 100)

	got, err := Offload(context.Background(), m, fallback, "t", func(e *matching.Engine) string {
		if e != fallback {
			panic("worker broke")
		}
		return "inline"
	})
	if err != nil || got != "inline" {
		t.Errorf("Offload() = %q, %v; want inline result", got, err)
	}
	if m.Stats().Retired != 1 {
		t.Error("panicking worker not retired")
	}
}

func TestOffload_DisabledOrNilRunsInline(t *testing.T) {
	fallback := matching.NewEngine(matching.DefaultConfig(), 100)
	for name, m := range map[string]*WorkerManager{
		"disabled": NewWorkerManager(WorkerOptions{Enabled: false}),
		"nil":      nil,
	} {
		var used *matching.Engine
		Offload(context.Background(), m, fallback, "t", func(e *matching.Engine) int { used = e; return 0 })
		if used != fallback {
			t.Errorf("%s: task did not run inline", name)
		}
	}
}

func TestOffload_ContextCancelled(t *testing.T) {
	m := newTestWorkers(time.Second)
	fallback := matching.NewEngine(matching.DefaultConfig(), 100)

	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	defer close(release)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := Offload(ctx, m, fallback, "t", func(e *matching.Engine) int {
		<-release
		return 1
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Offload() = %v, want context.Canceled", err)
	}
}

func TestWorkerManager_LifespanRetirement(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewWorkerManager(WorkerOptions{
		Enabled:     true,
		MaxLifespan: 10 * time.Minute,
		Match:       matching.DefaultConfig(),
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		},
	})

	w1, _ := m.Acquire()
	m.Release(w1)
	w2, _ := m.Acquire()
	m.Release(w2)
	if w1 != w2 {
		t.Fatal("young worker was replaced")
	}

	mu.Lock()
	now = now.Add(11 * time.Minute)
	mu.Unlock()

	w3, _ := m.Acquire()
	if w3 == w1 {
		t.Error("worker past its lifespan was reused")
	}
	if m.Stats().Retired != 1 {
		t.Errorf("Retired = %d, want 1", m.Stats().Retired)
	}
	m.Release(w3)
}

func TestWorkerManager_OwnCaches(t *testing.T) {
	m := newTestWorkers(time.Second)
	fallback := matching.NewEngine(matching.DefaultConfig(), 100)

	Offload(context.Background(), m, fallback, "score", func(e *matching.Engine) int {
		return e.Scorer.Score("Loan Payments", "payment")
	})
	if fallback.Scorer.CacheLen() != 0 {
		t.Error("worker task filled the fallback cache")
	}

	w, _ := m.Acquire()
	if w.Engine.Scorer.CacheLen() == 0 {
		t.Error("worker cache is empty after a task")
	}
	m.Release(w)
	m.ClearCache()
	if w.Engine.Scorer.CacheLen() != 0 {
		t.Error("ClearCache left entries")
	}
}
