package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is the snapshot age after which a refresh is started.
const DefaultTTL = 6 * time.Hour

// DefaultRefreshTimeout bounds one background metadata fetch.
const DefaultRefreshTimeout = 30 * time.Second

const refreshKey = "refresh"

// Fetcher lists the destination tables. It is the only thing the cache
// needs from the database layer.
type Fetcher interface {
	ListTables(ctx context.Context) ([]Table, error)
}

// Store persists snapshots across restarts.
// Load returns (nil, nil) when nothing has been saved.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
}

// FetchError reports a failed metadata fetch. It is a warning: the cache
// keeps serving the last good snapshot.
type FetchError struct {
	Err error
	// ServingFrom is the fetch time of the snapshot still being served
	// (zero when nothing was ever fetched).
	ServingFrom time.Time
}

func (e *FetchError) Error() string {
	if e.ServingFrom.IsZero() {
		return fmt.Sprintf("schema fetch failed, no snapshot available: %v", e.Err)
	}
	return fmt.Sprintf("schema fetch failed, serving snapshot from %s: %v",
		e.ServingFrom.Format(time.RFC3339), e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsFetchWarning reports whether err is a FetchError.
func IsFetchWarning(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// Options configures a Cache.
type Options struct {
	// TTL is the age at which a snapshot is stale (default DefaultTTL)
	TTL time.Duration
	// Store optionally persists snapshots; loaded snapshots obey TTL too
	Store Store
	// RefreshTimeout bounds background refreshes (default DefaultRefreshTimeout)
	RefreshTimeout time.Duration
	// Now overrides the clock in tests
	Now func() time.Time
}

// Cache serves schema snapshots.
//
// Readers always get a complete snapshot: refreshes build a new Snapshot and
// swap the pointer. A stale snapshot is returned immediately while one
// background refresh runs; only the very first load blocks.
type Cache struct {
	fetcher        Fetcher
	store          Store
	ttl            time.Duration
	refreshTimeout time.Duration
	now            func() time.Time

	current atomic.Pointer[Snapshot]
	lastErr atomic.Pointer[FetchError]
	loaded  atomic.Bool

	group      singleflight.Group
	durable    sync.Once
	installMu  sync.Mutex
	startSeq   atomic.Uint64
	installed  uint64
	version    uint64
	background sync.WaitGroup
}

// NewCache returns a Cache reading through fetcher.
func NewCache(fetcher Fetcher, opts Options) *Cache {
	c := &Cache{
		fetcher:        fetcher,
		store:          opts.Store,
		ttl:            opts.TTL,
		refreshTimeout: opts.RefreshTimeout,
		now:            opts.Now,
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.refreshTimeout <= 0 {
		c.refreshTimeout = DefaultRefreshTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.current.Store(emptySnapshot)
	return c
}

// Snapshot returns the snapshot currently served. Never nil.
func (c *Cache) Snapshot() *Snapshot {
	return c.current.Load()
}

// IsStale reports whether the current snapshot is older than maxAge.
// A cache that has never loaded is always stale.
func (c *Cache) IsStale(maxAge time.Duration) bool {
	snap := c.Snapshot()
	if snap.IsEmpty() {
		return true
	}
	return snap.Age(c.now()) > maxAge
}

// TTL returns the configured staleness threshold.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// LastError returns the most recent unresolved fetch failure, if any.
func (c *Cache) LastError() error {
	if fe := c.lastErr.Load(); fe != nil {
		return fe
	}
	return nil
}

// GetOrFetch returns the current snapshot, fetching synchronously only when
// nothing has ever been loaded. A stale snapshot is returned as is and a
// background refresh is started. The snapshot is never nil; the error, when
// non-nil, is a *FetchError warning describing the last failed refresh.
func (c *Cache) GetOrFetch(ctx context.Context) (*Snapshot, error) {
	c.loadDurable(ctx)

	if !c.loaded.Load() {
		err := c.refresh(ctx, false)
		return c.Snapshot(), err
	}

	if c.IsStale(c.ttl) {
		c.refreshInBackground(ctx)
	}
	return c.Snapshot(), c.LastError()
}

// ForceRefresh refetches synchronously, ignoring any refresh already in
// flight. On failure the previous snapshot stays and a *FetchError is returned.
func (c *Cache) ForceRefresh(ctx context.Context) error {
	return c.refresh(ctx, true)
}

// Invalidate refreshes after the caller mutated the schema. The fetch starts
// after the call, so the new snapshot reflects the mutation.
func (c *Cache) Invalidate(ctx context.Context) error {
	return c.ForceRefresh(ctx)
}

// Wait blocks until background refreshes finish.
func (c *Cache) Wait() {
	c.background.Wait()
}

func (c *Cache) refreshInBackground(ctx context.Context) {
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
		defer cancel()

		if err := c.refresh(bgCtx, false); err != nil {
			slog.Warn("background schema refresh failed", "error", err)
		}
	}()
}

func (c *Cache) refresh(ctx context.Context, force bool) error {
	if force {
		c.group.Forget(refreshKey)
	}
	_, err, _ := c.group.Do(refreshKey, func() (any, error) {
		return nil, c.fetch(ctx)
	})
	return err
}

// fetch loads tables and installs them unless a fetch that started later
// has already installed its result.
func (c *Cache) fetch(ctx context.Context) error {
	seq := c.startSeq.Add(1)

	tables, err := c.fetcher.ListTables(ctx)
	if err != nil {
		fe := &FetchError{Err: err, ServingFrom: c.Snapshot().FetchedAt}
		c.lastErr.Store(fe)
		return fe
	}

	c.installMu.Lock()
	if seq < c.installed {
		c.installMu.Unlock()
		return nil
	}
	c.installed = seq
	c.version++
	snap := NewSnapshot(tables, c.now()).withVersion(c.version)
	c.current.Store(snap)
	c.loaded.Store(true)
	c.lastErr.Store(nil)
	c.installMu.Unlock()

	slog.Debug("schema snapshot refreshed", "tables", snap.Len(), "version", snap.Version)

	if c.store != nil {
		if err := c.store.Save(ctx, snap); err != nil {
			slog.Warn("failed to persist schema snapshot", "error", err)
		}
	}
	return nil
}

// loadDurable installs the persisted snapshot once, if one exists and
// nothing newer has been fetched.
func (c *Cache) loadDurable(ctx context.Context) {
	if c.store == nil {
		return
	}
	c.durable.Do(func() {
		snap, err := c.store.Load(ctx)
		if err != nil {
			slog.Warn("failed to load persisted schema snapshot", "error", err)
			return
		}
		if snap == nil {
			return
		}

		c.installMu.Lock()
		defer c.installMu.Unlock()
		if c.loaded.Load() {
			return
		}
		c.version = max(c.version, snap.Version) + 1
		c.current.Store(snap.withVersion(c.version))
		c.loaded.Store(true)
		slog.Info("loaded persisted schema snapshot", "tables", snap.Len(), "fetched_at", snap.FetchedAt)
	})
}
