package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"semgate/internal/domain"
)

// RefreshObserver is notified after every refresh attempt.
type RefreshObserver interface {
	ObserveRefresh(result string, snap *Snapshot)
}

// Refresh results reported to a RefreshObserver.
const (
	RefreshOK      = "ok"
	RefreshPartial = "partial"
	RefreshFailed  = "failed"
)

const defaultRefreshTimeout = 30 * time.Second

// Options configures a Catalog.
type Options struct {
	Database     string
	TTL          time.Duration
	MaxStaleness time.Duration
	// RefreshTimeout bounds one rebuild, including every store call it
	// makes. Defaults to 30s.
	RefreshTimeout time.Duration
	// Concurrency bounds parallel model fetches. Defaults to 8.
	Concurrency int
	Observer    RefreshObserver
	Logger      *slog.Logger
}

// Catalog serves immutable snapshots of the virtual schemas built from a
// model store. Readers never lock: the current snapshot is swapped
// atomically on refresh.
type Catalog struct {
	store        domain.ModelStore
	database     string
	ttl          time.Duration
	maxStaleness time.Duration
	timeout      time.Duration
	concurrency  int
	observer     RefreshObserver
	logger       *slog.Logger
	now          func() time.Time

	current    atomic.Pointer[Snapshot]
	version    atomic.Uint64
	group      singleflight.Group
	refreshing atomic.Bool

	mu      sync.Mutex
	cron    *cron.Cron
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a Catalog over store. No models are loaded until the first
// Snapshot or Refresh call.
func New(store domain.ModelStore, opts Options) *Catalog {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Database == "" {
		opts.Database = "semantic"
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = defaultRefreshTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Catalog{
		store:        store,
		database:     opts.Database,
		ttl:          opts.TTL,
		maxStaleness: opts.MaxStaleness,
		timeout:      opts.RefreshTimeout,
		concurrency:  opts.Concurrency,
		observer:     opts.Observer,
		logger:       logger.With("component", "catalog"),
		now:          time.Now,
		baseCtx:      ctx,
		cancel:       cancel,
	}
}

// Database returns the virtual database name.
func (c *Catalog) Database() string { return c.database }

// Current returns the published snapshot without triggering a load. It
// returns nil before the first successful refresh.
func (c *Catalog) Current() *Snapshot {
	return c.current.Load()
}

// Snapshot returns the current snapshot, loading it synchronously on first
// use. A snapshot older than the TTL triggers a background refresh and is
// still returned.
func (c *Catalog) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := c.current.Load()
	if snap == nil {
		snap, err := c.Refresh(ctx)
		if snap == nil {
			return nil, &domain.CatalogUnavailableError{Err: err}
		}
		return snap, nil
	}
	if c.ttl > 0 && snap.Age(c.now()) > c.ttl {
		c.refreshAsync()
	}
	return snap, nil
}

func (c *Catalog) refreshAsync() {
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.refreshing.Store(false)
		_, _ = c.Refresh(c.baseCtx)
	}()
}

// Invalidate forces an immediate rebuild and returns the new snapshot.
func (c *Catalog) Invalidate(ctx context.Context) (*Snapshot, error) {
	c.logger.Info("catalog invalidated")
	return c.Refresh(ctx)
}

// Refresh rebuilds the snapshot from the model store. Concurrent calls
// share one rebuild. The rebuild outlives a canceled caller but is bounded
// by the refresh timeout and aborted by Stop. When the store cannot be
// listed the last-known-good snapshot is returned together with the error.
func (c *Catalog) Refresh(ctx context.Context) (*Snapshot, error) {
	ch := c.group.DoChan("refresh", func() (any, error) {
		rctx, cancel := context.WithTimeout(c.baseCtx, c.timeout)
		defer cancel()
		return c.rebuild(rctx)
	})
	select {
	case res := <-ch:
		snap, _ := res.Val.(*Snapshot)
		return snap, res.Err
	case <-ctx.Done():
		return c.current.Load(), ctx.Err()
	}
}

func (c *Catalog) rebuild(ctx context.Context) (*Snapshot, error) {
	prev := c.current.Load()

	names, err := c.store.ListModels(ctx)
	if err != nil {
		c.reportStale(prev, err)
		c.observe(RefreshFailed, prev)
		return prev, fmt.Errorf("list models: %w", err)
	}

	models := make([]*domain.SemanticModel, len(names))
	failed := make([]bool, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, name := range names {
		g.Go(func() error {
			m, err := c.loadModel(gctx, name)
			if err != nil {
				failed[i] = true
				if kept := c.keepPrevious(prev, name, err); kept != nil {
					models[i] = kept
				}
				return nil
			}
			models[i] = m
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		c.reportStale(prev, err)
		c.observe(RefreshFailed, prev)
		return prev, fmt.Errorf("load models: %w", err)
	}

	loaded := models[:0]
	partial := false
	for i, m := range models {
		if failed[i] {
			partial = true
		}
		if m != nil {
			loaded = append(loaded, m)
		}
	}

	snap := NewSnapshot(c.version.Add(1), c.now(), c.database, loaded)
	c.current.Store(snap)
	c.logger.Info("catalog refreshed", "version", snap.Version, "schemas", len(snap.Schemas), "skipped", len(names)-len(loaded))
	if partial {
		c.observe(RefreshPartial, snap)
	} else {
		c.observe(RefreshOK, snap)
	}
	return snap, nil
}

func (c *Catalog) loadModel(ctx context.Context, name string) (*domain.SemanticModel, error) {
	m, err := c.store.GetModel(ctx, name)
	if err != nil {
		return nil, err
	}
	if m.Name != name {
		return nil, domain.ErrValidation("model stored as %q declares name %q", name, m.Name)
	}
	return m, nil
}

// keepPrevious decides what to publish for a model that failed to load.
// Transient store errors keep the previous definition; missing or invalid
// models are dropped.
func (c *Catalog) keepPrevious(prev *Snapshot, name string, err error) *domain.SemanticModel {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		c.logger.Warn("skipping invalid semantic model", "model", name, "error", err)
		return nil
	case domain.IsNotFound(err):
		c.logger.Warn("semantic model disappeared while listing", "model", name)
		return nil
	}
	if prev != nil {
		if s, ok := prev.Schema(domain.SchemaPrefix + name); ok {
			c.logger.Warn("model load failed, keeping previous definition", "model", name, "error", err)
			return s.Model
		}
	}
	c.logger.Warn("skipping semantic model", "model", name, "error", err)
	return nil
}

func (c *Catalog) reportStale(prev *Snapshot, err error) {
	if prev == nil {
		c.logger.Error("model store unavailable and no catalog snapshot exists", "error", err)
		return
	}
	age := prev.Age(c.now())
	if c.maxStaleness > 0 && age > c.maxStaleness {
		c.logger.Error("model store unavailable, serving stale catalog past max staleness",
			"version", prev.Version, "age", age.Round(time.Second), "max_staleness", c.maxStaleness, "error", err)
		return
	}
	c.logger.Warn("model store unavailable, serving last-known-good catalog",
		"version", prev.Version, "age", age.Round(time.Second), "error", err)
}

func (c *Catalog) observe(result string, snap *Snapshot) {
	if c.observer != nil {
		c.observer.ObserveRefresh(result, snap)
	}
}
