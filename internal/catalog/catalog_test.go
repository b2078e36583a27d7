package catalog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"semgate/internal/domain"
	"semgate/internal/testutil"
)

type recordingObserver struct {
	mu      sync.Mutex
	results []string
}

func (o *recordingObserver) ObserveRefresh(result string, _ *Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, result)
}

func TestBuildSchema_OneColumnPerElement(t *testing.T) {
	m := testutil.SalesModel()
	s := BuildSchema(m)

	assert.Equal(t, "sem_sales_metrics", s.Name)
	want := len(m.Dimensions) + len(m.Measures) + len(m.Metrics)
	require.Len(t, s.Columns(), want)

	seen := map[*Column]bool{}
	for _, c := range s.Columns() {
		require.False(t, seen[c], "column %s appears twice", c.Name)
		seen[c] = true
		switch c.Element {
		case ElementDimension:
			assert.NotNil(t, c.Dimension)
		case ElementMeasure:
			assert.NotNil(t, c.Measure)
		case ElementMetric:
			assert.NotNil(t, c.Metric)
		}
	}
	// every table column is one of the schema's element columns
	for _, tbl := range s.Tables {
		for _, c := range tbl.Columns {
			assert.True(t, seen[c], "%s.%s is not an element column", tbl.Name, c.Name)
		}
	}
}

func TestBuildSchema_Tables(t *testing.T) {
	s := BuildSchema(testutil.SalesModel())

	fact, ok := s.Table("fact")
	require.True(t, ok)
	assert.Equal(t, TableFact, fact.Kind)
	var names []string
	for _, c := range fact.Columns {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"region", "ordered_at", "is_online", "revenue", "order_count", "customers", "avg_amount"}, names)

	view, ok := s.Table("avg_order_value")
	require.True(t, ok)
	assert.Equal(t, TableMetricView, view.Kind)
	require.Len(t, view.Columns, 4)
	assert.Equal(t, "avg_order_value", view.Columns[3].Name)

	region, _ := fact.Column("region")
	viewRegion, _ := view.Column("region")
	assert.Same(t, region, viewRegion)
	assert.Equal(t, 1, view.Ordinal(viewRegion))
}

func TestTypeMapping(t *testing.T) {
	m := testutil.SalesModel()
	s := BuildSchema(m)
	fact, _ := s.Table("fact")

	typeOf := func(tbl *Table, name string) WireType {
		c, ok := tbl.Column(name)
		require.True(t, ok, name)
		return c.Type
	}
	assert.Equal(t, TypeText, typeOf(fact, "region"))
	assert.Equal(t, TypeTimestamp, typeOf(fact, "ordered_at"))
	assert.Equal(t, TypeBool, typeOf(fact, "is_online"))
	assert.Equal(t, TypeNumeric, typeOf(fact, "revenue"))
	assert.Equal(t, TypeInt8, typeOf(fact, "order_count"))
	assert.Equal(t, TypeInt8, typeOf(fact, "customers"))

	total, _ := s.Table("total_revenue")
	assert.Equal(t, TypeNumeric, typeOf(total, "total_revenue"))
	ratio, _ := s.Table("avg_order_value")
	assert.Equal(t, TypeNumeric, typeOf(ratio, "avg_order_value"))

	// identical semantic types always produce identical wire types
	for _, agg := range []domain.Aggregation{domain.AggSum, domain.AggCount, domain.AggAvg, domain.AggMin, domain.AggMax, domain.AggCountDistinct} {
		assert.Equal(t, TypeForMeasure(agg), TypeForMeasure(agg))
	}
	assert.Equal(t, TypeForMeasure(domain.AggMin), TypeForMeasure(domain.AggMax))
}

func TestCatalog_SnapshotLoadsLazily(t *testing.T) {
	store := testutil.NewMockModelStore(testutil.SalesModel(), testutil.InventoryModel())
	c := New(store, Options{TTL: time.Hour})

	assert.Nil(t, c.Current())
	snap, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.Version)
	require.Len(t, snap.Schemas, 2)
	assert.Equal(t, "sem_inventory", snap.Schemas[0].Name)
	assert.Equal(t, "sem_sales_metrics", snap.Schemas[1].Name)

	again, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Same(t, snap, again)
	assert.Equal(t, 1, store.ListCalls())
}

func TestCatalog_InvalidSkippedOthersPublished(t *testing.T) {
	store := testutil.NewMockModelStore(testutil.SalesModel())
	store.GetModelFn = func(_ context.Context, name string) (*domain.SemanticModel, error) {
		if name == "broken" {
			return nil, domain.ErrValidation("bad model")
		}
		return testutil.SalesModel(), nil
	}
	store.ListModelsFn = func(context.Context) ([]string, error) {
		return []string{"broken", "sales_metrics"}, nil
	}
	obs := &recordingObserver{}
	c := New(store, Options{Observer: obs})

	snap, err := c.Refresh(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Schemas, 1)
	assert.Equal(t, []string{RefreshPartial}, obs.results)
}

func TestCatalog_StoreDownServesLastKnownGood(t *testing.T) {
	store := testutil.NewMockModelStore(testutil.SalesModel())
	c := New(store, Options{})

	first, err := c.Refresh(context.Background())
	require.NoError(t, err)

	store.ListModelsFn = func(context.Context) ([]string, error) {
		return nil, errors.New("connection refused")
	}
	got, err := c.Refresh(context.Background())
	require.Error(t, err)
	assert.Same(t, first, got)

	snap, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, snap)
}

func TestCatalog_NoSnapshotIsUnavailable(t *testing.T) {
	store := testutil.NewMockModelStore()
	store.ListModelsFn = func(context.Context) ([]string, error) {
		return nil, errors.New("connection refused")
	}
	c := New(store, Options{})

	_, err := c.Snapshot(context.Background())
	var cu *domain.CatalogUnavailableError
	require.ErrorAs(t, err, &cu)
}

func TestCatalog_TransientModelErrorKeepsPrevious(t *testing.T) {
	store := testutil.NewMockModelStore(testutil.SalesModel())
	c := New(store, Options{})
	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	store.GetModelFn = func(context.Context, string) (*domain.SemanticModel, error) {
		return nil, errors.New("timeout")
	}
	snap, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Version)
	_, ok := snap.Schema("sem_sales_metrics")
	assert.True(t, ok)
}

func TestCatalog_RefreshIsCopyOnWrite(t *testing.T) {
	store := testutil.NewMockModelStore(testutil.SalesModel())
	c := New(store, Options{})
	old, err := c.Refresh(context.Background())
	require.NoError(t, err)

	store.Put(testutil.InventoryModel())
	fresh, err := c.Invalidate(context.Background())
	require.NoError(t, err)

	assert.Len(t, old.Schemas, 1)
	assert.Len(t, fresh.Schemas, 2)
	assert.Greater(t, fresh.Version, old.Version)
	assert.Same(t, fresh, c.Current())
}

func TestCatalog_ConcurrentRefreshCollapses(t *testing.T) {
	var lists atomic.Int32
	release := make(chan struct{})
	store := testutil.NewMockModelStore(testutil.SalesModel())
	store.ListModelsFn = func(context.Context) ([]string, error) {
		lists.Add(1)
		<-release
		return []string{"sales_metrics"}, nil
	}
	c := New(store, Options{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Refresh(context.Background())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), lists.Load())
}

func TestCatalog_StaleSnapshotRefreshesInBackground(t *testing.T) {
	store := testutil.NewMockModelStore(testutil.SalesModel())
	c := New(store, Options{TTL: time.Minute})
	now := time.Now()
	c.now = func() time.Time { return now }

	first, err := c.Snapshot(context.Background())
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	stale, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, stale)

	require.Eventually(t, func() bool {
		return c.Current().Version > first.Version
	}, time.Second, 10*time.Millisecond)
}

func TestCatalog_StartStop(t *testing.T) {
	store := testutil.NewMockModelStore(testutil.SalesModel())
	c := New(store, Options{TTL: time.Hour})
	require.NoError(t, c.Start(context.Background()))
	require.NotNil(t, c.Current())
	c.Stop()
}

func TestCatalog_StalledStoreDoesNotBlockLaterRefreshes(t *testing.T) {
	store := testutil.NewMockModelStore(testutil.SalesModel())
	store.ListModelsFn = func(ctx context.Context) ([]string, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c := New(store, Options{RefreshTimeout: 50 * time.Millisecond})
	t.Cleanup(c.Stop)

	_, err := c.Snapshot(context.Background())
	var cu *domain.CatalogUnavailableError
	require.ErrorAs(t, err, &cu)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	store.ListModelsFn = nil
	snap, err := c.Invalidate(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Schemas, 1)
	assert.Equal(t, 2, store.ListCalls())
}

func TestCatalog_TimedOutModelLoadIsNotPublished(t *testing.T) {
	store := testutil.NewMockModelStore(testutil.SalesModel())
	store.GetModelFn = func(ctx context.Context, _ string) (*domain.SemanticModel, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c := New(store, Options{RefreshTimeout: 50 * time.Millisecond})
	t.Cleanup(c.Stop)

	snap, err := c.Refresh(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, snap)
	assert.Nil(t, c.Current(), "an empty snapshot is never published after a timeout")
}

func TestCatalog_StopAbortsRunningRefresh(t *testing.T) {
	started := make(chan struct{})
	store := testutil.NewMockModelStore(testutil.SalesModel())
	store.ListModelsFn = func(ctx context.Context) ([]string, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c := New(store, Options{RefreshTimeout: time.Hour})

	done := make(chan error, 1)
	go func() {
		_, err := c.Refresh(context.Background())
		done <- err
	}()
	<-started
	c.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("refresh still running after Stop")
	}
}
