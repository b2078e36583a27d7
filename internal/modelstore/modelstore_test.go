package modelstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"semgate/internal/config"
	"semgate/internal/domain"
	"semgate/internal/testutil"
)

const salesYAML = `name: sales_metrics
description: Orders by region
base_table: analytics.fct_sales
entities:
  - name: order
    type: primary
    expr: order_id
dimensions:
  - name: region
    expr: region
  - name: ordered_at
    type: time
    expr: date_trunc('day', created_at)
measures:
  - name: revenue
    agg: SUM
    expr: amount
  - name: order_count
    agg: count
    expr: order_id
metrics:
  - name: total_revenue
    type: simple
    measure: revenue
  - name: avg_order_value
    type: ratio
    numerator: revenue
    denominator: order_count
  - name: aov_cents
    type: derived
    expr: avg_order_value * 100
`

const inventoryYAML = `name: inventory
base_table: analytics.stock
dimensions:
  - name: region
    expr: warehouse_region
measures:
  - name: units
    agg: sum
    expr: qty
`

func TestDecode(t *testing.T) {
	t.Parallel()

	m, err := DecodeBytes([]byte(salesYAML))
	require.NoError(t, err)

	assert.Equal(t, "sales_metrics", m.Name)
	assert.Equal(t, "analytics.fct_sales", m.BaseTable)
	require.Len(t, m.Dimensions, 2)
	assert.Equal(t, domain.DimensionCategorical, m.Dimensions[0].Kind, "type defaults to categorical")
	assert.Equal(t, domain.DimensionTime, m.Dimensions[1].Kind)
	require.Len(t, m.Measures, 2)
	assert.Equal(t, domain.AggSum, m.Measures[0].Agg, "aggregation is case-insensitive")
	require.Len(t, m.Metrics, 3)

	ratio, ok := m.Metrics[1].(*domain.RatioMetric)
	require.True(t, ok)
	assert.Equal(t, "revenue", ratio.Numerator)
	derived, ok := m.Metrics[2].(*domain.DerivedMetric)
	require.True(t, ok)
	assert.NotNil(t, derived.Parsed, "derived formulas are parsed during validation")
}

func TestDecode_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"empty", "", "empty model document"},
		{"unknown field", inventoryYAML + "owner: finance\n", "field owner not found"},
		{"bad syntax", "name: [unterminated", "parse model"},
		{"bad name", strings.Replace(inventoryYAML, "name: inventory", "name: Inventory-2", 1), "model name"},
		{"bad agg", strings.Replace(inventoryYAML, "agg: sum", "agg: median", 1), "agg must be one of"},
		{"bad metric type", inventoryYAML + "metrics:\n  - name: m\n    type: cumulative\n", "type must be one of simple, ratio, derived"},
		{"unknown measure", inventoryYAML + "metrics:\n  - name: m\n    type: simple\n    measure: missing\n", "unknown measure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeBytes([]byte(tt.doc))
			require.Error(t, err)
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEncode_DecodesBack(t *testing.T) {
	t.Parallel()

	want := testutil.SalesModel()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, want))

	got, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, DocOf(want), DocOf(got))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestDirStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "sales_metrics.yaml", salesYAML)
	writeFile(t, dir, "inventory.yml", inventoryYAML)
	writeFile(t, dir, "README.md", "not a model")
	writeFile(t, dir, ".hidden.yaml", inventoryYAML)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "archive.yaml"), 0o700))

	store, err := NewDirStore(dir)
	require.NoError(t, err)

	names, err := store.ListModels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"inventory", "sales_metrics"}, names)

	m, err := store.GetModel(ctx, "inventory")
	require.NoError(t, err)
	assert.Equal(t, "analytics.stock", m.BaseTable)

	_, err = store.GetModel(ctx, "missing")
	assert.True(t, domain.IsNotFound(err))

	_, err = store.GetModel(ctx, "../inventory")
	require.NoError(t, err, "names are confined to the model directory")
}

func TestDirStore_InvalidModel(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "broken.yaml", "name: broken\nbase_table: t\n")
	store, err := NewDirStore(dir)
	require.NoError(t, err)

	_, err = store.GetModel(context.Background(), "broken")
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, err.Error(), "broken.yaml")
}

func TestNewDirStore_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewDirStore(filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)

	dir := t.TempDir()
	writeFile(t, dir, "file", "x")
	_, err = NewDirStore(filepath.Join(dir, "file"))
	require.ErrorContains(t, err, "is not a directory")
}

func TestLoadDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "sales_metrics.yaml", salesYAML)
	writeFile(t, dir, "stock.yaml", inventoryYAML)
	writeFile(t, dir, "broken.yaml", "name: broken\n")

	models, err := LoadDir(context.Background(), dir)
	require.Error(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "sales_metrics", models[0].Name)
	assert.Contains(t, err.Error(), "broken.yaml")
	assert.Contains(t, err.Error(), `file declares model "inventory"`)
}

// memBucket is an in-memory Bucket.
type memBucket struct {
	mu      sync.Mutex
	objects map[string]string
	listErr error
}

func (b *memBucket) List(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	var keys []string
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *memBucket) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.objects[key]
	if !ok {
		return nil, domain.ErrNotFound("%s not found", key)
	}
	return []byte(v), nil
}

func TestBucketStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b := &memBucket{objects: map[string]string{
		"prod/sales_metrics.yaml":     salesYAML,
		"prod/inventory.yml":          inventoryYAML,
		"prod/archive/old.yaml":       inventoryYAML,
		"prod/notes.txt":              "x",
		"staging/sales_metrics.yaml":  salesYAML,
		"production/sales_trend.yaml": salesYAML,
	}}
	store := NewBucketStore(b, "/prod/")

	names, err := store.ListModels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"inventory", "sales_metrics"}, names)

	m, err := store.GetModel(ctx, "inventory")
	require.NoError(t, err)
	assert.Equal(t, "inventory", m.Name)

	_, err = store.GetModel(ctx, "old")
	assert.True(t, domain.IsNotFound(err))
}

func TestBucketStore_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b := &memBucket{objects: map[string]string{"bad.yaml": "name: bad\n"}}
	store := NewBucketStore(b, "")

	_, err := store.GetModel(ctx, "bad")
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)

	b.listErr = errors.New("access denied")
	_, err = store.ListModels(ctx)
	require.ErrorContains(t, err, "access denied")
}

func TestBucketStore_ServesCatalog(t *testing.T) {
	t.Parallel()

	b := &memBucket{objects: map[string]string{"sales_metrics.yaml": salesYAML}}
	store := NewBucketStore(b, "")

	var _ domain.ModelStore = store
	names, err := store.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"sales_metrics"}, names)
}

func TestParseLocation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    Location
		wantErr string
	}{
		{raw: "s3://models/prod/semantic/", want: Location{Scheme: "s3", Bucket: "models", Prefix: "prod/semantic"}},
		{raw: "gs://models", want: Location{Scheme: "gs", Bucket: "models"}},
		{raw: "az://container/prefix", want: Location{Scheme: "az", Bucket: "container", Prefix: "prefix"}},
		{raw: "ftp://host/path", wantErr: "unsupported scheme"},
		{raw: "s3:///prefix", wantErr: "missing bucket name"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			got, err := ParseLocation(tt.raw)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOpen_Directory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "inventory.yaml", inventoryYAML)

	for _, raw := range []string{"file://" + dir, dir} {
		store, err := Open(context.Background(), raw, &config.ObjectStoreConfig{})
		require.NoError(t, err)
		names, err := store.ListModels(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"inventory"}, names)
	}
}

func TestOpen_AzureRequiresAccount(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "az://models", &config.ObjectStoreConfig{})
	require.ErrorContains(t, err, "AZURE_ACCOUNT_NAME")
}

// fakeS3 serves path-style ListObjectsV2 and GetObject for one bucket.
func fakeS3(t *testing.T, bucket string, objects map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		name, key, _ := strings.Cut(path, "/")
		if name != bucket {
			http.Error(w, "no such bucket", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		if key == "" && r.URL.Query().Get("list-type") == "2" {
			prefix := r.URL.Query().Get("prefix")
			var keys []string
			for k := range objects {
				if strings.HasPrefix(k, prefix) {
					keys = append(keys, k)
				}
			}
			sort.Strings(keys)
			var body strings.Builder
			fmt.Fprintf(&body, `<?xml version="1.0" encoding="UTF-8"?>`+
				`<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`+
				`<Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>`,
				bucket, prefix, len(keys))
			for _, k := range keys {
				fmt.Fprintf(&body, `<Contents><Key>%s</Key><Size>%d</Size></Contents>`, k, len(objects[k]))
			}
			body.WriteString(`</ListBucketResult>`)
			_, _ = w.Write([]byte(body.String()))
			return
		}
		content, ok := objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`))
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write([]byte(content))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestS3Bucket(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv := fakeS3(t, "models", map[string]string{
		"prod/sales_metrics.yaml": salesYAML,
		"prod/inventory.yaml":     inventoryYAML,
	})
	endpoint := srv.URL
	keyID, secret := "key", "secret"
	cfg := &config.ObjectStoreConfig{S3Endpoint: &endpoint, S3KeyID: &keyID, S3Secret: &secret, S3URLStyle: "path"}

	store, err := Open(ctx, "s3://models/prod", cfg)
	require.NoError(t, err)

	names, err := store.ListModels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"inventory", "sales_metrics"}, names)

	m, err := store.GetModel(ctx, "sales_metrics")
	require.NoError(t, err)
	assert.Len(t, m.Metrics, 3)

	_, err = store.GetModel(ctx, "missing")
	assert.True(t, domain.IsNotFound(err))
}

func TestEndpointURL(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "https://s3.example.com", endpointURL("s3.example.com"))
	assert.Equal(t, "http://127.0.0.1:9000", endpointURL("http://127.0.0.1:9000"))
}
