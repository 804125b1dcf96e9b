package services

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/scanvault/backend/internal/cache"
	"github.com/kimhsiao/scanvault/backend/internal/config"
	apperrors "github.com/kimhsiao/scanvault/backend/internal/errors"
	"github.com/kimhsiao/scanvault/backend/internal/models"
	syncpkg "github.com/kimhsiao/scanvault/backend/internal/sync"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type backend struct {
	srv    *httptest.Server
	assets map[string][]byte
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 640, 480))))
	return buf.Bytes()
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{assets: map[string][]byte{
		"t1": []byte("%PDF-1.4 certificate template"),
		"t2": pngBytes(t),
	}}
	updated := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	mux := http.NewServeMux()
	mux.HandleFunc("/templates/catalog", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		var entries []models.CatalogEntry
		for _, id := range []string{"t1", "t2"} {
			data := b.assets[id]
			entries = append(entries, models.CatalogEntry{
				ID:          id,
				Name:        "Template " + id,
				Version:     "1",
				UpdatedAt:   updated,
				FileSize:    int64(len(data)),
				ContentHash: cache.ContentHash(data),
			})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"templates": entries})
	})
	mux.HandleFunc("/templates/t1/content", func(w http.ResponseWriter, r *http.Request) {
		w.Write(b.assets["t1"])
	})
	mux.HandleFunc("/templates/t2/content", func(w http.ResponseWriter, r *http.Request) {
		w.Write(b.assets["t2"])
	})
	mux.HandleFunc("/licenses/validate", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("code") {
		case "GOOD":
			w.Write([]byte(`{"valid":true,"license":{"id":"L1","templateId":"t1","status":"active"}}`))
		case "REVOKED":
			w.Write([]byte(`{"valid":false,"reason":"revoked"}`))
		default:
			http.NotFound(w, r)
		}
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func newCore(t *testing.T, baseURL string, clk *clock, reg prometheus.Registerer) *Core {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Gateway.BaseURL = baseURL
	cfg.NetworkTimeoutSeconds = 2

	opts := Options{InMemory: true, Filesystem: memfs.New(), Registry: reg}
	if clk != nil {
		opts.Clock = clk.Now
	}
	core, err := New(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { core.Close() })
	return core
}

func waitReady(t *testing.T, c *Core) {
	t.Helper()
	select {
	case <-c.Ready():
	case <-time.After(10 * time.Second):
		t.Fatal("core never became ready")
	}
}

func TestStart_syncsCatalog(t *testing.T) {
	b := newBackend(t)
	core := newCore(t, b.srv.URL, nil, nil)
	ctx := context.Background()

	var (
		mu        sync.Mutex
		completed []models.SyncOutcome
	)
	core.Subscribe(syncpkg.ObserverFunc(func(ev syncpkg.Event) {
		if ev.Type == syncpkg.EventPassCompleted {
			mu.Lock()
			completed = append(completed, ev.Operation.Outcome)
			mu.Unlock()
		}
	}))

	require.NoError(t, core.Start(ctx))
	waitReady(t, core)

	mu.Lock()
	assert.Equal(t, []models.SyncOutcome{models.OutcomeSuccess}, completed)
	mu.Unlock()

	templates, err := core.Templates(ctx)
	require.NoError(t, err)
	require.Len(t, templates, 2)
	for _, tpl := range templates {
		assert.Equal(t, models.SyncStatusSynced, tpl.SyncStatus, tpl.ID)
	}

	stats, err := core.CacheStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ItemCount)
	assert.Equal(t, 1, stats.ThumbnailCount, "only the image gets a thumbnail")
	assert.Equal(t, int64(config.DefaultMaxCacheSizeBytes), stats.MaxSizeBytes)

	data, entry, err := core.Asset(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, b.assets["t1"], data)
	assert.Equal(t, "application/pdf", entry.ContentType)

	thumb, thumbEntry, err := core.Thumbnail(ctx, "t2")
	require.NoError(t, err)
	assert.NotEmpty(t, thumb)
	assert.Equal(t, models.CacheKindThumbnail, thumbEntry.Kind)
	assert.Equal(t, "image/jpeg", thumbEntry.ContentType)

	_, _, err = core.Thumbnail(ctx, "t1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "documents have no thumbnail")

	syncStats, err := core.SyncStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, syncStats.SuccessCount)
	assert.False(t, syncStats.IsSyncing)
	require.NotNil(t, syncStats.LastResult)
	assert.Equal(t, models.TriggerStartup, syncStats.LastResult.TriggeredBy)
}

func TestValidate_onlineThenOffline(t *testing.T) {
	b := newBackend(t)
	core := newCore(t, b.srv.URL, nil, nil)
	ctx := context.Background()

	out, err := core.Validate(ctx, "GOOD")
	require.NoError(t, err)
	assert.True(t, out.Valid)
	assert.Equal(t, models.MethodOnline, out.Method)
	assert.Equal(t, "t1", out.TemplateID)

	b.srv.Close()

	out, err = core.Validate(ctx, "GOOD")
	require.NoError(t, err)
	assert.True(t, out.Valid)
	assert.True(t, out.CacheHit)

	_, err = core.Validate(ctx, "NEVER-SEEN")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFoundOffline), "got %v", err)
}

func TestValidate_revoked(t *testing.T) {
	b := newBackend(t)
	core := newCore(t, b.srv.URL, nil, nil)

	out, err := core.Validate(context.Background(), "REVOKED")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrRevoked), "got %v", err)
	if out != nil {
		assert.False(t, out.Valid)
	}
}

func TestClearValidationCache(t *testing.T) {
	b := newBackend(t)
	core := newCore(t, b.srv.URL, nil, nil)
	ctx := context.Background()

	_, err := core.Validate(ctx, "GOOD")
	require.NoError(t, err)

	n, err := core.ClearValidationCache(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// Without records the next offline lookup has nothing to fall back on.
	b.srv.Close()
	_, err = core.Validate(ctx, "GOOD")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFoundOffline), "got %v", err)
}

func TestMaintain_purgesOldRecords(t *testing.T) {
	b := newBackend(t)
	clk := &clock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	core := newCore(t, b.srv.URL, clk, nil)
	ctx := context.Background()

	_, err := core.Validate(ctx, "GOOD")
	require.NoError(t, err)

	clk.Advance(31 * 24 * time.Hour)
	require.NoError(t, core.maintain(ctx))

	n, err := core.records.Count(ctx, "GOOD")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNoGateway_offlineOnly(t *testing.T) {
	core := newCore(t, "", nil, nil)
	ctx := context.Background()

	require.NoError(t, core.Start(ctx))
	waitReady(t, core)

	core.SetOnlineStatus(true)
	_, err := core.SyncAll(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork), "got %v", err)

	_, err = core.Validate(ctx, "GOOD")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFoundOffline), "got %v", err)

	_, _, err = core.Asset(ctx, "t1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestSyncOne_manual(t *testing.T) {
	b := newBackend(t)
	core := newCore(t, b.srv.URL, nil, nil)
	ctx := context.Background()

	op, err := core.SyncOne(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, op.Outcome)
	assert.Equal(t, "t2", op.TemplateID)

	history, err := core.SyncHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, op.ID, history[0].ID)
}

func TestMetrics_registered(t *testing.T) {
	b := newBackend(t)
	reg := prometheus.NewRegistry()
	core := newCore(t, b.srv.URL, nil, reg)

	_, err := core.Validate(context.Background(), "GOOD")
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["scanvault_validations_total"], "got %v", names)
}
