// Package services wires the ScanVault core together and exposes the
// operations the desktop, mobile and CLI front ends call.
package services

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/kimhsiao/scanvault/backend/internal/cache"
	"github.com/kimhsiao/scanvault/backend/internal/config"
	"github.com/kimhsiao/scanvault/backend/internal/db"
	apperrors "github.com/kimhsiao/scanvault/backend/internal/errors"
	"github.com/kimhsiao/scanvault/backend/internal/gateway"
	"github.com/kimhsiao/scanvault/backend/internal/logging"
	"github.com/kimhsiao/scanvault/backend/internal/media"
	"github.com/kimhsiao/scanvault/backend/internal/metrics"
	"github.com/kimhsiao/scanvault/backend/internal/models"
	syncpkg "github.com/kimhsiao/scanvault/backend/internal/sync"
	"github.com/kimhsiao/scanvault/backend/internal/sync/loader"
	"github.com/kimhsiao/scanvault/backend/internal/sync/s3"
	"github.com/kimhsiao/scanvault/backend/internal/sync/scheduler"
	"github.com/kimhsiao/scanvault/backend/internal/validation"
)

// Options adjusts how a Core is built. The zero value uses the on-disk
// database and cache under cfg.DataDir.
type Options struct {
	// Registry receives the Prometheus collectors. Nil disables metrics.
	Registry prometheus.Registerer
	// InMemory keeps the database in memory.
	InMemory bool
	// Filesystem replaces the on-disk asset cache directory.
	Filesystem billy.Filesystem
	// HTTPClient replaces the gateway HTTP client.
	HTTPClient *http.Client
	Clock      func() time.Time
}

// SyncStats summarizes the sync history.
type SyncStats struct {
	LastAttempt  *time.Time            `json:"lastAttempt,omitempty"`
	LastResult   *models.SyncOperation `json:"lastResult,omitempty"`
	SuccessCount int                   `json:"successCount"`
	PartialCount int                   `json:"partialCount"`
	FailureCount int                   `json:"failureCount"`
	IsSyncing    bool                  `json:"isSyncing"`
	Online       bool                  `json:"online"`
	Queued       int                   `json:"queued"`
	Pending      []string              `json:"pending,omitempty"`
}

// Core owns every component of a running ScanVault instance.
type Core struct {
	cfg       *config.Config
	database  *db.DB
	repo      *db.Repository
	gateway   *gateway.Client
	validator *validation.Validator
	records   *validation.Cache
	store     *cache.Store
	engine    *syncpkg.Engine
	scheduler *scheduler.Scheduler
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    zerolog.Logger

	startOnce sync.Once
	closeOnce sync.Once
}

// New builds a Core from cfg. Nothing runs in the background until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Core, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	c := &Core{cfg: cfg, now: opts.Clock, logger: logging.Component("core")}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	var err error
	if opts.InMemory {
		c.database, err = db.OpenMemory()
	} else {
		c.database, err = db.Open(cfg.DataDir)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "open database", err)
	}
	c.repo = db.NewRepository(c.database.DB)

	if opts.Registry != nil {
		if c.metrics, err = metrics.NewPrometheusMetrics(opts.Registry); err != nil {
			return nil, err
		}
	}

	if cfg.Gateway.BaseURL != "" {
		c.gateway, err = gateway.New(gateway.Options{
			BaseURL:    cfg.Gateway.BaseURL,
			Timeout:    cfg.NetworkTimeout(),
			APIToken:   cfg.Gateway.APIToken,
			ProxyURL:   cfg.Gateway.ProxyURL,
			HTTPClient: opts.HTTPClient,
		})
		if err != nil {
			return nil, err
		}
	} else {
		c.logger.Warn().Msg("no gateway configured, running offline only")
	}

	if err := c.buildCache(ctx, opts.Filesystem); err != nil {
		return nil, err
	}

	c.records = validation.NewCache(c.repo)
	var remote validation.Remote
	if c.gateway != nil {
		remote = c.gateway
	}
	c.validator = validation.NewValidator(c.records, remote, c.repo, validation.Options{
		TTL:     cfg.ValidationTTL(),
		Timeout: cfg.NetworkTimeout(),
		Clock:   c.now,
		Metrics: c.metrics,
	})

	chain, err := c.buildLoader(ctx)
	if err != nil {
		return nil, err
	}
	var catalog syncpkg.Catalog
	if c.gateway != nil {
		catalog = c.gateway
	}
	c.engine = syncpkg.NewEngine(c.repo, catalog, chain, c.store, syncpkg.Options{
		Timeout:    cfg.NetworkTimeout(),
		Clock:      c.now,
		Metrics:    c.metrics,
		Thumbnails: media.NewThumbnailer(cfg.ThumbnailWidth),
		Supports:   media.Supports,
	})

	var prober scheduler.Prober
	if c.gateway != nil {
		prober = c.gateway
	}
	c.scheduler = scheduler.New(c.engine, c.repo, scheduler.Config{
		Interval:     cfg.PeriodicSyncInterval(),
		Debounce:     cfg.ScanSyncDebounce(),
		ProbeTimeout: cfg.NetworkTimeout(),
		Prober:       prober,
		Maintenance:  c.maintain,
		Clock:        c.now,
	})
	if c.gateway == nil {
		c.scheduler.SetOnlineStatus(false)
	}
	c.validator.SetSyncTrigger(c.scheduler)

	ok = true
	return c, nil
}

func (c *Core) buildCache(ctx context.Context, fs billy.Filesystem) error {
	opts := cache.Options{
		Assets: cache.Limits{
			MaxBytes: int64(c.cfg.MaxCacheSizeBytes),
			MaxItems: c.cfg.MaxCacheItemCount,
		},
		Thumbnails: cache.Limits{
			MaxBytes: int64(c.cfg.ThumbnailMaxSizeBytes),
			MaxItems: c.cfg.ThumbnailMaxItemCount,
		},
		Clock:   c.now,
		Metrics: c.metrics,
	}
	if fs != nil {
		c.store = cache.New(fs, c.repo, opts)
	} else {
		store, err := cache.NewOS(c.cfg.CacheDir(), c.repo, opts)
		if err != nil {
			return err
		}
		c.store = store
	}

	report, err := c.store.Reconcile(ctx)
	if err != nil {
		return err
	}
	if report.DroppedRows > 0 || report.DeletedFiles > 0 {
		c.logger.Info().
			Int("dropped_rows", report.DroppedRows).
			Int("deleted_files", report.DeletedFiles).
			Msg("cache reconciled")
	}
	return nil
}

// buildLoader orders the asset sources: gateway content endpoint, catalog
// file URL, then the S3 mirror when configured.
func (c *Core) buildLoader(ctx context.Context) (*loader.Chain, error) {
	var strategies []loader.Strategy
	if c.gateway != nil {
		strategies = append(strategies, loader.GatewayContent(c.gateway), loader.FileURL(c.gateway))
	}
	if c.cfg.Mirror.Enabled() {
		settings, err := s3.SettingsFromConfig(c.cfg.Mirror)
		if err != nil {
			return nil, err
		}
		mirror, err := s3.New(ctx, settings)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, loader.Mirror(mirror, gateway.MaxContentBytes))
		c.logger.Info().Str("mirror", mirror.String()).Msg("asset mirror enabled")
	}
	return loader.NewChain(loader.Options{Timeout: c.cfg.NetworkTimeout(), Metrics: c.metrics}, strategies...), nil
}

// Start launches the scheduler and the startup sync, then returns
// without waiting. Ready reports when startup sync is over.
func (c *Core) Start(ctx context.Context) error {
	var err error
	c.startOnce.Do(func() {
		if err = c.scheduler.Start(ctx); err != nil {
			return
		}
		go func() {
			if _, err := c.scheduler.TriggerStartupSync(context.WithoutCancel(ctx)); err != nil {
				c.logger.Error().Err(err).Msg("startup sync failed")
			}
		}()
	})
	return err
}

// Close stops background work and closes the database.
func (c *Core) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.scheduler != nil {
			c.scheduler.Stop()
		}
		if c.repo != nil {
			c.repo.Close()
		}
		if c.database != nil {
			err = c.database.Close()
		}
	})
	return err
}

// Ready is closed once startup sync has completed or was skipped.
func (c *Core) Ready() <-chan struct{} {
	return c.scheduler.Ready()
}

// Config returns the active configuration.
func (c *Core) Config() *config.Config {
	return c.cfg
}

// Validate checks a scan code.
func (c *Core) Validate(ctx context.Context, code string) (*validation.Outcome, error) {
	return c.validator.Validate(ctx, code)
}

// SyncAll runs a full pass and waits for it.
func (c *Core) SyncAll(ctx context.Context) (*models.SyncOperation, error) {
	return c.scheduler.SyncNow(ctx)
}

// SyncOne syncs one template and waits for it.
func (c *Core) SyncOne(ctx context.Context, templateID string) (*models.SyncOperation, error) {
	return c.scheduler.SyncTemplate(ctx, templateID)
}

// SetOnlineStatus records the connectivity reported by the host.
func (c *Core) SetOnlineStatus(online bool) {
	if online && c.gateway == nil {
		return
	}
	c.scheduler.SetOnlineStatus(online)
}

// Subscribe registers an observer of sync events.
func (c *Core) Subscribe(o syncpkg.Observer) func() {
	return c.scheduler.Subscribe(o)
}

// CacheStatistics reports cache usage against its limits.
func (c *Core) CacheStatistics(ctx context.Context) (*cache.Stats, error) {
	return c.store.Stats(ctx)
}

// ClearValidationCache deletes every validation record.
func (c *Core) ClearValidationCache(ctx context.Context) (int64, error) {
	return c.validator.ClearCache(ctx)
}

// SyncStatistics summarizes sync history and the current scheduler state.
func (c *Core) SyncStatistics(ctx context.Context) (*SyncStats, error) {
	counts, err := c.repo.CountSyncOutcomes(ctx)
	if err != nil {
		return nil, err
	}
	st := c.scheduler.Status()
	return &SyncStats{
		LastAttempt:  st.LastAttempt,
		LastResult:   st.LastResult,
		SuccessCount: counts[models.OutcomeSuccess],
		PartialCount: counts[models.OutcomePartial],
		FailureCount: counts[models.OutcomeFailure],
		IsSyncing:    st.Syncing,
		Online:       st.Online,
		Queued:       st.Queued,
		Pending:      st.Pending,
	}, nil
}

// SyncHistory returns up to limit sync operations, newest first.
func (c *Core) SyncHistory(ctx context.Context, limit int) ([]*models.SyncOperation, error) {
	if limit <= 0 {
		limit = 20
	}
	return c.repo.ListSyncOperations(ctx, limit)
}

// Templates lists local templates.
func (c *Core) Templates(ctx context.Context) ([]*models.Template, error) {
	return c.repo.ListTemplates(ctx)
}

// Asset returns the cached asset of a template and marks it recently used.
func (c *Core) Asset(ctx context.Context, templateID string) ([]byte, *models.CacheEntry, error) {
	return c.store.ReadAll(ctx, templateID, models.CacheKindAsset)
}

// Thumbnail returns the cached thumbnail of an image template. Thumbnails
// live under their own budget and may outlive an evicted asset.
func (c *Core) Thumbnail(ctx context.Context, templateID string) ([]byte, *models.CacheEntry, error) {
	return c.store.ReadAll(ctx, templateID, models.CacheKindThumbnail)
}

// Pin protects a cached asset from eviction.
func (c *Core) Pin(ctx context.Context, templateID string, pinned bool) error {
	return c.store.Pin(ctx, templateID, pinned)
}

// maintain runs on every periodic tick: it purges old validation records
// and re-applies the cache budgets.
func (c *Core) maintain(ctx context.Context) error {
	n, err := c.records.Purge(ctx, c.now(), c.cfg.ValidationRetention())
	if err != nil {
		return err
	}
	if n > 0 {
		c.logger.Info().Int64("purged", n).Msg("validation records purged")
	}
	if err := c.store.EvictIfNeeded(ctx); err != nil && !apperrors.Is(err, apperrors.ErrCacheFull) {
		return err
	}
	return nil
}
