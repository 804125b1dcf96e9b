// Package sync reconciles local templates and cached assets against the
// remote catalog.
//
// A pass walks catalog entries sequentially through a small state machine
// (see ItemState). One template failing never aborts the pass; it is counted
// in the SyncOperation and retried on the next pass. Only a persistence
// failure halts a pass early.
package sync

import (
	"context"
	"fmt"
	"strings"
	stdsync "sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/kimhsiao/scanvault/backend/internal/cache"
	"github.com/kimhsiao/scanvault/backend/internal/db"
	apperrors "github.com/kimhsiao/scanvault/backend/internal/errors"
	"github.com/kimhsiao/scanvault/backend/internal/logging"
	"github.com/kimhsiao/scanvault/backend/internal/metrics"
	"github.com/kimhsiao/scanvault/backend/internal/models"
	"github.com/kimhsiao/scanvault/backend/internal/sync/conflict"
	"github.com/kimhsiao/scanvault/backend/internal/sync/loader"
	"github.com/kimhsiao/scanvault/backend/internal/uuid"
)

// DefaultTimeout bounds the catalog request.
const DefaultTimeout = 30 * time.Second

const keyAll = "all"

// Catalog lists the remote templates.
type Catalog interface {
	Catalog(ctx context.Context) ([]models.CatalogEntry, error)
}

// Downloader fetches and verifies an asset.
type Downloader interface {
	Load(ctx context.Context, req loader.Request) (*loader.Result, error)
}

// ContentStore is the part of the content cache the engine uses.
type ContentStore interface {
	Put(ctx context.Context, templateID string, data []byte) (*models.CacheEntry, error)
	Peek(ctx context.Context, templateID string) (*models.CacheEntry, error)
	PutThumbnail(ctx context.Context, templateID string, data []byte) (*models.CacheEntry, error)
	Remove(ctx context.Context, templateID string) error
}

// Thumbnailer renders a thumbnail for image assets.
type Thumbnailer interface {
	Generate(data []byte) ([]byte, error)
}

// Options configures an Engine.
type Options struct {
	Timeout time.Duration
	Clock   func() time.Time
	Metrics *metrics.Metrics
	// Thumbnails is optional; without it no thumbnails are generated.
	Thumbnails Thumbnailer
	// Supports decides which content types get thumbnails.
	Supports func(contentType string) bool
}

// Engine runs sync passes. At most one pass runs at a time; concurrent
// requests for work already in flight join it and receive its result.
type Engine struct {
	repo     db.SyncRepository
	catalog  Catalog
	loader   Downloader
	store    ContentStore
	resolver *conflict.Resolver
	thumbs   Thumbnailer
	supports func(string) bool
	timeout  time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	group  singleflight.Group
	passMu stdsync.Mutex // serializes passes

	mu        stdsync.Mutex
	current   *flight
	observers map[int]Observer
	nextObs   int
	lastStart int64
}

// flight is a pass that has been requested. A full pass covers every
// template; a single-template pass covers one.
type flight struct {
	key        string
	templateID string
	run        func() (*models.SyncOperation, error)
}

func (f *flight) covers(templateID string) bool {
	return f.templateID == "" || f.templateID == templateID
}

// NewEngine creates an engine.
func NewEngine(repo db.SyncRepository, catalog Catalog, dl Downloader, store ContentStore, opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Supports == nil {
		opts.Supports = func(ct string) bool { return strings.HasPrefix(ct, "image/") }
	}
	return &Engine{
		repo:      repo,
		catalog:   catalog,
		loader:    dl,
		store:     store,
		resolver:  conflict.NewResolver(opts.Clock),
		thumbs:    opts.Thumbnails,
		supports:  opts.Supports,
		timeout:   opts.Timeout,
		now:       opts.Clock,
		metrics:   opts.Metrics,
		logger:    logging.Component("sync"),
		observers: make(map[int]Observer),
	}
}

// Subscribe registers an observer and returns a function that removes it.
func (e *Engine) Subscribe(o Observer) func() {
	e.mu.Lock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = o
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.observers, id)
		e.mu.Unlock()
	}
}

// Running reports whether a pass is executing.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// Pass is a handle on a requested sync pass. Several callers may hold
// handles on the same pass.
type Pass struct {
	templateID string
	done       chan struct{}
	op         *models.SyncOperation
	err        error
}

// TemplateID returns the template the pass covers, or "" for a full pass.
func (p *Pass) TemplateID() string { return p.templateID }

// Done is closed when the pass has completed.
func (p *Pass) Done() <-chan struct{} { return p.done }

// Wait blocks until the pass completes or ctx is done. Cancelling ctx does
// not stop the pass.
func (p *Pass) Wait(ctx context.Context) (*models.SyncOperation, error) {
	select {
	case <-p.done:
		return p.op, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Begin requests a pass and returns without waiting for it. An empty
// templateID requests a full pass. When a running pass already covers the
// request, or an identical pass is pending, the returned handle refers to
// that pass.
//
// The pass is detached from ctx.
func (e *Engine) Begin(ctx context.Context, trigger models.SyncTrigger, templateID string) *Pass {
	f := e.joinable(templateID)
	if f == nil {
		f = e.newFlight(ctx, trigger, templateID)
	}
	p := &Pass{templateID: f.templateID, done: make(chan struct{})}
	ch := e.group.DoChan(f.key, func() (interface{}, error) {
		return f.run()
	})
	go func() {
		res := <-ch
		p.op, _ = res.Val.(*models.SyncOperation)
		p.err = res.Err
		close(p.done)
	}()
	return p
}

// SyncAll synchronizes every catalog template and prunes local templates
// the catalog no longer lists.
func (e *Engine) SyncAll(ctx context.Context, trigger models.SyncTrigger) (*models.SyncOperation, error) {
	return e.Begin(ctx, trigger, "").Wait(ctx)
}

// SyncOne synchronizes a single template. It joins an in-flight full pass
// or an in-flight pass for the same template instead of starting another.
func (e *Engine) SyncOne(ctx context.Context, templateID string, trigger models.SyncTrigger) (*models.SyncOperation, error) {
	templateID = strings.TrimSpace(templateID)
	if templateID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "template id is required")
	}
	return e.Begin(ctx, trigger, templateID).Wait(ctx)
}

// joinable returns the running flight when it covers templateID.
func (e *Engine) joinable(templateID string) *flight {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil && e.current.covers(templateID) {
		return e.current
	}
	return nil
}

func (e *Engine) newFlight(ctx context.Context, trigger models.SyncTrigger, templateID string) *flight {
	f := &flight{key: keyAll, templateID: templateID}
	if templateID != "" {
		f.key = "template:" + templateID
	}
	passCtx := context.WithoutCancel(ctx)
	f.run = func() (*models.SyncOperation, error) {
		return e.pass(passCtx, f, trigger)
	}
	return f
}

type passResult struct {
	succeeded int
	failed    int
}

func (e *Engine) pass(ctx context.Context, f *flight, trigger models.SyncTrigger) (*models.SyncOperation, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	e.mu.Lock()
	e.current = f
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.current = nil
		e.mu.Unlock()
	}()

	op := &models.SyncOperation{
		ID:          models.UUID(uuid.NewTimeOrdered()),
		StartedAt:   e.startStamp(ctx),
		TriggeredBy: trigger,
		TemplateID:  f.templateID,
	}
	if err := e.repo.CreateSyncOperation(ctx, op); err != nil {
		e.logger.Error().Err(err).Msg("failed to record sync operation")
		return nil, err
	}
	e.emit(Event{Type: EventPassStarted, Operation: *op, At: op.StartedAt})
	e.logger.Info().
		Str("operation_id", op.ID.String()).
		Str("trigger", string(trigger)).
		Str("template_id", f.templateID).
		Msg("sync pass started")

	res, passErr := e.runPass(ctx, op, f.templateID)

	op.FinishedAt = models.Millis(e.now())
	if op.FinishedAt < op.StartedAt {
		op.FinishedAt = op.StartedAt
	}
	op.ItemsSucceeded = res.succeeded
	op.ItemsFailed = res.failed
	op.ItemsAttempted = res.succeeded + res.failed
	if op.Outcome == "" {
		op.Outcome = models.DecideOutcome(res.succeeded, res.failed)
	}
	if passErr != nil {
		op.Outcome = models.OutcomeFailure
		op.Error = passErr.Error()
	}

	if err := e.repo.CompleteSyncOperation(ctx, op); err != nil {
		e.logger.Error().Err(err).Str("operation_id", op.ID.String()).Msg("failed to complete sync operation")
		if passErr == nil {
			passErr = err
		}
	}

	e.metrics.RecordSync(string(trigger), string(op.Outcome), op.Duration())
	e.emit(Event{Type: EventPassCompleted, Operation: *op, Error: op.Error, At: op.FinishedAt})

	ev := e.logger.Info()
	if op.Outcome != models.OutcomeSuccess {
		ev = e.logger.Warn()
	}
	ev.Str("operation_id", op.ID.String()).
		Str("outcome", string(op.Outcome)).
		Int("succeeded", op.ItemsSucceeded).
		Int("failed", op.ItemsFailed).
		Dur("duration", op.Duration()).
		Msg("sync pass completed")

	return op, passErr
}

// runPass processes the catalog. The returned error is a persistence
// failure that halted the pass.
func (e *Engine) runPass(ctx context.Context, op *models.SyncOperation, only string) (passResult, error) {
	var res passResult

	entries, err := e.fetchCatalog(ctx)
	if err != nil {
		op.Outcome = models.OutcomeFailure
		op.Error = err.Error()
		e.logger.Warn().Err(err).Msg("catalog unavailable")
		if only != "" {
			res.failed++
			if ferr := e.markFailed(ctx, op, only, nil, err); ferr != nil {
				return res, ferr
			}
		}
		return res, nil
	}

	if only != "" {
		entry := findEntry(entries, only)
		if entry == nil {
			res.failed++
			notListed := apperrors.Newf(apperrors.ErrNotFound, "template %s is not in the remote catalog", only)
			op.Error = notListed.Error()
			return res, e.markFailed(ctx, op, only, nil, notListed)
		}
		entries = []models.CatalogEntry{*entry}
	}

	for i := range entries {
		ok, err := e.syncItem(ctx, op, &entries[i])
		if err != nil {
			return res, err
		}
		if ok {
			res.succeeded++
		} else {
			res.failed++
		}
	}
	if res.failed > 0 {
		op.Error = fmt.Sprintf("%d of %d templates failed", res.failed, len(entries))
	}

	if only == "" {
		if err := e.prune(ctx, entries); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (e *Engine) fetchCatalog(ctx context.Context) ([]models.CatalogEntry, error) {
	if e.catalog == nil {
		return nil, apperrors.New(apperrors.ErrNetwork, "no catalog source configured")
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	entries, err := e.catalog.Catalog(ctx)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded && !apperrors.Is(err, apperrors.ErrNetworkTimeout) {
			err = apperrors.Wrap(apperrors.ErrNetworkTimeout, "catalog request timed out", err)
		}
		return nil, err
	}
	return entries, nil
}

func findEntry(entries []models.CatalogEntry, id string) *models.CatalogEntry {
	for i := range entries {
		if entries[i].ID == id {
			return &entries[i]
		}
	}
	return nil
}

// syncItem moves one template through the state machine. It reports whether
// the item succeeded; a non-nil error is a persistence failure.
func (e *Engine) syncItem(ctx context.Context, op *models.SyncOperation, entry *models.CatalogEntry) (bool, error) {
	id := entry.ID
	e.emitItem(op, id, StateChecking, nil)

	local, err := e.repo.GetTemplate(ctx, id)
	if db.IsNotFound(err) {
		local, err = nil, nil
	}
	if err != nil {
		return false, err
	}

	cached, err := e.store.Peek(ctx, id)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrDatabase) {
			return false, err
		}
		return false, e.markFailed(ctx, op, id, entry, err)
	}

	target := &models.Template{}
	if local != nil {
		copied := *local
		target = &copied
	}

	if c, ok := e.resolver.Detect(local, entry); ok {
		e.emitItem(op, id, StateConflict, nil)
		resolved, err := e.resolver.Resolve(c)
		if err != nil {
			return false, e.markFailed(ctx, op, id, entry, err)
		}
		if err := e.repo.CreateConflictLog(ctx, resolved.Log); err != nil {
			return false, err
		}
		target = resolved.Template
	} else if !e.needsDownload(local, cached, entry) {
		if !entry.Describes(local) {
			if err := e.revertMetadata(ctx, local, entry); err != nil {
				return false, err
			}
		}
		e.emitItem(op, id, StateUpToDate, nil)
		e.metrics.RecordSyncItem(string(StateUpToDate))
		return true, nil
	} else {
		e.emitItem(op, id, StateNeedsDownload, nil)
	}

	result, err := e.loader.Load(ctx, loader.RequestFor(*entry))
	if err != nil {
		return false, e.markFailed(ctx, op, id, entry, err)
	}
	stored, err := e.store.Put(ctx, id, result.Data)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrDatabase) {
			return false, err
		}
		return false, e.markFailed(ctx, op, id, entry, err)
	}
	e.thumbnail(ctx, id, stored, result.Data)

	entry.ApplyTo(target)
	if target.ContentHash == "" {
		target.ContentHash = result.Hash
	}
	target.SyncStatus = models.SyncStatusSynced
	target.SyncedVersion = entry.Version
	target.SyncedUpdatedAt = models.Millis(entry.UpdatedAt)
	target.SyncedAt = models.Millis(e.now())
	target.LastError = ""
	if err := e.repo.SaveTemplate(ctx, target); err != nil {
		return false, err
	}

	e.emitItem(op, id, StateSynced, nil)
	e.metrics.RecordSyncItem(string(StateSynced))
	e.logger.Debug().
		Str("template_id", id).
		Str("version", entry.Version).
		Str("source", result.Strategy).
		Msg("template synced")
	return true, nil
}

// needsDownload reports whether the remote entry or the local cache calls
// for a fresh download.
func (e *Engine) needsDownload(local *models.Template, cached *models.CacheEntry, entry *models.CatalogEntry) bool {
	switch {
	case local == nil, cached == nil:
		return true
	case local.SyncStatus != models.SyncStatusSynced:
		return true
	case entry.ChangedSince(local):
		return true
	case !cache.HashMatches(entry.ContentHash, cached.ContentHash):
		return true
	}
	return false
}

// revertMetadata rewrites a local row whose metadata drifted from an
// unchanged remote entry. The cached asset is still current.
func (e *Engine) revertMetadata(ctx context.Context, local *models.Template, entry *models.CatalogEntry) error {
	target := *local
	entry.ApplyTo(&target)
	if target.ContentHash == "" {
		target.ContentHash = local.ContentHash
	}
	target.SyncStatus = models.SyncStatusSynced
	target.LastError = ""
	if err := e.repo.SaveTemplate(ctx, &target); err != nil {
		return err
	}
	e.logger.Info().
		Str("template_id", local.ID).
		Str("local_version", local.Version).
		Str("remote_version", entry.Version).
		Msg("local template metadata replaced by catalog")
	return nil
}

// markFailed records a failed item. A template seen for the first time is
// created from the catalog entry so it is visible and retried.
func (e *Engine) markFailed(ctx context.Context, op *models.SyncOperation, id string, entry *models.CatalogEntry, cause error) error {
	e.emitItem(op, id, StateFailed, cause)
	e.metrics.RecordSyncItem(string(StateFailed))
	e.logger.Warn().Err(cause).Str("template_id", id).Msg("template sync failed")

	msg := cause.Error()
	_, err := e.repo.GetTemplate(ctx, id)
	switch {
	case err == nil:
		return e.repo.SetTemplateSyncStatus(ctx, id, models.SyncStatusFailed, msg)
	case db.IsNotFound(err):
		if entry == nil {
			return nil
		}
		t := &models.Template{}
		entry.ApplyTo(t)
		t.SyncStatus = models.SyncStatusFailed
		t.LastError = msg
		return e.repo.SaveTemplate(ctx, t)
	default:
		return err
	}
}

func (e *Engine) thumbnail(ctx context.Context, id string, stored *models.CacheEntry, data []byte) {
	if e.thumbs == nil || stored == nil || !e.supports(stored.ContentType) {
		return
	}
	thumb, err := e.thumbs.Generate(data)
	if err != nil {
		e.logger.Warn().Err(err).Str("template_id", id).Msg("thumbnail generation failed")
		return
	}
	if _, err := e.store.PutThumbnail(ctx, id, thumb); err != nil {
		e.logger.Warn().Err(err).Str("template_id", id).Msg("failed to cache thumbnail")
	}
}

// prune removes local templates the catalog no longer lists. An empty
// catalog prunes nothing.
func (e *Engine) prune(ctx context.Context, entries []models.CatalogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	listed := make(map[string]bool, len(entries))
	for _, entry := range entries {
		listed[entry.ID] = true
	}

	locals, err := e.repo.ListTemplates(ctx)
	if err != nil {
		return err
	}
	for _, t := range locals {
		if listed[t.ID] {
			continue
		}
		if err := e.store.Remove(ctx, t.ID); err != nil {
			e.logger.Warn().Err(err).Str("template_id", t.ID).Msg("failed to remove cached files of deleted template")
			continue
		}
		if err := e.repo.DeleteTemplate(ctx, t.ID); err != nil {
			return err
		}
		e.logger.Info().Str("template_id", t.ID).Msg("pruned template removed from catalog")
	}
	return nil
}

// startStamp returns a StartedAt strictly after every earlier pass, so the
// log orders passes even when the clock does not advance.
func (e *Engine) startStamp(ctx context.Context) int64 {
	e.mu.Lock()
	last := e.lastStart
	e.mu.Unlock()

	if last == 0 {
		if latest, err := e.repo.LatestSyncOperation(ctx); err == nil {
			last = latest.StartedAt
		}
	}
	now := models.Millis(e.now())
	if now <= last {
		now = last + 1
	}

	e.mu.Lock()
	e.lastStart = now
	e.mu.Unlock()
	return now
}

func (e *Engine) emitItem(op *models.SyncOperation, id string, state ItemState, cause error) {
	ev := Event{
		Type:       EventItemState,
		Operation:  *op,
		TemplateID: id,
		State:      state,
		At:         models.Millis(e.now()),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	e.emit(ev)
}

func (e *Engine) emit(ev Event) {
	e.mu.Lock()
	observers := make([]Observer, 0, len(e.observers))
	for _, o := range e.observers {
		observers = append(observers, o)
	}
	e.mu.Unlock()

	for _, o := range observers {
		o.OnSyncEvent(ev)
	}
}
