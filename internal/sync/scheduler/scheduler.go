// Package scheduler decides when template sync passes run: once at
// startup, periodically while online, and opportunistically after scans.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/kimhsiao/scanvault/backend/internal/db"
	apperrors "github.com/kimhsiao/scanvault/backend/internal/errors"
	"github.com/kimhsiao/scanvault/backend/internal/logging"
	"github.com/kimhsiao/scanvault/backend/internal/models"
	syncpkg "github.com/kimhsiao/scanvault/backend/internal/sync"
	"github.com/kimhsiao/scanvault/backend/internal/sync/queue"
)

// Defaults for Config.
const (
	DefaultInterval     = 2 * time.Hour
	DefaultDebounce     = time.Hour
	DefaultProbeTimeout = 30 * time.Second
)

// Engine runs sync passes.
type Engine interface {
	SyncAll(ctx context.Context, trigger models.SyncTrigger) (*models.SyncOperation, error)
	SyncOne(ctx context.Context, templateID string, trigger models.SyncTrigger) (*models.SyncOperation, error)
	Subscribe(o syncpkg.Observer) func()
}

// Prober checks that the backend is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

// SyncLog reads the durable sync history.
type SyncLog interface {
	LatestSyncOperation(ctx context.Context) (*models.SyncOperation, error)
	LatestSyncCovering(ctx context.Context, templateID string) (*models.SyncOperation, error)
}

// MaintenanceFunc runs housekeeping on every periodic tick.
type MaintenanceFunc func(ctx context.Context) error

// Config holds scheduler configuration.
type Config struct {
	Interval     time.Duration // periodic sync interval (default: 2h)
	Debounce     time.Duration // scan sync freshness window (default: 1h)
	ProbeTimeout time.Duration
	Queue        *queue.Queue
	Prober       Prober // optional
	Maintenance  MaintenanceFunc
	Clock        func() time.Time
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Syncing     bool                  `json:"isSyncing"`
	Online      bool                  `json:"online"`
	Running     bool                  `json:"running"`
	LastAttempt *time.Time            `json:"lastAttempt,omitempty"`
	LastResult  *models.SyncOperation `json:"lastResult,omitempty"`
	Queued      int                   `json:"queued"`
	// Pending lists queued template ids, next to run first.
	Pending []string `json:"pending,omitempty"`
}

// Scheduler triggers sync passes. The syncing flag and last result are
// written only by the engine observer; everything else reads them.
type Scheduler struct {
	engine       Engine
	log          SyncLog
	prober       Prober
	queue        *queue.Queue
	interval     time.Duration
	debounce     time.Duration
	probeTimeout time.Duration
	maintenance  MaintenanceFunc
	now          func() time.Time
	logger       zerolog.Logger

	ready     chan struct{}
	readyOnce sync.Once

	mu          sync.RWMutex
	online      bool
	syncing     bool
	lastAttempt time.Time
	lastResult  *models.SyncOperation
	triggered   map[string]time.Time
	observers   map[int]syncpkg.Observer
	nextObs     int

	runMu   sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a scheduler and subscribes it to the engine.
func New(engine Engine, log SyncLog, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Queue == nil {
		cfg.Queue = queue.New(queue.Options{})
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	s := &Scheduler{
		engine:       engine,
		log:          log,
		prober:       cfg.Prober,
		queue:        cfg.Queue,
		interval:     cfg.Interval,
		debounce:     cfg.Debounce,
		probeTimeout: cfg.ProbeTimeout,
		maintenance:  cfg.Maintenance,
		now:          cfg.Clock,
		logger:       logging.Component("scheduler"),
		ready:        make(chan struct{}),
		online:       true,
		triggered:    make(map[string]time.Time),
		observers:    make(map[int]syncpkg.Observer),
	}
	engine.Subscribe(syncpkg.ObserverFunc(s.onSyncEvent))
	return s
}

// Start launches the periodic job and the scan queue processor. It returns
// immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running {
		return errors.New("scheduler already running")
	}

	s.loadHistory(ctx)

	cronLog := logging.CronLogger()
	c := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() { s.RunPeriodic(ctx) }); err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, "invalid sync interval", err)
	}

	procCtx, cancel := context.WithCancel(ctx)
	s.cron = c
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go s.processQueue(procCtx)
	c.Start()

	s.logger.Info().
		Dur("interval", s.interval).
		Dur("debounce", s.debounce).
		Msg("sync scheduler started")
	return nil
}

// Stop halts the scheduler and waits for the running job and the queue
// processor to return.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	if n := s.queue.Clear(); n > 0 {
		s.logger.Info().Int("dropped", n).Msg("pending scan syncs discarded")
	}

	s.logger.Info().Msg("sync scheduler stopped")
}

// loadHistory seeds the last result from the durable log so status is
// meaningful before the first pass of this process.
func (s *Scheduler) loadHistory(ctx context.Context) {
	if s.log == nil {
		return
	}
	op, err := s.log.LatestSyncOperation(ctx)
	if err != nil {
		if !db.IsNotFound(err) {
			s.logger.Warn().Err(err).Msg("failed to load sync history")
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastResult == nil {
		s.lastAttempt = op.StartedAtTime()
		s.lastResult = op
	}
}

// Ready is closed once startup sync has finished or was skipped.
func (s *Scheduler) Ready() <-chan struct{} {
	return s.ready
}

// TriggerStartupSync runs one full pass when the backend is reachable and
// then closes Ready. When offline it closes Ready at once and returns nil.
func (s *Scheduler) TriggerStartupSync(ctx context.Context) (*models.SyncOperation, error) {
	defer s.readyOnce.Do(func() { close(s.ready) })

	if !s.connected(ctx) {
		s.logger.Info().Msg("offline at startup, using cached data")
		return nil, nil
	}
	return s.engine.SyncAll(ctx, models.TriggerStartup)
}

// RunPeriodic is the periodic job body. Maintenance always runs; the sync
// pass is skipped when offline or when a pass is already running.
func (s *Scheduler) RunPeriodic(ctx context.Context) {
	if s.maintenance != nil {
		if err := s.maintenance(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("maintenance failed")
		}
	}

	if s.IsSyncing() {
		s.logger.Debug().Msg("sync already in progress, skipping tick")
		return
	}
	if !s.connected(ctx) {
		s.logger.Debug().Msg("offline, skipping periodic sync")
		return
	}
	if _, err := s.engine.SyncAll(ctx, models.TriggerPeriodic); err != nil {
		s.logger.Error().Err(err).Str("code", string(apperrors.ErrSyncFailed)).Msg("periodic sync failed")
	}
}

// TriggerScanSync syncs templateID unless it was synced or triggered
// within the debounce window. It reports whether a pass ran.
func (s *Scheduler) TriggerScanSync(ctx context.Context, templateID string) (*models.SyncOperation, bool, error) {
	if templateID == "" {
		return nil, false, apperrors.New(apperrors.ErrInvalid, "template id is required")
	}
	if s.fresh(ctx, templateID) {
		s.logger.Debug().Str("template_id", templateID).Msg("template fresh, scan sync skipped")
		return nil, false, nil
	}
	if !s.connected(ctx) {
		return nil, false, apperrors.New(apperrors.ErrNetwork, "backend unreachable")
	}

	s.mu.Lock()
	s.triggered[templateID] = s.now()
	s.mu.Unlock()

	op, err := s.engine.SyncOne(ctx, templateID, models.TriggerScan)
	if err != nil {
		s.mu.Lock()
		delete(s.triggered, templateID)
		s.mu.Unlock()
		return nil, false, err
	}
	return op, true, nil
}

// fresh reports whether templateID was triggered in this process, or
// covered by a logged pass, within the debounce window.
func (s *Scheduler) fresh(ctx context.Context, templateID string) bool {
	cutoff := s.now().Add(-s.debounce)

	s.mu.RLock()
	at, ok := s.triggered[templateID]
	s.mu.RUnlock()
	if ok && at.After(cutoff) {
		return true
	}

	if s.log == nil {
		return false
	}
	op, err := s.log.LatestSyncCovering(ctx, templateID)
	if err != nil {
		if !db.IsNotFound(err) {
			s.logger.Warn().Err(err).Str("template_id", templateID).Msg("failed to read sync history")
		}
		return false
	}
	return op.StartedAtTime().After(cutoff)
}

// EnqueueScanSync queues templateID for a scan sync without blocking. It
// reports whether the id was added.
func (s *Scheduler) EnqueueScanSync(templateID string) bool {
	added, err := s.queue.Enqueue(templateID)
	if err != nil {
		s.logger.Warn().Err(err).Str("template_id", templateID).Msg("scan sync not queued")
	}
	return added
}

func (s *Scheduler) processQueue(ctx context.Context) {
	defer s.wg.Done()
	for {
		item, err := s.queue.Next(ctx)
		if err != nil {
			return
		}
		if _, _, err := s.TriggerScanSync(ctx, item.TemplateID); err != nil {
			if apperrors.IsNetwork(err) {
				// The next periodic pass covers it.
				s.queue.Done(item.TemplateID)
				s.logger.Debug().Err(err).Str("template_id", item.TemplateID).Msg("scan sync dropped while offline")
				continue
			}
			s.queue.Failed(item.TemplateID, err)
			continue
		}
		s.queue.Done(item.TemplateID)
	}
}

// SyncNow runs a full pass and waits for it.
func (s *Scheduler) SyncNow(ctx context.Context) (*models.SyncOperation, error) {
	if !s.IsOnline() {
		return nil, apperrors.New(apperrors.ErrNetwork, "device is offline")
	}
	return s.engine.SyncAll(ctx, models.TriggerManual)
}

// SyncTemplate syncs one template immediately, ignoring the debounce.
func (s *Scheduler) SyncTemplate(ctx context.Context, templateID string) (*models.SyncOperation, error) {
	if !s.IsOnline() {
		return nil, apperrors.New(apperrors.ErrNetwork, "device is offline")
	}
	op, err := s.engine.SyncOne(ctx, templateID, models.TriggerManual)
	if err == nil {
		s.mu.Lock()
		s.triggered[templateID] = s.now()
		s.mu.Unlock()
	}
	return op, err
}

// SetOnlineStatus records the host-reported connectivity.
func (s *Scheduler) SetOnlineStatus(online bool) {
	s.mu.Lock()
	was := s.online
	s.online = online
	s.mu.Unlock()

	if was != online {
		s.logger.Info().Bool("was_online", was).Bool("is_online", online).Msg("online status changed")
	}
}

// IsOnline returns the host-reported connectivity.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// connected requires the host flag and a successful probe.
func (s *Scheduler) connected(ctx context.Context) bool {
	if !s.IsOnline() {
		return false
	}
	if s.prober == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()
	if err := s.prober.Ping(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("connectivity probe failed")
		return false
	}
	return true
}

// IsSyncing reports whether a pass is running.
func (s *Scheduler) IsSyncing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncing
}

// LastSyncAttempt returns when the latest pass started, or the zero time.
func (s *Scheduler) LastSyncAttempt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAttempt
}

// LastSyncResult returns the latest completed pass, or nil.
func (s *Scheduler) LastSyncResult() *models.SyncOperation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastResult == nil || !s.lastResult.Finished() {
		return nil
	}
	op := *s.lastResult
	return &op
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.runMu.Lock()
	running := s.running
	s.runMu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Syncing: s.syncing,
		Online:  s.online,
		Running: running,
	}
	for _, item := range s.queue.List() {
		st.Pending = append(st.Pending, item.TemplateID)
	}
	st.Queued = len(st.Pending)
	if !s.lastAttempt.IsZero() {
		at := s.lastAttempt
		st.LastAttempt = &at
	}
	if s.lastResult != nil && s.lastResult.Finished() {
		op := *s.lastResult
		st.LastResult = &op
	}
	return st
}

// Subscribe registers an observer of sync events. Events reach it after the
// scheduler status reflects them.
func (s *Scheduler) Subscribe(o syncpkg.Observer) func() {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = o
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *Scheduler) onSyncEvent(ev syncpkg.Event) {
	s.mu.Lock()
	switch ev.Type {
	case syncpkg.EventPassStarted:
		s.syncing = true
		s.lastAttempt = ev.Operation.StartedAtTime()
	case syncpkg.EventPassCompleted:
		s.syncing = false
		op := ev.Operation
		s.lastResult = &op
	}
	observers := make([]syncpkg.Observer, 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.mu.Unlock()

	for _, o := range observers {
		o.OnSyncEvent(ev)
	}
}
