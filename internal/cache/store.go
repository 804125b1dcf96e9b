// Package cache implements the bounded on-device asset store.
//
// Every stored file has an accounting row (models.CacheEntry). Assets and
// thumbnails are accounted against separate budgets. When a budget is
// exceeded the least recently accessed unpinned entry of that kind is
// removed, file first and row second, so a crash between the two leaves an
// orphan row and never an undercount of live data.
package cache

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"

	"github.com/kimhsiao/scanvault/backend/internal/db"
	apperrors "github.com/kimhsiao/scanvault/backend/internal/errors"
	"github.com/kimhsiao/scanvault/backend/internal/logging"
	"github.com/kimhsiao/scanvault/backend/internal/metrics"
	"github.com/kimhsiao/scanvault/backend/internal/models"
	"github.com/kimhsiao/scanvault/backend/internal/uuid"
)

// Repository is the persistence the store needs.
type Repository interface {
	db.CacheEntryRepository
	SetTemplateSyncStatus(ctx context.Context, id string, status models.SyncStatus, lastError string) error
}

// Limits is the budget of one cache kind.
type Limits struct {
	MaxBytes int64
	MaxItems int
}

// Default budgets.
var (
	DefaultAssetLimits     = Limits{MaxBytes: 100 << 20, MaxItems: 50}
	DefaultThumbnailLimits = Limits{MaxBytes: 10 << 20, MaxItems: 200}
)

// Options configures a Store.
type Options struct {
	Assets     Limits
	Thumbnails Limits
	Clock      func() time.Time
	Metrics    *metrics.Metrics
}

// Stats summarizes cache usage.
type Stats struct {
	TotalEntries          int   `json:"totalEntries"`
	TotalSizeBytes        int64 `json:"totalSizeBytes"`
	MaxSizeBytes          int64 `json:"maxSizeBytes"`
	ItemCount             int   `json:"itemCount"`
	MaxItemCount          int   `json:"maxItemCount"`
	PinnedCount           int   `json:"pinnedCount"`
	ThumbnailCount        int   `json:"thumbnailCount"`
	ThumbnailSizeBytes    int64 `json:"thumbnailSizeBytes"`
	MaxThumbnailSizeBytes int64 `json:"maxThumbnailSizeBytes"`
	MaxThumbnailCount     int   `json:"maxThumbnailCount"`
}

// Store is the content cache. All mutations are serialized.
type Store struct {
	fs      billy.Filesystem
	repo    Repository
	limits  map[models.CacheKind]Limits
	now     func() time.Time
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu        sync.Mutex
	lastStamp int64
}

// New creates a store over fs. Files are addressed relative to the root of fs.
func New(fs billy.Filesystem, repo Repository, opts Options) *Store {
	if opts.Assets.MaxBytes <= 0 {
		opts.Assets.MaxBytes = DefaultAssetLimits.MaxBytes
	}
	if opts.Assets.MaxItems <= 0 {
		opts.Assets.MaxItems = DefaultAssetLimits.MaxItems
	}
	if opts.Thumbnails.MaxBytes <= 0 {
		opts.Thumbnails.MaxBytes = DefaultThumbnailLimits.MaxBytes
	}
	if opts.Thumbnails.MaxItems <= 0 {
		opts.Thumbnails.MaxItems = DefaultThumbnailLimits.MaxItems
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Store{
		fs:   fs,
		repo: repo,
		limits: map[models.CacheKind]Limits{
			models.CacheKindAsset:     opts.Assets,
			models.CacheKindThumbnail: opts.Thumbnails,
		},
		now:     opts.Clock,
		metrics: opts.Metrics,
		logger:  logging.Component("cache"),
	}
}

// NewOS creates a store rooted at dir on the local filesystem.
func NewOS(dir string, repo Repository, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to create cache directory", err)
	}
	return New(osfs.New(dir), repo, opts), nil
}

// Limits returns the budget of kind.
func (s *Store) Limits(kind models.CacheKind) Limits {
	return s.limits[kind]
}

// Put stores an asset for templateID and enforces the asset budget before
// returning. The new entry is never its own eviction victim.
func (s *Store) Put(ctx context.Context, templateID string, data []byte) (*models.CacheEntry, error) {
	return s.put(ctx, templateID, models.CacheKindAsset, data)
}

// PutThumbnail stores a thumbnail under the thumbnail budget.
func (s *Store) PutThumbnail(ctx context.Context, templateID string, data []byte) (*models.CacheEntry, error) {
	return s.put(ctx, templateID, models.CacheKindThumbnail, data)
}

// Get returns the asset entry for templateID and marks it as accessed. It
// returns nil when nothing is cached.
func (s *Store) Get(ctx context.Context, templateID string) (*models.CacheEntry, error) {
	return s.get(ctx, templateID, models.CacheKindAsset, true)
}

// Peek is Get without the access bump. It still drops an entry whose file
// is missing.
func (s *Store) Peek(ctx context.Context, templateID string) (*models.CacheEntry, error) {
	return s.get(ctx, templateID, models.CacheKindAsset, false)
}

// GetThumbnail is Get for thumbnails.
func (s *Store) GetThumbnail(ctx context.Context, templateID string) (*models.CacheEntry, error) {
	return s.get(ctx, templateID, models.CacheKindThumbnail, true)
}

// Open returns a reader for the cached file of templateID and bumps its
// access time. A missing entry is ErrNotFound.
func (s *Store) Open(ctx context.Context, templateID string, kind models.CacheKind) (billy.File, *models.CacheEntry, error) {
	var (
		entry *models.CacheEntry
		err   error
	)
	if kind == models.CacheKindThumbnail {
		entry, err = s.GetThumbnail(ctx, templateID)
	} else {
		entry, err = s.Get(ctx, templateID)
	}
	if err != nil {
		return nil, nil, err
	}
	if entry == nil {
		return nil, nil, apperrors.Newf(apperrors.ErrNotFound, "no cached %s for template %s", kind, templateID)
	}
	f, err := s.fs.Open(entry.LocalPath)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrStorage, "failed to open cached file", err)
	}
	return f, entry, nil
}

// ReadAll returns the cached bytes of templateID together with its entry.
func (s *Store) ReadAll(ctx context.Context, templateID string, kind models.CacheKind) ([]byte, *models.CacheEntry, error) {
	f, entry, err := s.Open(ctx, templateID, kind)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read cached file", err)
	}
	return data, entry, nil
}

// Remove deletes the asset and thumbnail of templateID. Pins are ignored.
func (s *Store) Remove(ctx context.Context, templateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, kind := range []models.CacheKind{models.CacheKindAsset, models.CacheKindThumbnail} {
		entry, err := s.repo.GetCacheEntry(ctx, templateID, kind)
		if db.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		if err := s.removeEntry(ctx, entry); err != nil {
			return err
		}
	}
	s.publish(ctx)
	return nil
}

// Pin protects the asset of templateID from eviction. Unpinning runs
// eviction.
func (s *Store) Pin(ctx context.Context, templateID string, pinned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.SetCacheEntryPinned(ctx, templateID, models.CacheKindAsset, pinned); err != nil {
		return err
	}
	if pinned {
		return nil
	}
	err := s.evict(ctx, models.CacheKindAsset, "")
	s.publish(ctx)
	if apperrors.Is(err, apperrors.ErrCacheFull) {
		return nil
	}
	return err
}

// EvictIfNeeded brings both kinds within budget. It returns CACHE_FULL when
// only pinned entries are left and a budget is still exceeded.
func (s *Store) EvictIfNeeded(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := errors.Join(
		s.evict(ctx, models.CacheKindAsset, ""),
		s.evict(ctx, models.CacheKindThumbnail, ""),
	)
	s.publish(ctx)
	return err
}

// Stats reports current usage against the budgets.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	assets, err := s.repo.ListCacheEntries(ctx, models.CacheKindAsset)
	if err != nil {
		return nil, err
	}
	thumbCount, thumbBytes, err := s.repo.CacheUsage(ctx, models.CacheKindThumbnail)
	if err != nil {
		return nil, err
	}

	st := &Stats{
		ItemCount:             len(assets),
		MaxSizeBytes:          s.limits[models.CacheKindAsset].MaxBytes,
		MaxItemCount:          s.limits[models.CacheKindAsset].MaxItems,
		ThumbnailCount:        thumbCount,
		ThumbnailSizeBytes:    thumbBytes,
		MaxThumbnailSizeBytes: s.limits[models.CacheKindThumbnail].MaxBytes,
		MaxThumbnailCount:     s.limits[models.CacheKindThumbnail].MaxItems,
	}
	for _, e := range assets {
		st.TotalSizeBytes += e.SizeBytes
		if e.Pinned {
			st.PinnedCount++
		}
	}
	st.TotalEntries = st.ItemCount + st.ThumbnailCount
	return st, nil
}

// Clear removes every entry of both kinds, pinned or not.
func (s *Store) Clear(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.repo.ListCacheEntries(ctx, "")
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if err := s.removeEntry(ctx, e); err != nil {
			s.publish(ctx)
			return removed, err
		}
		removed++
	}
	s.publish(ctx)
	s.logger.Info().Int("removed", removed).Msg("cache cleared")
	return removed, nil
}

func (s *Store) put(ctx context.Context, templateID string, kind models.CacheKind, data []byte) (*models.CacheEntry, error) {
	if templateID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "template id is required")
	}
	limits := s.limits[kind]
	size := int64(len(data))
	if size > limits.MaxBytes {
		return nil, apperrors.Newf(apperrors.ErrCacheFull,
			"%s of %d bytes exceeds the %d byte budget", kind, size, limits.MaxBytes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.repo.GetCacheEntry(ctx, templateID, kind)
	if err != nil && !db.IsNotFound(err) {
		return nil, err
	}

	rel := pathFor(kind, templateID)
	if err := s.writeAtomic(rel, data); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to write cache file", err)
	}

	stamp := s.stamp()
	entry := &models.CacheEntry{
		TemplateID:     templateID,
		Kind:           kind,
		LocalPath:      rel,
		SizeBytes:      size,
		ContentType:    mimetype.Detect(data).String(),
		ContentHash:    ContentHash(data),
		LastAccessedAt: stamp,
		CreatedAt:      stamp,
	}
	if prev != nil {
		entry.CreatedAt = prev.CreatedAt
		entry.Pinned = prev.Pinned
	}
	if err := s.repo.SaveCacheEntry(ctx, entry); err != nil {
		if prev == nil {
			_ = s.fs.Remove(rel)
		}
		return nil, err
	}

	if err := s.evict(ctx, kind, templateID); err != nil {
		if apperrors.Is(err, apperrors.ErrCacheFull) && !entry.Pinned {
			if rbErr := s.removeEntry(ctx, entry); rbErr != nil {
				s.logger.Error().Err(rbErr).Str("template_id", templateID).Msg("failed to roll back rejected put")
			}
		}
		s.publish(ctx)
		return nil, err
	}

	s.publish(ctx)
	s.logger.Debug().
		Str("template_id", templateID).
		Str("kind", string(kind)).
		Int64("size", size).
		Msg("cached")
	return entry, nil
}

func (s *Store) get(ctx context.Context, templateID string, kind models.CacheKind, touch bool) (*models.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.repo.GetCacheEntry(ctx, templateID, kind)
	if db.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.fs.Stat(entry.LocalPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to stat cache file", err)
		}
		s.logger.Warn().Str("template_id", templateID).Str("path", entry.LocalPath).Msg("cache file missing, dropping entry")
		if err := s.dropRow(ctx, entry); err != nil {
			return nil, err
		}
		s.publish(ctx)
		return nil, nil
	}

	if !touch {
		return entry, nil
	}
	stamp := s.stamp()
	if err := s.repo.TouchCacheEntry(ctx, templateID, kind, stamp); err != nil {
		return nil, err
	}
	entry.LastAccessedAt = stamp
	return entry, nil
}

// evict removes least recently accessed unpinned entries of kind until the
// budget holds. protect is never chosen as a victim.
func (s *Store) evict(ctx context.Context, kind models.CacheKind, protect string) error {
	limits := s.limits[kind]
	entries, err := s.repo.ListCacheEntries(ctx, kind)
	if err != nil {
		return err
	}

	count := len(entries)
	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}

	for _, e := range entries {
		if count <= limits.MaxItems && total <= limits.MaxBytes {
			break
		}
		if e.Pinned || e.TemplateID == protect {
			continue
		}
		if err := s.removeEntry(ctx, e); err != nil {
			return err
		}
		s.metrics.RecordEviction(string(kind))
		s.logger.Info().
			Str("template_id", e.TemplateID).
			Str("kind", string(kind)).
			Int64("size", e.SizeBytes).
			Msg("evicted")
		count--
		total -= e.SizeBytes
	}

	if count > limits.MaxItems || total > limits.MaxBytes {
		return apperrors.Newf(apperrors.ErrCacheFull,
			"%s cache holds %d items / %d bytes over a %d item / %d byte budget and nothing else can be evicted",
			kind, count, total, limits.MaxItems, limits.MaxBytes)
	}
	return nil
}

// removeEntry deletes the file, then the row. If the file cannot be deleted
// the row stays.
func (s *Store) removeEntry(ctx context.Context, e *models.CacheEntry) error {
	if err := s.fs.Remove(e.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to delete cache file", err)
	}
	return s.dropRow(ctx, e)
}

func (s *Store) dropRow(ctx context.Context, e *models.CacheEntry) error {
	if err := s.repo.DeleteCacheEntry(ctx, e.TemplateID, e.Kind); err != nil {
		return err
	}
	if e.Kind == models.CacheKindAsset {
		if err := s.repo.SetTemplateSyncStatus(ctx, e.TemplateID, models.SyncStatusStale, ""); err != nil {
			s.logger.Warn().Err(err).Str("template_id", e.TemplateID).Msg("failed to mark template stale")
		}
	}
	return nil
}

// writeAtomic writes data beside rel and renames it into place.
func (s *Store) writeAtomic(rel string, data []byte) error {
	if err := s.fs.MkdirAll(filepath.Dir(rel), 0o755); err != nil {
		return err
	}
	tmp := rel + "." + uuid.New() + tmpSuffix
	if err := util.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	if err := s.fs.Rename(tmp, rel); err != nil {
		// Some filesystems refuse to rename over an existing file.
		if rmErr := s.fs.Remove(rel); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			_ = s.fs.Remove(tmp)
			return err
		}
		if err := s.fs.Rename(tmp, rel); err != nil {
			_ = s.fs.Remove(tmp)
			return err
		}
	}
	return nil
}

// stamp returns a strictly increasing access time in Unix milliseconds, so
// two accesses within the same millisecond still order correctly.
func (s *Store) stamp() int64 {
	now := models.Millis(s.now())
	if now <= s.lastStamp {
		now = s.lastStamp + 1
	}
	s.lastStamp = now
	return now
}

func (s *Store) publish(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	for _, kind := range []models.CacheKind{models.CacheKindAsset, models.CacheKindThumbnail} {
		count, bytes, err := s.repo.CacheUsage(ctx, kind)
		if err != nil {
			continue
		}
		s.metrics.SetCacheUsage(string(kind), count, bytes)
	}
}
