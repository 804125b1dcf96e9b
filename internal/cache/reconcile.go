package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5/util"

	apperrors "github.com/kimhsiao/scanvault/backend/internal/errors"
	"github.com/kimhsiao/scanvault/backend/internal/models"
)

// ReconcileReport counts what Reconcile repaired.
type ReconcileReport struct {
	DroppedRows  int `json:"droppedRows"`
	DeletedFiles int `json:"deletedFiles"`
}

// Reconcile repairs the cache after a crash. Rows whose file is gone are
// dropped (marking asset templates stale) and files without a row, including
// leftover temp files, are deleted. It then enforces both budgets.
func (s *Store) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.repo.ListCacheEntries(ctx, "")
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{}
	known := make(map[string]bool, len(entries))
	for _, e := range entries {
		if _, err := s.fs.Stat(e.LocalPath); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return report, apperrors.Wrap(apperrors.ErrStorage, "failed to stat cache file", err)
			}
			if err := s.dropRow(ctx, e); err != nil {
				return report, err
			}
			report.DroppedRows++
			continue
		}
		known[filepath.Clean(e.LocalPath)] = true
	}

	for _, kind := range []models.CacheKind{models.CacheKindAsset, models.CacheKindThumbnail} {
		dir := kindDir(kind)
		if _, err := s.fs.Stat(dir); errors.Is(err, os.ErrNotExist) {
			continue
		}
		err := util.Walk(s.fs, dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() || known[filepath.Clean(path)] {
				return nil
			}
			if err := s.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			report.DeletedFiles++
			return nil
		})
		if err != nil {
			return report, apperrors.Wrap(apperrors.ErrStorage, "failed to scan cache directory", err)
		}
	}

	evictErr := errors.Join(
		s.evict(ctx, models.CacheKindAsset, ""),
		s.evict(ctx, models.CacheKindThumbnail, ""),
	)
	s.publish(ctx)

	if report.DroppedRows > 0 || report.DeletedFiles > 0 {
		s.logger.Info().
			Int("dropped_rows", report.DroppedRows).
			Int("deleted_files", report.DeletedFiles).
			Msg("cache reconciled")
	}
	if evictErr != nil && !apperrors.Is(evictErr, apperrors.ErrCacheFull) {
		return report, evictErr
	}
	return report, nil
}
