// Package validation validates scanned license codes against the backend,
// with a persistent result cache that keeps validation working offline.
package validation

import (
	"context"
	"time"

	"github.com/kimhsiao/scanvault/backend/internal/db"
	"github.com/kimhsiao/scanvault/backend/internal/models"
)

// Cache is the persistent validation result cache. The newest record per
// scan code is the current one; older records are kept until purged.
type Cache struct {
	repo db.ValidationRepository
}

// NewCache creates a cache over the validation repository.
func NewCache(repo db.ValidationRepository) *Cache {
	return &Cache{repo: repo}
}

// Latest returns the current record for code, or nil when none exists.
func (c *Cache) Latest(ctx context.Context, code string) (*models.ValidationRecord, error) {
	rec, err := c.repo.LatestValidationRecord(ctx, code)
	if db.IsNotFound(err) {
		return nil, nil
	}
	return rec, err
}

// Put appends a record, making it current for its scan code.
func (c *Cache) Put(ctx context.Context, rec *models.ValidationRecord) error {
	return c.repo.CreateValidationRecord(ctx, rec)
}

// Clear deletes every record.
func (c *Cache) Clear(ctx context.Context) (int64, error) {
	return c.repo.DeleteAllValidationRecords(ctx)
}

// Purge deletes superseded records and records older than retention.
func (c *Cache) Purge(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	return c.repo.PurgeValidationRecords(ctx, models.Millis(now.Add(-retention)))
}

// Count returns the number of stored records for code, or all records when
// code is empty.
func (c *Cache) Count(ctx context.Context, code string) (int, error) {
	return c.repo.CountValidationRecords(ctx, code)
}
