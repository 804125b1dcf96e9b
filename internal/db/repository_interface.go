package db

import (
	"context"

	"github.com/kimhsiao/scanvault/backend/internal/models"
)

// LicenseRepository defines operations for the license mirror.
type LicenseRepository interface {
	UpsertLicense(ctx context.Context, l *models.License) error
	GetLicenseByCode(ctx context.Context, code string) (*models.License, error)
}

// TemplateRepository defines operations for template persistence.
type TemplateRepository interface {
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	ListTemplates(ctx context.Context) ([]*models.Template, error)
	SaveTemplate(ctx context.Context, t *models.Template) error
	SetTemplateSyncStatus(ctx context.Context, id string, status models.SyncStatus, lastError string) error
	DeleteTemplate(ctx context.Context, id string) error
}

// CacheEntryRepository defines operations for cache accounting rows.
type CacheEntryRepository interface {
	SaveCacheEntry(ctx context.Context, e *models.CacheEntry) error
	GetCacheEntry(ctx context.Context, templateID string, kind models.CacheKind) (*models.CacheEntry, error)
	ListCacheEntries(ctx context.Context, kind models.CacheKind) ([]*models.CacheEntry, error)
	TouchCacheEntry(ctx context.Context, templateID string, kind models.CacheKind, at int64) error
	SetCacheEntryPinned(ctx context.Context, templateID string, kind models.CacheKind, pinned bool) error
	DeleteCacheEntry(ctx context.Context, templateID string, kind models.CacheKind) error
	CacheUsage(ctx context.Context, kind models.CacheKind) (int, int64, error)
}

// ValidationRepository defines operations for the validation cache.
type ValidationRepository interface {
	CreateValidationRecord(ctx context.Context, v *models.ValidationRecord) error
	LatestValidationRecord(ctx context.Context, scanCode string) (*models.ValidationRecord, error)
	CountValidationRecords(ctx context.Context, scanCode string) (int, error)
	DeleteAllValidationRecords(ctx context.Context) (int64, error)
	PurgeValidationRecords(ctx context.Context, cutoff int64) (int64, error)
}

// SyncLogRepository defines operations for the append-only sync log.
type SyncLogRepository interface {
	CreateSyncOperation(ctx context.Context, op *models.SyncOperation) error
	CompleteSyncOperation(ctx context.Context, op *models.SyncOperation) error
	GetSyncOperation(ctx context.Context, id string) (*models.SyncOperation, error)
	LatestSyncOperation(ctx context.Context) (*models.SyncOperation, error)
	LatestSyncCovering(ctx context.Context, templateID string) (*models.SyncOperation, error)
	ListSyncOperations(ctx context.Context, limit int) ([]*models.SyncOperation, error)
	CountSyncOutcomes(ctx context.Context) (map[models.SyncOutcome]int, error)
}

// ConflictLogRepository defines operations for conflict log persistence.
type ConflictLogRepository interface {
	CreateConflictLog(ctx context.Context, c *models.ConflictLog) error
	ListConflictLogs(ctx context.Context, templateID string) ([]*models.ConflictLog, error)
}

// SyncRepository combines the repositories needed by the synchronizer.
type SyncRepository interface {
	TemplateRepository
	SyncLogRepository
	ConflictLogRepository
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ LicenseRepository     = (*Repository)(nil)
	_ TemplateRepository    = (*Repository)(nil)
	_ CacheEntryRepository  = (*Repository)(nil)
	_ ValidationRepository  = (*Repository)(nil)
	_ SyncLogRepository     = (*Repository)(nil)
	_ ConflictLogRepository = (*Repository)(nil)
	_ SyncRepository        = (*Repository)(nil)
)
