package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"

	apperrors "github.com/kimhsiao/scanvault/backend/internal/errors"
	"github.com/kimhsiao/scanvault/backend/internal/models"
)

// Repository provides CRUD operations for all models.
type Repository struct {
	db *sql.DB

	// Prepared statements for hot lookups, keyed by query text.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return apperrors.Wrap(apperrors.ErrDatabase, op, err)
}

func notFound(what, id string) error {
	return apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("%s %q not found", what, id), sql.ErrNoRows)
}

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return apperrors.Is(err, apperrors.ErrNotFound)
}

// =====================================================
// License Operations
// =====================================================

// UpsertLicense inserts or refreshes the mirror of a remote license.
func (r *Repository) UpsertLicense(ctx context.Context, l *models.License) error {
	query := `
	INSERT INTO licenses (id, code, template_id, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		code = excluded.code,
		template_id = excluded.template_id,
		status = excluded.status,
		updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, query, l.ID, l.Code, l.TemplateID, l.Status, l.CreatedAt, l.UpdatedAt)
	return dbErr("upsert license", err)
}

// GetLicenseByCode returns the most recently updated license for code.
func (r *Repository) GetLicenseByCode(ctx context.Context, code string) (*models.License, error) {
	query := `
	SELECT id, code, template_id, status, created_at, updated_at
	FROM licenses WHERE code = ? ORDER BY updated_at DESC LIMIT 1
	`
	var l models.License
	err := r.db.QueryRowContext(ctx, query, code).Scan(&l.ID, &l.Code, &l.TemplateID, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("license", code)
	}
	if err != nil {
		return nil, dbErr("get license", err)
	}
	return &l, nil
}

// =====================================================
// Template Operations
// =====================================================

const templateColumns = `id, name, category, version, file_size, file_url, content_hash, updated_at,
	sync_status, synced_version, synced_updated_at, synced_at, last_error`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTemplate(s scanner) (*models.Template, error) {
	var t models.Template
	err := s.Scan(&t.ID, &t.Name, &t.Category, &t.Version, &t.FileSize, &t.FileURL, &t.ContentHash,
		&t.UpdatedAt, &t.SyncStatus, &t.SyncedVersion, &t.SyncedUpdatedAt, &t.SyncedAt, &t.LastError)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTemplate retrieves a template by ID.
func (r *Repository) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+templateColumns+` FROM templates WHERE id = ?`)
	if err != nil {
		return nil, dbErr("get template", err)
	}
	t, err := scanTemplate(stmt.QueryRowContext(ctx, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("template", id)
	}
	if err != nil {
		return nil, dbErr("get template", err)
	}
	return t, nil
}

// ListTemplates returns all templates ordered by ID.
func (r *Repository) ListTemplates(ctx context.Context) ([]*models.Template, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM templates ORDER BY id`)
	if err != nil {
		return nil, dbErr("list templates", err)
	}
	defer rows.Close()

	var out []*models.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, dbErr("scan template", err)
		}
		out = append(out, t)
	}
	return out, dbErr("list templates", rows.Err())
}

// SaveTemplate inserts or fully replaces a template row.
func (r *Repository) SaveTemplate(ctx context.Context, t *models.Template) error {
	if t.SyncStatus == "" {
		t.SyncStatus = models.SyncStatusPending
	}
	query := `
	INSERT INTO templates (` + templateColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		category = excluded.category,
		version = excluded.version,
		file_size = excluded.file_size,
		file_url = excluded.file_url,
		content_hash = excluded.content_hash,
		updated_at = excluded.updated_at,
		sync_status = excluded.sync_status,
		synced_version = excluded.synced_version,
		synced_updated_at = excluded.synced_updated_at,
		synced_at = excluded.synced_at,
		last_error = excluded.last_error
	`
	_, err := r.db.ExecContext(ctx, query, t.ID, t.Name, t.Category, t.Version, t.FileSize, t.FileURL,
		t.ContentHash, t.UpdatedAt, t.SyncStatus, t.SyncedVersion, t.SyncedUpdatedAt, t.SyncedAt, t.LastError)
	return dbErr("save template", err)
}

// SetTemplateSyncStatus updates the sync status and last error of a
// template. Missing templates are ignored.
func (r *Repository) SetTemplateSyncStatus(ctx context.Context, id string, status models.SyncStatus, lastError string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE templates SET sync_status = ?, last_error = ? WHERE id = ?`, status, lastError, id)
	return dbErr("set template sync status", err)
}

// DeleteTemplate removes a template row.
func (r *Repository) DeleteTemplate(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	return dbErr("delete template", err)
}

// =====================================================
// CacheEntry Operations
// =====================================================

const cacheColumns = `template_id, kind, local_path, size_bytes, content_type, content_hash,
	last_accessed_at, pinned, created_at`

func scanCacheEntry(s scanner) (*models.CacheEntry, error) {
	var e models.CacheEntry
	err := s.Scan(&e.TemplateID, &e.Kind, &e.LocalPath, &e.SizeBytes, &e.ContentType, &e.ContentHash,
		&e.LastAccessedAt, &e.Pinned, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// SaveCacheEntry inserts or replaces a cache accounting row. The pinned flag
// of an existing row is preserved.
func (r *Repository) SaveCacheEntry(ctx context.Context, e *models.CacheEntry) error {
	query := `
	INSERT INTO cache_entries (` + cacheColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(template_id, kind) DO UPDATE SET
		local_path = excluded.local_path,
		size_bytes = excluded.size_bytes,
		content_type = excluded.content_type,
		content_hash = excluded.content_hash,
		last_accessed_at = excluded.last_accessed_at,
		pinned = cache_entries.pinned OR excluded.pinned
	`
	_, err := r.db.ExecContext(ctx, query, e.TemplateID, e.Kind, e.LocalPath, e.SizeBytes, e.ContentType,
		e.ContentHash, e.LastAccessedAt, e.Pinned, e.CreatedAt)
	return dbErr("save cache entry", err)
}

// GetCacheEntry retrieves the accounting row for a template's file.
func (r *Repository) GetCacheEntry(ctx context.Context, templateID string, kind models.CacheKind) (*models.CacheEntry, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+cacheColumns+` FROM cache_entries WHERE template_id = ? AND kind = ?`)
	if err != nil {
		return nil, dbErr("get cache entry", err)
	}
	e, err := scanCacheEntry(stmt.QueryRowContext(ctx, templateID, kind))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("cache entry", templateID)
	}
	if err != nil {
		return nil, dbErr("get cache entry", err)
	}
	return e, nil
}

// ListCacheEntries returns entries of kind, least recently accessed first.
// An empty kind lists every entry.
func (r *Repository) ListCacheEntries(ctx context.Context, kind models.CacheKind) ([]*models.CacheEntry, error) {
	query := `SELECT ` + cacheColumns + ` FROM cache_entries`
	var args []interface{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY last_accessed_at ASC, created_at ASC, template_id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("list cache entries", err)
	}
	defer rows.Close()

	var out []*models.CacheEntry
	for rows.Next() {
		e, err := scanCacheEntry(rows)
		if err != nil {
			return nil, dbErr("scan cache entry", err)
		}
		out = append(out, e)
	}
	return out, dbErr("list cache entries", rows.Err())
}

// TouchCacheEntry records an access time on an entry.
func (r *Repository) TouchCacheEntry(ctx context.Context, templateID string, kind models.CacheKind, at int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE cache_entries SET last_accessed_at = ? WHERE template_id = ? AND kind = ?`, at, templateID, kind)
	return dbErr("touch cache entry", err)
}

// SetCacheEntryPinned pins or unpins an entry.
func (r *Repository) SetCacheEntryPinned(ctx context.Context, templateID string, kind models.CacheKind, pinned bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE cache_entries SET pinned = ? WHERE template_id = ? AND kind = ?`, pinned, templateID, kind)
	if err != nil {
		return dbErr("pin cache entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("cache entry", templateID)
	}
	return nil
}

// DeleteCacheEntry removes an accounting row.
func (r *Repository) DeleteCacheEntry(ctx context.Context, templateID string, kind models.CacheKind) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE template_id = ? AND kind = ?`, templateID, kind)
	return dbErr("delete cache entry", err)
}

// CacheUsage returns the entry count and total size for kind.
func (r *Repository) CacheUsage(ctx context.Context, kind models.CacheKind) (count int, bytes int64, err error) {
	err = r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM cache_entries WHERE kind = ?`, kind).Scan(&count, &bytes)
	return count, bytes, dbErr("cache usage", err)
}

// =====================================================
// ValidationRecord Operations
// =====================================================

const validationColumns = `id, scan_code, is_valid, payload, validated_at, method, expires_at,
	license_id, template_id, reason`

func scanValidationRecord(s scanner) (*models.ValidationRecord, error) {
	var v models.ValidationRecord
	var payload sql.NullString
	err := s.Scan(&v.ID, &v.ScanCode, &v.IsValid, &payload, &v.ValidatedAt, &v.Method, &v.ExpiresAt,
		&v.LicenseID, &v.TemplateID, &v.Reason)
	if err != nil {
		return nil, err
	}
	if payload.Valid && payload.String != "" {
		v.Payload = json.RawMessage(payload.String)
	}
	return &v, nil
}

// CreateValidationRecord appends a validation record.
func (r *Repository) CreateValidationRecord(ctx context.Context, v *models.ValidationRecord) error {
	var payload interface{}
	if len(v.Payload) > 0 {
		payload = string(v.Payload)
	}
	query := `INSERT INTO validation_records (` + validationColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query, v.ID, v.ScanCode, v.IsValid, payload, v.ValidatedAt, v.Method,
		v.ExpiresAt, v.LicenseID, v.TemplateID, v.Reason)
	return dbErr("create validation record", err)
}

// LatestValidationRecord returns the current record for scanCode.
func (r *Repository) LatestValidationRecord(ctx context.Context, scanCode string) (*models.ValidationRecord, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+validationColumns+` FROM validation_records
		WHERE scan_code = ? ORDER BY validated_at DESC, rowid DESC LIMIT 1`)
	if err != nil {
		return nil, dbErr("latest validation record", err)
	}
	v, err := scanValidationRecord(stmt.QueryRowContext(ctx, scanCode))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("validation record", scanCode)
	}
	if err != nil {
		return nil, dbErr("latest validation record", err)
	}
	return v, nil
}

// CountValidationRecords returns the number of stored records for scanCode,
// or for all codes when scanCode is empty.
func (r *Repository) CountValidationRecords(ctx context.Context, scanCode string) (int, error) {
	var n int
	var err error
	if scanCode == "" {
		err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM validation_records`).Scan(&n)
	} else {
		err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM validation_records WHERE scan_code = ?`, scanCode).Scan(&n)
	}
	return n, dbErr("count validation records", err)
}

// DeleteAllValidationRecords clears the validation cache.
func (r *Repository) DeleteAllValidationRecords(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM validation_records`)
	if err != nil {
		return 0, dbErr("clear validation records", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeValidationRecords deletes superseded records and any record
// validated before cutoff (Unix millis).
func (r *Repository) PurgeValidationRecords(ctx context.Context, cutoff int64) (int64, error) {
	query := `
	DELETE FROM validation_records
	WHERE validated_at < ?
	   OR id NOT IN (
		SELECT id FROM (
			SELECT id, ROW_NUMBER() OVER (
				PARTITION BY scan_code ORDER BY validated_at DESC, rowid DESC
			) AS rn
			FROM validation_records
		) WHERE rn = 1
	)
	`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, dbErr("purge validation records", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// =====================================================
// SyncOperation Operations
// =====================================================

const syncColumns = `id, started_at, finished_at, outcome, items_attempted, items_succeeded,
	items_failed, triggered_by, template_id, error`

func scanSyncOperation(s scanner) (*models.SyncOperation, error) {
	var op models.SyncOperation
	err := s.Scan(&op.ID, &op.StartedAt, &op.FinishedAt, &op.Outcome, &op.ItemsAttempted, &op.ItemsSucceeded,
		&op.ItemsFailed, &op.TriggeredBy, &op.TemplateID, &op.Error)
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// CreateSyncOperation appends a started sync operation.
func (r *Repository) CreateSyncOperation(ctx context.Context, op *models.SyncOperation) error {
	query := `INSERT INTO sync_operations (` + syncColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query, op.ID, op.StartedAt, op.FinishedAt, op.Outcome, op.ItemsAttempted,
		op.ItemsSucceeded, op.ItemsFailed, op.TriggeredBy, op.TemplateID, op.Error)
	return dbErr("create sync operation", err)
}

// CompleteSyncOperation writes the final counts of an operation. A row can
// be completed only once.
func (r *Repository) CompleteSyncOperation(ctx context.Context, op *models.SyncOperation) error {
	query := `
	UPDATE sync_operations SET finished_at = ?, outcome = ?, items_attempted = ?, items_succeeded = ?,
		items_failed = ?, error = ?
	WHERE id = ? AND finished_at = 0
	`
	res, err := r.db.ExecContext(ctx, query, op.FinishedAt, op.Outcome, op.ItemsAttempted, op.ItemsSucceeded,
		op.ItemsFailed, op.Error, op.ID)
	if err != nil {
		return dbErr("complete sync operation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrDatabase, "sync operation %s is already completed or missing", op.ID)
	}
	return nil
}

// GetSyncOperation retrieves an operation by ID.
func (r *Repository) GetSyncOperation(ctx context.Context, id string) (*models.SyncOperation, error) {
	op, err := scanSyncOperation(r.db.QueryRowContext(ctx, `SELECT `+syncColumns+` FROM sync_operations WHERE id = ?`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("sync operation", id)
	}
	if err != nil {
		return nil, dbErr("get sync operation", err)
	}
	return op, nil
}

// LatestSyncOperation returns the most recently started operation.
func (r *Repository) LatestSyncOperation(ctx context.Context) (*models.SyncOperation, error) {
	op, err := scanSyncOperation(r.db.QueryRowContext(ctx,
		`SELECT `+syncColumns+` FROM sync_operations ORDER BY started_at DESC, id DESC LIMIT 1`))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("sync operation", "latest")
	}
	if err != nil {
		return nil, dbErr("latest sync operation", err)
	}
	return op, nil
}

// LatestSyncCovering returns the most recent operation that targeted
// templateID, or the most recent fully successful catalog-wide pass,
// whichever started later.
func (r *Repository) LatestSyncCovering(ctx context.Context, templateID string) (*models.SyncOperation, error) {
	query := `SELECT ` + syncColumns + ` FROM sync_operations
	WHERE template_id = ? OR (template_id = '' AND outcome = ?)
	ORDER BY started_at DESC, id DESC LIMIT 1`
	op, err := scanSyncOperation(r.db.QueryRowContext(ctx, query, templateID, models.OutcomeSuccess))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("sync operation", templateID)
	}
	if err != nil {
		return nil, dbErr("latest sync operation", err)
	}
	return op, nil
}

// ListSyncOperations returns up to limit operations, newest first.
func (r *Repository) ListSyncOperations(ctx context.Context, limit int) ([]*models.SyncOperation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+syncColumns+` FROM sync_operations ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, dbErr("list sync operations", err)
	}
	defer rows.Close()

	var out []*models.SyncOperation
	for rows.Next() {
		op, err := scanSyncOperation(rows)
		if err != nil {
			return nil, dbErr("scan sync operation", err)
		}
		out = append(out, op)
	}
	return out, dbErr("list sync operations", rows.Err())
}

// CountSyncOutcomes returns the number of completed operations per outcome.
func (r *Repository) CountSyncOutcomes(ctx context.Context) (map[models.SyncOutcome]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM sync_operations WHERE finished_at > 0 GROUP BY outcome`)
	if err != nil {
		return nil, dbErr("count sync outcomes", err)
	}
	defer rows.Close()

	out := make(map[models.SyncOutcome]int)
	for rows.Next() {
		var outcome models.SyncOutcome
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, dbErr("scan sync outcome", err)
		}
		out[outcome] = n
	}
	return out, dbErr("count sync outcomes", rows.Err())
}

// =====================================================
// ConflictLog Operations
// =====================================================

// CreateConflictLog creates a new conflict log entry.
func (r *Repository) CreateConflictLog(ctx context.Context, c *models.ConflictLog) error {
	query := `
	INSERT INTO conflict_log (id, template_id, local_version, remote_version, local_updated_at,
		remote_updated_at, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query, c.ID, c.TemplateID, c.LocalVersion, c.RemoteVersion,
		c.LocalUpdatedAt, c.RemoteUpdatedAt, c.Resolution, c.DetectedAt)
	return dbErr("create conflict log", err)
}

// ListConflictLogs returns conflicts for templateID, newest first.
func (r *Repository) ListConflictLogs(ctx context.Context, templateID string) ([]*models.ConflictLog, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT id, template_id, local_version, remote_version, local_updated_at, remote_updated_at,
		resolution, detected_at
	FROM conflict_log WHERE template_id = ? ORDER BY detected_at DESC`, templateID)
	if err != nil {
		return nil, dbErr("list conflict logs", err)
	}
	defer rows.Close()

	var out []*models.ConflictLog
	for rows.Next() {
		var c models.ConflictLog
		if err := rows.Scan(&c.ID, &c.TemplateID, &c.LocalVersion, &c.RemoteVersion, &c.LocalUpdatedAt,
			&c.RemoteUpdatedAt, &c.Resolution, &c.DetectedAt); err != nil {
			return nil, dbErr("scan conflict log", err)
		}
		out = append(out, &c)
	}
	return out, dbErr("list conflict logs", rows.Err())
}
