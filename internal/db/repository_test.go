package db

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/kimhsiao/scanvault/backend/internal/models"
	"github.com/kimhsiao/scanvault/backend/internal/uuid"
)

// setupTestRepo creates an in-memory database with the full schema.
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	repo := NewRepository(db.DB)
	t.Cleanup(func() {
		repo.Close()
		db.Close()
	})
	return repo
}

// =====================================================
// Template Operations
// =====================================================

func TestSaveAndGetTemplate(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	tpl := &models.Template{ID: "t1", Name: "Intro", Version: "1", UpdatedAt: 100}
	if err := repo.SaveTemplate(ctx, tpl); err != nil {
		t.Fatalf("SaveTemplate() error = %v", err)
	}

	got, err := repo.GetTemplate(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTemplate() error = %v", err)
	}
	if got.Name != "Intro" || got.SyncStatus != models.SyncStatusPending {
		t.Errorf("GetTemplate() = %+v", got)
	}

	tpl.Version = "2"
	tpl.SyncStatus = models.SyncStatusSynced
	if err := repo.SaveTemplate(ctx, tpl); err != nil {
		t.Fatalf("SaveTemplate() update error = %v", err)
	}
	got, _ = repo.GetTemplate(ctx, "t1")
	if got.Version != "2" || got.SyncStatus != models.SyncStatusSynced {
		t.Errorf("update not applied: %+v", got)
	}
}

func TestGetTemplateNotFound(t *testing.T) {
	repo := setupTestRepo(t)

	_, err := repo.GetTemplate(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Errorf("GetTemplate() error = %v, want NOT_FOUND", err)
	}
}

func TestListAndDeleteTemplates(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		if err := repo.SaveTemplate(ctx, &models.Template{ID: id}); err != nil {
			t.Fatalf("SaveTemplate(%s) error = %v", id, err)
		}
	}
	if err := repo.DeleteTemplate(ctx, "b"); err != nil {
		t.Fatalf("DeleteTemplate() error = %v", err)
	}

	list, err := repo.ListTemplates(ctx)
	if err != nil {
		t.Fatalf("ListTemplates() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "c" {
		t.Errorf("ListTemplates() = %v", list)
	}
}

func TestSetTemplateSyncStatus(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	repo.SaveTemplate(ctx, &models.Template{ID: "t1", SyncStatus: models.SyncStatusSynced})
	if err := repo.SetTemplateSyncStatus(ctx, "t1", models.SyncStatusStale, "evicted"); err != nil {
		t.Fatalf("SetTemplateSyncStatus() error = %v", err)
	}
	got, _ := repo.GetTemplate(ctx, "t1")
	if got.SyncStatus != models.SyncStatusStale || got.LastError != "evicted" {
		t.Errorf("status = %q / %q", got.SyncStatus, got.LastError)
	}
	if err := repo.SetTemplateSyncStatus(ctx, "missing", models.SyncStatusStale, ""); err != nil {
		t.Errorf("missing template should be ignored, got %v", err)
	}
}

// =====================================================
// CacheEntry Operations
// =====================================================

func TestCacheEntries_LRUOrderAndUsage(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	entries := []*models.CacheEntry{
		{TemplateID: "a", Kind: models.CacheKindAsset, LocalPath: "assets/a", SizeBytes: 10, LastAccessedAt: 300, CreatedAt: 1},
		{TemplateID: "b", Kind: models.CacheKindAsset, LocalPath: "assets/b", SizeBytes: 20, LastAccessedAt: 100, CreatedAt: 2},
		{TemplateID: "a", Kind: models.CacheKindThumbnail, LocalPath: "thumbs/a", SizeBytes: 5, LastAccessedAt: 50, CreatedAt: 3},
	}
	for _, e := range entries {
		if err := repo.SaveCacheEntry(ctx, e); err != nil {
			t.Fatalf("SaveCacheEntry() error = %v", err)
		}
	}

	assets, err := repo.ListCacheEntries(ctx, models.CacheKindAsset)
	if err != nil {
		t.Fatalf("ListCacheEntries() error = %v", err)
	}
	if len(assets) != 2 || assets[0].TemplateID != "b" {
		t.Errorf("expected b (oldest access) first, got %v", assets)
	}

	count, size, err := repo.CacheUsage(ctx, models.CacheKindAsset)
	if err != nil || count != 2 || size != 30 {
		t.Errorf("CacheUsage() = %d, %d, %v; want 2, 30", count, size, err)
	}

	if err := repo.TouchCacheEntry(ctx, "b", models.CacheKindAsset, 500); err != nil {
		t.Fatalf("TouchCacheEntry() error = %v", err)
	}
	assets, _ = repo.ListCacheEntries(ctx, models.CacheKindAsset)
	if assets[0].TemplateID != "a" {
		t.Errorf("touch should move b to the back, got %v", assets[0].TemplateID)
	}

	all, _ := repo.ListCacheEntries(ctx, "")
	if len(all) != 3 {
		t.Errorf("ListCacheEntries(all) len = %d, want 3", len(all))
	}
}

func TestCacheEntries_pinSurvivesResave(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	e := &models.CacheEntry{TemplateID: "a", Kind: models.CacheKindAsset, LocalPath: "assets/a", SizeBytes: 1, LastAccessedAt: 1, CreatedAt: 1}
	repo.SaveCacheEntry(ctx, e)
	if err := repo.SetCacheEntryPinned(ctx, "a", models.CacheKindAsset, true); err != nil {
		t.Fatalf("SetCacheEntryPinned() error = %v", err)
	}

	e.SizeBytes = 2
	repo.SaveCacheEntry(ctx, e)
	got, err := repo.GetCacheEntry(ctx, "a", models.CacheKindAsset)
	if err != nil {
		t.Fatalf("GetCacheEntry() error = %v", err)
	}
	if !got.Pinned || got.SizeBytes != 2 {
		t.Errorf("got %+v, want pinned with size 2", got)
	}

	if err := repo.SetCacheEntryPinned(ctx, "zzz", models.CacheKindAsset, true); !IsNotFound(err) {
		t.Errorf("pinning a missing entry: %v, want NOT_FOUND", err)
	}

	repo.DeleteCacheEntry(ctx, "a", models.CacheKindAsset)
	if _, err := repo.GetCacheEntry(ctx, "a", models.CacheKindAsset); !IsNotFound(err) {
		t.Errorf("deleted entry lookup: %v, want NOT_FOUND", err)
	}
}

// =====================================================
// ValidationRecord Operations
// =====================================================

func newRecord(code string, validatedAt int64) *models.ValidationRecord {
	return &models.ValidationRecord{
		ID:          models.UUID(uuid.New()),
		ScanCode:    code,
		IsValid:     true,
		Payload:     json.RawMessage(`{"valid":true}`),
		ValidatedAt: validatedAt,
		Method:      models.MethodOnline,
		ExpiresAt:   validatedAt + 1000,
	}
}

func TestLatestValidationRecord(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	repo.CreateValidationRecord(ctx, newRecord("X", 100))
	latest := newRecord("X", 200)
	latest.Method = models.MethodOffline
	repo.CreateValidationRecord(ctx, latest)
	repo.CreateValidationRecord(ctx, newRecord("Y", 300))

	got, err := repo.LatestValidationRecord(ctx, "X")
	if err != nil {
		t.Fatalf("LatestValidationRecord() error = %v", err)
	}
	if got.ID != latest.ID || got.Method != models.MethodOffline {
		t.Errorf("LatestValidationRecord() = %+v", got)
	}
	if string(got.Payload) != `{"valid":true}` {
		t.Errorf("payload = %s", got.Payload)
	}

	if _, err := repo.LatestValidationRecord(ctx, "Z"); !IsNotFound(err) {
		t.Errorf("unknown code: %v, want NOT_FOUND", err)
	}
}

func TestPurgeValidationRecords(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	repo.CreateValidationRecord(ctx, newRecord("X", 100))
	repo.CreateValidationRecord(ctx, newRecord("X", 200))
	repo.CreateValidationRecord(ctx, newRecord("Y", 50))
	repo.CreateValidationRecord(ctx, newRecord("Z", 400))

	// cutoff 150: X@100 superseded, Y@50 too old, X@200 and Z@400 stay
	n, err := repo.PurgeValidationRecords(ctx, 150)
	if err != nil {
		t.Fatalf("PurgeValidationRecords() error = %v", err)
	}
	if n != 2 {
		t.Errorf("purged %d records, want 2", n)
	}
	total, _ := repo.CountValidationRecords(ctx, "")
	if total != 2 {
		t.Errorf("remaining = %d, want 2", total)
	}

	cleared, err := repo.DeleteAllValidationRecords(ctx)
	if err != nil || cleared != 2 {
		t.Errorf("DeleteAllValidationRecords() = %d, %v", cleared, err)
	}
}

// =====================================================
// SyncOperation Operations
// =====================================================

func TestSyncOperations_completeOnce(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	op := &models.SyncOperation{ID: models.UUID(uuid.NewTimeOrdered()), StartedAt: 1000, TriggeredBy: models.TriggerManual}
	if err := repo.CreateSyncOperation(ctx, op); err != nil {
		t.Fatalf("CreateSyncOperation() error = %v", err)
	}

	op.FinishedAt = 2000
	op.Outcome = models.OutcomeSuccess
	op.ItemsAttempted, op.ItemsSucceeded = 1, 1
	if err := repo.CompleteSyncOperation(ctx, op); err != nil {
		t.Fatalf("CompleteSyncOperation() error = %v", err)
	}
	if err := repo.CompleteSyncOperation(ctx, op); err == nil {
		t.Error("second completion should fail")
	}

	got, err := repo.GetSyncOperation(ctx, op.ID.String())
	if err != nil {
		t.Fatalf("GetSyncOperation() error = %v", err)
	}
	if got.Outcome != models.OutcomeSuccess || got.ItemsSucceeded != 1 {
		t.Errorf("GetSyncOperation() = %+v", got)
	}
}

func TestLatestSyncCovering(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	ops := []*models.SyncOperation{
		{ID: "1", StartedAt: 100, FinishedAt: 110, Outcome: models.OutcomeSuccess, TriggeredBy: models.TriggerStartup},
		{ID: "2", StartedAt: 200, FinishedAt: 210, Outcome: models.OutcomePartial, TriggeredBy: models.TriggerPeriodic},
		{ID: "3", StartedAt: 300, FinishedAt: 310, Outcome: models.OutcomeFailure, TriggeredBy: models.TriggerScan, TemplateID: "other"},
	}
	for _, op := range ops {
		repo.CreateSyncOperation(ctx, op)
	}

	got, err := repo.LatestSyncCovering(ctx, "t1")
	if err != nil {
		t.Fatalf("LatestSyncCovering() error = %v", err)
	}
	if got.ID != "1" {
		t.Errorf("LatestSyncCovering() = %s, want the successful full pass", got.ID)
	}

	repo.CreateSyncOperation(ctx, &models.SyncOperation{ID: "4", StartedAt: 400, TriggeredBy: models.TriggerScan, TemplateID: "t1"})
	got, _ = repo.LatestSyncCovering(ctx, "t1")
	if got.ID != "4" {
		t.Errorf("LatestSyncCovering() = %s, want 4", got.ID)
	}

	latest, _ := repo.LatestSyncOperation(ctx)
	if latest.ID != "4" {
		t.Errorf("LatestSyncOperation() = %s, want 4", latest.ID)
	}

	counts, err := repo.CountSyncOutcomes(ctx)
	if err != nil {
		t.Fatalf("CountSyncOutcomes() error = %v", err)
	}
	if counts[models.OutcomeSuccess] != 1 || counts[models.OutcomePartial] != 1 || counts[models.OutcomeFailure] != 1 {
		t.Errorf("CountSyncOutcomes() = %v", counts)
	}

	list, _ := repo.ListSyncOperations(ctx, 2)
	if len(list) != 2 || list[0].ID != "4" {
		t.Errorf("ListSyncOperations() = %v", list)
	}
}

// =====================================================
// License / ConflictLog Operations
// =====================================================

func TestUpsertLicense(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	l := &models.License{ID: "L1", Code: "CODE", TemplateID: "t1", Status: models.LicenseActive, CreatedAt: 1, UpdatedAt: 1}
	repo.UpsertLicense(ctx, l)
	l.Status = models.LicenseRevoked
	l.UpdatedAt = 2
	if err := repo.UpsertLicense(ctx, l); err != nil {
		t.Fatalf("UpsertLicense() error = %v", err)
	}

	got, err := repo.GetLicenseByCode(ctx, "CODE")
	if err != nil {
		t.Fatalf("GetLicenseByCode() error = %v", err)
	}
	if got.Status != models.LicenseRevoked {
		t.Errorf("status = %q, want revoked", got.Status)
	}
}

func TestConflictLogs(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	c := &models.ConflictLog{ID: models.UUID(uuid.New()), TemplateID: "t1", LocalVersion: "1-local", RemoteVersion: "2", Resolution: "remote_wins", DetectedAt: 5}
	if err := repo.CreateConflictLog(ctx, c); err != nil {
		t.Fatalf("CreateConflictLog() error = %v", err)
	}
	logs, err := repo.ListConflictLogs(ctx, "t1")
	if err != nil || len(logs) != 1 || logs[0].Resolution != "remote_wins" {
		t.Errorf("ListConflictLogs() = %v, %v", logs, err)
	}
}
