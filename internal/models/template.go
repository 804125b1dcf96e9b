package models

import "time"

// SyncStatus is the local synchronization state of a template.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
	SyncStatusStale   SyncStatus = "stale"
)

// Template is the local copy of a remote content template.
//
// SyncedVersion and SyncedUpdatedAt hold the remote values observed at the
// last successful sync. Comparing them against both the local row and the
// remote catalog tells which side changed since then.
type Template struct {
	ID              string     `db:"id" json:"id"`
	Name            string     `db:"name" json:"name"`
	Category        string     `db:"category" json:"category"`
	Version         string     `db:"version" json:"version"`
	FileSize        int64      `db:"file_size" json:"fileSize"`
	FileURL         string     `db:"file_url" json:"fileUrl"`
	ContentHash     string     `db:"content_hash" json:"contentHash"`
	UpdatedAt       int64      `db:"updated_at" json:"updatedAt"`
	SyncStatus      SyncStatus `db:"sync_status" json:"syncStatus"`
	SyncedVersion   string     `db:"synced_version" json:"syncedVersion,omitempty"`
	SyncedUpdatedAt int64      `db:"synced_updated_at" json:"syncedUpdatedAt,omitempty"`
	SyncedAt        int64      `db:"synced_at" json:"syncedAt,omitempty"`
	LastError       string     `db:"last_error" json:"lastError,omitempty"`
}

// TableName returns the table name for Template.
func (Template) TableName() string {
	return "templates"
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (t *Template) UpdatedAtTime() time.Time {
	return FromMillis(t.UpdatedAt)
}

// SyncedAtTime returns the SyncedAt as time.Time.
func (t *Template) SyncedAtTime() time.Time {
	return FromMillis(t.SyncedAt)
}

// HasSyncMarker reports whether the template has ever completed a sync.
func (t *Template) HasSyncMarker() bool {
	return t.SyncedVersion != "" || t.SyncedUpdatedAt != 0
}

// LocallyModified reports whether the local metadata diverged from the last
// synced marker.
func (t *Template) LocallyModified() bool {
	if !t.HasSyncMarker() {
		return false
	}
	return t.Version != t.SyncedVersion || t.UpdatedAt != t.SyncedUpdatedAt
}

// CatalogEntry is one row of the remote template catalog.
type CatalogEntry struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	Version     string    `json:"version"`
	UpdatedAt   time.Time `json:"updatedAt"`
	FileURL     string    `json:"fileUrl"`
	FileSize    int64     `json:"fileSize"`
	ContentHash string    `json:"contentHash"`
}

// ChangedSince reports whether the entry differs from the synced marker of t.
func (e *CatalogEntry) ChangedSince(t *Template) bool {
	if t == nil || !t.HasSyncMarker() {
		return true
	}
	return e.Version != t.SyncedVersion || Millis(e.UpdatedAt) != t.SyncedUpdatedAt
}

// Describes reports whether the remote-owned fields of t equal the entry. An
// entry without a content hash leaves the local hash unchecked.
func (e *CatalogEntry) Describes(t *Template) bool {
	if t == nil {
		return false
	}
	if e.ContentHash != "" && e.ContentHash != t.ContentHash {
		return false
	}
	return t.Name == e.Name &&
		t.Category == e.Category &&
		t.Version == e.Version &&
		t.FileSize == e.FileSize &&
		t.FileURL == e.FileURL &&
		t.UpdatedAt == Millis(e.UpdatedAt)
}

// ApplyTo overwrites the remote-owned fields of t with the catalog values.
func (e *CatalogEntry) ApplyTo(t *Template) {
	t.ID = e.ID
	t.Name = e.Name
	t.Category = e.Category
	t.Version = e.Version
	t.FileSize = e.FileSize
	t.FileURL = e.FileURL
	t.ContentHash = e.ContentHash
	t.UpdatedAt = Millis(e.UpdatedAt)
}
