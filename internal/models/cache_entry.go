package models

import "time"

// CacheKind separates full assets from their thumbnails. Each kind is
// accounted against its own budget.
type CacheKind string

const (
	CacheKindAsset     CacheKind = "asset"
	CacheKindThumbnail CacheKind = "thumbnail"
)

// CacheEntry is the accounting row for one locally stored file.
type CacheEntry struct {
	TemplateID     string    `db:"template_id" json:"templateId"`
	Kind           CacheKind `db:"kind" json:"kind"`
	LocalPath      string    `db:"local_path" json:"localPath"`
	SizeBytes      int64     `db:"size_bytes" json:"sizeBytes"`
	ContentType    string    `db:"content_type" json:"contentType"`
	ContentHash    string    `db:"content_hash" json:"contentHash"`
	LastAccessedAt int64     `db:"last_accessed_at" json:"lastAccessedAt"`
	Pinned         bool      `db:"pinned" json:"pinned"`
	CreatedAt      int64     `db:"created_at" json:"createdAt"`
}

// TableName returns the table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "cache_entries"
}

// LastAccessedAtTime returns the LastAccessedAt as time.Time.
func (c *CacheEntry) LastAccessedAtTime() time.Time {
	return FromMillis(c.LastAccessedAt)
}
