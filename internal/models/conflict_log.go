package models

import "time"

// ConflictLog records a template whose local and remote metadata both
// changed since the last sync, and how it was resolved.
type ConflictLog struct {
	ID              UUID   `db:"id" json:"id"`
	TemplateID      string `db:"template_id" json:"templateId"`
	LocalVersion    string `db:"local_version" json:"localVersion"`
	RemoteVersion   string `db:"remote_version" json:"remoteVersion"`
	LocalUpdatedAt  int64  `db:"local_updated_at" json:"localUpdatedAt"`
	RemoteUpdatedAt int64  `db:"remote_updated_at" json:"remoteUpdatedAt"`
	Resolution      string `db:"resolution" json:"resolution"` // remote_wins
	DetectedAt      int64  `db:"detected_at" json:"detectedAt"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return FromMillis(c.DetectedAt)
}
