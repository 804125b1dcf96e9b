package models

import "time"

// LicenseStatus is the remote lifecycle state of a license.
type LicenseStatus string

const (
	LicenseActive  LicenseStatus = "active"
	LicenseRevoked LicenseStatus = "revoked"
	LicenseExpired LicenseStatus = "expired"
)

// License is a read-only mirror of a remote entitlement. The backend owns
// it; the core only upserts what validation responses report.
type License struct {
	ID         string        `db:"id" json:"id"`
	Code       string        `db:"code" json:"code"`
	TemplateID string        `db:"template_id" json:"templateId,omitempty"`
	Status     LicenseStatus `db:"status" json:"status"`
	CreatedAt  int64         `db:"created_at" json:"createdAt"`
	UpdatedAt  int64         `db:"updated_at" json:"updatedAt"`
}

// TableName returns the table name for License.
func (License) TableName() string {
	return "licenses"
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (l *License) UpdatedAtTime() time.Time {
	return FromMillis(l.UpdatedAt)
}
