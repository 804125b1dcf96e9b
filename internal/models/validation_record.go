package models

import (
	"encoding/json"
	"time"
)

// ValidationMethod tells whether a record came from the backend or was
// derived locally while offline.
type ValidationMethod string

const (
	MethodOnline  ValidationMethod = "online"
	MethodOffline ValidationMethod = "offline"
)

// ValidationRecord is the persisted result of validating one scan code.
// Records are append-only; the newest one per scan code is current.
type ValidationRecord struct {
	ID          UUID             `db:"id" json:"id"`
	ScanCode    string           `db:"scan_code" json:"scanCode"`
	IsValid     bool             `db:"is_valid" json:"isValid"`
	Payload     json.RawMessage  `db:"payload" json:"payload,omitempty"`
	ValidatedAt int64            `db:"validated_at" json:"validatedAt"`
	Method      ValidationMethod `db:"method" json:"method"`
	ExpiresAt   int64            `db:"expires_at" json:"expiresAt"`
	LicenseID   string           `db:"license_id" json:"licenseId,omitempty"`
	TemplateID  string           `db:"template_id" json:"templateId,omitempty"`
	Reason      string           `db:"reason" json:"reason,omitempty"`
}

// TableName returns the table name for ValidationRecord.
func (ValidationRecord) TableName() string {
	return "validation_records"
}

// ValidatedAtTime returns the ValidatedAt as time.Time.
func (v *ValidationRecord) ValidatedAtTime() time.Time {
	return FromMillis(v.ValidatedAt)
}

// ExpiresAtTime returns the ExpiresAt as time.Time.
func (v *ValidationRecord) ExpiresAtTime() time.Time {
	return FromMillis(v.ExpiresAt)
}

// Fresh reports whether the record is an unexpired online result at now.
func (v *ValidationRecord) Fresh(now time.Time) bool {
	return v.Method == MethodOnline && now.Before(v.ExpiresAtTime())
}
