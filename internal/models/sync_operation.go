package models

import "time"

// SyncOutcome summarizes a finished sync pass.
type SyncOutcome string

const (
	OutcomeSuccess SyncOutcome = "success"
	OutcomePartial SyncOutcome = "partial"
	OutcomeFailure SyncOutcome = "failure"
)

// SyncTrigger names what started a sync pass.
type SyncTrigger string

const (
	TriggerStartup  SyncTrigger = "startup"
	TriggerPeriodic SyncTrigger = "periodic"
	TriggerScan     SyncTrigger = "scan"
	TriggerManual   SyncTrigger = "manual"
)

// SyncOperation is one row of the append-only sync log. A row is inserted
// when a pass starts and completed exactly once when it ends.
type SyncOperation struct {
	ID             UUID        `db:"id" json:"id"`
	StartedAt      int64       `db:"started_at" json:"startedAt"`
	FinishedAt     int64       `db:"finished_at" json:"finishedAt,omitempty"`
	Outcome        SyncOutcome `db:"outcome" json:"outcome,omitempty"`
	ItemsAttempted int         `db:"items_attempted" json:"itemsAttempted"`
	ItemsSucceeded int         `db:"items_succeeded" json:"itemsSucceeded"`
	ItemsFailed    int         `db:"items_failed" json:"itemsFailed"`
	TriggeredBy    SyncTrigger `db:"triggered_by" json:"triggeredBy"`
	TemplateID     string      `db:"template_id" json:"templateId,omitempty"`
	Error          string      `db:"error" json:"error,omitempty"`
}

// TableName returns the table name for SyncOperation.
func (SyncOperation) TableName() string {
	return "sync_operations"
}

// StartedAtTime returns the StartedAt as time.Time.
func (s *SyncOperation) StartedAtTime() time.Time {
	return FromMillis(s.StartedAt)
}

// FinishedAtTime returns the FinishedAt as time.Time.
func (s *SyncOperation) FinishedAtTime() time.Time {
	return FromMillis(s.FinishedAt)
}

// Finished reports whether the operation has been completed.
func (s *SyncOperation) Finished() bool {
	return s.FinishedAt != 0
}

// Duration returns how long the pass took, or 0 while it is running.
func (s *SyncOperation) Duration() time.Duration {
	if !s.Finished() {
		return 0
	}
	return s.FinishedAtTime().Sub(s.StartedAtTime())
}

// DecideOutcome derives the pass outcome from item counts.
func DecideOutcome(succeeded, failed int) SyncOutcome {
	switch {
	case failed == 0:
		return OutcomeSuccess
	case succeeded > 0:
		return OutcomePartial
	default:
		return OutcomeFailure
	}
}
