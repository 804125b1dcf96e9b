package sync

import (
	"github.com/kimhsiao/scanvault/backend/internal/models"
)

// ItemState is a step of the per-template state machine:
//
//	unchanged -> checking -> {up_to_date, needs_download, conflict} -> {synced, failed}
//
// up_to_date is final for templates that need no work.
type ItemState string

const (
	StateUnchanged     ItemState = "unchanged"
	StateChecking      ItemState = "checking"
	StateUpToDate      ItemState = "up_to_date"
	StateNeedsDownload ItemState = "needs_download"
	StateConflict      ItemState = "conflict"
	StateSynced        ItemState = "synced"
	StateFailed        ItemState = "failed"
)

// Final reports whether s ends an item's processing.
func (s ItemState) Final() bool {
	return s == StateUpToDate || s == StateSynced || s == StateFailed
}

// EventType identifies a sync event.
type EventType string

const (
	EventPassStarted   EventType = "pass_started"
	EventItemState     EventType = "item_state"
	EventPassCompleted EventType = "pass_completed"
)

// Event is one observable transition of a sync pass. Operation is a
// snapshot and safe to retain.
type Event struct {
	Type       EventType            `json:"type"`
	Operation  models.SyncOperation `json:"operation"`
	TemplateID string               `json:"templateId,omitempty"`
	State      ItemState            `json:"state,omitempty"`
	Error      string               `json:"error,omitempty"`
	At         int64                `json:"at"`
}

// Observer receives sync events. Events of a pass are delivered in order on
// the pass goroutine, each exactly once; observers must return quickly.
type Observer interface {
	OnSyncEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnSyncEvent calls f(e).
func (f ObserverFunc) OnSyncEvent(e Event) {
	f(e)
}
