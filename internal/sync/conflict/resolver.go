// Package conflict detects and resolves template metadata conflicts.
//
// Templates are server owned, so every conflict resolves in favour of the
// remote catalog. Local metadata is discarded, never merged, and each
// resolution leaves a ConflictLog row.
package conflict

import (
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/kimhsiao/scanvault/backend/internal/errors"
	"github.com/kimhsiao/scanvault/backend/internal/logging"
	"github.com/kimhsiao/scanvault/backend/internal/models"
	"github.com/kimhsiao/scanvault/backend/internal/uuid"
)

// ResolutionRemoteWins is the only resolution applied.
const ResolutionRemoteWins = "remote_wins"

// Conflict is a template changed both locally and remotely since its last
// successful sync.
type Conflict struct {
	TemplateID string
	Local      *models.Template
	Remote     *models.CatalogEntry
	DetectedAt int64
}

// Result is a resolved conflict.
type Result struct {
	// Template is the local row rewritten from the remote entry.
	Template *models.Template
	Log      *models.ConflictLog
}

// Resolver detects and resolves conflicts.
type Resolver struct {
	now    func() time.Time
	logger zerolog.Logger
}

// NewResolver creates a resolver. A nil clock uses time.Now.
func NewResolver(clock func() time.Time) *Resolver {
	if clock == nil {
		clock = time.Now
	}
	return &Resolver{now: clock, logger: logging.Component("conflict")}
}

// Detect reports a conflict when local diverged from its sync marker and
// remote changed since that marker too. A template that never synced cannot
// conflict.
func (r *Resolver) Detect(local *models.Template, remote *models.CatalogEntry) (*Conflict, bool) {
	if local == nil || remote == nil || local.ID != remote.ID {
		return nil, false
	}
	if !local.LocallyModified() || !remote.ChangedSince(local) {
		return nil, false
	}

	c := &Conflict{
		TemplateID: local.ID,
		Local:      local,
		Remote:     remote,
		DetectedAt: models.Millis(r.now()),
	}
	r.logger.Warn().
		Str("template_id", local.ID).
		Str("local_version", local.Version).
		Str("remote_version", remote.Version).
		Int64("local_updated_at", local.UpdatedAt).
		Int64("remote_updated_at", models.Millis(remote.UpdatedAt)).
		Msg("template conflict detected")
	return c, true
}

// Resolve applies the remote entry over the local template. Timestamps are
// not compared: equal or skewed clocks resolve the same way.
func (r *Resolver) Resolve(c *Conflict) (*Result, error) {
	if c == nil || c.Local == nil || c.Remote == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "conflict requires both local and remote sides")
	}
	if c.Local.ID != c.Remote.ID {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "template id mismatch: %s != %s", c.Local.ID, c.Remote.ID)
	}

	log := &models.ConflictLog{
		ID:              models.UUID(uuid.New()),
		TemplateID:      c.Local.ID,
		LocalVersion:    c.Local.Version,
		RemoteVersion:   c.Remote.Version,
		LocalUpdatedAt:  c.Local.UpdatedAt,
		RemoteUpdatedAt: models.Millis(c.Remote.UpdatedAt),
		Resolution:      ResolutionRemoteWins,
		DetectedAt:      c.DetectedAt,
	}

	winner := *c.Local
	c.Remote.ApplyTo(&winner)

	r.logger.Info().
		Str("template_id", c.Local.ID).
		Str("resolution", ResolutionRemoteWins).
		Msg("template conflict resolved")

	return &Result{Template: &winner, Log: log}, nil
}
