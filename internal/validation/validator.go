package validation

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/kimhsiao/scanvault/backend/internal/db"
	apperrors "github.com/kimhsiao/scanvault/backend/internal/errors"
	"github.com/kimhsiao/scanvault/backend/internal/gateway"
	"github.com/kimhsiao/scanvault/backend/internal/logging"
	"github.com/kimhsiao/scanvault/backend/internal/metrics"
	"github.com/kimhsiao/scanvault/backend/internal/models"
	"github.com/kimhsiao/scanvault/backend/internal/uuid"
)

// MaxScanCodeLength is the longest accepted scan code in bytes.
const MaxScanCodeLength = 512

// Defaults.
const (
	DefaultTTL     = 24 * time.Hour
	DefaultTimeout = 30 * time.Second
)

// Remote is the backend validation endpoint.
type Remote interface {
	ValidateLicense(ctx context.Context, code string) (*gateway.ValidationResponse, error)
}

// SyncTrigger receives fire-and-forget requests to refresh a template after
// a successful scan. Implementations must not block.
type SyncTrigger interface {
	EnqueueScanSync(templateID string) bool
}

// Outcome is the result of validating one scan code.
type Outcome struct {
	ScanCode       string                  `json:"scanCode"`
	Valid          bool                    `json:"valid"`
	Method         models.ValidationMethod `json:"method"`
	CacheHit       bool                    `json:"cacheHit"`
	OfflineWarning bool                    `json:"offlineWarning"`
	Reason         string                  `json:"reason,omitempty"`
	TemplateID     string                  `json:"templateId,omitempty"`
	LicenseID      string                  `json:"licenseId,omitempty"`
	ValidatedAt    time.Time               `json:"validatedAt"`
	ExpiresAt      time.Time               `json:"expiresAt"`
}

func outcomeFrom(rec *models.ValidationRecord) *Outcome {
	return &Outcome{
		ScanCode:    rec.ScanCode,
		Valid:       rec.IsValid,
		Method:      rec.Method,
		Reason:      rec.Reason,
		TemplateID:  rec.TemplateID,
		LicenseID:   rec.LicenseID,
		ValidatedAt: rec.ValidatedAtTime(),
		ExpiresAt:   rec.ExpiresAtTime(),
	}
}

// Options configures a Validator.
type Options struct {
	// TTL of an online result (default: 24h).
	TTL time.Duration
	// Timeout of the backend call (default: 30s).
	Timeout time.Duration
	Clock   func() time.Time
	Metrics *metrics.Metrics
}

// Validator validates scan codes online with an offline fallback.
type Validator struct {
	cache    *Cache
	remote   Remote
	licenses db.LicenseRepository
	ttl      time.Duration
	timeout  time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu      sync.RWMutex
	trigger SyncTrigger
}

// NewValidator creates a validator. remote may be nil, in which case every
// validation takes the offline path.
func NewValidator(cache *Cache, remote Remote, licenses db.LicenseRepository, opts Options) *Validator {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Validator{
		cache:    cache,
		remote:   remote,
		licenses: licenses,
		ttl:      opts.TTL,
		timeout:  opts.Timeout,
		now:      opts.Clock,
		metrics:  opts.Metrics,
		logger:   logging.Component("validator"),
	}
}

// SetSyncTrigger registers the receiver of opportunistic sync requests.
func (v *Validator) SetSyncTrigger(t SyncTrigger) {
	v.mu.Lock()
	v.trigger = t
	v.mu.Unlock()
}

// NormalizeScanCode trims surrounding whitespace and checks the code is
// printable text of acceptable length.
func NormalizeScanCode(raw string) (string, error) {
	code := strings.TrimSpace(raw)
	if code == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "scan code is empty")
	}
	if len(code) > MaxScanCodeLength {
		return "", apperrors.Newf(apperrors.ErrInvalid, "scan code exceeds %d bytes", MaxScanCodeLength)
	}
	if !utf8.ValidString(code) {
		return "", apperrors.New(apperrors.ErrInvalid, "scan code is not valid UTF-8")
	}
	for _, r := range code {
		if unicode.IsControl(r) {
			return "", apperrors.New(apperrors.ErrInvalid, "scan code contains control characters")
		}
	}
	return code, nil
}

// Validate resolves a scan code.
//
// A fresh online record answers without network I/O. Otherwise the backend
// is asked; when it cannot be reached or times out the most recent record
// is reused and the outcome carries OfflineWarning. Other backend errors
// are returned unchanged. At most one record is written per call and none
// on a cache hit.
//
// Revoked and expired licenses return the outcome together with a
// LICENSE_REVOKED or LICENSE_EXPIRED error.
func (v *Validator) Validate(ctx context.Context, raw string) (*Outcome, error) {
	code, err := NormalizeScanCode(raw)
	if err != nil {
		v.metrics.RecordValidation("none", "invalid_input")
		return nil, err
	}

	latest, err := v.cache.Latest(ctx, code)
	if err != nil {
		return nil, err
	}
	now := v.now()

	if latest != nil && latest.Fresh(now) {
		out := outcomeFrom(latest)
		out.CacheHit = true
		v.metrics.RecordValidation("cache", result(out))
		v.logger.Debug().Str("scan_code", code).Bool("valid", out.Valid).Msg("validation cache hit")
		return v.finish(out)
	}

	resp, remoteErr := v.askRemote(ctx, code)
	if remoteErr != nil {
		if !apperrors.IsNetwork(remoteErr) {
			v.metrics.RecordValidation(string(models.MethodOnline), "error")
			v.logger.Warn().Err(remoteErr).Str("scan_code", code).Msg("backend rejected validation request")
			return nil, remoteErr
		}
		return v.fallback(ctx, code, latest, now, remoteErr)
	}

	rec := &models.ValidationRecord{
		ID:          models.UUID(uuid.New()),
		ScanCode:    code,
		IsValid:     resp.Valid,
		Payload:     resp.Raw,
		ValidatedAt: models.Millis(now),
		Method:      models.MethodOnline,
		ExpiresAt:   models.Millis(now.Add(v.ttl)),
		Reason:      resp.Reason,
	}
	if resp.License != nil {
		rec.LicenseID = resp.License.ID
		rec.TemplateID = resp.License.TemplateID
		if v.licenses != nil && resp.License.ID != "" {
			if err := v.licenses.UpsertLicense(ctx, resp.License.ToModel(code, now)); err != nil {
				v.logger.Warn().Err(err).Str("license_id", resp.License.ID).Msg("failed to mirror license")
			}
		}
	}
	if err := v.cache.Put(ctx, rec); err != nil {
		return nil, err
	}

	out := outcomeFrom(rec)
	v.metrics.RecordValidation(string(models.MethodOnline), result(out))
	v.logger.Info().
		Str("scan_code", code).
		Bool("valid", rec.IsValid).
		Str("reason", rec.Reason).
		Msg("validated online")
	return v.finish(out)
}

func (v *Validator) askRemote(ctx context.Context, code string) (*gateway.ValidationResponse, error) {
	if v.remote == nil {
		return nil, apperrors.New(apperrors.ErrNetwork, "no backend configured")
	}
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	resp, err := v.remote.ValidateLicense(ctx, code)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded && !apperrors.Is(err, apperrors.ErrNetworkTimeout) {
			err = apperrors.Wrap(apperrors.ErrNetworkTimeout, "license validation timed out", err)
		}
		return nil, err
	}
	return resp, nil
}

// fallback answers from the most recent record when the backend could not.
func (v *Validator) fallback(ctx context.Context, code string, latest *models.ValidationRecord, now time.Time, cause error) (*Outcome, error) {
	if latest == nil {
		v.metrics.RecordValidation(string(models.MethodOffline), "not_found")
		return nil, apperrors.Wrap(apperrors.ErrNotFoundOffline, "no cached validation for scan code", cause)
	}

	rec := &models.ValidationRecord{
		ID:          models.UUID(uuid.New()),
		ScanCode:    code,
		IsValid:     latest.IsValid,
		Payload:     latest.Payload,
		ValidatedAt: models.Millis(now),
		Method:      models.MethodOffline,
		ExpiresAt:   latest.ExpiresAt,
		LicenseID:   latest.LicenseID,
		TemplateID:  latest.TemplateID,
		Reason:      latest.Reason,
	}
	if err := v.cache.Put(ctx, rec); err != nil {
		return nil, err
	}

	out := outcomeFrom(rec)
	out.OfflineWarning = true
	v.metrics.RecordValidation(string(models.MethodOffline), result(out))
	v.logger.Warn().
		Err(cause).
		Str("scan_code", code).
		Time("last_validated_at", latest.ValidatedAtTime()).
		Msg("backend unavailable, using cached validation")
	return v.finish(out)
}

// finish maps negative license states to errors and requests a sync for
// valid templates.
func (v *Validator) finish(out *Outcome) (*Outcome, error) {
	if !out.Valid {
		switch out.Reason {
		case string(models.LicenseRevoked):
			return out, apperrors.Newf(apperrors.ErrRevoked, "license for %q is revoked", out.ScanCode)
		case string(models.LicenseExpired):
			return out, apperrors.Newf(apperrors.ErrExpired, "license for %q is expired", out.ScanCode)
		}
		return out, nil
	}

	if out.TemplateID != "" {
		v.mu.RLock()
		trigger := v.trigger
		v.mu.RUnlock()
		if trigger != nil {
			trigger.EnqueueScanSync(out.TemplateID)
		}
	}
	return out, nil
}

// ClearCache deletes all validation records.
func (v *Validator) ClearCache(ctx context.Context) (int64, error) {
	n, err := v.cache.Clear(ctx)
	if err != nil {
		return 0, err
	}
	v.logger.Info().Int64("deleted", n).Msg("validation cache cleared")
	return n, nil
}

func result(out *Outcome) string {
	if out.Valid {
		return "valid"
	}
	if out.Reason != "" {
		return out.Reason
	}
	return "invalid"
}
