package handlers

import (
	"context"
	"net/http"
	"strings"

	apperrors "github.com/kimhsiao/scanvault/backend/internal/errors"
	"github.com/kimhsiao/scanvault/backend/internal/validation"
)

// Validator is the part of the core used by ValidationHandler.
type Validator interface {
	Validate(ctx context.Context, code string) (*validation.Outcome, error)
	ClearValidationCache(ctx context.Context) (int64, error)
}

// ValidationHandler serves scan code validation.
type ValidationHandler struct {
	core Validator
}

// NewValidationHandler creates a new ValidationHandler.
func NewValidationHandler(core Validator) *ValidationHandler {
	return &ValidationHandler{core: core}
}

type validateRequest struct {
	ScanCode string `json:"scanCode"`
}

// Validate handles POST /api/validate.
//
// Revoked and expired licenses carry the outcome next to the error so
// clients can show the reason.
func (h *ValidationHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.ScanCode) == "" {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "scanCode is required"))
		return
	}

	out, err := h.core.Validate(r.Context(), req.ScanCode)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, out)
	case out != nil:
		writeJSON(w, statusFor(err), map[string]interface{}{
			"outcome": out,
			"error":   errorBody(err),
		})
	default:
		writeError(w, err)
	}
}

// ClearCache handles DELETE /api/validations.
func (h *ValidationHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	n, err := h.core.ClearValidationCache(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": n})
}
