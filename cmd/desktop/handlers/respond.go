// Package handlers provides the REST API handlers of the desktop server.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/kimhsiao/scanvault/backend/internal/errors"
	"github.com/kimhsiao/scanvault/backend/internal/logging"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Component("http").Debug().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]interface{}{"error": errorBody(err)})
}

func errorBody(err error) ErrorBody {
	body := ErrorBody{Code: apperrors.CodeOf(err), Message: err.Error()}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		body.Message = appErr.Message
	}
	return body
}

// statusFor maps an error code onto an HTTP status.
func statusFor(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrNotFound, apperrors.ErrNotFoundOffline:
		return http.StatusNotFound
	case apperrors.ErrRevoked, apperrors.ErrExpired:
		return http.StatusForbidden
	case apperrors.ErrNetwork, apperrors.ErrNetworkTimeout:
		return http.StatusServiceUnavailable
	case apperrors.ErrRemote:
		return http.StatusBadGateway
	case apperrors.ErrCacheFull:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err)
	}
	return nil
}
