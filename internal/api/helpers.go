package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/aliasmail/internal/accounts"
	"github.com/vdavid/aliasmail/internal/alias"
	"github.com/vdavid/aliasmail/internal/auth"
	"github.com/vdavid/aliasmail/internal/engine"
	"github.com/vdavid/aliasmail/internal/fanout"
	"github.com/vdavid/aliasmail/internal/imap"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// GetOwnerFromContext returns the owner principal set by auth.RequireOwner and writes
// a 401 when it is missing. Returns (owner, true) on success.
func GetOwnerFromContext(ctx context.Context, w http.ResponseWriter) (string, bool) {
	owner, ok := auth.GetOwnerFromContext(ctx)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return owner, true
}

// writeJSON encodes to a buffer first so a failed encode never leaves a partial body.
func writeJSON(w http.ResponseWriter, logger *logrus.Logger, status int, value any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(value); err != nil {
		logger.WithError(err).Error("Failed to encode response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		logger.WithError(err).Debug("Failed to write response")
	}
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrOwnerRequired):
		return http.StatusUnauthorized
	case errors.Is(err, engine.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, alias.ErrAliasNotFound), errors.Is(err, accounts.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, alias.ErrInvalidDomain), errors.Is(err, alias.ErrInvalidStrategy):
		return http.StatusBadRequest
	case errors.Is(err, accounts.ErrAccountExists), errors.Is(err, accounts.ErrQuarantined):
		return http.StatusConflict
	case errors.Is(err, imap.ErrAuthentication):
		return http.StatusUnprocessableEntity
	case errors.Is(err, fanout.ErrTooManySubscribers):
		return http.StatusTooManyRequests
	case errors.Is(err, accounts.ErrNoAccountsAvailable), errors.Is(err, alias.ErrAddressExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, imap.ErrRateLimited), errors.Is(err, imap.ErrTransientConnection):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError responds with the status mapped from err. Server-side failures are
// logged and get a generic message.
func writeError(w http.ResponseWriter, logger *logrus.Logger, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		logger.WithError(err).Error("Request failed")
		http.Error(w, http.StatusText(status), status)
		return
	}
	http.Error(w, err.Error(), status)
}
