package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/dyluth/cipher/internal/fanout"
	"github.com/dyluth/cipher/pkg/cipher"
)

// Error codes carried in ErrorResponse.Error.
const (
	CodeValidation      = "ValidationError"
	CodeRateLimited     = "RateLimited"
	CodeLocked          = "Locked"
	CodeAlreadyVoted    = "AlreadyVoted"
	CodeNotFound        = "NotFound"
	CodeAtCapacity      = "AtCapacity"
	CodeUnavailable     = "Unavailable"
	CodePersistence     = "PersistenceError"
	CodeInternal        = "InternalError"
	CodeMissingIdentity = "MissingPlayerID"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	ResetAt string `json:"resetAt,omitempty"` // RFC3339, rate limits only
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// writeError maps a domain error onto a status code and error body.
func writeError(w http.ResponseWriter, log *slog.Logger, err error, now time.Time) {
	var validation *cipher.ValidationError
	var limited *cipher.RateLimitedError

	switch {
	case errors.As(err, &limited):
		retry := int(math.Ceil(limited.RetryAfter(now).Seconds()))
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
			Error:   CodeRateLimited,
			Message: limited.Error(),
			ResetAt: limited.ResetAt.UTC().Format(time.RFC3339),
		})

	case errors.As(err, &validation):
		writeErrorCode(w, http.StatusBadRequest, CodeValidation, validation.Error())

	case errors.Is(err, cipher.ErrLocked):
		writeErrorCode(w, http.StatusBadRequest, CodeLocked, "puzzle is not accepting guesses or votes")

	case errors.Is(err, cipher.ErrAlreadyVoted):
		writeErrorCode(w, http.StatusBadRequest, CodeAlreadyVoted, "you have already rallied this guess")

	case errors.Is(err, cipher.ErrNotFound):
		writeErrorCode(w, http.StatusNotFound, CodeNotFound, "not found")

	case errors.Is(err, cipher.ErrAtCapacity):
		writeErrorCode(w, http.StatusConflict, CodeAtCapacity, "the active puzzle limit has been reached")

	case errors.Is(err, fanout.ErrTooManyObservers):
		writeErrorCode(w, http.StatusServiceUnavailable, CodeUnavailable, err.Error())

	case cipher.IsPersistence(err):
		log.Error("store_unavailable", "error", err)
		writeErrorCode(w, http.StatusServiceUnavailable, CodePersistence, "storage temporarily unavailable, try again")

	default:
		log.Error("request_failed", "error", err)
		writeErrorCode(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}
