package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// writeJSON marshals v as JSON and writes it with the given status. If
// marshaling fails it falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain sentinels onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotReplayable), errors.Is(err, domain.ErrAlreadyClosed),
		errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrLockHeld),
		errors.Is(err, domain.ErrPaused):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidParams):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// parseLimit reads ?limit= with a default of 50 and a cap of 500.
func parseLimit(r *http.Request) int {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	return min(limit, 500)
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

// reasonBody is the optional JSON body of pause, resume and reject calls.
type reasonBody struct {
	Reason string `json:"reason"`
}

// decodeReason reads {"reason": "..."}; an empty body yields fallback.
func decodeReason(r *http.Request, fallback string) (string, error) {
	var b reasonBody
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&b); err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	if b.Reason == "" {
		return fallback, nil
	}
	return b.Reason, nil
}
