package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/volunteerhub/signupdb"
	"github.com/volunteerhub/signupdb/verify"
	"github.com/volunteerhub/signupdb/volunteers"
)

const maxBodyBytes = 64 << 10

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// decode reads one JSON object from the body. Unknown fields are rejected.
func decode(r *http.Request, w http.ResponseWriter, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return &volunteers.ValidationError{Field: "body", Reason: "empty request body"}
		}
		return &volunteers.ValidationError{Field: "body", Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	if dec.More() {
		return &volunteers.ValidationError{Field: "body", Reason: "trailing data after JSON object"}
	}
	return nil
}

// fail maps err to a status. Only validation messages reach the client;
// everything else is logged and reported generically.
func fail(w http.ResponseWriter, log *zap.Logger, err error) {
	var (
		verr   *volunteers.ValidationError
		status *verify.StatusError
		trans  *signupdb.TransientConnectionError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Reason, Field: verr.Field})
	case errors.Is(err, verify.ErrTimeout):
		log.Warn("verification timed out", zap.Error(err))
		writeError(w, http.StatusGatewayTimeout, "verification timed out")
	case errors.As(err, &status):
		log.Warn("verification service error", zap.Error(err))
		writeError(w, http.StatusBadGateway, "verification unavailable")
	case errors.Is(err, signupdb.ErrShutdown), errors.As(err, &trans):
		log.Warn("database unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
	default:
		log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
