// Package httputil holds the JSON response and error mapping helpers shared by
// the HTTP handlers.
package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aristath/augur/internal/domain"
)

// MaxBodyBytes bounds decoded request bodies.
const MaxBodyBytes = 8 << 20

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// WriteJSON writes data with status.
func WriteJSON(w http.ResponseWriter, log zerolog.Logger, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// WriteError maps err onto a status code: validation 400, missing model or
// resource 404, unavailable upstream or exhausted deadline 503, anything else 500.
func WriteError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("Request failed")
	} else {
		log.Debug().Err(err).Int("status", status).Msg("Request rejected")
	}
	WriteJSON(w, log, status, body)
}

// Status returns the status code WriteError would use for err.
func Status(err error) int {
	status, _ := classify(err)
	return status
}

func classify(err error) (int, ErrorResponse) {
	var (
		verr *domain.ValidationError
		mnf  *domain.ModelNotFoundError
		nf   *domain.NotFoundError
		ue   *domain.UpstreamUnavailableError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, ErrorResponse{Error: verr.Message, Field: verr.Field}
	case errors.As(err, &mnf):
		return http.StatusNotFound, ErrorResponse{Error: mnf.Error()}
	case errors.As(err, &nf):
		return http.StatusNotFound, ErrorResponse{Error: nf.Error()}
	case errors.As(err, &ue):
		return http.StatusServiceUnavailable, ErrorResponse{Error: unavailableMessage(ue.Service)}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "Service temporarily unavailable"}
	}
	return http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"}
}

func unavailableMessage(service string) string {
	if service == "" {
		return "Service temporarily unavailable"
	}
	return strings.ToUpper(service[:1]) + service[1:] + " service temporarily unavailable"
}

// DecodeJSON decodes a bounded JSON body into v. Malformed input is a ValidationError.
func DecodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.NewValidationError("body", "request body is empty")
		}
		return domain.NewValidationError("body", fmt.Sprintf("invalid JSON: %v", err))
	}
	return nil
}

// QueryInt parses an integer query parameter, returning def when absent.
func QueryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.NewValidationError(name, "must be a non-negative integer")
	}
	return n, nil
}
