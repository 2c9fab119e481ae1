package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	flowgrpc "github.com/maxpert/flowmeta/grpc"
	"github.com/maxpert/flowmeta/meta"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
)

const maxBodyBytes = 4 << 20

// LeaderSource returns the running leadership term
type LeaderSource interface {
	Current() (*meta.Term, error)
}

// AdminHandlers serves operator requests against the current term
type AdminHandlers struct {
	leader LeaderSource
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(leader LeaderSource) *AdminHandlers {
	return &AdminHandlers{leader: leader}
}

// withTerm resolves the term or answers 503 on a follower
func (h *AdminHandlers) withTerm(fn func(http.ResponseWriter, *http.Request, *meta.Term)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := h.leader.Current()
		if err != nil {
			writeDomainError(w, err)
			return
		}
		fn(w, r, t)
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// writeDomainError maps a manager error to an HTTP status
func writeDomainError(w http.ResponseWriter, err error) {
	writeErrorResponse(w, httpStatus(flowgrpc.Code(err)), err.Error())
}

func httpStatus(code codes.Code) int {
	switch code {
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.FailedPrecondition:
		return http.StatusConflict
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.Unavailable, codes.ResourceExhausted:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a JSON request body into v
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// parseID parses a numeric URL parameter
func parseID(r *http.Request, name string) (uint64, error) {
	raw := chi.URLParam(r, name)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}

	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

// parseQueryID parses an optional numeric query parameter
func parseQueryID(r *http.Request, name string) (uint64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}
