package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/dmitrymomot/notifykit/pkg/notifications"
)

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// statusOf maps engine errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, notifications.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, notifications.ErrTerminal),
		errors.Is(err, notifications.ErrConflict),
		errors.Is(err, notifications.ErrInvalidEvent):
		return http.StatusConflict
	case errors.Is(err, notifications.ErrInvalidIntent):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError answers with the mapped status. Internal errors are logged
// by the caller and reported without detail.
func writeEngineError(w http.ResponseWriter, err error) {
	code := statusOf(err)
	resp := errorResponse{Error: http.StatusText(code)}
	if code != http.StatusInternalServerError {
		resp.Error = err.Error()
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		resp.Error = notifications.ErrInvalidIntent.Error()
		resp.Fields = make(map[string]string, len(verrs))
		for _, fe := range verrs {
			resp.Fields[fe.Field()] = fe.Tag()
		}
	}
	writeJSON(w, code, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

const maxBodyBytes = 1 << 20
