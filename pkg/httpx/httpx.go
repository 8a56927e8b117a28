package httpx

import (
	"encoding/json"
	"net/http"

	"wasteex/pkg/apperr"

	"github.com/google/uuid"
)

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	resp := map[string]any{
		"request_id": NewRequestID(),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
	WriteJSON(w, status, resp)
}

// WriteAppError maps the error taxonomy onto HTTP statuses. Unknown errors
// surface as 500.
func WriteAppError(w http.ResponseWriter, err error) {
	kind, ok := apperr.KindOf(err)
	if !ok {
		WriteError(w, 500, "INTERNAL_ERROR", err.Error(), nil)
		return
	}
	status := 500
	switch kind {
	case apperr.Validation:
		status = 400
	case apperr.Authorization:
		status = 403
	case apperr.NotFound:
		status = 404
	case apperr.Conflict, apperr.State:
		status = 409
	case apperr.ExternalService:
		status = 502
	}
	WriteError(w, status, kind.Code(), err.Error(), map[string]any{"retryable": apperr.Retryable(err)})
}
