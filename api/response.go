package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/parcadei/ouros/logger"
	"github.com/parcadei/ouros/models"
)

// RespondJSON writes a JSON response, grounded on the teacher's own
// response_helpers.go RespondJSON/RespondError pair.
func RespondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("failed to encode response: %v", err)
	}
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, code int, message string) {
	RespondJSON(w, code, map[string]string{"error": message})
}

// RespondModelError maps a models sentinel error (ErrNotFound, ErrDuplicate,
// etc) to its natural HTTP status, falling back to 500 for anything else.
func RespondModelError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrDuplicate):
		RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrDefaultSessionProtected):
		RespondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, models.ErrInvalidInput), errors.Is(err, models.ErrAlreadyResumed),
		errors.Is(err, models.ErrFrozen), errors.Is(err, models.ErrDanglingHeapID):
		RespondError(w, http.StatusBadRequest, err.Error())
	default:
		RespondError(w, http.StatusInternalServerError, err.Error())
	}
}

// DecodeJSON decodes a request body into dst, rejecting unknown fields and
// trailing garbage the way the teacher's DecodeJSONBody does.
func DecodeJSON(r *http.Request, dst interface{}) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "application/json") {
		return errors.New("Content-Type header is not application/json")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("request body must only contain a single JSON object")
	}
	return nil
}
