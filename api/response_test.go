package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/parcadei/ouros/models"
)

func TestRespondModelErrorMapsStatusCodes(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{models.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", models.ErrNotFound), http.StatusNotFound},
		{models.ErrDuplicate, http.StatusConflict},
		{models.ErrDefaultSessionProtected, http.StatusForbidden},
		{models.ErrInvalidInput, http.StatusBadRequest},
		{models.ErrAlreadyResumed, http.StatusBadRequest},
		{models.ErrFrozen, http.StatusBadRequest},
		{models.ErrDanglingHeapID, http.StatusBadRequest},
		{fmt.Errorf("something unexpected"), http.StatusInternalServerError},
	}

	for _, c := range cases {
		rec := httptest.NewRecorder()
		RespondModelError(rec, c.err)
		if rec.Code != c.status {
			t.Errorf("RespondModelError(%v) = %d, want %d", c.err, rec.Code, c.status)
		}
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","extra":1}`))
	req.Header.Set("Content-Type", "application/json")
	if err := DecodeJSON(req, &dst); err == nil {
		t.Error("expected DecodeJSON to reject an unknown field")
	}
}

func TestDecodeJSONRejectsEmptyBody(t *testing.T) {
	var dst struct{}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	req.Header.Set("Content-Type", "application/json")
	if err := DecodeJSON(req, &dst); err == nil {
		t.Error("expected DecodeJSON to reject an empty body")
	}
}

func TestDecodeJSONRejectsTrailingGarbage(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a"}{"name":"b"}`))
	req.Header.Set("Content-Type", "application/json")
	if err := DecodeJSON(req, &dst); err == nil {
		t.Error("expected DecodeJSON to reject a body with more than one JSON object")
	}
}

func TestDecodeJSONAcceptsValidSingleObject(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a"}`))
	req.Header.Set("Content-Type", "application/json")
	if err := DecodeJSON(req, &dst); err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	if dst.Name != "a" {
		t.Errorf("decoded Name = %q, want %q", dst.Name, "a")
	}
}

func TestDecodeJSONRejectsWrongContentType(t *testing.T) {
	var dst struct{}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	if err := DecodeJSON(req, &dst); err == nil {
		t.Error("expected DecodeJSON to reject a non-JSON Content-Type")
	}
}
