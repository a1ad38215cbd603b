package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/examgate/internal/model"
)

func TestWriteErrorResponse(t *testing.T) {
	rec := httptest.NewRecorder()

	WriteErrorResponse(rec, http.StatusNotFound, model.NewInvitationNotFoundError())

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}

	var body ErrorResponseBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response body: %v", err)
	}
	if body.Code != "INVITATION_NOT_FOUND" {
		t.Errorf("code = %s, want INVITATION_NOT_FOUND", body.Code)
	}
	if body.Category != "invitation" {
		t.Errorf("category = %s, want invitation", body.Category)
	}
	if body.Message == "" || body.Action == "" {
		t.Error("message and action should not be empty")
	}
}

func TestWriteInternalServerError(t *testing.T) {
	rec := httptest.NewRecorder()

	WriteInternalServerError(rec)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}

	var body ErrorResponseBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response body: %v", err)
	}
	if body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %s, want INTERNAL_ERROR", body.Code)
	}
	if body.Category != "system" {
		t.Errorf("category = %s, want system", body.Category)
	}
}
