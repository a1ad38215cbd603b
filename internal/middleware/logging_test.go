package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newBufferLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func parseLogEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	return entry
}

func TestLoggingMiddleware_LogsRequestFields(t *testing.T) {
	var buf bytes.Buffer
	handler := NewLoggingMiddleware(newBufferLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	entry := parseLogEntry(t, &buf)
	if entry["msg"] != "http_request" {
		t.Errorf("msg = %v, want http_request", entry["msg"])
	}
	if entry["method"] != "POST" {
		t.Errorf("method = %v, want POST", entry["method"])
	}
	if entry["path"] != "/api/sessions" {
		t.Errorf("path = %v, want /api/sessions", entry["path"])
	}
	if got, _ := entry["status"].(float64); got != 201 {
		t.Errorf("status = %v, want 201", entry["status"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("duration_ms should be present")
	}
}

func TestLoggingMiddleware_IncludesActorAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	handler := NewLoggingMiddleware(newBufferLogger(&buf))(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/invitations", nil)
	ctx := ContextWithActor(req.Context(), &Actor{ID: "user-1"})
	req = req.WithContext(ctx)

	// request ID ミドルウェアの後段に配置された想定
	wrapped := NewRequestIDMiddleware()(handler)
	wrapped.ServeHTTP(httptest.NewRecorder(), req)

	entry := parseLogEntry(t, &buf)
	if entry["actor_id"] != "user-1" {
		t.Errorf("actor_id = %v, want user-1", entry["actor_id"])
	}
	if id, _ := entry["request_id"].(string); id == "" {
		t.Error("request_id should be present")
	}
}

func TestLoggingMiddleware_LevelByStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantLevel string
	}{
		{"success is info", http.StatusOK, "INFO"},
		{"client error is warn", http.StatusBadRequest, "WARN"},
		{"server error is error", http.StatusInternalServerError, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			handler := NewLoggingMiddleware(newBufferLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
			handler.ServeHTTP(httptest.NewRecorder(), req)

			entry := parseLogEntry(t, &buf)
			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", entry["level"], tt.wantLevel)
			}
		})
	}
}
