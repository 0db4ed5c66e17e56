package logging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func capture(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	t.Cleanup(Replace(zap.New(core)))
	return logs
}

func TestMiddlewareLevels(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		status int
		level  zapcore.Level
		msg    string
	}{
		{"ok", "/api/v1/cwd", http.StatusOK, zapcore.InfoLevel, "request completed"},
		{"health", "/health", http.StatusOK, zapcore.DebugLevel, "request completed"},
		{"client error", "/api/v1/entries/x", http.StatusNotFound, zapcore.WarnLevel, "request rejected"},
		{"server error", "/api/v1/uploads", http.StatusServiceUnavailable, zapcore.ErrorLevel, "request failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := capture(t)
			h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, nil))

			entries := logs.All()
			if len(entries) != 1 {
				t.Fatalf("got %d log entries, want 1", len(entries))
			}
			if entries[0].Level != tt.level || entries[0].Message != tt.msg {
				t.Errorf("got %s %q, want %s %q", entries[0].Level, entries[0].Message, tt.level, tt.msg)
			}
			if entries[0].ContextMap()["status"] != int64(tt.status) {
				t.Errorf("status field = %v", entries[0].ContextMap()["status"])
			}
		})
	}
}

func TestMiddlewareRequestID(t *testing.T) {
	logs := capture(t)
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WithContext(r.Context()).Info("inside")
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q", got)
	}
	for _, e := range logs.All() {
		if e.ContextMap()["request_id"] != "req-42" {
			t.Errorf("%q missing request_id: %v", e.Message, e.ContextMap())
		}
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated request id")
	}
}

func TestWithUser(t *testing.T) {
	logs := capture(t)
	ctx := WithUser(WithRequestID(context.Background(), "r1"), "alice")
	WithContext(ctx).Info("hello")

	fields := logs.All()[0].ContextMap()
	if fields["user_id"] != "alice" || fields["request_id"] != "r1" {
		t.Errorf("fields = %v", fields)
	}
}

func TestWithContextFallsBackToGlobal(t *testing.T) {
	logs := capture(t)
	WithContext(context.Background()).Warn("global")
	if logs.Len() != 1 {
		t.Errorf("got %d entries, want 1", logs.Len())
	}
}
