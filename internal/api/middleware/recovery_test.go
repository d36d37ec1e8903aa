package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRecovererConvertsPanicTo500(t *testing.T) {
	_, entry := captureLog(t)

	handler := Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("originator state corrupted")
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/originator/start", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q", ct)
	}

	var env errEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding 500 body: %v", err)
	}
	if env.Error != "internal server error" {
		t.Errorf("error = %q", env.Error)
	}

	// The panic value, request line, and a stack trace all land in the log.
	got := entry()
	if got["msg"] != "panic recovered" {
		t.Errorf("msg = %v", got["msg"])
	}
	if got["panic"] != "originator state corrupted" {
		t.Errorf("panic = %v", got["panic"])
	}
	if got["method"] != "POST" || got["path"] != "/api/v1/originator/start" {
		t.Errorf("request fields = %v %v", got["method"], got["path"])
	}
	if stack, ok := got["stack"].(string); !ok || stack == "" {
		t.Error("stack trace missing from log entry")
	}
}

func TestRecovererPassesThrough(t *testing.T) {
	handler := Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":{"status":"ok"}}`))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if rr.Body.String() != `{"data":{"status":"ok"}}` {
		t.Errorf("body = %q", rr.Body.String())
	}
}
