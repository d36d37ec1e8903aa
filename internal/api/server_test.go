package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/callstorm/callstorm/internal/client"
	"github.com/callstorm/callstorm/internal/dialer"
	"github.com/callstorm/callstorm/internal/node"
	"github.com/callstorm/callstorm/internal/pool"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	loop := node.NewEventLoop("fs1", 8021, "ClueCon", node.LoopOptions{})
	listener, err := node.NewListener(loop, node.ListenerOptions{})
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	p := pool.New([]*pool.Node{{
		Client:   client.New(listener, client.Options{}),
		Listener: listener,
	}}, nil)
	orig := dialer.New(p, dialer.Options{})
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# metrics"))
	})
	return NewServer(orig, nil, metrics)
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data is %T, want object", env.Data)
	}
	return data
}

func TestHealth(t *testing.T) {
	w := get(t, testServer(t), "/api/v1/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if data := decodeData(t, w); data["status"] != "ok" {
		t.Errorf("health payload = %v", data)
	}
}

func TestStatusSnapshot(t *testing.T) {
	w := get(t, testServer(t), "/api/v1/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	data := decodeData(t, w)
	if data["state"] != "INITIAL" {
		t.Errorf("state = %v, want INITIAL", data["state"])
	}
	if data["rate"] != float64(dialer.DefaultRate) {
		t.Errorf("rate = %v, want %d", data["rate"], dialer.DefaultRate)
	}
	if data["active_calls"] != float64(0) {
		t.Errorf("active_calls = %v, want 0", data["active_calls"])
	}
}

func TestNodes(t *testing.T) {
	w := get(t, testServer(t), "/api/v1/nodes")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	nodes, ok := env.Data.([]any)
	if !ok || len(nodes) != 1 {
		t.Fatalf("nodes payload = %v", env.Data)
	}
	first := nodes[0].(map[string]any)
	if first["host"] != "fs1" {
		t.Errorf("host = %v, want fs1", first["host"])
	}
	if first["connected"] != false {
		t.Errorf("connected = %v, want false", first["connected"])
	}
}

func TestStartWithoutAppsConflicts(t *testing.T) {
	s := testServer(t)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/originator/start", nil))
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestSettingsUpdate(t *testing.T) {
	s := testServer(t)
	body := strings.NewReader(`{"rate": 50, "limit": 10, "max_offered": 500}`)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/v1/originator/settings", body))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	data := decodeData(t, w)
	if data["rate"] != float64(50) || data["limit"] != float64(10) {
		t.Errorf("settings = rate %v limit %v, want 50 10", data["rate"], data["limit"])
	}
	if data["max_offered"] != float64(500) {
		t.Errorf("max_offered = %v, want 500", data["max_offered"])
	}
}

func TestSettingsRejectsBadValues(t *testing.T) {
	s := testServer(t)
	for _, body := range []string{`{"rate": -1}`, `{"limit": 0}`, `{"duration_seconds": -2}`, `not json`} {
		w := httptest.NewRecorder()
		s.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/v1/originator/settings", strings.NewReader(body)))
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, w.Code)
		}
	}
}

func TestStopTransitionsState(t *testing.T) {
	s := testServer(t)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/originator/stop", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	// Stopping from INITIAL is a no-op.
	if data := decodeData(t, w); data["state"] != "INITIAL" {
		t.Errorf("state = %v, want INITIAL", data["state"])
	}
}

func TestMetricsMounted(t *testing.T) {
	w := get(t, testServer(t), "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "# metrics") {
		t.Errorf("metrics body = %q", w.Body.String())
	}
}
