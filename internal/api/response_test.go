package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSONWrapsData(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, statusPayload{State: "ORIGINATING", Rate: 30, Limit: 5})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q", ct)
	}

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if env.Error != "" {
		t.Errorf("error = %q, want empty", env.Error)
	}
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data is %T, want object", env.Data)
	}
	if data["state"] != "ORIGINATING" || data["rate"] != float64(30) {
		t.Errorf("data = %v", data)
	}
}

func TestWriteErrorOmitsData(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusConflict, "no apps loaded")

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if env.Error != "no apps loaded" {
		t.Errorf("error = %q", env.Error)
	}
	if env.Data != nil {
		t.Errorf("data = %v, want nil", env.Data)
	}
}

func TestWriteJSONOmitsEmptyError(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	if strings.Contains(w.Body.String(), `"error"`) {
		t.Errorf("error field should be omitted: %s", w.Body.String())
	}
}

func TestReadJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"valid settings", `{"rate": 50, "limit": 10}`, ""},
		{"empty body", ``, "request body must not be empty"},
		{"malformed", `{rate`, "malformed json"},
		{"unknown field", `{"cps": 50}`, `unknown field "cps"`},
		{"wrong type", `{"rate": "fast"}`, `field "rate" must be of type int`},
		{"trailing object", `{"rate": 1}{"rate": 2}`, "request body must contain a single json object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPut, "/api/v1/originator/settings", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			var dst struct {
				Rate  int `json:"rate"`
				Limit int `json:"limit"`
			}
			if msg := readJSON(w, r, &dst); msg != tt.wantMsg {
				t.Errorf("readJSON = %q, want %q", msg, tt.wantMsg)
			}
		})
	}
}

func TestReadJSONDecodesValues(t *testing.T) {
	r := httptest.NewRequest(http.MethodPut, "/api/v1/originator/settings",
		strings.NewReader(`{"rate": 100, "limit": 25}`))
	w := httptest.NewRecorder()

	var dst struct {
		Rate  int `json:"rate"`
		Limit int `json:"limit"`
	}
	if msg := readJSON(w, r, &dst); msg != "" {
		t.Fatalf("readJSON = %q", msg)
	}
	if dst.Rate != 100 || dst.Limit != 25 {
		t.Errorf("decoded = %+v", dst)
	}
}
