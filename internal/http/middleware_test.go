package httpapi

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDEchoed(t *testing.T) {
	h := newTestServer(&stubCreator{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-ID") != "abc" {
		t.Fatalf("request id = %q", rec.Header().Get("X-Request-ID"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected generated request id")
	}
}

func TestRecoverMiddleware(t *testing.T) {
	h := newTestServer(&stubCreator{})
	h.mux.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAccessLevel(t *testing.T) {
	cases := []struct {
		route  string
		status int
		want   slog.Level
	}{
		{"/api/v1/sessions/{id}", 200, slog.LevelInfo},
		{"/api/v1/sessions/{id}", 422, slog.LevelWarn},
		{"/api/v1/sessions/{id}/submit", 502, slog.LevelError},
		{"/healthz", 200, slog.LevelDebug},
	}
	for _, tc := range cases {
		if got := accessLevel(tc.route, tc.status); got != tc.want {
			t.Fatalf("accessLevel(%s, %d) = %v, want %v", tc.route, tc.status, got, tc.want)
		}
	}
}

func TestRemoteIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	if got := remoteIP(req); got != "10.0.0.1" {
		t.Fatalf("remoteIP = %q", got)
	}
}
