package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/r3e-network/area-engine/infrastructure/testutil"
)

func TestNewService_ProbesAndHealthRoutes(t *testing.T) {
	svc := NewService("127.0.0.1:0", nil, nil, nil, func() map[string]any {
		return map[string]any{"poller_count": 2}
	}, nil)

	cases := []struct {
		path       string
		wantStatus int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/startupz", http.StatusOK},
		{"/health", http.StatusOK},
		{"/info", http.StatusOK},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		rec := httptest.NewRecorder()
		svc.handler.ServeHTTP(rec, req)
		if rec.Code != tc.wantStatus {
			t.Errorf("%s: expected status %d, got %d", tc.path, tc.wantStatus, rec.Code)
		}
	}
}

func TestService_StopMarksNotReady(t *testing.T) {
	svc := NewService("127.0.0.1:0", nil, nil, nil, nil, nil)
	if !svc.probes.IsReady() {
		t.Fatal("expected service to be ready immediately after construction")
	}

	if err := svc.Stop(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.probes.IsReady() {
		t.Fatal("expected Stop to mark the service not-ready")
	}
}

// TestNewService_ServesOverRealListener exercises the full middleware chain
// (recovery, request ID, security headers, CORS, body limit, timeout, rate
// limit) over an actual TCP listener rather than an in-process recorder.
func TestNewService_ServesOverRealListener(t *testing.T) {
	svc := NewService("127.0.0.1:0", nil, nil, nil, nil, nil)
	server := testutil.NewHTTPTestServer(t, svc.handler)
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("expected security headers middleware to set X-Content-Type-Options")
	}
}
