//go:build integration

package integration_test

import (
	"net/http"
	"testing"
)

func TestHealthLiveness(t *testing.T) {
	resp := getJSON(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body := decode[map[string]string](t, resp); body["status"] != "ok" {
		t.Fatalf("status = %q, want ok", body["status"])
	}
}

func TestAPIRootReportsVersion(t *testing.T) {
	resp := getJSON(t, "/api/v1/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body := decode[map[string]string](t, resp); body["version"] != "0.1.0" {
		t.Fatalf("version = %q, want 0.1.0", body["version"])
	}
}

func TestUnknownAPIPathIs404(t *testing.T) {
	resp := getJSON(t, "/api/v1/nonexistent")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
