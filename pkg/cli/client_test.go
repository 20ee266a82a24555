package cli

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAdminClientDecodesErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found","message":"rule not found"}`))
	}))
	defer srv.Close()

	err := NewAdminClient(srv.URL).do(http.MethodGet, "/rules/x", nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "rule not found") {
		t.Errorf("error lacks server message: %v", err)
	}
}

func TestAdminClientRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/rules" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"rule_abc"}`))
	}))
	defer srv.Close()

	var out struct {
		ID string `json:"id"`
	}
	err := NewAdminClient(srv.URL).do(http.MethodPost, "/rules", map[string]string{"name": "x"}, &out)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if out.ID != "rule_abc" {
		t.Errorf("ID = %q", out.ID)
	}
}

func TestAdminClientUnreachable(t *testing.T) {
	err := NewAdminClient("http://127.0.0.1:1").do(http.MethodGet, "/health", nil, nil)
	if err == nil {
		t.Fatal("expected connection error")
	}
	if !strings.Contains(err.Error(), "cannot reach server") {
		t.Errorf("error lacks context: %v", err)
	}
}

func TestTrailingSlashTrimmed(t *testing.T) {
	c := NewAdminClient("http://example.com/")
	if c.baseURL != "http://example.com" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
}
