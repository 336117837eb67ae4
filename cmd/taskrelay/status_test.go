package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunStatus_HealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"healthy": true})
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())

	var out bytes.Buffer
	if err := runStatus(context.Background(), &out); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), `"healthy":true`) {
		t.Fatalf("health body not printed: %q", out.String())
	}
}

func TestRunStatus_UnhealthyServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"healthy":false}`))
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())

	var out bytes.Buffer
	if err := runStatus(context.Background(), &out); err == nil {
		t.Fatal("expected an error for 503")
	}
	if !strings.HasSuffix(out.String(), "\n") {
		t.Fatalf("body must be newline-terminated: %q", out.String())
	}
}

func TestRunStatus_ConnectionRefused(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1")

	if err := runStatus(context.Background(), &bytes.Buffer{}); err == nil {
		t.Fatal("expected an error for connection refused")
	}
}

func TestRunStatus_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	setTestConfig(t, "127.0.0.1:18790")

	if err := runStatus(ctx, &bytes.Buffer{}); err == nil {
		t.Fatal("expected an error for cancelled context")
	}
}

func TestHealthRequest_WildcardBindUsesLoopback(t *testing.T) {
	for addr, want := range map[string]string{
		"0.0.0.0:18790":          "http://127.0.0.1:18790/healthz",
		":18790":                 "http://127.0.0.1:18790/healthz",
		"[::1]:18790":            "http://[::1]:18790/healthz",
		"http://relay.internal/": "http://relay.internal/healthz",
	} {
		req, cancel, err := healthRequest(context.Background(), addr)
		if err != nil {
			t.Fatalf("%s: %v", addr, err)
		}
		cancel()
		if got := req.URL.String(); got != want {
			t.Fatalf("%s: got %s, want %s", addr, got, want)
		}
	}
}

// setTestConfig writes a minimal config.yaml to a temp dir and sets TASKRELAY_HOME.
func setTestConfig(t *testing.T, addr string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("TASKRELAY_HOME", home)
	yaml := `bind_addr: "` + addr + `"`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestDaemonAnswers(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	if !daemonAnswers(context.Background(), ts.Listener.Addr().String()) {
		t.Fatal("an unhealthy daemon still answers")
	}
	if daemonAnswers(context.Background(), "127.0.0.1:1") {
		t.Fatal("nothing listens on port 1")
	}
}
