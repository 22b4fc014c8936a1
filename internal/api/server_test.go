package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jmylchreest/slotwatch/internal/api/handlers"
	"github.com/jmylchreest/slotwatch/internal/auth"
	"github.com/jmylchreest/slotwatch/internal/circuit"
	"github.com/jmylchreest/slotwatch/internal/health"
	"github.com/jmylchreest/slotwatch/internal/logging"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestServer(t *testing.T, cfg Config) (*httptest.Server, *health.Reporter) {
	t.Helper()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	now := start
	rep := health.NewReporter("acct-1", time.UTC).WithClock(func() time.Time { return now })
	now = start.Add(90 * time.Second)

	h := handlers.NewHealthHandler(rep, nil)
	srv := httptest.NewServer(NewRouter(cfg, h, health.NewRegistry(rep), logging.Discard()))
	t.Cleanup(srv.Close)
	return srv, rep
}

func get(t *testing.T, url, token string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestRouter_Status(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	for _, path := range []string{"/health", "/"} {
		t.Run(path, func(t *testing.T) {
			resp, body := get(t, srv.URL+path, "")
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200; body %s", resp.StatusCode, body)
			}
			var got handlers.StatusResponse
			if err := json.Unmarshal([]byte(body), &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.AccountID != "acct-1" {
				t.Errorf("accountId = %q, want acct-1", got.AccountID)
			}
			if got.Status != circuit.StatusHealthy {
				t.Errorf("status = %q, want healthy", got.Status)
			}
			if got.UptimeSeconds != 90 {
				t.Errorf("uptimeSeconds = %d, want 90", got.UptimeSeconds)
			}
			if !got.Ready {
				t.Error("ready = false, want true")
			}
		})
	}
}

func TestRouter_Ready(t *testing.T) {
	tests := []struct {
		name      string
		status    circuit.Status
		wantCode  int
		wantReady bool
	}{
		{"healthy", circuit.StatusHealthy, http.StatusOK, true},
		{"degraded", circuit.StatusDegraded, http.StatusOK, true},
		{"unhealthy", circuit.StatusUnhealthy, http.StatusServiceUnavailable, false},
		{"stopped", circuit.StatusStopped, http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, rep := newTestServer(t, Config{})
			rep.SetCircuit(circuit.State{Status: tt.status})

			resp, body := get(t, srv.URL+"/ready", "")
			if resp.StatusCode != tt.wantCode {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			var got handlers.ReadyResponse
			if err := json.Unmarshal([]byte(body), &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Ready != tt.wantReady {
				t.Errorf("ready = %v, want %v", got.Ready, tt.wantReady)
			}
		})
	}
}

func TestRouter_Metrics(t *testing.T) {
	srv, rep := newTestServer(t, Config{})
	rep.RecordCycle(health.CycleOutcome{Success: true, Circuit: circuit.Initial()})

	resp, body := get(t, srv.URL+"/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(body, `slotwatch_checks_total{account="acct-1"} 1`) {
		t.Errorf("metrics missing checks counter:\n%s", body)
	}
}

func TestRouter_Auth(t *testing.T) {
	srv, _ := newTestServer(t, Config{AuthSecret: testSecret})
	v := auth.NewVerifier(testSecret, auth.DefaultIssuer)

	statusOnly, err := v.Issue("dashboard", []string{ScopeStatus}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	all, err := v.Issue("prometheus", []string{"*"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	tests := []struct {
		name     string
		path     string
		token    string
		wantCode int
	}{
		{"ready is public", "/ready", "", http.StatusOK},
		{"health without token", "/health", "", http.StatusUnauthorized},
		{"health with garbage", "/health", "garbage", http.StatusUnauthorized},
		{"health with status scope", "/health", statusOnly, http.StatusOK},
		{"metrics without token", "/metrics", "", http.StatusUnauthorized},
		{"metrics missing scope", "/metrics", statusOnly, http.StatusForbidden},
		{"metrics with wildcard", "/metrics", all, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := get(t, srv.URL+tt.path, tt.token)
			if resp.StatusCode != tt.wantCode {
				t.Errorf("GET %s status = %d, want %d", tt.path, resp.StatusCode, tt.wantCode)
			}
		})
	}
}

func TestRouter_RateLimit(t *testing.T) {
	srv, _ := newTestServer(t, Config{RateLimit: 2})

	codes := make([]int, 0, 3)
	for range 3 {
		resp, _ := get(t, srv.URL+"/ready", "")
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("first requests = %v, want 200s", codes[:2])
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", codes[2])
	}
}
