package pprof

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	logx "dmwatch/pkg/logx"
)

func waitListening(t *testing.T, s *Service) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		ln := s.listener
		s.mu.Unlock()
		if ln != nil {
			return ln.Addr().String()
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server never started listening")
	return ""
}

func TestHealthzWithToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "sekrit"}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	addr := waitListening(t, s)

	// No token: rejected.
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d", resp.StatusCode)
	}

	// Query token: accepted.
	resp, err = http.Get("http://" + addr + "/healthz?token=sekrit")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with token = %d", resp.StatusCode)
	}

	// Bearer header: accepted.
	req, _ := http.NewRequest(http.MethodGet, "http://"+addr+"/healthz", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with bearer = %d", resp.StatusCode)
	}
}

func TestStatuszReportsPipeline(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	s.SetStatus(func() any {
		return map[string]any{
			"monitors": []map[string]any{{"name": "discord", "connected": true}},
			"notifier": map[string]uint64{"sent": 7},
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	addr := waitListening(t, s)
	resp, err := http.Get("http://" + addr + "/statusz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var body struct {
		Monitors []struct {
			Name      string `json:"name"`
			Connected bool   `json:"connected"`
		} `json:"monitors"`
		Notifier struct {
			Sent uint64 `json:"sent"`
		} `json:"notifier"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Monitors) != 1 || body.Monitors[0].Name != "discord" || !body.Monitors[0].Connected {
		t.Fatalf("monitors = %+v", body.Monitors)
	}
	if body.Notifier.Sent != 7 {
		t.Fatalf("notifier.sent = %d, want 7", body.Notifier.Sent)
	}
}

func TestDisabledDoesNotListen(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, logx.Nop())
	s.Start(context.Background())
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup != nil {
		t.Fatal("supervisor started while disabled")
	}
}

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"":             "/debug/pprof/",
		"debug/pprof":  "/debug/pprof/",
		"/profiling":   "/profiling/",
		"/profiling/":  "/profiling/",
		" /profiling ": "/profiling/",
	}
	for in, want := range cases {
		if got := normalizePrefix(in); got != want {
			t.Fatalf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}
