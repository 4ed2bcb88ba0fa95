package statusreport

import (
	"context"
	"strings"
	"testing"

	"dmwatch/internal/monitor"
	"dmwatch/internal/notifier"
	"dmwatch/internal/rules"
	logx "dmwatch/pkg/logx"
)

func TestRender(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, Providers{
		Monitors: func() []monitor.MonitorStatus {
			return []monitor.MonitorStatus{
				{Name: "rpcgate", Connected: false, Attempt: 2, Failures: 5},
				{Name: "discord", Connected: true, Advances: 10},
			}
		},
		RuleStats: func() map[string]rules.Stats {
			return map[string]rules.Stats{
				"discord": {Events: 40, Pings: 2, Forwarded: 1},
			}
		},
		NotifierStats: func() notifier.Stats {
			return notifier.Stats{Sent: 3, Failed: 1}
		},
	}, logx.Nop())

	text := s.render()
	for _, want := range []string{
		"discord: connected",
		"rpcgate: disconnected, attempt=2, failures=5",
		"seen=40 pings=2 forwarded=1",
		"sent=3 failed=1",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("report missing %q:\n%s", want, text)
		}
	}
	// Monitors are sorted by name.
	if strings.Index(text, "discord:") > strings.Index(text, "rpcgate:") {
		t.Fatalf("monitors not sorted:\n%s", text)
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Schedule: "not a cron spec"}, Providers{}, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected schedule parse error")
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Schedule: "@every 1h"}, Providers{}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Idempotent start.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	s.Stop()
	s.Stop()
}

func TestDisabledDoesNotStart(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, Providers{}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.c != nil {
		t.Fatal("cron started while disabled")
	}
}

func TestEmitToSink(t *testing.T) {
	t.Parallel()
	var got string
	s := New(Config{Enabled: true, ToSink: true}, Providers{
		Send: func(_ context.Context, text string) error {
			got = text
			return nil
		},
	}, logx.Nop())
	s.emit(context.Background())
	if !strings.HasPrefix(got, "dmwatch status") {
		t.Fatalf("sink got %q", got)
	}
}
