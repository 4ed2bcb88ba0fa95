package app

import (
	"testing"
	"time"

	"dmwatch/internal/config"
)

func TestMapNotifyConfig(t *testing.T) {
	t.Parallel()
	nc, err := mapNotifyConfig(config.NotifyConfig{
		Enabled:       true,
		TelegramToken: "tok",
		ChatID:        42,
		ThreadID:      7,
		RetryBase:     "250ms",
		DedupWindow:   "1m",
	})
	if err != nil {
		t.Fatalf("mapNotifyConfig: %v", err)
	}
	if nc.Target.ChatID != 42 || nc.Target.ThreadID != 7 {
		t.Fatalf("target = %+v", nc.Target)
	}
	if nc.RetryBase != 250*time.Millisecond || nc.DedupWindow != time.Minute {
		t.Fatalf("durations = %v %v", nc.RetryBase, nc.DedupWindow)
	}

	if _, err := mapNotifyConfig(config.NotifyConfig{Enabled: true, ChatID: 42}); err == nil {
		t.Fatal("expected missing-token error")
	}
	if _, err := mapNotifyConfig(config.NotifyConfig{Enabled: true, TelegramToken: "tok"}); err == nil {
		t.Fatal("expected missing-chat error")
	}
	if _, err := mapNotifyConfig(config.NotifyConfig{RetryBase: "soon"}); err == nil {
		t.Fatal("expected duration parse error")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	if _, enabled, err := mapStorageConfig(nil); err != nil || enabled {
		t.Fatalf("nil section: enabled=%v err=%v", enabled, err)
	}
	if _, enabled, err := mapStorageConfig(&config.StorageConfig{Driver: "none"}); err != nil || enabled {
		t.Fatalf("driver none: enabled=%v err=%v", enabled, err)
	}

	sc, enabled, err := mapStorageConfig(&config.StorageConfig{Driver: "SQLite3", Path: "/tmp/x.db"})
	if err != nil || !enabled {
		t.Fatalf("sqlite: enabled=%v err=%v", enabled, err)
	}
	if sc.Driver != "sqlite" || sc.BusyTimeout != time.Second {
		t.Fatalf("sqlite cfg = %+v", sc)
	}

	if _, _, err := mapStorageConfig(&config.StorageConfig{Driver: "sqlite"}); err == nil {
		t.Fatal("expected missing-path error")
	}
	if _, _, err := mapStorageConfig(&config.StorageConfig{Driver: "redis", Path: "x"}); err == nil {
		t.Fatal("expected unknown-driver error")
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	good := &config.Config{
		Notify: config.NotifyConfig{Enabled: true, TelegramToken: "t", ChatID: 1},
		Discord: &config.DiscordConfig{
			Enabled: true, Token: "d", Username: "me", Cooldown: "30m",
		},
	}
	if err := validateConfig(good); err != nil {
		t.Fatalf("validateConfig: %v", err)
	}

	bad := &config.Config{
		Notify:  config.NotifyConfig{Enabled: true, TelegramToken: "t", ChatID: 1},
		RPCGate: &config.RPCGateConfig{Enabled: true, Addr: "x:1", Username: "me", KeepaliveInterval: "often"},
	}
	if err := validateConfig(bad); err == nil {
		t.Fatal("expected keepalive parse error")
	}

	// Disabled sections are not validated beyond parsing.
	lazy := &config.Config{
		Discord: &config.DiscordConfig{Enabled: false, Cooldown: "nonsense"},
	}
	if err := validateConfig(lazy); err != nil {
		t.Fatalf("disabled section rejected: %v", err)
	}
}

func TestSameMonitors(t *testing.T) {
	t.Parallel()
	a := &config.Config{Discord: &config.DiscordConfig{Enabled: true, Token: "x"}}
	b := &config.Config{Discord: &config.DiscordConfig{Enabled: true, Token: "x"}}
	if !sameMonitors(a, b) {
		t.Fatal("identical monitor sections reported as changed")
	}
	b.Discord.MonitoredUsers = []string{"alice"}
	if sameMonitors(a, b) {
		t.Fatal("changed monitored_users not detected")
	}
}
