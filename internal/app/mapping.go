package app

import (
	"fmt"
	"strings"
	"time"

	"dmwatch/internal/adapters/discord"
	"dmwatch/internal/adapters/rpcgate"
	"dmwatch/internal/config"
	"dmwatch/internal/notifier"
	pprofsvc "dmwatch/internal/observability/pprof"
	"dmwatch/internal/rules"
	"dmwatch/internal/services/statusreport"
	"dmwatch/internal/storage"
	kit "dmwatch/internal/transport"
	logx "dmwatch/pkg/logx"
)

// The config file carries durations as strings; these mappers parse and
// validate them once, so the services only ever see time.Duration.

func mapLoggingConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
	}
}

func mapNotifyConfig(nc config.NotifyConfig) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         nc.Enabled,
		Target:          kit.ChatTarget{ChatID: nc.ChatID, ThreadID: nc.ThreadID},
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notify.retry_base", nc.RetryBase, 0); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notify.retry_max_delay", nc.RetryMaxDelay, 0); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notify.dedup_window", nc.DedupWindow, 0); err != nil {
		return notifier.Config{}, err
	}
	if nc.Enabled {
		if strings.TrimSpace(nc.TelegramToken) == "" {
			return notifier.Config{}, fmt.Errorf("notify.telegram_token is required when notify.enabled")
		}
		if nc.ChatID == 0 {
			return notifier.Config{}, fmt.Errorf("notify.chat_id is required when notify.enabled")
		}
	}
	return out, nil
}

func mapStorageConfig(sc *config.StorageConfig) (storage.Config, bool, error) {
	if sc == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDiscordConfig(dc *config.DiscordConfig) (discord.Config, rules.Config, error) {
	out := discord.Config{
		GatewayURL: dc.GatewayURL,
		Token:      dc.Token,
		Username:   dc.Username,
	}
	var err error
	if out.HandshakeTimeout, err = config.ParseDurationOrDefault("discord.handshake_timeout", dc.HandshakeTimeout, 0); err != nil {
		return discord.Config{}, rules.Config{}, err
	}
	rc, err := mapRuleConfig("discord", dc.MonitoredUsers, dc.Cooldown)
	if err != nil {
		return discord.Config{}, rules.Config{}, err
	}
	return out, rc, nil
}

func mapRPCGateConfig(rc *config.RPCGateConfig) (rpcgate.Config, rules.Config, error) {
	out := rpcgate.Config{
		Addr:       rc.Addr,
		Username:   rc.Username,
		SessionDir: rc.SessionDir,
	}
	var err error
	if out.DialTimeout, err = config.ParseDurationOrDefault("rpcgate.dial_timeout", rc.DialTimeout, 0); err != nil {
		return rpcgate.Config{}, rules.Config{}, err
	}
	if out.KeepaliveInterval, err = config.ParseDurationOrDefault("rpcgate.keepalive_interval", rc.KeepaliveInterval, 0); err != nil {
		return rpcgate.Config{}, rules.Config{}, err
	}
	wc, err := mapRuleConfig("rpcgate", rc.MonitoredUsers, rc.Cooldown)
	if err != nil {
		return rpcgate.Config{}, rules.Config{}, err
	}
	return out, wc, nil
}

func mapRuleConfig(section string, monitored []string, cooldown string) (rules.Config, error) {
	cd, err := config.ParseDurationOrDefault(section+".cooldown", cooldown, 0)
	if err != nil {
		return rules.Config{}, err
	}
	return rules.Config{MonitoredUsers: monitored, Cooldown: cd}, nil
}

func mapStatusReportConfig(sc *config.StatusReportConfig) statusreport.Config {
	if sc == nil {
		return statusreport.Config{}
	}
	return statusreport.Config{
		Enabled:  sc.Enabled,
		Schedule: sc.Schedule,
		ToSink:   sc.ToSink,
	}
}

func mapPprofConfig(pc config.PprofConfig) (pprofsvc.Config, error) {
	out := pprofsvc.Config{
		Enabled:              pc.Enabled,
		Addr:                 pc.Addr,
		Prefix:               pc.Prefix,
		Token:                pc.Token,
		AllowInsecure:        pc.AllowInsecure,
		MutexProfileFraction: pc.MutexProfileFraction,
		BlockProfileRate:     pc.BlockProfileRate,
		MemProfileRate:       pc.MemProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("pprof.read_timeout", pc.ReadTimeout, 0); err != nil {
		return pprofsvc.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("pprof.write_timeout", pc.WriteTimeout, 0); err != nil {
		return pprofsvc.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("pprof.idle_timeout", pc.IdleTimeout, 0); err != nil {
		return pprofsvc.Config{}, err
	}
	return out, nil
}
