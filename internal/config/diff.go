package config

import (
	"reflect"
	"strings"

	logx "dmwatch/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus
// safe structured attrs for logging. Secrets (tokens) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}

	// Notify (never log the token)
	o, n := oldCfg.Notify, newCfg.Notify
	o.TelegramToken, n.TelegramToken = "", ""
	tokenChanged := strings.TrimSpace(oldCfg.Notify.TelegramToken) != strings.TrimSpace(newCfg.Notify.TelegramToken)
	if o != n || tokenChanged {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", newCfg.Notify.Enabled),
			logx.Bool("notify.token_changed", tokenChanged),
			logx.Int("notify.workers", newCfg.Notify.Workers),
		)
	}

	if !reflect.DeepEqual(redactDiscord(oldCfg.Discord), redactDiscord(newCfg.Discord)) {
		changed = append(changed, "discord")
	}
	if !reflect.DeepEqual(oldCfg.RPCGate, newCfg.RPCGate) {
		changed = append(changed, "rpcgate")
	}
	if oldCfg.Monitors != newCfg.Monitors {
		changed = append(changed, "monitors")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if !reflect.DeepEqual(oldCfg.StatusReport, newCfg.StatusReport) {
		changed = append(changed, "status_report")
	}

	op, np := oldCfg.Pprof, newCfg.Pprof
	op.Token, np.Token = "", ""
	if op != np || oldCfg.Pprof.Token != newCfg.Pprof.Token {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", newCfg.Pprof.Addr),
		)
	}

	return changed, attrs
}

func redactDiscord(c *DiscordConfig) *DiscordConfig {
	if c == nil {
		return nil
	}
	cc := *c
	if cc.Token != "" {
		cc.Token = "set"
	}
	return &cc
}
