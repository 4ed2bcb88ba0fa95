package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Notify  NotifyConfig  `json:"notify"`

	// Monitors. A section present and enabled means the monitor runs.
	Discord *DiscordConfig `json:"discord,omitempty"`
	RPCGate *RPCGateConfig `json:"rpcgate,omitempty"`

	Monitors MonitorsConfig `json:"monitors,omitempty"`

	Storage      *StorageConfig      `json:"storage,omitempty"`
	StatusReport *StatusReportConfig `json:"status_report,omitempty"`
	Pprof        PprofConfig         `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// NotifyConfig controls the Telegram sink and the delivery pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type NotifyConfig struct {
	Enabled       bool   `json:"enabled"`
	TelegramToken string `json:"telegram_token"`
	ChatID        int64  `json:"chat_id"`
	ThreadID      int    `json:"thread_id,omitempty"`

	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// DiscordConfig configures the Discord gateway monitor.
type DiscordConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"`
	Username string `json:"username"`
	// GatewayURL overrides the default gateway endpoint (tests, proxies).
	GatewayURL string `json:"gateway_url,omitempty"`
	// HandshakeTimeout is a Go duration string.
	HandshakeTimeout string `json:"handshake_timeout,omitempty"`

	MonitoredUsers []string `json:"monitored_users,omitempty"`
	// Cooldown between monitored-user notifications per peer; default 15m.
	Cooldown string `json:"cooldown,omitempty"`
}

// RPCGateConfig configures the binary RPC-gateway monitor.
type RPCGateConfig struct {
	Enabled    bool   `json:"enabled"`
	Addr       string `json:"addr"`
	Username   string `json:"username"`
	SessionDir string `json:"session_dir"`

	DialTimeout       string `json:"dial_timeout,omitempty"`
	KeepaliveInterval string `json:"keepalive_interval,omitempty"`

	MonitoredUsers []string `json:"monitored_users,omitempty"`
	Cooldown       string   `json:"cooldown,omitempty"`
}

// MonitorsConfig tunes behavior shared by all monitors.
type MonitorsConfig struct {
	// StackBudgetBytes is the per-worker stack budget; 0 keeps the 8 MiB default.
	StackBudgetBytes int `json:"stack_budget_bytes,omitempty"`
	// StackPreemptFraction is the used/budget ratio that vetoes further work;
	// 0 keeps the 0.75 default.
	StackPreemptFraction float64 `json:"stack_preempt_fraction,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./dmwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// StatusReportConfig controls the periodic status summary.
type StatusReportConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron expression; default "0 * * * *" (hourly).
	Schedule string `json:"schedule,omitempty"`
	// ToSink additionally delivers the summary as a notification.
	ToSink bool `json:"to_sink,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
