package notifier

import (
	"time"

	kit "dmwatch/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled bool
	// Target is the chat every notification goes to.
	Target kit.ChatTarget

	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Stats is a point-in-time counter snapshot for the status report.
type Stats struct {
	Queued  uint64 `json:"queued"`
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Deduped uint64 `json:"deduped"`
	Dropped uint64 `json:"dropped"`
}
