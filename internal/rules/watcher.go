// Package rules decides which inbound events turn into notifications.
//
// One Watcher serves one monitor and is only ever called from that
// monitor's event loop, so its bookkeeping needs no locking beyond the
// counters exposed to the status reporter.
package rules

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"dmwatch/internal/monitor"
	logx "dmwatch/pkg/logx"
)

// Notification is the textual event description handed to the sink.
type Notification struct {
	Monitor string
	Kind    string // "ping" or "monitored"
	Peer    string
	Author  string
	Text    string
	At      time.Time
}

// Sink delivers notifications. Delivery failures come back as errors and
// are logged upstream; they never affect the session.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

const (
	KindPing      = "ping"
	KindMonitored = "monitored"

	pingCommand     = "/ping"
	defaultCooldown = 15 * time.Minute
)

type Config struct {
	// MonitoredUsers lists usernames whose direct messages are forwarded.
	// Matching is case-insensitive.
	MonitoredUsers []string
	// Cooldown is the minimum gap between monitored-user notifications for
	// the same peer. Zero means the 15 minute default.
	Cooldown time.Duration
}

type Option func(*Watcher)

func WithClock(c clock.Clock) Option {
	return func(w *Watcher) { w.clock = c }
}

// Watcher implements monitor.Handler for one monitor.
type Watcher struct {
	name  string
	sink  Sink
	log   logx.Logger
	clock clock.Clock

	cooldown  time.Duration
	monitored map[string]struct{}
	lastSeen  map[string]time.Time

	events    atomic.Uint64
	pings     atomic.Uint64
	forwarded atomic.Uint64
}

func NewWatcher(name string, cfg Config, sink Sink, log logx.Logger, opts ...Option) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Watcher{
		name:      name,
		sink:      sink,
		log:       log.With(logx.String("comp", "rules"), logx.String("monitor", name)),
		clock:     clock.New(),
		cooldown:  cfg.Cooldown,
		monitored: make(map[string]struct{}, len(cfg.MonitoredUsers)),
		lastSeen:  make(map[string]time.Time),
	}
	if w.cooldown <= 0 {
		w.cooldown = defaultCooldown
	}
	for _, u := range cfg.MonitoredUsers {
		u = strings.ToLower(strings.TrimSpace(u))
		if u != "" {
			w.monitored[u] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// HandleEvent applies the two forwarding rules:
//
//   - "/ping" sent to us directly, or mentioning us in a group, is always
//     forwarded;
//   - a direct message from a monitored user is forwarded at most once per
//     cooldown window per peer.
func (w *Watcher) HandleEvent(ctx context.Context, ev monitor.Event) error {
	w.events.Add(1)
	if ev.Outgoing {
		return nil
	}

	if isPing(ev.Text) && (ev.Direct || ev.Mentioned) {
		w.pings.Add(1)
		w.log.Info("ping received",
			logx.String("author", ev.Author),
			logx.String("peer", ev.Peer),
		)
		return w.notify(ctx, KindPing, ev)
	}

	if ev.Direct && w.isMonitored(ev.Author) {
		now := w.clock.Now()
		if last, ok := w.lastSeen[ev.Peer]; ok && now.Sub(last) < w.cooldown {
			w.log.Debug("monitored message suppressed by cooldown",
				logx.String("peer", ev.Peer),
				logx.Duration("since_last", now.Sub(last)),
			)
			return nil
		}
		w.lastSeen[ev.Peer] = now
		w.forwarded.Add(1)
		w.log.Info("monitored user message",
			logx.String("author", ev.Author),
			logx.String("peer", ev.Peer),
		)
		return w.notify(ctx, KindMonitored, ev)
	}

	return nil
}

func (w *Watcher) notify(ctx context.Context, kind string, ev monitor.Event) error {
	at := ev.At
	if at.IsZero() {
		at = w.clock.Now()
	}
	err := w.sink.Notify(ctx, Notification{
		Monitor: w.name,
		Kind:    kind,
		Peer:    ev.Peer,
		Author:  ev.Author,
		Text:    ev.Text,
		At:      at,
	})
	if err != nil {
		return fmt.Errorf("notify %s: %w", kind, err)
	}
	return nil
}

func (w *Watcher) isMonitored(author string) bool {
	_, ok := w.monitored[strings.ToLower(author)]
	return ok
}

func isPing(text string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	if !strings.HasPrefix(text, pingCommand) {
		return false
	}
	rest := text[len(pingCommand):]
	return rest == "" || rest[0] == ' ' || rest[0] == '\n'
}

// Stats is a point-in-time counter snapshot for the status report.
type Stats struct {
	Events    uint64 `json:"events"`
	Pings     uint64 `json:"pings"`
	Forwarded uint64 `json:"forwarded"`
}

func (w *Watcher) Stats() Stats {
	return Stats{
		Events:    w.events.Load(),
		Pings:     w.pings.Load(),
		Forwarded: w.forwarded.Load(),
	}
}
