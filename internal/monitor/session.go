package monitor

import (
	"context"
	"time"
)

// Event is one inbound message, normalized across protocols.
//
// Peer is a stable per-conversation key (channel id, dialog id). Raw keeps
// the adapter-specific payload for handlers that need more than the
// normalized fields.
type Event struct {
	Peer      string
	Author    string
	Text      string
	Direct    bool // direct message (not a group/guild channel)
	Mentioned bool // mentions the local user, or replies to them
	Outgoing  bool // sent by the local user
	At        time.Time
	Raw       any
}

// Handler consumes events on behalf of a single monitor.
//
// Handler errors are logged and otherwise ignored by the connection state
// machine: a malformed or unexpected application-level event must never
// cause a reconnect.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ev Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Session is an established, authenticated connection to one protocol
// endpoint. The adapter owns a background reader (the driver) that pumps
// inbound events into Events() in strict arrival order.
//
// Termination signals:
//   - Events() is closed after a receive failure; Err() carries the reason.
//   - Done() is closed when the background driver stops; for a healthy
//     session that must not happen, so it is a failure signal too.
type Session interface {
	Events() <-chan Event
	Done() <-chan struct{}
	Err() error

	// KeepaliveInterval returns the client-driven keep-alive period, or 0
	// when the protocol has no such requirement.
	KeepaliveInterval() time.Duration
	SendKeepalive(ctx context.Context) error

	Close() error
}

// Adapter opens sessions for one protocol.
//
// Connect may block on operator input (interactive login) on a cold start;
// that only stalls this monitor's connect step, never its siblings.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) (Session, error)
}
