package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	logx "dmwatch/pkg/logx"
)

// Conn is the connection state machine shared by all protocols: it pairs one
// Adapter with one Handler and exposes a single Advance operation.
//
// State is exactly one of:
//   - disconnected: sess == nil, the only valid move is a connect attempt
//   - connected: sess != nil, plus a keepalive ticker when the protocol
//     requires one
//
// Conn is not safe for concurrent use; the supervisor guarantees at most one
// in-flight Advance per monitor.
type Conn struct {
	name    string
	adapter Adapter
	handler Handler
	guard   *StackGuard
	log     logx.Logger
	clock   clock.Clock

	sess   Session
	ticker *clock.Ticker

	// connected mirrors sess != nil for concurrent readers (status report).
	connected atomic.Bool
}

type ConnOption func(*Conn)

// WithClock injects a fake clock for tests.
func WithClock(c clock.Clock) ConnOption { return func(cn *Conn) { cn.clock = c } }

// WithStackGuard attaches a stack guard. The adapter's reader pump feeds it
// (Enter/Mark); the Conn consults it at the top of every connected Advance
// and clears it again on drop. Share one guard between the Conn and its
// adapter.
func WithStackGuard(g *StackGuard) ConnOption { return func(cn *Conn) { cn.guard = g } }

func NewConn(adapter Adapter, handler Handler, log logx.Logger, opts ...ConnOption) *Conn {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Conn{
		name:    adapter.Name(),
		adapter: adapter,
		handler: handler,
		log:     log.With(logx.String("monitor", adapter.Name())),
		clock:   clock.New(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Conn) Name() string { return c.name }

// Connected reports the current state. Exposed for status reporting only.
func (c *Conn) Connected() bool { return c.connected.Load() }

// Advance performs exactly one unit of work: a connect attempt when
// disconnected, otherwise exactly one multiplexed step: whichever of
// keepalive tick, event, or driver termination is ready first.
func (c *Conn) Advance(ctx context.Context) error {
	if c.sess == nil {
		return c.connect(ctx)
	}

	// Self-protection comes before any network I/O. A preemptive drop is a
	// precaution, not a fault: report success so no backoff penalty applies.
	if c.guard.ShouldPreempt() {
		used, budget := c.guard.Sample()
		c.log.Warn("stack budget exceeded, dropping session",
			logx.Int("stack_used", used), logx.Int("stack_budget", budget))
		c.drop()
		return nil
	}

	// Keepalive, next event, and driver exit are raced, not polled in a
	// fixed order: a stalled peer must not block keepalives and a keepalive
	// tick must not block event delivery.
	var tick <-chan time.Time
	if c.ticker != nil {
		tick = c.ticker.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()

	case <-tick:
		if err := c.sess.SendKeepalive(ctx); err != nil {
			c.drop()
			return fmt.Errorf("keepalive send: %w", err)
		}
		return nil

	case ev, ok := <-c.sess.Events():
		if !ok {
			err := c.sess.Err()
			c.drop()
			if err == nil {
				err = fmt.Errorf("event stream closed")
			}
			return fmt.Errorf("receive: %w", err)
		}
		if err := c.handler.HandleEvent(ctx, ev); err != nil {
			// Application-level trouble never causes a reconnect.
			c.log.Warn("event handler error", logx.Err(err))
		}
		return nil

	case <-c.sess.Done():
		err := c.sess.Err()
		c.drop()
		if err == nil {
			err = fmt.Errorf("exited")
		}
		return fmt.Errorf("session driver: %w", err)
	}
}

func (c *Conn) connect(ctx context.Context) error {
	sess, err := c.adapter.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	c.sess = sess
	c.connected.Store(true)
	if iv := sess.KeepaliveInterval(); iv > 0 {
		c.ticker = c.clock.Ticker(iv)
	}
	c.log.Info("connected", logx.Duration("keepalive", sess.KeepaliveInterval()))
	return nil
}

// drop tears the session down and returns to the disconnected state. The
// session handle exists iff the state is connected, so both fields are
// cleared together.
func (c *Conn) drop() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	if c.sess != nil {
		_ = c.sess.Close()
		c.sess = nil
	}
	// The next session starts with a clean slate; a stale peak reading must
	// not veto it immediately.
	c.guard.Reset()
	c.connected.Store(false)
	c.log.Info("disconnected")
}
