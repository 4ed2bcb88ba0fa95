package rpcgate

import (
	"context"
	"net"
	"sync"
	"time"

	"dmwatch/internal/monitor"
	logx "dmwatch/pkg/logx"
)

// session owns one authenticated gateway connection. The reader pump is the
// background driver; it decodes frames (including the recursive content
// tree of event bodies) and feeds events out in arrival order.
type session struct {
	conn     net.Conn
	store    *sessionStore
	codec    *codec
	username string
	keepIv   time.Duration
	guard    *monitor.StackGuard
	log      logx.Logger

	events  chan monitor.Event
	done    chan struct{}
	closing chan struct{}

	writeMu sync.Mutex

	mu     sync.Mutex
	err    error
	closed bool
	seq    uint64
}

func newSession(conn net.Conn, store *sessionStore, c *codec, username string, keepIv time.Duration, guard *monitor.StackGuard, log logx.Logger) *session {
	return &session{
		conn:     conn,
		store:    store,
		codec:    c,
		username: username,
		keepIv:   keepIv,
		guard:    guard,
		log:      log,
		events:   make(chan monitor.Event, 64),
		done:     make(chan struct{}),
		closing:  make(chan struct{}),
	}
}

func (s *session) Events() <-chan monitor.Event { return s.events }

func (s *session) Done() <-chan struct{} { return s.done }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) KeepaliveInterval() time.Duration { return s.keepIv }

// SendKeepalive writes a ping frame. The pong is consumed by the pump.
func (s *session) SendKeepalive(ctx context.Context) error {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(dl)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	return s.codec.writeFrame(s.conn, envelope{Kind: kindPing, Seq: seq})
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.closing)
	err := s.conn.Close()
	_ = s.store.Close()
	return err
}

// pump is the background driver. The stack guard's baseline lives here:
// this is the goroutine that recurses into content trees, so it is the one
// whose stack the guard must measure.
func (s *session) pump() {
	defer close(s.done)
	base := s.guard.Enter()
	for {
		env, err := s.codec.readFrame(s.conn)
		if err != nil {
			s.fail(err)
			return
		}
		base = s.guard.Mark(base)
		switch env.Kind {
		case kindPong:
			s.log.Debug("pong", logx.Uint64("seq", env.Seq))

		case kindEvent:
			var body eventBody
			if err := s.codec.dec.Unmarshal(env.Body, &body); err != nil {
				// One undecodable event is an application-level problem,
				// not a session failure.
				s.log.Warn("skipping undecodable event", logx.Err(err))
				continue
			}
			ev := monitor.Event{
				Peer:     body.Peer,
				Author:   body.Author,
				Text:     body.Content.text(s.guard, base),
				Direct:   body.Direct,
				Outgoing: body.Outgoing || body.Author == s.username,
				At:       time.Unix(body.Unix, 0),
				Raw:      env.Body,
			}
			if body.Unix == 0 {
				ev.At = time.Now()
			}
			select {
			case s.events <- ev:
			case <-s.closing:
				return
			}

		default:
			s.log.Debug("ignoring frame", logx.String("kind", env.Kind))
		}
	}
}

func (s *session) fail(err error) {
	s.mu.Lock()
	closed := s.closed
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	if !closed {
		close(s.events)
	}
}
