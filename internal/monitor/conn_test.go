package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	logx "dmwatch/pkg/logx"
)

type fakeSession struct {
	events chan Event
	done   chan struct{}

	mu           sync.Mutex
	err          error
	keepIv       time.Duration
	keepaliveErr error
	keepalives   int
	closed       bool
}

func newFakeSession(keepIv time.Duration) *fakeSession {
	return &fakeSession{
		events: make(chan Event, 8),
		done:   make(chan struct{}),
		keepIv: keepIv,
	}
}

func (s *fakeSession) Events() <-chan Event { return s.events }

func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSession) KeepaliveInterval() time.Duration { return s.keepIv }

func (s *fakeSession) SendKeepalive(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepalives++
	return s.keepaliveErr
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) failStream(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.events)
}

func (s *fakeSession) exitDriver(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.done)
}

type fakeAdapter struct {
	name string

	mu       sync.Mutex
	sessions []*fakeSession
	errs     []error
	connects int
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Connect(ctx context.Context) (Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++
	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(a.sessions) == 0 {
		return nil, errors.New("no scripted session")
	}
	s := a.sessions[0]
	a.sessions = a.sessions[1:]
	return s, nil
}

type recordHandler struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (h *recordHandler) HandleEvent(ctx context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return h.err
}

func (h *recordHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func TestConnConnectFailure(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{name: "test", errs: []error{errors.New("dial refused")}}
	c := NewConn(ad, &recordHandler{}, logx.Nop())

	if err := c.Advance(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if c.Connected() {
		t.Fatal("must stay disconnected after failed connect")
	}
}

func TestConnConnectThenEvent(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(0)
	ad := &fakeAdapter{name: "test", sessions: []*fakeSession{sess}}
	h := &recordHandler{}
	c := NewConn(ad, h, logx.Nop())

	if err := c.Advance(context.Background()); err != nil {
		t.Fatalf("connect advance: %v", err)
	}
	if !c.Connected() {
		t.Fatal("expected connected state")
	}

	sess.events <- Event{Author: "alice", Text: "/ping"}
	if err := c.Advance(context.Background()); err != nil {
		t.Fatalf("event advance: %v", err)
	}
	if h.count() != 1 {
		t.Fatalf("handled %d events, want 1", h.count())
	}
}

func TestConnHandlerErrorDoesNotReconnect(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(0)
	ad := &fakeAdapter{name: "test", sessions: []*fakeSession{sess}}
	h := &recordHandler{err: errors.New("unexpected payload")}
	c := NewConn(ad, h, logx.Nop())

	if err := c.Advance(context.Background()); err != nil {
		t.Fatalf("connect advance: %v", err)
	}
	sess.events <- Event{Text: "garbage"}
	if err := c.Advance(context.Background()); err != nil {
		t.Fatalf("handler errors must not surface: %v", err)
	}
	if !c.Connected() {
		t.Fatal("handler error must not trigger reconnect")
	}
}

func TestConnStreamFailureDisconnects(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(0)
	ad := &fakeAdapter{name: "test", sessions: []*fakeSession{sess}}
	c := NewConn(ad, &recordHandler{}, logx.Nop())

	if err := c.Advance(context.Background()); err != nil {
		t.Fatalf("connect advance: %v", err)
	}
	sess.failStream(errors.New("connection reset"))
	if err := c.Advance(context.Background()); err == nil {
		t.Fatal("expected receive error")
	}
	if c.Connected() {
		t.Fatal("expected disconnected state")
	}
	if !sess.closed {
		t.Fatal("session must be closed on drop")
	}
}

func TestConnDriverExitDisconnects(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(0)
	ad := &fakeAdapter{name: "test", sessions: []*fakeSession{sess}}
	c := NewConn(ad, &recordHandler{}, logx.Nop())

	if err := c.Advance(context.Background()); err != nil {
		t.Fatalf("connect advance: %v", err)
	}
	sess.exitDriver(errors.New("pump died"))
	if err := c.Advance(context.Background()); err == nil {
		t.Fatal("expected driver-exit error")
	}
	if c.Connected() {
		t.Fatal("expected disconnected state")
	}
}

func TestConnKeepalive(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	sess := newFakeSession(30 * time.Second)
	ad := &fakeAdapter{name: "test", sessions: []*fakeSession{sess}}
	c := NewConn(ad, &recordHandler{}, logx.Nop(), WithClock(mock))

	if err := c.Advance(context.Background()); err != nil {
		t.Fatalf("connect advance: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Advance(context.Background()) }()
	mock.Add(30 * time.Second)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("keepalive advance: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("advance did not observe keepalive tick")
	}

	sess.mu.Lock()
	n := sess.keepalives
	sess.mu.Unlock()
	if n != 1 {
		t.Fatalf("keepalives = %d, want 1", n)
	}
}

func TestConnKeepaliveSendFailure(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	sess := newFakeSession(10 * time.Second)
	sess.keepaliveErr = errors.New("broken pipe")
	ad := &fakeAdapter{name: "test", sessions: []*fakeSession{sess}}
	c := NewConn(ad, &recordHandler{}, logx.Nop(), WithClock(mock))

	if err := c.Advance(context.Background()); err != nil {
		t.Fatalf("connect advance: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Advance(context.Background()) }()
	mock.Add(10 * time.Second)

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected keepalive send error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("advance did not observe keepalive tick")
	}
	if c.Connected() {
		t.Fatal("expected disconnected state after failed keepalive")
	}
}

func TestConnStackGuardPreempts(t *testing.T) {
	t.Parallel()

	const top = uintptr(1 << 30)
	cur := top
	guard := newStackGuardWithSampler(8<<20, 0.75, func() uintptr { return cur })

	sess := newFakeSession(time.Minute)
	ad := &fakeAdapter{name: "test", sessions: []*fakeSession{sess}}
	c := NewConn(ad, &recordHandler{}, logx.Nop(), WithStackGuard(guard))

	if err := c.Advance(context.Background()); err != nil {
		t.Fatalf("connect advance: %v", err)
	}

	// Simulate the reader pump recording deep stack consumption; the next
	// advance must drop the session without touching the network and
	// without reporting a failure.
	base := guard.Enter()
	cur = top - uintptr(7<<20)
	guard.Mark(base)
	if err := c.Advance(context.Background()); err != nil {
		t.Fatalf("guard veto must be penalty-free, got %v", err)
	}
	if c.Connected() {
		t.Fatal("expected forced disconnect")
	}
	sess.mu.Lock()
	keepalives := sess.keepalives
	closed := sess.closed
	sess.mu.Unlock()
	if keepalives != 0 {
		t.Fatal("guard veto must not perform network I/O")
	}
	if !closed {
		t.Fatal("session must be closed on forced disconnect")
	}

	// The drop cleared the peak, so the replacement session is not vetoed
	// by the old session's reading.
	if guard.ShouldPreempt() {
		t.Fatal("drop must reset the guard")
	}
}
