package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"dmwatch/internal/monitor"
	logx "dmwatch/pkg/logx"
)

type captureSink struct {
	got []Notification
	err error
}

func (s *captureSink) Notify(_ context.Context, n Notification) error {
	s.got = append(s.got, n)
	return s.err
}

func TestPingRules(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		ev   monitor.Event
		want bool
	}{
		{"direct ping", monitor.Event{Author: "bob", Peer: "p1", Text: "/ping", Direct: true}, true},
		{"direct ping with args", monitor.Event{Author: "bob", Peer: "p1", Text: "/ping you there?", Direct: true}, true},
		{"group ping with mention", monitor.Event{Author: "bob", Peer: "g1", Text: "/ping @me", Mentioned: true}, true},
		{"group ping without mention", monitor.Event{Author: "bob", Peer: "g1", Text: "/ping"}, false},
		{"own ping", monitor.Event{Author: "me", Peer: "p1", Text: "/ping", Direct: true, Outgoing: true}, false},
		{"not a ping", monitor.Event{Author: "bob", Peer: "p1", Text: "ping?", Direct: true}, false},
		{"ping prefix of longer word", monitor.Event{Author: "bob", Peer: "p1", Text: "/pingpong", Direct: true}, false},
		{"uppercase", monitor.Event{Author: "bob", Peer: "p1", Text: "/PING", Direct: true}, true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sink := &captureSink{}
			w := NewWatcher("m1", Config{}, sink, logx.Nop())
			if err := w.HandleEvent(context.Background(), tc.ev); err != nil {
				t.Fatalf("HandleEvent: %v", err)
			}
			if got := len(sink.got) == 1; got != tc.want {
				t.Fatalf("notified = %v, want %v", got, tc.want)
			}
			if tc.want && sink.got[0].Kind != KindPing {
				t.Fatalf("kind = %q, want %q", sink.got[0].Kind, KindPing)
			}
		})
	}
}

func TestMonitoredUserCooldown(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	sink := &captureSink{}
	w := NewWatcher("m1", Config{MonitoredUsers: []string{"Alice"}}, sink, logx.Nop(), WithClock(mock))

	ev := monitor.Event{Author: "alice", Peer: "dlg-1", Text: "hey", Direct: true}

	// First message forwards.
	if err := w.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(sink.got) != 1 || sink.got[0].Kind != KindMonitored {
		t.Fatalf("first message not forwarded: %+v", sink.got)
	}

	// Inside the window: suppressed.
	mock.Add(14 * time.Minute)
	if err := w.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(sink.got) != 1 {
		t.Fatalf("message inside cooldown was forwarded")
	}

	// Window elapsed: forwards again.
	mock.Add(time.Minute)
	if err := w.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(sink.got) != 2 {
		t.Fatalf("message after cooldown not forwarded")
	}

	// A different peer has its own window.
	other := ev
	other.Peer = "dlg-2"
	if err := w.HandleEvent(context.Background(), other); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(sink.got) != 3 {
		t.Fatalf("independent peer was suppressed")
	}
}

func TestMonitoredUserGroupIgnored(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	w := NewWatcher("m1", Config{MonitoredUsers: []string{"alice"}}, sink, logx.Nop())

	if err := w.HandleEvent(context.Background(), monitor.Event{
		Author: "alice", Peer: "g1", Text: "hey",
	}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(sink.got) != 0 {
		t.Fatalf("group message from monitored user was forwarded")
	}
}

func TestSinkErrorPropagates(t *testing.T) {
	t.Parallel()
	sink := &captureSink{err: errors.New("sink down")}
	w := NewWatcher("m1", Config{}, sink, logx.Nop())

	err := w.HandleEvent(context.Background(), monitor.Event{
		Author: "bob", Peer: "p1", Text: "/ping", Direct: true,
	})
	if err == nil {
		t.Fatal("expected sink error")
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	w := NewWatcher("m1", Config{MonitoredUsers: []string{"alice"}}, sink, logx.Nop())

	ctx := context.Background()
	_ = w.HandleEvent(ctx, monitor.Event{Author: "bob", Peer: "p1", Text: "/ping", Direct: true})
	_ = w.HandleEvent(ctx, monitor.Event{Author: "alice", Peer: "p2", Text: "hi", Direct: true})
	_ = w.HandleEvent(ctx, monitor.Event{Author: "carol", Peer: "p3", Text: "hello", Direct: true})

	st := w.Stats()
	if st.Events != 3 || st.Pings != 1 || st.Forwarded != 1 {
		t.Fatalf("stats = %+v", st)
	}
}
