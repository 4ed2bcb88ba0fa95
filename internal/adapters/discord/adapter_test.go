package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	logx "dmwatch/pkg/logx"
)

// fakeGateway upgrades one connection, performs the hello/identify exchange,
// then hands the socket to the test.
type fakeGateway struct {
	t        *testing.T
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
	identify chan gatewayMessage
}

func newFakeGateway(t *testing.T) (*fakeGateway, *httptest.Server) {
	g := &fakeGateway{
		t:        t,
		conns:    make(chan *websocket.Conn, 1),
		identify: make(chan gatewayMessage, 1),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		hello := `{"op":10,"d":{"heartbeat_interval":45000}}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(hello)); err != nil {
			t.Errorf("write hello: %v", err)
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read identify: %v", err)
			return
		}
		var msg gatewayMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Errorf("decode identify: %v", err)
			return
		}
		g.identify <- msg
		g.conns <- conn
	}))
	t.Cleanup(srv.Close)
	return g, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestAdapterConnectHandshake(t *testing.T) {
	gw, srv := newFakeGateway(t)

	a, err := New(Config{GatewayURL: wsURL(srv), Token: "tok-123", Username: "me"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := a.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if got := sess.KeepaliveInterval(); got != 45*time.Second {
		t.Fatalf("KeepaliveInterval = %v, want 45s", got)
	}

	id := <-gw.identify
	if id.Op != opIdentify {
		t.Fatalf("identify op = %d, want %d", id.Op, opIdentify)
	}
	var d struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(id.D, &d); err != nil || d.Token != "tok-123" {
		t.Fatalf("identify token = %q (err %v), want tok-123", d.Token, err)
	}
}

func TestAdapterDispatchBecomesEvent(t *testing.T) {
	gw, srv := newFakeGateway(t)

	a, err := New(Config{GatewayURL: wsURL(srv), Token: "tok", Username: "me"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := a.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()
	<-gw.identify
	server := <-gw.conns

	dispatch := `{"op":0,"t":"MESSAGE_CREATE","d":{` +
		`"content":"/ping are you there","channel_id":"c1",` +
		`"author":{"username":"alice"}}}`
	if err := server.WriteMessage(websocket.TextMessage, []byte(dispatch)); err != nil {
		t.Fatalf("write dispatch: %v", err)
	}

	select {
	case ev := <-sess.Events():
		if ev.Author != "alice" || ev.Peer != "c1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if !ev.Direct {
			t.Fatal("message without guild_id must be direct")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
}

func TestDispatchMentionDetection(t *testing.T) {
	t.Parallel()
	s := &session{username: "me", log: logx.Nop()}

	cases := []struct {
		name string
		raw  string
		want bool
	}{
		{
			name: "mentions array names the local user",
			raw: `{"content":"hey @me","channel_id":"c1","guild_id":"g1",` +
				`"author":{"username":"alice"},"mentions":[{"username":"me"}]}`,
			want: true,
		},
		{
			name: "mentions array matching is case-insensitive",
			raw: `{"content":"hey","channel_id":"c1","guild_id":"g1",` +
				`"author":{"username":"alice"},"mentions":[{"username":"ME"}]}`,
			want: true,
		},
		{
			name: "reply to the local user counts",
			raw: `{"content":"sure","channel_id":"c1","guild_id":"g1",` +
				`"author":{"username":"alice"},` +
				`"referenced_message":{"author":{"username":"me"}}}`,
			want: true,
		},
		{
			name: "username in message text is not a mention",
			raw: `{"content":"did you see what me said earlier","channel_id":"c1",` +
				`"guild_id":"g1","author":{"username":"alice"}}`,
			want: false,
		},
		{
			name: "username elsewhere in the payload is not a mention",
			raw: `{"content":"hi","channel_id":"c1","guild_id":"g1",` +
				`"author":{"username":"alice"},"mentions":[{"username":"bob"}],` +
				`"referenced_message":{"author":{"username":"bob"}}}`,
			want: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok := s.eventFromDispatch(json.RawMessage(tc.raw))
			if !ok {
				t.Fatal("dispatch rejected")
			}
			if ev.Mentioned != tc.want {
				t.Fatalf("Mentioned = %v, want %v", ev.Mentioned, tc.want)
			}
		})
	}
}

func TestAdapterServerCloseEndsStream(t *testing.T) {
	gw, srv := newFakeGateway(t)

	a, err := New(Config{GatewayURL: wsURL(srv), Token: "tok", Username: "me"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, err := a.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()
	<-gw.identify
	server := <-gw.conns
	_ = server.Close()

	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Fatal("expected closed event stream")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event stream did not close")
	}
	if sess.Err() == nil {
		t.Fatal("expected a stream error after server close")
	}
}
