// Package discord implements the realtime-gateway protocol adapter: a
// websocket session that is identified with a user token, heartbeats on the
// server-provided interval, and yields dispatched messages as monitor
// events.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"dmwatch/internal/monitor"
	logx "dmwatch/pkg/logx"
)

const DefaultGatewayURL = "wss://gateway.discord.gg/?v=6&encoding=json"

// Gateway opcodes used by this adapter.
const (
	opDispatch     = 0
	opHeartbeat    = 1
	opIdentify     = 2
	opHello        = 10
	opHeartbeatACK = 11
)

type Config struct {
	GatewayURL string
	Token      string
	// Username is the local user; used for mention/reply detection and to
	// mark outgoing events.
	Username string

	HandshakeTimeout time.Duration

	// Guard, when set, is fed by the reader pump. Share it with the
	// monitor.Conn driving this adapter.
	Guard *monitor.StackGuard
}

type Adapter struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is empty")
	}
	if strings.TrimSpace(cfg.GatewayURL) == "" {
		cfg.GatewayURL = DefaultGatewayURL
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log.With(logx.String("comp", "discord.adapter"))}, nil
}

func (a *Adapter) Name() string { return "discord" }

// gatewayMessage is the envelope of every gateway frame.
type gatewayMessage struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *uint64         `json:"s,omitempty"`
	T  *string         `json:"t,omitempty"`
}

// Connect dials the gateway, waits for hello (which carries the heartbeat
// interval), sends identify, and hands the socket to a reader pump.
func (a *Adapter) Connect(ctx context.Context) (monitor.Session, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: a.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, a.cfg.GatewayURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	heartbeat, err := a.awaitHello(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := a.identify(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("identify: %w", err)
	}

	s := newSession(conn, a.cfg.Username, heartbeat, a.cfg.Guard, a.log)
	go s.pump()
	return s, nil
}

func (a *Adapter) awaitHello(conn *websocket.Conn) (time.Duration, error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("read hello: %w", err)
	}
	var hello gatewayMessage
	if err := json.Unmarshal(raw, &hello); err != nil {
		return 0, fmt.Errorf("decode hello: %w", err)
	}
	if hello.Op != opHello {
		return 0, fmt.Errorf("expected hello (op %d), got op %d", opHello, hello.Op)
	}
	var d struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"` // milliseconds
	}
	if err := json.Unmarshal(hello.D, &d); err != nil || d.HeartbeatInterval <= 0 {
		return 0, errors.New("hello carried no heartbeat interval")
	}
	return time.Duration(d.HeartbeatInterval) * time.Millisecond, nil
}

func (a *Adapter) identify(conn *websocket.Conn) error {
	payload := map[string]any{
		"token": a.cfg.Token,
		"properties": map[string]string{
			"$os":      "linux",
			"$browser": "dmwatch",
			"$device":  "pc",
		},
	}
	d, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(gatewayMessage{Op: opIdentify, D: d})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, msg)
}
