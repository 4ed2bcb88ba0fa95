package discord

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dmwatch/internal/monitor"
	logx "dmwatch/pkg/logx"
)

// session wraps one gateway websocket. The reader pump is the background
// driver: it decodes frames and feeds dispatch events into the events
// channel in arrival order. Its exit closes Done().
type session struct {
	conn     *websocket.Conn
	username string
	interval time.Duration
	guard    *monitor.StackGuard
	log      logx.Logger

	events  chan monitor.Event
	done    chan struct{}
	closing chan struct{}

	// writeMu serializes keepalive writes with Close; the pump only reads.
	writeMu sync.Mutex

	mu        sync.Mutex
	err       error
	closed    bool
	dispatchN uint64 // frames seen since the last heartbeat ACK
}

func newSession(conn *websocket.Conn, username string, interval time.Duration, guard *monitor.StackGuard, log logx.Logger) *session {
	return &session{
		conn:     conn,
		username: username,
		interval: interval,
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

func (s *session) KeepaliveInterval() time.Duration { return s.interval }

// SendKeepalive sends a heartbeat frame (op 1, null payload).
func (s *session) SendKeepalive(ctx context.Context) error {
	msg, err := json.Marshal(gatewayMessage{Op: opHeartbeat, D: json.RawMessage("null")})
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(dl)
	}
	return s.conn.WriteMessage(websocket.TextMessage, msg)
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
	return s.conn.Close()
}

// pump is the background driver. The stack guard's baseline lives here:
// frames are decoded on this goroutine, so its stack is the one measured.
func (s *session) pump() {
	defer close(s.done)
	base := s.guard.Enter()
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}
		base = s.guard.Mark(base)
		var msg gatewayMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Unparseable frames are skipped, not fatal.
			s.log.Debug("skipping malformed frame", logx.Err(err))
			continue
		}

		switch msg.Op {
		case opHeartbeatACK:
			s.mu.Lock()
			n := s.dispatchN
			s.dispatchN = 0
			s.mu.Unlock()
			s.log.Info("heartbeat acknowledged", logx.Uint64("frames_since_last", n))

		case opDispatch:
			s.mu.Lock()
			s.dispatchN++
			s.mu.Unlock()
			ev, ok := s.eventFromDispatch(msg.D)
			if !ok {
				continue
			}
			select {
			case s.events <- ev:
			case <-s.closing:
				return
			}

		default:
			// Other opcodes carry no events we care about.
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

// dispatchPayload is the subset of a message-create dispatch the rules layer
// needs.
type dispatchPayload struct {
	Content   string `json:"content"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
	Author    struct {
		Username string `json:"username"`
	} `json:"author"`
	Mentions []struct {
		Username string `json:"username"`
	} `json:"mentions"`
	ReferencedMessage *struct {
		Author struct {
			Username string `json:"username"`
		} `json:"author"`
	} `json:"referenced_message"`
}

func (s *session) eventFromDispatch(raw json.RawMessage) (monitor.Event, bool) {
	var d dispatchPayload
	if err := json.Unmarshal(raw, &d); err != nil {
		return monitor.Event{}, false
	}
	if d.Author.Username == "" || d.ChannelID == "" {
		return monitor.Event{}, false
	}

	// Only the dispatch's mentions array and the replied-to author count;
	// the username showing up elsewhere in the payload (another user's
	// message text, embeds) is not a mention.
	mentioned := false
	for _, m := range d.Mentions {
		if strings.EqualFold(m.Username, s.username) {
			mentioned = true
			break
		}
	}
	if !mentioned && d.ReferencedMessage != nil {
		mentioned = strings.EqualFold(d.ReferencedMessage.Author.Username, s.username)
	}

	return monitor.Event{
		Peer:      d.ChannelID,
		Author:    d.Author.Username,
		Text:      d.Content,
		Direct:    d.GuildID == "",
		Mentioned: mentioned,
		Outgoing:  d.Author.Username == s.username,
		At:        time.Now(),
		Raw:       raw,
	}, true
}
