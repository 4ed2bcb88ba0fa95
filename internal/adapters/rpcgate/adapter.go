// Package rpcgate implements the binary RPC-gateway protocol adapter: a
// framed CBOR session over TCP with a persisted per-monitor session file,
// an interactive first-run login flow, and client-driven pings.
package rpcgate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"dmwatch/internal/monitor"
	logx "dmwatch/pkg/logx"
)

type Config struct {
	// Addr is the gateway endpoint, host:port.
	Addr string
	// Username is the local account; it names the session file and marks
	// outgoing events.
	Username string
	// SessionDir holds the per-monitor session files.
	SessionDir string

	DialTimeout       time.Duration
	KeepaliveInterval time.Duration

	// Guard, when set, is fed by the reader pump while it decodes nested
	// content trees. Share it with the monitor.Conn driving this adapter.
	Guard *monitor.StackGuard
}

type Adapter struct {
	cfg      Config
	log      logx.Logger
	prompter CodePrompter
	codec    *codec
}

func New(cfg Config, prompter CodePrompter, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("rpcgate addr is empty")
	}
	if strings.TrimSpace(cfg.Username) == "" {
		return nil, errors.New("rpcgate username is empty")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 60 * time.Second
	}
	if prompter == nil {
		prompter = NewTerminalPrompter()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c, err := newCodec()
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "rpcgate.adapter")),
		prompter: prompter,
		codec:    c,
	}, nil
}

func (a *Adapter) Name() string { return "rpcgate" }

func (a *Adapter) sessionPath() string {
	return filepath.Join(a.cfg.SessionDir, a.cfg.Username+".session")
}

// Connect runs the shared connect shape: load-or-recreate the persisted
// session, dial, authenticate (interactively on a cold start), then hand
// the socket to the reader pump.
func (a *Adapter) Connect(ctx context.Context) (monitor.Session, error) {
	store, err := openSessionStore(a.sessionPath(), a.log)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	d := net.Dialer{Timeout: a.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", a.cfg.Addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	if err := a.handshake(ctx, conn, store); err != nil {
		_ = conn.Close()
		_ = store.Close()
		return nil, err
	}

	s := newSession(conn, store, a.codec, a.cfg.Username, a.cfg.KeepaliveInterval, a.cfg.Guard, a.log)
	go s.pump()
	return s, nil
}

type helloBody struct {
	Username  string `cbor:"username"`
	AuthToken string `cbor:"auth_token,omitempty"`
}

type authOKBody struct {
	AuthToken string `cbor:"auth_token,omitempty"`
	UserID    string `cbor:"user_id,omitempty"`
}

type loginSubmitBody struct {
	Code     string `cbor:"code,omitempty"`
	Password string `cbor:"password,omitempty"`
}

// handshake sends hello with any stored token and walks the login flow if
// the server demands one. Operator input blocks only this monitor.
func (a *Adapter) handshake(ctx context.Context, conn net.Conn, store *sessionStore) error {
	token, err := store.AuthToken(ctx)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	body, err := a.codec.marshalBody(helloBody{Username: a.cfg.Username, AuthToken: token})
	if err != nil {
		return err
	}
	if err := a.codec.writeFrame(conn, envelope{Kind: kindHello, Body: body}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	for {
		env, err := a.codec.readFrame(conn)
		if err != nil {
			return fmt.Errorf("handshake read: %w", err)
		}
		switch env.Kind {
		case kindAuthOK:
			var ok authOKBody
			if err := a.codec.dec.Unmarshal(env.Body, &ok); err != nil {
				return fmt.Errorf("decode auth.ok: %w", err)
			}
			if ok.AuthToken != "" {
				if err := store.SaveAuth(ctx, ok.AuthToken, ok.UserID); err != nil {
					return fmt.Errorf("persist session: %w", err)
				}
				a.log.Info("session persisted", logx.String("path", a.sessionPath()))
			}
			return nil

		case kindLoginRequired:
			a.log.Info("not authorized, requesting login code", logx.String("username", a.cfg.Username))
			code, err := a.prompter.ReadCode("Enter the code you received: ")
			if err != nil {
				return fmt.Errorf("read login code: %w", err)
			}
			body, err := a.codec.marshalBody(loginSubmitBody{Code: code})
			if err != nil {
				return err
			}
			if err := a.codec.writeFrame(conn, envelope{Kind: kindLoginCode, Body: body}); err != nil {
				return fmt.Errorf("send login code: %w", err)
			}

		case kindLoginPassword:
			a.log.Info("second factor required")
			pw, err := a.prompter.ReadPassword("Enter your 2FA password: ")
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			body, err := a.codec.marshalBody(loginSubmitBody{Password: pw})
			if err != nil {
				return err
			}
			if err := a.codec.writeFrame(conn, envelope{Kind: kindLoginPassword, Body: body}); err != nil {
				return fmt.Errorf("send password: %w", err)
			}

		case kindError:
			return fmt.Errorf("gateway rejected login: %s", string(env.Body))

		default:
			return fmt.Errorf("unexpected handshake frame %q", env.Kind)
		}
	}
}
