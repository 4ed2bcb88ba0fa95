package rpcgate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"dmwatch/internal/monitor"
)

// Wire format: 4-byte big-endian frame length followed by one CBOR-encoded
// envelope. Envelope bodies are protocol-specific CBOR documents; event
// bodies in particular carry an arbitrarily nested content tree, which is
// why decoding happens under the stack guard's watch.

const maxFrameBytes = 1 << 20

// maxNestedLevels bounds CBOR nesting at decode time. This is defense in
// depth: the stack guard remains the recovery path when legitimate documents
// get deep enough to matter.
const maxNestedLevels = 192

type envelope struct {
	Kind string          `cbor:"kind"`
	Seq  uint64          `cbor:"seq,omitempty"`
	Body cbor.RawMessage `cbor:"body,omitempty"`
}

// Envelope kinds.
const (
	kindHello         = "hello"
	kindAuthOK        = "auth.ok"
	kindLoginRequired = "login.required"
	kindLoginCode     = "login.code"
	kindLoginPassword = "login.password"
	kindEvent         = "event"
	kindPing          = "ping"
	kindPong          = "pong"
	kindError         = "error"
)

type codec struct {
	dec cbor.DecMode
	enc cbor.EncMode
}

func newCodec() (*codec, error) {
	dec, err := cbor.DecOptions{MaxNestedLevels: maxNestedLevels}.DecMode()
	if err != nil {
		return nil, err
	}
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return &codec{dec: dec, enc: enc}, nil
}

func (c *codec) writeFrame(w io.Writer, env envelope) error {
	payload, err := c.enc.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Kind, err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func (c *codec) readFrame(r io.Reader) (envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return envelope{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxFrameBytes {
		return envelope{}, fmt.Errorf("frame length %d out of range", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return envelope{}, err
	}
	var env envelope
	if err := c.dec.Unmarshal(payload, &env); err != nil {
		return envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Kind == "" {
		return envelope{}, errors.New("frame has no kind")
	}
	return env, nil
}

func (c *codec) marshalBody(v any) (cbor.RawMessage, error) {
	return c.enc.Marshal(v)
}

// eventBody is the payload of an "event" envelope.
type eventBody struct {
	Peer     string      `cbor:"peer"`
	Author   string      `cbor:"author"`
	Direct   bool        `cbor:"direct"`
	Outgoing bool        `cbor:"outgoing,omitempty"`
	Unix     int64       `cbor:"unix,omitempty"`
	Content  contentNode `cbor:"content"`
}

// contentNode is the recursive message-content tree. Real payloads nest
// formatting nodes to server-controlled depth; flattening it recurses once
// per level.
type contentNode struct {
	Text     string        `cbor:"text,omitempty"`
	Children []contentNode `cbor:"children,omitempty"`
}

// flatten collects the text fragments of the tree in order, marking the
// stack guard once per level. This recursion is the deep call chain the
// guard exists to measure, so the marks sit inside it, on the goroutine
// that runs it.
func (n contentNode) flatten(b *[]byte, g *monitor.StackGuard, base monitor.StackBase) monitor.StackBase {
	base = g.Mark(base)
	if n.Text != "" {
		*b = append(*b, n.Text...)
	}
	for _, child := range n.Children {
		base = child.flatten(b, g, base)
	}
	return base
}

// text renders the tree under the guard's watch.
func (n contentNode) text(g *monitor.StackGuard, base monitor.StackBase) string {
	var b []byte
	n.flatten(&b, g, base)
	return string(b)
}

func (n contentNode) String() string { return n.text(nil, 0) }
