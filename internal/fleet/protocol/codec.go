// SPDX-License-Identifier: MIT

package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MaxFrameBytes bounds a single wire frame. Progress and registration
// payloads are small; anything larger is a protocol violation.
const MaxFrameBytes = 1 << 20

// Conn frames envelopes as newline-delimited JSON over a byte stream.
// Writes are serialized so heartbeat, progress and control messages from
// different goroutines never interleave inside one frame. Reads are not
// locked: each side runs exactly one read loop per connection.
type Conn struct {
	r io.ReadCloser

	mu sync.Mutex
	w  io.Writer

	scanner *bufio.Scanner
}

// NewConn wraps rw in the frame codec. rw is typically a net.Conn.
func NewConn(rw io.ReadWriteCloser) *Conn {
	scanner := bufio.NewScanner(rw)
	scanner.Buffer(make([]byte, 0, 4096), MaxFrameBytes)
	return &Conn{r: rw, w: rw, scanner: scanner}
}

// Send marshals the payload and writes one frame.
func (c *Conn) Send(msgType string, payload any) error {
	env, err := Seal(msgType, payload)
	if err != nil {
		return err
	}
	return c.SendEnvelope(env)
}

// SendEnvelope writes one pre-sealed frame.
func (c *Conn) SendEnvelope(env Envelope) error {
	buf, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	buf = append(buf, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Receive reads the next frame. It returns io.EOF when the peer closed
// the stream cleanly.
func (c *Conn) Receive() (Envelope, error) {
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return Envelope{}, fmt.Errorf("decode frame: %w", err)
		}
		if env.Type == "" {
			return Envelope{}, fmt.Errorf("frame missing type discriminator")
		}
		return env, nil
	}
	if err := c.scanner.Err(); err != nil {
		return Envelope{}, err
	}
	return Envelope{}, io.EOF
}

// Close closes the underlying stream, unblocking any pending Receive.
func (c *Conn) Close() error {
	return c.r.Close()
}
