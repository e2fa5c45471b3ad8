package statusipc

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Conn wraps a net.Conn with [4-byte BE length][CBOR] framing.
type Conn struct {
	conn net.Conn
	mu   sync.Mutex // serializes writes
}

func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// Send encodes v and writes it as one frame.
func (c *Conn) Send(v any) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("statusipc: marshal: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("statusipc: message too large: %d > %d", len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("statusipc: write: %w", err)
	}
	return nil
}

// Recv reads one frame and decodes it into v.
func (c *Conn) Recv(v any) error {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return fmt.Errorf("statusipc: read header: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxMessageSize {
		return fmt.Errorf("statusipc: message too large: %d > %d", length, MaxMessageSize)
	}
	if length == 0 {
		return fmt.Errorf("statusipc: zero-length message")
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return fmt.Errorf("statusipc: read payload: %w", err)
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("statusipc: unmarshal: %w", err)
	}
	return nil
}
