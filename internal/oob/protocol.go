// Package oob is the out-of-band channel between the head node and its
// daemons. Daemons dial the head node's URI, introduce themselves with a
// hello, keep the connection alive with heartbeats and obey exit, signal
// and kill commands sent back over the same connection.
package oob

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
)

// MaxMessageSize is the maximum allowed message payload (16 MiB).
const MaxMessageSize = 16 << 20

// Message types.
const (
	MsgHello     = "hello"
	MsgHeartbeat = "heartbeat"
	MsgExit      = "exit"
	MsgSignal    = "signal"
	MsgKill      = "kill"
	MsgAck       = "ack"
)

// Message is the envelope for every frame in either direction.
type Message struct {
	Type   string   `json:"type"`
	Job    string   `json:"job,omitempty"`
	Vpid   uint32   `json:"vpid,omitempty"`
	Node   string   `json:"node,omitempty"`
	Signal int      `json:"signal,omitempty"`
	Ranks  []uint32 `json:"ranks,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	// Prefix and payload go out in a single write.
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}

// Conn is a framed connection. Send is safe for concurrent use; Receive
// must be called from one goroutine.
type Conn struct {
	conn net.Conn
	mu   sync.Mutex
}

// NewConn wraps c.
func NewConn(c net.Conn) *Conn {
	return &Conn{conn: c}
}

// Send writes one message.
func (c *Conn) Send(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := WriteMessage(c.conn, &m); err != nil {
		return fmt.Errorf("send %s: %w", m.Type, err)
	}
	return nil
}

// Receive reads one message.
func (c *Conn) Receive() (Message, error) {
	var m Message
	if err := ReadMessage(c.conn, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Raw returns the underlying connection.
func (c *Conn) Raw() net.Conn {
	return c.conn
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
