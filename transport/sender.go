// Package transport provides the senders plugged into dist entries, the
// pump moving queued traffic onto them and the connector keeping peers
// connected.
package transport

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/najoast/nodetab/nodetab"
	"github.com/najoast/nodetab/outq"
)

// DefaultWriteTimeout bounds a single write on a connection.
const DefaultWriteTimeout = 10 * time.Second

// ConnSender writes payloads to a net.Conn.
type ConnSender struct {
	mu           sync.Mutex
	conn         net.Conn
	writeTimeout time.Duration
}

var _ nodetab.Sender = (*ConnSender)(nil)

// NewConnSender wraps conn. A zero writeTimeout disables write deadlines.
func NewConnSender(conn net.Conn, writeTimeout time.Duration) *ConnSender {
	return &ConnSender{conn: conn, writeTimeout: writeTimeout}
}

// Send writes data in one call. Concurrent sends are serialized.
func (s *ConnSender) Send(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return 0, fmt.Errorf("set write deadline: %w", err)
		}
	}
	n, err := s.conn.Write(data)
	if err != nil {
		return n, fmt.Errorf("send to %s: %w", s.conn.RemoteAddr(), err)
	}
	return n, nil
}

// Read reads from the underlying connection.
func (s *ConnSender) Read(p []byte) (int, error) {
	return s.conn.Read(p)
}

// Conn returns the underlying connection.
func (s *ConnSender) Conn() net.Conn {
	return s.conn
}

// Close closes the underlying connection.
func (s *ConnSender) Close() error {
	return s.conn.Close()
}

type countingReader struct {
	r io.Reader
	q *outq.Queue
}

// CountInput returns a reader that accounts every byte read from r as input
// of q.
func CountInput(r io.Reader, q *outq.Queue) io.Reader {
	return &countingReader{r: r, q: q}
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.q.AddInput(n)
	return n, err
}
