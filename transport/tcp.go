package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// MaxFrameSize bounds the payload of one length-prefixed frame.
const MaxFrameSize = 64 << 20

// ErrFrameTooLarge is returned for frames above MaxFrameSize.
var ErrFrameTooLarge = errors.New("transport: frame too large")

// FrameSender writes every payload to a stream connection as one frame
// with a 4 byte big-endian length header.
type FrameSender struct {
	mu           sync.Mutex
	conn         net.Conn
	writeTimeout time.Duration
	header       [4]byte
}

// NewFrameSender wraps a stream connection. A zero writeTimeout disables
// write deadlines.
func NewFrameSender(conn net.Conn, writeTimeout time.Duration) *FrameSender {
	return &FrameSender{conn: conn, writeTimeout: writeTimeout}
}

// Send writes data as one frame. The returned count excludes the header.
func (s *FrameSender) Send(data []byte) (int, error) {
	if len(data) > MaxFrameSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return 0, fmt.Errorf("set write deadline: %w", err)
		}
	}
	binary.BigEndian.PutUint32(s.header[:], uint32(len(data)))
	bufs := net.Buffers{s.header[:], data}
	n, err := bufs.WriteTo(s.conn)
	if err != nil {
		sent := int(n) - len(s.header)
		if sent < 0 {
			sent = 0
		}
		return sent, fmt.Errorf("send to %s: %w", s.conn.RemoteAddr(), err)
	}
	return len(data), nil
}

// Read reads raw bytes from the connection; use ReadFrame to split them.
func (s *FrameSender) Read(p []byte) (int, error) {
	return s.conn.Read(p)
}

// Close closes the underlying connection.
func (s *FrameSender) Close() error {
	return s.conn.Close()
}

// ReadFrame reads one frame written by a FrameSender.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return data, nil
}

// DialTCP connects to addr and returns a framing sender for it.
func DialTCP(ctx context.Context, addr string, writeTimeout time.Duration) (*FrameSender, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return NewFrameSender(conn, writeTimeout), nil
}

// TCPDialer dials addr over TCP on every call.
func TCPDialer(addr string, writeTimeout time.Duration) Dialer {
	return func(ctx context.Context) (Conn, error) {
		return DialTCP(ctx, addr, writeTimeout)
	}
}
