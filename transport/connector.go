package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/najoast/nodetab/nodetab"
)

// DefaultRetryInterval is the pause between reconnect attempts.
const DefaultRetryInterval = 5 * time.Second

// DefaultDatagramSize is the read buffer of datagram connections.
const DefaultDatagramSize = 64 << 10

// Conn is an established connection to a peer.
type Conn interface {
	nodetab.Sender
	io.Reader
	Close() error
}

// FrameReader reads the next message from a connection.
type FrameReader func(r io.Reader) ([]byte, error)

// DatagramReader returns a FrameReader for message-oriented connections such
// as DTLS, where every Read yields one whole datagram of at most size bytes.
func DatagramReader(size int) FrameReader {
	buf := make([]byte, size)
	return func(r io.Reader) ([]byte, error) {
		n, err := r.Read(buf)
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), buf[:n]...), nil
	}
}

// InputHandler receives the messages read from a peer. Install one on a
// dist entry with SetInputHandler.
type InputHandler interface {
	HandleInput(de *nodetab.DistEntry, data []byte)
}

// Dialer establishes a new connection to a peer.
type Dialer func(ctx context.Context) (Conn, error)

// DTLSDialer dials addr with cfg options on every call.
func DTLSDialer(addr string, opts DTLSOptions) (Dialer, error) {
	cfg, err := NewDTLSConfig(opts)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (Conn, error) {
		return DialDTLS(ctx, addr, cfg, opts.WriteTimeout)
	}, nil
}

// Connector keeps one peer connected: it dials, marks the dist entry
// connected, pumps its queue and marks it not connected again when the
// connection fails, then retries.
type Connector struct {
	tables *nodetab.Registry
	name   string
	dial   Dialer
	flags  nodetab.DistFlags
	retry  time.Duration
	pump   []PumpOption
	reader func() FrameReader
}

// ConnectorOption configures a Connector.
type ConnectorOption func(*Connector)

// WithFlags sets the capability flags announced for the connection.
func WithFlags(f nodetab.DistFlags) ConnectorOption {
	return func(c *Connector) {
		c.flags = f
	}
}

// WithRetryInterval sets the pause between reconnect attempts.
func WithRetryInterval(d time.Duration) ConnectorOption {
	return func(c *Connector) {
		if d > 0 {
			c.retry = d
		}
	}
}

// WithFrameReader sets how messages are split on the connection. The
// default reads datagrams.
func WithFrameReader(read FrameReader) ConnectorOption {
	return func(c *Connector) {
		c.reader = func() FrameReader { return read }
	}
}

// WithPumpOptions passes options to the pump of every connection.
func WithPumpOptions(opts ...PumpOption) ConnectorOption {
	return func(c *Connector) {
		c.pump = append(c.pump, opts...)
	}
}

// NewConnector creates a connector for peer name in tables.
func NewConnector(tables *nodetab.Registry, name string, dial Dialer, opts ...ConnectorOption) *Connector {
	c := &Connector{
		tables: tables,
		name:   name,
		dial:   dial,
		flags:  nodetab.FlagPublished,
		retry:  DefaultRetryInterval,
		reader: func() FrameReader { return DatagramReader(DefaultDatagramSize) },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the peer name.
func (c *Connector) Name() string {
	return c.name
}

// Run connects until ctx is done. The entry is kept referenced while Run
// is active.
func (c *Connector) Run(ctx context.Context) error {
	logger := log.WithField("caller", "connector").WithField("peer", c.name)

	de := c.tables.FindOrInsertDist(c.name)
	defer c.tables.ReleaseDist(de)

	for {
		if err := c.session(ctx, de); err != nil {
			logger.WithError(err).Warn("Connection lost")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.retry):
		}
	}
}

// session runs one connection from dial to teardown. It ends when ctx is
// done, a send fails, the peer hangs up or the connection is replaced.
func (c *Connector) session(ctx context.Context, de *nodetab.DistEntry) error {
	logger := log.WithField("caller", "connector").WithField("peer", c.name)

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	connID := c.tables.NextConnectionID(de)
	if !c.tables.SetConnected(de, nodetab.ConnectInfo{
		ConnectionID: connID,
		Flags:        c.flags,
		Sender:       conn,
	}) {
		_ = conn.Close()
		logger.Debugf("Connection %d superseded before it started", connID)
		return nil
	}
	logger.Infof("Connected (connection %d)", connID)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	readErr := make(chan error, 1)
	go func() {
		readErr <- c.receive(de, conn)
		cancel()
	}()

	err = NewPump(de, connID, c.pump...).Run(sessCtx)

	c.tables.SetExiting(de, connID)
	c.tables.SetNotConnected(de, connID)
	_ = conn.Close()
	rerr := <-readErr
	logger.Infof("Disconnected (connection %d)", connID)

	if err != nil || ctx.Err() != nil || errors.Is(rerr, net.ErrClosed) {
		return err
	}
	if errors.Is(rerr, io.EOF) {
		return fmt.Errorf("peer closed connection %d", connID)
	}
	return rerr
}

// receive reads from conn until it fails, accounting the bytes read as
// input of the entry's queue.
func (c *Connector) receive(de *nodetab.DistEntry, conn Conn) error {
	read := c.reader()
	r := CountInput(conn, de.Queue())
	for {
		data, err := read(r)
		if err != nil {
			return err
		}
		if h, ok := de.InputHandler().(InputHandler); ok {
			h.HandleInput(de, data)
		}
	}
}
