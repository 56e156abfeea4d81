package transport

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/najoast/nodetab/nodetab"
	"github.com/najoast/nodetab/outq"
)

// DefaultFlushInterval is how often a pump flushes without being signalled.
const DefaultFlushInterval = 100 * time.Millisecond

// PumpOption configures a Pump.
type PumpOption func(*Pump)

// WithEncoder sets the encoder applied to every buffer before sending.
func WithEncoder(enc outq.Encoder) PumpOption {
	return func(p *Pump) {
		p.enc = enc
	}
}

// WithFlushInterval sets the fallback flush period.
func WithFlushInterval(d time.Duration) PumpOption {
	return func(p *Pump) {
		if d > 0 {
			p.interval = d
		}
	}
}

// Pump drains the queue of one connection onto its sender.
type Pump struct {
	de       *nodetab.DistEntry
	connID   uint32
	enc      outq.Encoder
	interval time.Duration
}

// NewPump creates a pump for connection connID of de.
func NewPump(de *nodetab.DistEntry, connID uint32, opts ...PumpOption) *Pump {
	p := &Pump{
		de:       de,
		connID:   connID,
		interval: DefaultFlushInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run flushes whenever data is enqueued, until ctx is done or the
// connection is replaced or torn down. A send failure is returned so the
// owner can disconnect the entry.
func (p *Pump) Run(ctx context.Context) error {
	logger := log.WithField("caller", "pump").WithField("peer", p.de.Name())
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.de.Queue().Ready():
		case <-ticker.C:
		}

		if p.de.ConnectionID() != p.connID || p.de.Status() == 0 {
			logger.Debugf("Connection %d gone, stopping", p.connID)
			return nil
		}
		if _, err := p.de.Flush(p.enc); err != nil {
			if errors.Is(err, nodetab.ErrNotConnected) || errors.Is(err, outq.ErrConnectionClosed) {
				return nil
			}
			logger.WithError(err).Warn("Flush failed")
			return err
		}
	}
}

// RunAll runs pumps until ctx is done or one of them fails, in which case
// the others are stopped and the first error is returned.
func RunAll(ctx context.Context, pumps ...*Pump) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range pumps {
		p := p
		g.Go(func() error {
			return p.Run(ctx)
		})
	}
	return g.Wait()
}
