// Package reclaim implements grace-period deletion for reference counted
// table records.
//
// A record whose reference count drops to zero is not removed at once.
// Instead a deletion attempt is scheduled and executed by a later sweep,
// after the configured Delay has elapsed. The attempt itself re-checks that
// the record is still unreferenced, so a record that was looked up again in
// the meantime survives.
package reclaim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Attempt tries to delete one record. It returns true when the record was
// actually reclaimed and false when it turned out to be referenced again.
type Attempt func() bool

type pending struct {
	at      time.Time
	attempt Attempt
}

// Option configures a Reclaimer.
type Option func(*Reclaimer)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reclaimer) {
		r.now = now
	}
}

// WithDelay sets the initial grace period.
func WithDelay(d Delay) Option {
	return func(r *Reclaimer) {
		r.delay = d
	}
}

// Reclaimer holds scheduled deletion attempts until their grace period has
// elapsed. It is safe for concurrent use.
type Reclaimer struct {
	mu      sync.Mutex
	delay   Delay
	pending []pending
	now     func() time.Time

	reclaimed atomic.Uint64
	revived   atomic.Uint64
}

// New creates a Reclaimer using DefaultDelay unless overridden.
func New(opts ...Option) *Reclaimer {
	r := &Reclaimer{
		delay: DefaultDelay,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if !r.delay.Valid() {
		r.delay = DefaultDelay
	}
	return r
}

// Delay returns the current grace period.
func (r *Reclaimer) Delay() Delay {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delay
}

// SetDelay changes the grace period. The new value applies to attempts that
// are already pending as well, since due times are derived at sweep time.
func (r *Reclaimer) SetDelay(d Delay) error {
	if !d.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidDelay, time.Duration(d))
	}

	r.mu.Lock()
	old := r.delay
	r.delay = d
	r.mu.Unlock()

	if old != d {
		log.WithField("caller", "reclaimer").Infof("GC delay changed from %s to %s", old, d)
	}
	return nil
}

// Schedule queues a deletion attempt.
func (r *Reclaimer) Schedule(attempt Attempt) {
	if attempt == nil {
		return
	}

	r.mu.Lock()
	r.pending = append(r.pending, pending{at: r.now(), attempt: attempt})
	r.mu.Unlock()
}

// Pending returns the number of attempts that have not run yet.
func (r *Reclaimer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Reclaimed returns how many records have been deleted so far.
func (r *Reclaimer) Reclaimed() uint64 {
	return r.reclaimed.Load()
}

// Revived returns how many attempts found their record referenced again.
func (r *Reclaimer) Revived() uint64 {
	return r.revived.Load()
}

// Sweep runs every attempt whose grace period has elapsed and returns the
// number of records reclaimed. Attempts scheduled while sweeping wait for
// the next sweep.
func (r *Reclaimer) Sweep() int {
	r.mu.Lock()
	if r.delay.IsInfinite() || len(r.pending) == 0 {
		r.mu.Unlock()
		return 0
	}

	cutoff := r.now().Add(-r.delay.Duration())
	var due []pending
	keep := r.pending[:0]
	for _, p := range r.pending {
		if p.at.After(cutoff) {
			keep = append(keep, p)
		} else {
			due = append(due, p)
		}
	}
	clearTail(r.pending, len(keep))
	r.pending = keep
	r.mu.Unlock()

	return r.run(due)
}

// ForceSweep runs every pending attempt regardless of the grace period,
// including attempts scheduled by the attempts themselves, until nothing is
// left pending.
func (r *Reclaimer) ForceSweep() int {
	total := 0
	for {
		r.mu.Lock()
		batch := r.pending
		r.pending = nil
		r.mu.Unlock()

		if len(batch) == 0 {
			return total
		}
		total += r.run(batch)
	}
}

// Run sweeps every interval until ctx is done.
func (r *Reclaimer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid sweep interval: %v", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				log.WithField("caller", "reclaimer").Debugf("Reclaimed %d records", n)
			}
		}
	}
}

// run executes attempts without holding r.mu: attempts take table locks and
// may schedule further attempts.
func (r *Reclaimer) run(batch []pending) int {
	n := 0
	for _, p := range batch {
		if p.attempt() {
			n++
		} else {
			r.revived.Add(1)
		}
	}
	r.reclaimed.Add(uint64(n))
	return n
}

func clearTail(s []pending, from int) {
	for i := from; i < len(s); i++ {
		s[i] = pending{}
	}
}
