// Package outq provides the outbound buffer queue of a distribution
// connection together with its backpressure state machine.
//
// Buffers travel through three lists: out (freshly enqueued), tmp (taken for
// encoding) and finalized (ready for the transport). Producers are told to
// back off through the busy flag and may suspend until the transport has
// drained the queue below the low-water mark.
package outq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	// DefaultHighWater is the queued byte volume that sets FlagBusy.
	DefaultHighWater int64 = 1024 * 1024

	// DefaultLowWater is the volume below which FlagBusy is cleared.
	DefaultLowWater = DefaultHighWater / 2
)

// Limits are the backpressure thresholds of a queue.
type Limits struct {
	HighWater int64
	LowWater  int64
}

// DefaultLimits returns the default thresholds.
func DefaultLimits() Limits {
	return Limits{HighWater: DefaultHighWater, LowWater: DefaultLowWater}
}

// Validate checks that 0 <= LowWater <= HighWater and HighWater > 0.
func (l Limits) Validate() error {
	if l.HighWater <= 0 || l.LowWater < 0 || l.LowWater > l.HighWater {
		return fmt.Errorf("%w: high=%d low=%d", ErrInvalidLimits, l.HighWater, l.LowWater)
	}
	return nil
}

// Waiter is a producer suspended on a busy queue.
type Waiter interface {
	// Resume is called once: with nil when the queue drained, or with
	// ErrConnectionClosed when the connection went away.
	Resume(err error)
}

// WaiterFunc adapts a function to Waiter.
type WaiterFunc func(err error)

// Resume implements Waiter.
func (f WaiterFunc) Resume(err error) { f(err) }

// Encoder finalizes the payload of one buffer before transmission.
type Encoder func(data []byte) ([]byte, error)

// SendFunc transmits one finalized payload and returns the bytes written.
type SendFunc func(data []byte) (int, error)

// Stats is a point-in-time snapshot of a queue.
type Stats struct {
	Flags     Flags
	Size      int64
	In        uint64
	Out       uint64
	Queued    int
	Pending   int
	Finalized int
	Suspended int
}

// Queue is the outbound queue of one connection. Its mutex is a leaf lock:
// it may be taken while holding a connection lock, never the reverse.
type Queue struct {
	mu        sync.Mutex
	out       list
	tmp       list
	finalized list
	suspended []Waiter
	closed    bool
	epoch     uint64

	flags atomic.Uint32
	size  atomic.Int64
	in    atomic.Uint64
	sent  atomic.Uint64
	high  atomic.Int64
	low   atomic.Int64

	finalizing atomic.Bool
	drainMu    sync.Mutex
	ready      chan struct{}
}

// New creates an empty queue. Invalid limits fall back to DefaultLimits.
func New(limits Limits) *Queue {
	if limits.Validate() != nil {
		limits = DefaultLimits()
	}
	q := &Queue{ready: make(chan struct{}, 1)}
	q.high.Store(limits.HighWater)
	q.low.Store(limits.LowWater)
	return q
}

// Limits returns the current thresholds.
func (q *Queue) Limits() Limits {
	return Limits{HighWater: q.high.Load(), LowWater: q.low.Load()}
}

// SetLimits replaces the thresholds. Lowering the low-water mark below the
// current volume has no immediate effect; raising it above the current
// volume releases suspended producers.
func (q *Queue) SetLimits(l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	q.high.Store(l.HighWater)
	q.low.Store(l.LowWater)
	waiters := q.maybeUnbusyLocked()
	q.mu.Unlock()

	resumeAll(waiters, nil)
	return nil
}

// Flags returns the current queue flags.
func (q *Queue) Flags() Flags {
	return Flags(q.flags.Load())
}

// SetFlags sets the given flag bits.
func (q *Queue) SetFlags(f Flags) {
	q.flags.Or(uint32(f & FlagsAll))
}

// ClearFlags clears the given flag bits.
func (q *Queue) ClearFlags(f Flags) {
	q.flags.And(^uint32(f))
}

// Busy reports whether producers should suspend.
func (q *Queue) Busy() bool {
	return q.Flags().Has(FlagBusy)
}

// Size returns the number of queued bytes, including buffers being sent.
func (q *Queue) Size() int64 {
	return q.size.Load()
}

// In returns the cumulative number of bytes received on the connection.
func (q *Queue) In() uint64 {
	return q.in.Load()
}

// Out returns the cumulative number of bytes transmitted.
func (q *Queue) Out() uint64 {
	return q.sent.Load()
}

// AddInput accounts for n bytes received by the transport.
func (q *Queue) AddInput(n int) {
	if n > 0 {
		q.in.Add(uint64(n))
	}
}

// Ready is signalled after data has been enqueued. Several enqueues may
// collapse into one signal.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Enqueue appends b to the out queue. It reports busy when the producer
// should suspend before enqueueing more. On error b is released.
func (q *Queue) Enqueue(b *Buffer) (busy bool, err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		b.release()
		return false, ErrConnectionClosed
	}
	if q.Flags().Has(FlagExit) {
		q.mu.Unlock()
		b.release()
		return false, ErrExiting
	}

	q.out.push(b)
	if q.size.Add(int64(b.Len())) >= q.high.Load() {
		q.SetFlags(FlagBusy)
	}
	busy = q.Busy()
	q.mu.Unlock()

	q.notify()
	return busy, nil
}

// Suspend registers w to be resumed when the queue drains. It returns false,
// without registering, when the queue is not busy (or closed) anymore; the
// check and the registration happen atomically so no wakeup is lost.
func (q *Queue) Suspend(w Waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || !q.Busy() {
		return false
	}
	q.suspended = append(q.suspended, w)
	return true
}

type chanWaiter struct {
	ch chan error
}

func (w *chanWaiter) Resume(err error) {
	w.ch <- err
}

// Wait blocks while the queue is busy. It returns nil once the producer may
// continue, ErrConnectionClosed if the connection went away, or ctx.Err().
func (q *Queue) Wait(ctx context.Context) error {
	w := &chanWaiter{ch: make(chan error, 1)}
	if !q.Suspend(w) {
		if q.isClosed() {
			return ErrConnectionClosed
		}
		return nil
	}

	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		if !q.unsuspend(w) {
			// Resumed concurrently; the result is already buffered.
			return <-w.ch
		}
		return ctx.Err()
	}
}

// FinalizeBatch moves everything enqueued so far through the encoder and
// onto the finalized queue. Encoding runs without the queue lock. Only one
// batch is finalized at a time; a concurrent call returns (0, nil).
func (q *Queue) FinalizeBatch(enc Encoder) (int, error) {
	if !q.finalizing.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer q.finalizing.Store(false)

	q.mu.Lock()
	q.tmp.splice(&q.out)
	batch := q.tmp.take()
	epoch := q.epoch
	q.mu.Unlock()

	var done list
	var delta int64
	var err error
	for b := batch.pop(); b != nil; b = batch.pop() {
		if enc != nil {
			before := b.Len()
			data, encErr := enc(b.Bytes())
			if encErr != nil {
				batch.pushFront(b)
				err = fmt.Errorf("finalize buffer: %w", encErr)
				break
			}
			b.data = data
			delta += int64(b.Len() - before)
		}
		done.push(b)
	}
	n := done.n

	q.mu.Lock()
	if q.epoch != epoch {
		q.mu.Unlock()
		releaseList(&done)
		releaseList(&batch)
		return 0, ErrConnectionClosed
	}
	q.finalized.splice(&done)
	q.tmp = batch
	q.size.Add(delta)
	q.mu.Unlock()

	return n, err
}

// Drain hands every finalized buffer to send, in order. When FlagExit is set
// buffers are discarded instead of sent. On a send error the failed buffer
// is put back at the head of the finalized queue and the error returned.
// Drainers are serialized; enqueueing continues while a drain is running.
func (q *Queue) Drain(send SendFunc) (int, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	sent := 0
	for {
		q.mu.Lock()
		b := q.finalized.pop()
		epoch := q.epoch
		exiting := q.Flags().Has(FlagExit)
		q.mu.Unlock()

		if b == nil {
			return sent, nil
		}
		if exiting || send == nil {
			q.complete(b, epoch, 0)
			continue
		}

		n, err := send(b.Bytes())
		if err != nil {
			q.mu.Lock()
			if q.epoch == epoch {
				q.finalized.pushFront(b)
				b = nil
			}
			q.mu.Unlock()
			if b != nil {
				b.release()
			}
			return sent, err
		}
		q.complete(b, epoch, n)
		sent++
	}
}

// MarkExit makes further enqueues fail and the send path discard.
func (q *Queue) MarkExit() {
	q.SetFlags(FlagExit)
}

// Close discards every queued buffer, resets the flags and resumes all
// suspended producers with err (ErrConnectionClosed when nil). It returns
// the number of discarded buffers.
func (q *Queue) Close(err error) int {
	if err == nil {
		err = ErrConnectionClosed
	}

	q.mu.Lock()
	q.epoch++
	q.closed = true
	n := q.out.n + q.tmp.n + q.finalized.n
	releaseList(&q.out)
	releaseList(&q.tmp)
	releaseList(&q.finalized)
	q.size.Store(0)
	q.flags.Store(0)
	waiters := q.suspended
	q.suspended = nil
	q.mu.Unlock()

	resumeAll(waiters, err)
	return n
}

// Reopen makes a closed queue accept buffers again.
func (q *Queue) Reopen() {
	q.mu.Lock()
	q.closed = false
	q.ClearFlags(FlagExit | FlagBusy)
	q.mu.Unlock()
}

// Stats returns a snapshot of the queue.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Flags:     q.Flags(),
		Size:      q.size.Load(),
		In:        q.in.Load(),
		Out:       q.sent.Load(),
		Queued:    q.out.n,
		Pending:   q.tmp.n,
		Finalized: q.finalized.n,
		Suspended: len(q.suspended),
	}
}

// Empty reports whether no buffer is queued in any list.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.out.empty() && q.tmp.empty() && q.finalized.empty()
}

func (q *Queue) complete(b *Buffer, epoch uint64, n int) {
	length := int64(b.Len())
	b.release()
	if n > 0 {
		q.sent.Add(uint64(n))
	}

	q.mu.Lock()
	if q.epoch != epoch {
		q.mu.Unlock()
		return
	}
	q.size.Add(-length)
	waiters := q.maybeUnbusyLocked()
	q.mu.Unlock()

	resumeAll(waiters, nil)
}

// maybeUnbusyLocked clears FlagBusy when the volume fell below the low-water
// mark, or the queue is empty, and hands back the producers to resume.
// Called with q.mu held.
func (q *Queue) maybeUnbusyLocked() []Waiter {
	if !q.Busy() {
		return nil
	}
	if size := q.size.Load(); size > 0 && size >= q.low.Load() {
		return nil
	}
	q.ClearFlags(FlagBusy)
	waiters := q.suspended
	q.suspended = nil
	return waiters
}

func (q *Queue) unsuspend(w Waiter) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, s := range q.suspended {
		if s == w {
			q.suspended = append(q.suspended[:i], q.suspended[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func releaseList(l *list) {
	for b := l.pop(); b != nil; b = l.pop() {
		b.release()
	}
}

func resumeAll(waiters []Waiter, err error) {
	for _, w := range waiters {
		w.Resume(err)
	}
}
