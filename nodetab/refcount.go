package nodetab

import (
	"math"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// refcount is a signed reference counter. Decrementing below zero or
// incrementing past math.MaxInt64 is fatal.
type refcount struct {
	n atomic.Int64
}

func (r *refcount) load() int64 {
	return r.n.Load()
}

func (r *refcount) init(v int64) {
	r.n.Store(v)
}

// inc adds a reference. Taking a record from zero back to one (revival) is
// only legal while the owning table lock is held.
func (r *refcount) inc() int64 {
	for {
		old := r.n.Load()
		if old == math.MaxInt64 {
			log.WithField("caller", "nodetab").Error("Reference count overflow")
			panic(ErrRefcountOverflow)
		}
		if r.n.CompareAndSwap(old, old+1) {
			return old + 1
		}
	}
}

// tryInc adds a reference unless the count is zero.
func (r *refcount) tryInc() bool {
	for {
		old := r.n.Load()
		if old <= 0 {
			return false
		}
		if old == math.MaxInt64 {
			log.WithField("caller", "nodetab").Error("Reference count overflow")
			panic(ErrRefcountOverflow)
		}
		if r.n.CompareAndSwap(old, old+1) {
			return true
		}
	}
}

// dec drops a reference and returns the new count.
func (r *refcount) dec() int64 {
	n := r.n.Add(-1)
	if n < 0 {
		r.n.Add(1)
		log.WithField("caller", "nodetab").Errorf("Reference count underflow (%d)", n)
		panic(ErrRefcountUnderflow)
	}
	return n
}
