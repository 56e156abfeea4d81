// Package nodetab keeps track of known peer incarnations (nodes) and of the
// connections to peers (dist entries).
//
// Records are reference counted. A record whose count drops to zero is not
// removed at once but handed to a reclaim.Reclaimer; the deletion attempt
// later re-checks the count under the table lock, so a record can be
// revived by a lookup until it is actually gone.
//
// Locks are always taken in this order:
//
//	DistEntry.mu -> node table -> dist table
//
// The link tree mutex and the outbound queue mutex are leaves.
package nodetab

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	log "github.com/sirupsen/logrus"

	"github.com/najoast/nodetab/outq"
	"github.com/najoast/nodetab/reclaim"
)

const (
	// DefaultNodeName is the local identity before SetThisNode is called.
	DefaultNodeName = "nonode@nohost"

	// InternalChannel is the channel number of the local entry.
	InternalChannel uint32 = 0

	// DefaultAtomCacheSize is the number of slots of a connection atom cache.
	DefaultAtomCacheSize = 2048
)

type localIdentity struct {
	node *Node
	dist *DistEntry
}

// Option configures a Registry.
type Option func(*Registry)

// WithReclaimer replaces the default reclaimer.
func WithReclaimer(gc *reclaim.Reclaimer) Option {
	return func(r *Registry) {
		r.gc = gc
	}
}

// WithQueueLimits sets the backpressure thresholds of new dist entries.
func WithQueueLimits(l outq.Limits) Option {
	return func(r *Registry) {
		r.limits = l
	}
}

// WithAtomCacheSize sets the slot count of atom caches.
func WithAtomCacheSize(n int) Option {
	return func(r *Registry) {
		r.atomCacheSize = n
	}
}

// Registry holds the node table and the dist table of one runtime.
type Registry struct {
	nodeMu sync.RWMutex
	nodes  map[nodeKey]*Node

	distMu  sync.RWMutex
	dists   map[string]*DistEntry
	classes classIndex

	channels    *xsync.Map[uint32, *DistEntry]
	nextChannel atomic.Uint32

	handles *xsync.Map[uuid.UUID, *Handle]

	this atomic.Pointer[localIdentity]

	gc            *reclaim.Reclaimer
	limits        outq.Limits
	atomCacheSize int
}

// New creates a registry whose local identity is DefaultNodeName with
// creation 0.
func New(opts ...Option) *Registry {
	r := &Registry{
		nodes:         make(map[nodeKey]*Node),
		dists:         make(map[string]*DistEntry),
		channels:      xsync.NewMap[uint32, *DistEntry](),
		handles:       xsync.NewMap[uuid.UUID, *Handle](),
		limits:        outq.DefaultLimits(),
		atomCacheSize: DefaultAtomCacheSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.gc == nil {
		r.gc = reclaim.New()
	}
	if r.limits.Validate() != nil {
		r.limits = outq.DefaultLimits()
	}
	if r.atomCacheSize <= 0 {
		r.atomCacheSize = DefaultAtomCacheSize
	}

	r.SetThisNode(DefaultNodeName, 0)
	return r
}

// Reclaimer returns the reclaimer deleting unreferenced records.
func (r *Registry) Reclaimer() *reclaim.Reclaimer {
	return r.gc
}

// QueueLimits returns the thresholds applied to new dist entries.
func (r *Registry) QueueLimits() outq.Limits {
	r.distMu.RLock()
	defer r.distMu.RUnlock()
	return r.limits
}

// SetQueueLimits changes the thresholds of every existing and future entry.
func (r *Registry) SetQueueLimits(l outq.Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}

	r.distMu.Lock()
	r.limits = l
	entries := make([]*DistEntry, 0, len(r.dists))
	for _, de := range r.dists {
		entries = append(entries, de)
	}
	r.distMu.Unlock()

	for _, de := range entries {
		if err := de.queue.SetLimits(l); err != nil {
			return err
		}
	}
	return nil
}

// FindOrInsertNode returns the node (name, creation) with an added
// reference, creating it if needed. A node waiting for deletion is revived.
func (r *Registry) FindOrInsertNode(name string, creation uint32) *Node {
	key := nodeKey{name: name, creation: creation}

	r.nodeMu.RLock()
	n := r.nodes[key]
	if n != nil {
		n.refc.inc()
	}
	r.nodeMu.RUnlock()
	if n != nil {
		return n
	}

	r.nodeMu.Lock()
	defer r.nodeMu.Unlock()

	if n = r.nodes[key]; n != nil {
		n.refc.inc()
		return n
	}

	n = &Node{
		name:     name,
		creation: creation,
		dist:     r.FindOrInsertDist(name),
	}
	n.refc.init(1)
	r.nodes[key] = n
	return n
}

// LookupNode returns the node (name, creation) with an added reference.
// Nodes waiting for deletion are not returned.
func (r *Registry) LookupNode(name string, creation uint32) (*Node, bool) {
	r.nodeMu.RLock()
	defer r.nodeMu.RUnlock()

	n := r.nodes[nodeKey{name: name, creation: creation}]
	if n == nil || !n.refc.tryInc() {
		return nil, false
	}
	return n, true
}

// RefNode adds a reference to a node the caller already holds.
func (r *Registry) RefNode(n *Node) *Node {
	n.refc.inc()
	return n
}

// ReleaseNode drops a reference. The last release schedules deletion.
func (r *Registry) ReleaseNode(n *Node) {
	if n.refc.dec() != 0 {
		return
	}
	gen := n.gen.Add(1)
	r.gc.Schedule(func() bool {
		return r.tryDeleteNode(n, gen)
	})
}

func (r *Registry) tryDeleteNode(n *Node, gen uint64) bool {
	r.nodeMu.Lock()
	if n.refc.load() != 0 || n.gen.Load() != gen || r.nodes[n.key()] != n {
		r.nodeMu.Unlock()
		return false
	}
	delete(r.nodes, n.key())
	r.nodeMu.Unlock()

	log.WithField("caller", "nodetab").Debugf("Deleted node %s", n)
	r.ReleaseDist(n.dist)
	return true
}

// SetThisNode replaces the local identity. The previous local node and
// entry lose the references held on them by the identity.
func (r *Registry) SetThisNode(name string, creation uint32) {
	n := r.FindOrInsertNode(name, creation)
	de := r.RefDist(n.dist)

	de.mu.Lock()
	de.creation = creation
	de.mu.Unlock()

	old := r.this.Swap(&localIdentity{node: n, dist: de})
	r.channels.Store(InternalChannel, de)

	log.WithField("caller", "nodetab").Infof("Local node is %s", n)

	if old != nil {
		r.ReleaseDist(old.dist)
		r.ReleaseNode(old.node)
	}
}

// ThisNode returns the local node without adding a reference.
func (r *Registry) ThisNode() *Node {
	return r.this.Load().node
}

// ThisDistEntry returns the local entry without adding a reference.
func (r *Registry) ThisDistEntry() *DistEntry {
	return r.this.Load().dist
}

// NodeTableSize returns the number of node records, including records
// waiting for deletion.
func (r *Registry) NodeTableSize() int {
	r.nodeMu.RLock()
	defer r.nodeMu.RUnlock()
	return len(r.nodes)
}

// DistTableSize returns the number of dist entries, including entries
// waiting for deletion.
func (r *Registry) DistTableSize() int {
	r.distMu.RLock()
	defer r.distMu.RUnlock()
	return len(r.dists)
}

// DelayedGC deletes every unreferenced record whose grace period elapsed.
func (r *Registry) DelayedGC() int {
	return r.gc.Sweep()
}

// ForceGC deletes every unreferenced record at once.
func (r *Registry) ForceGC() int {
	return r.gc.ForceSweep()
}
