package nodetab

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/najoast/nodetab/outq"
)

// Status holds the connection state bits of a DistEntry.
type Status uint32

const (
	// StatusConnected is set while a connection is established.
	StatusConnected Status = 1 << iota

	// StatusExiting is set while a connection is being torn down. It
	// supersedes StatusConnected.
	StatusExiting
)

// Has reports whether all bits of o are set.
func (s Status) Has(o Status) bool {
	return s&o == o
}

func (s Status) String() string {
	switch {
	case s.Has(StatusExiting):
		return "exiting"
	case s.Has(StatusConnected):
		return "connected"
	default:
		return "not_connected"
	}
}

// DistFlags are the capabilities negotiated with a peer.
type DistFlags uint64

const (
	// FlagPublished marks a visible connection. Connections without it are
	// hidden from membership queries.
	FlagPublished DistFlags = 1 << iota
	// FlagAtomCache enables the per-connection atom cache.
	FlagAtomCache
	FlagExtendedReferences
	FlagDistMonitor
	FlagFunTags
	FlagNewFunTags
	FlagExtendedPidsPorts
	FlagUTF8Atoms
	FlagBigCreation
)

var distFlagNames = []struct {
	f    DistFlags
	name string
}{
	{FlagPublished, "published"},
	{FlagAtomCache, "atom_cache"},
	{FlagExtendedReferences, "extended_references"},
	{FlagDistMonitor, "dist_monitor"},
	{FlagFunTags, "fun_tags"},
	{FlagNewFunTags, "new_fun_tags"},
	{FlagExtendedPidsPorts, "extended_pids_ports"},
	{FlagUTF8Atoms, "utf8_atoms"},
	{FlagBigCreation, "big_creation"},
}

// Has reports whether all bits of o are set.
func (f DistFlags) Has(o DistFlags) bool {
	return f&o == o
}

func (f DistFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, fn := range distFlagNames {
		if f&fn.f != 0 {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}

// Controller is the opaque owner of a connection, usually the process or
// port driving it.
type Controller interface{}

// Sender transmits finalized payloads for one connection.
type Sender interface {
	Send(data []byte) (int, error)
}

// Trees are the opaque link and monitor trees of a connection. They are only
// accessed through DistEntry.WithTrees.
type Trees struct {
	Links     interface{}
	NodeLinks interface{}
	Monitors  interface{}
}

// Empty reports whether no tree is attached.
func (t Trees) Empty() bool {
	return t.Links == nil && t.NodeLinks == nil && t.Monitors == nil
}

// ConnectInfo describes a newly established connection.
type ConnectInfo struct {
	ConnectionID uint32
	Creation     uint32
	Flags        DistFlags
	Version      uint32
	Controller   Controller
	Sender       Sender
}

type inputHolder struct {
	h interface{}
}

// DistEntry is the connection record of a peer name. It exists independently
// of which incarnation of the peer is attached.
type DistEntry struct {
	name    string
	channel uint32

	refc refcount
	gen  atomic.Uint64

	// mu protects the connection state below.
	mu         sync.RWMutex
	creation   uint32
	connID     uint32
	status     Status
	flags      DistFlags
	version    uint32
	controller Controller
	sender     Sender
	cache      *AtomCache

	nextConnID atomic.Uint32
	input      atomic.Pointer[inputHolder]

	linksMu sync.Mutex
	trees   Trees

	queue *outq.Queue

	// Guarded by the dist table lock.
	class Class
	prev  *DistEntry
	next  *DistEntry
}

func newDistEntry(name string, channel uint32, limits outq.Limits) *DistEntry {
	return &DistEntry{
		name:    name,
		channel: channel,
		queue:   outq.New(limits),
		class:   classNone,
	}
}

// Name returns the peer name.
func (de *DistEntry) Name() string {
	return de.name
}

// Channel returns the channel number assigned at creation.
func (de *DistEntry) Channel() uint32 {
	return de.channel
}

// Refc returns the current reference count.
func (de *DistEntry) Refc() int64 {
	return de.refc.load()
}

// Queue returns the outbound queue.
func (de *DistEntry) Queue() *outq.Queue {
	return de.queue
}

// Creation returns the creation of the connected incarnation.
func (de *DistEntry) Creation() uint32 {
	de.mu.RLock()
	defer de.mu.RUnlock()
	return de.creation
}

// ConnectionID returns the id of the current or last connection.
func (de *DistEntry) ConnectionID() uint32 {
	de.mu.RLock()
	defer de.mu.RUnlock()
	return de.connID
}

// Status returns the connection state.
func (de *DistEntry) Status() Status {
	de.mu.RLock()
	defer de.mu.RUnlock()
	return de.status
}

// Flags returns the negotiated distribution flags.
func (de *DistEntry) Flags() DistFlags {
	de.mu.RLock()
	defer de.mu.RUnlock()
	return de.flags
}

// Version returns the negotiated protocol version.
func (de *DistEntry) Version() uint32 {
	de.mu.RLock()
	defer de.mu.RUnlock()
	return de.version
}

// Controller returns the owner of the current connection, or nil.
func (de *DistEntry) Controller() Controller {
	de.mu.RLock()
	defer de.mu.RUnlock()
	return de.controller
}

// Sender returns the transport of the current connection, or nil.
func (de *DistEntry) Sender() Sender {
	de.mu.RLock()
	defer de.mu.RUnlock()
	return de.sender
}

// AtomCache returns the atom cache of the current connection, or nil when
// none was negotiated.
func (de *DistEntry) AtomCache() *AtomCache {
	de.mu.RLock()
	defer de.mu.RUnlock()
	return de.cache
}

// SetInputHandler stores the handler receiving input from the connection.
// It may be called without holding any lock.
func (de *DistEntry) SetInputHandler(h interface{}) {
	if h == nil {
		de.input.Store(nil)
		return
	}
	de.input.Store(&inputHolder{h: h})
}

// InputHandler returns the current input handler, or nil.
func (de *DistEntry) InputHandler() interface{} {
	if p := de.input.Load(); p != nil {
		return p.h
	}
	return nil
}

// WithTrees runs fn with exclusive access to the link and monitor trees.
// fn must not call back into the registry.
func (de *DistEntry) WithTrees(fn func(t *Trees)) {
	de.linksMu.Lock()
	defer de.linksMu.Unlock()
	fn(&de.trees)
}

// TakeTrees detaches and returns every tree.
func (de *DistEntry) TakeTrees() Trees {
	de.linksMu.Lock()
	defer de.linksMu.Unlock()
	t := de.trees
	de.trees = Trees{}
	return t
}

// Enqueue queues data for the connection identified by connID. It fails
// with ErrNotConnected when that connection is no longer current, so a
// message never leaks onto a later connection.
func (de *DistEntry) Enqueue(connID uint32, data []byte) (busy bool, err error) {
	de.mu.RLock()
	defer de.mu.RUnlock()

	if de.status == 0 || de.connID != connID {
		return false, fmt.Errorf("%w: %s (connection %d)", ErrNotConnected, de.name, connID)
	}
	return de.queue.Enqueue(outq.NewBuffer(data))
}

// Flush finalizes everything queued with enc and hands it to the sender of
// the current connection. The entry lock is not held while sending.
func (de *DistEntry) Flush(enc outq.Encoder) (int, error) {
	s := de.Sender()
	if s == nil {
		return 0, fmt.Errorf("%w: %s", ErrNotConnected, de.name)
	}
	if _, err := de.queue.FinalizeBatch(enc); err != nil {
		return 0, err
	}
	return de.queue.Drain(s.Send)
}

// Class returns the classification list the entry currently belongs to.
func (de *DistEntry) Class() Class {
	de.mu.RLock()
	defer de.mu.RUnlock()
	return classOf(de.status, de.flags)
}

func (de *DistEntry) String() string {
	return de.name
}
