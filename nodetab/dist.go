package nodetab

import (
	log "github.com/sirupsen/logrus"

	"github.com/najoast/nodetab/outq"
)

// FindOrInsertDist returns the entry for name with an added reference,
// creating a not-connected entry if needed.
func (r *Registry) FindOrInsertDist(name string) *DistEntry {
	r.distMu.RLock()
	de := r.dists[name]
	if de != nil {
		de.refc.inc()
	}
	r.distMu.RUnlock()
	if de != nil {
		return de
	}

	r.distMu.Lock()
	defer r.distMu.Unlock()

	if de = r.dists[name]; de != nil {
		de.refc.inc()
		return de
	}

	de = newDistEntry(name, r.allocChannel(), r.limits)
	de.refc.init(1)
	r.dists[name] = de
	r.classes.insert(de, ClassNotConnected)
	r.classes.verify()
	r.channels.Store(de.channel, de)
	return de
}

// FindDist returns the entry for name with an added reference. Entries
// waiting for deletion are not returned.
func (r *Registry) FindDist(name string) (*DistEntry, bool) {
	r.distMu.RLock()
	defer r.distMu.RUnlock()

	de := r.dists[name]
	if de == nil || !de.refc.tryInc() {
		return nil, false
	}
	return de, true
}

// FindConnected returns the entry for name with an added reference if it
// is connected. The local name always resolves to the local entry.
func (r *Registry) FindConnected(name string) (*DistEntry, bool) {
	if this := r.ThisDistEntry(); this.name == name {
		return r.RefDist(this), true
	}

	de, ok := r.FindDist(name)
	if !ok {
		return nil, false
	}
	if !de.Status().Has(StatusConnected) {
		r.ReleaseDist(de)
		return nil, false
	}
	return de, true
}

// ChannelToEntry resolves a channel number with an added reference.
// InternalChannel resolves to the local entry.
func (r *Registry) ChannelToEntry(ch uint32) (*DistEntry, bool) {
	de, ok := r.channels.Load(ch)
	if !ok || !de.refc.tryInc() {
		return nil, false
	}
	return de, true
}

// RefDist adds a reference to an entry the caller already holds.
func (r *Registry) RefDist(de *DistEntry) *DistEntry {
	n := de.refc.inc()
	assert(n > 1, "RefDist revived unreferenced entry %s", de.name)
	return de
}

// ReleaseDist drops a reference. The last release schedules deletion.
func (r *Registry) ReleaseDist(de *DistEntry) {
	if de.refc.dec() != 0 {
		return
	}
	gen := de.gen.Add(1)
	r.gc.Schedule(func() bool {
		return r.tryDeleteDist(de, gen)
	})
}

func (r *Registry) tryDeleteDist(de *DistEntry, gen uint64) bool {
	r.distMu.Lock()
	if de.refc.load() != 0 || de.gen.Load() != gen || r.dists[de.name] != de {
		r.distMu.Unlock()
		return false
	}
	delete(r.dists, de.name)
	r.classes.delete(de)
	r.classes.verify()
	r.channels.Delete(de.channel)
	r.distMu.Unlock()

	assert(de.Status() == 0, "deleting connected entry %s", de.name)
	de.queue.Close(nil)
	log.WithField("caller", "nodetab").Debugf("Deleted dist entry %s", de.name)
	return true
}

func (r *Registry) allocChannel() uint32 {
	ch := r.nextChannel.Add(1)
	if ch == InternalChannel {
		ch = r.nextChannel.Add(1)
	}
	return ch
}

// NextConnectionID returns a connection id greater than any id used on de
// so far, for transports that do not negotiate ids themselves.
func (r *Registry) NextConnectionID(de *DistEntry) uint32 {
	return de.nextConnID.Add(1)
}

// SetConnected installs a new connection on de. It is a no-op returning
// false when info.ConnectionID is not greater than the current id.
// Connecting an entry that is already up is an invariant violation: debug
// builds panic, release builds let the newer connection replace the old one
// and discard the traffic queued for it.
func (r *Registry) SetConnected(de *DistEntry, info ConnectInfo) bool {
	logger := log.WithField("caller", "nodetab").WithField("peer", de.name)

	if de == r.ThisDistEntry() {
		logger.Warn("Refusing to connect the local entry")
		return false
	}

	de.mu.Lock()
	defer de.mu.Unlock()

	if info.ConnectionID <= de.connID {
		logger.Debugf("Stale connect %d, current is %d", info.ConnectionID, de.connID)
		return false
	}

	wasUp := de.status != 0
	if wasUp {
		assert(false, "connection %d installed over live connection %d of %s", info.ConnectionID, de.connID, de.name)
		if n := de.queue.Close(outq.ErrConnectionClosed); n > 0 {
			logger.Debugf("Discarded %d buffers of connection %d", n, de.connID)
		}
	}

	de.connID = info.ConnectionID
	for {
		cur := de.nextConnID.Load()
		if cur >= info.ConnectionID || de.nextConnID.CompareAndSwap(cur, info.ConnectionID) {
			break
		}
	}
	de.status = StatusConnected
	de.creation = info.Creation
	de.flags = info.Flags
	de.version = info.Version
	de.controller = info.Controller
	de.sender = info.Sender
	de.cache = nil
	if info.Flags.Has(FlagAtomCache) {
		de.cache = newAtomCache(r.atomCacheSize)
	}
	de.queue.Reopen()

	// The connection keeps the entry alive until SetNotConnected.
	if !wasUp {
		de.refc.inc()
	}

	r.distMu.Lock()
	r.classes.move(de, classOf(de.status, de.flags))
	r.classes.verify()
	r.distMu.Unlock()

	logger.Debugf("Connected (connection %d, flags %s)", de.connID, de.flags)
	return true
}

// SetExiting starts tearing down connection connID. Queued traffic is
// discarded from now on. It returns false if connID is not the current
// connection or the entry is not connected.
func (r *Registry) SetExiting(de *DistEntry, connID uint32) bool {
	logger := log.WithField("caller", "nodetab").WithField("peer", de.name)

	de.mu.Lock()
	defer de.mu.Unlock()

	if connID != de.connID || !de.status.Has(StatusConnected) {
		logger.Debugf("Stale exit %d, current is %d (%s)", connID, de.connID, de.status)
		return false
	}
	de.status = StatusExiting
	de.queue.MarkExit()

	logger.Debugf("Exiting (connection %d)", connID)
	return true
}

// SetNotConnected finishes connection connID: the queue is emptied, every
// suspended producer is resumed with outq.ErrConnectionClosed and the entry
// moves to the not-connected list. It returns false for a stale connID.
func (r *Registry) SetNotConnected(de *DistEntry, connID uint32) bool {
	logger := log.WithField("caller", "nodetab").WithField("peer", de.name)

	de.mu.Lock()
	if connID != de.connID || de.status == 0 {
		de.mu.Unlock()
		logger.Debugf("Stale disconnect %d, current is %d", connID, de.connID)
		return false
	}

	discarded := de.queue.Close(outq.ErrConnectionClosed)
	de.status = 0
	de.creation = 0
	de.flags = 0
	de.version = 0
	de.controller = nil
	de.sender = nil
	de.cache = nil

	r.distMu.Lock()
	r.classes.move(de, ClassNotConnected)
	r.classes.verify()
	r.distMu.Unlock()
	de.mu.Unlock()

	logger.Debugf("Not connected (connection %d, %d buffers discarded)", connID, discarded)
	r.ReleaseDist(de)
	return true
}
