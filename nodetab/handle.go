package nodetab

import (
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Handle is an externally visible token for a DistEntry. It carries its own
// reference count; the entry stays referenced until the last handle
// reference is released.
type Handle struct {
	token uuid.UUID
	entry *DistEntry
	refc  refcount
}

// Token returns the opaque identifier of the handle.
func (h *Handle) Token() uuid.UUID {
	return h.token
}

// Entry returns the referenced entry.
func (h *Handle) Entry() *DistEntry {
	return h.entry
}

// Retain adds a reference to the handle.
func (h *Handle) Retain() *Handle {
	h.refc.inc()
	return h
}

// Refc returns the handle reference count.
func (h *Handle) Refc() int64 {
	return h.refc.load()
}

func (h *Handle) String() string {
	return fmt.Sprintf("#DistHandle<%s:%s>", h.entry.name, h.token)
}

// MakeHandle creates a handle for de. The handle takes its own reference on
// the entry; the caller's reference is untouched.
func (r *Registry) MakeHandle(de *DistEntry) *Handle {
	h := &Handle{
		token: uuid.New(),
		entry: r.RefDist(de),
	}
	h.refc.init(1)
	r.handles.Store(h.token, h)
	return h
}

// ResolveHandle maps a token back to its entry. The entry is not referenced
// again; it stays valid while the caller holds the handle.
func (r *Registry) ResolveHandle(token uuid.UUID) (*DistEntry, bool) {
	h, ok := r.handles.Load(token)
	if !ok || h.refc.load() == 0 {
		return nil, false
	}
	return h.entry, true
}

// ReleaseHandle drops a handle reference. The last release forgets the token
// and releases the entry.
func (r *Registry) ReleaseHandle(h *Handle) {
	if h.refc.dec() != 0 {
		return
	}
	r.handles.Delete(h.token)
	log.WithField("caller", "nodetab").Debugf("Released %s", h)
	r.ReleaseDist(h.entry)
}

// HandleCount returns the number of live handles.
func (r *Registry) HandleCount() int {
	return r.handles.Size()
}
