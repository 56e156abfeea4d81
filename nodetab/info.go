package nodetab

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"unsafe"

	"github.com/najoast/nodetab/reclaim"
)

// TableInfo summarizes both tables.
type TableInfo struct {
	Nodes        int
	Dists        int
	NotConnected int
	Hidden       int
	Visible      int
	Handles      int

	PendingGC int
	Reclaimed uint64
	Revived   uint64
	GCDelay   reclaim.Delay

	// MemoryBytes is an approximation of the memory held by the records
	// and their queued buffers.
	MemoryBytes int64
}

// NodeInfo describes one node record.
type NodeInfo struct {
	Name     string
	Creation uint32
	Refc     int64
}

// DistInfo describes one dist entry.
type DistInfo struct {
	Name         string
	Channel      uint32
	Refc         int64
	Class        Class
	Status       Status
	ConnectionID uint32
	Creation     uint32
	Flags        DistFlags
	QueueSize    int64
	In           uint64
	Out          uint64
}

// Info returns counters and an approximate memory footprint of the tables.
func (r *Registry) Info() TableInfo {
	var info TableInfo

	r.nodeMu.RLock()
	info.Nodes = len(r.nodes)
	for k := range r.nodes {
		info.MemoryBytes += int64(unsafe.Sizeof(Node{})) + int64(len(k.name))
	}
	r.nodeMu.RUnlock()

	r.distMu.RLock()
	info.Dists = len(r.dists)
	info.NotConnected = r.classes.count(ClassNotConnected)
	info.Hidden = r.classes.count(ClassHidden)
	info.Visible = r.classes.count(ClassVisible)
	for name, de := range r.dists {
		info.MemoryBytes += int64(unsafe.Sizeof(DistEntry{})) + int64(len(name)) + de.queue.Size()
	}
	r.distMu.RUnlock()

	info.Handles = r.handles.Size()
	info.PendingGC = r.gc.Pending()
	info.Reclaimed = r.gc.Reclaimed()
	info.Revived = r.gc.Revived()
	info.GCDelay = r.gc.Delay()
	return info
}

// Nodes returns a snapshot of the node table sorted by name and creation.
func (r *Registry) Nodes() []NodeInfo {
	r.nodeMu.RLock()
	out := make([]NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, NodeInfo{Name: n.name, Creation: n.creation, Refc: n.refc.load()})
	}
	r.nodeMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Creation < out[j].Creation
	})
	return out
}

// Dists returns a snapshot of the dist table sorted by name.
func (r *Registry) Dists() []DistInfo {
	r.distMu.RLock()
	entries := make([]*DistEntry, 0, len(r.dists))
	for _, de := range r.dists {
		entries = append(entries, de)
	}
	r.distMu.RUnlock()

	// Entry locks come first in the lock order, so they are only taken
	// after the table lock has been dropped.
	out := make([]DistInfo, 0, len(entries))
	for _, de := range entries {
		de.mu.RLock()
		di := DistInfo{
			Name:         de.name,
			Channel:      de.channel,
			Refc:         de.refc.load(),
			Class:        classOf(de.status, de.flags),
			Status:       de.status,
			ConnectionID: de.connID,
			Creation:     de.creation,
			Flags:        de.flags,
		}
		de.mu.RUnlock()
		di.QueueSize = de.queue.Size()
		di.In = de.queue.In()
		di.Out = de.queue.Out()
		out = append(out, di)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dump writes a human readable listing of both tables to w.
func (r *Registry) Dump(w io.Writer) error {
	nodes := r.Nodes()
	dists := r.Dists()
	this := r.ThisNode()

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Node table (%d entries), local node %s\n", len(nodes), this)
	fmt.Fprintln(tw, "NAME\tCREATION\tREFC")
	for _, n := range nodes {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", n.Name, n.Creation, n.Refc)
	}
	fmt.Fprintln(tw)

	fmt.Fprintf(tw, "Dist table (%d entries)\n", len(dists))
	fmt.Fprintln(tw, "NAME\tCHANNEL\tREFC\tCLASS\tSTATUS\tCONN\tCREATION\tFLAGS\tQUEUED\tIN\tOUT")
	for _, d := range dists {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%d\t%d\t%s\t%d\t%d\t%d\n",
			d.Name, d.Channel, d.Refc, d.Class, d.Status, d.ConnectionID,
			d.Creation, d.Flags, d.QueueSize, d.In, d.Out)
	}
	return tw.Flush()
}
