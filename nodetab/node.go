package nodetab

import (
	"fmt"
	"sync/atomic"
)

type nodeKey struct {
	name     string
	creation uint32
}

// Node is one incarnation of a named peer. Two nodes with the same name but
// different creation are distinct records sharing one DistEntry.
type Node struct {
	name     string
	creation uint32
	dist     *DistEntry

	refc refcount
	gen  atomic.Uint64
}

// Name returns the node name.
func (n *Node) Name() string {
	return n.name
}

// Creation returns the incarnation number.
func (n *Node) Creation() uint32 {
	return n.creation
}

// Dist returns the connection entry of the node. The node holds a reference
// on it for as long as the node itself exists.
func (n *Node) Dist() *DistEntry {
	return n.dist
}

// Refc returns the current reference count.
func (n *Node) Refc() int64 {
	return n.refc.load()
}

func (n *Node) key() nodeKey {
	return nodeKey{name: n.name, creation: n.creation}
}

func (n *Node) String() string {
	return fmt.Sprintf("%s/%d", n.name, n.creation)
}
