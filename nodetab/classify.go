package nodetab

// Class is the classification list a DistEntry belongs to.
type Class int

const (
	ClassNotConnected Class = iota
	ClassHidden
	ClassVisible

	numClasses
	classNone Class = -1
)

func (c Class) String() string {
	switch c {
	case ClassNotConnected:
		return "not_connected"
	case ClassHidden:
		return "hidden"
	case ClassVisible:
		return "visible"
	default:
		return "none"
	}
}

// classOf derives the classification from the connection state.
func classOf(s Status, f DistFlags) Class {
	switch {
	case s == 0:
		return ClassNotConnected
	case f.Has(FlagPublished):
		return ClassVisible
	default:
		return ClassHidden
	}
}

// classList is an intrusive doubly linked list threaded through
// DistEntry.prev/next.
type classList struct {
	head *DistEntry
	n    int
}

func (l *classList) pushFront(de *DistEntry) {
	de.prev = nil
	de.next = l.head
	if l.head != nil {
		l.head.prev = de
	}
	l.head = de
	l.n++
}

func (l *classList) remove(de *DistEntry) {
	if de.prev != nil {
		de.prev.next = de.next
	} else {
		l.head = de.next
	}
	if de.next != nil {
		de.next.prev = de.prev
	}
	de.prev, de.next = nil, nil
	l.n--
}

func (l *classList) length() int {
	n := 0
	for de := l.head; de != nil; de = de.next {
		n++
	}
	return n
}

// classIndex holds the three lists. Every method must be called with the
// dist table lock held for writing, except snapshot and counts which need
// it for reading.
type classIndex struct {
	lists [numClasses]classList
}

func (ci *classIndex) insert(de *DistEntry, c Class) {
	assert(de.class == classNone, "entry %s already classified as %s", de.name, de.class)
	ci.lists[c].pushFront(de)
	de.class = c
}

func (ci *classIndex) move(de *DistEntry, c Class) {
	if de.class == c {
		return
	}
	if de.class != classNone {
		ci.lists[de.class].remove(de)
	}
	de.class = classNone
	ci.insert(de, c)
}

func (ci *classIndex) delete(de *DistEntry) {
	if de.class == classNone {
		return
	}
	ci.lists[de.class].remove(de)
	de.class = classNone
}

func (ci *classIndex) count(c Class) int {
	return ci.lists[c].n
}

func (ci *classIndex) snapshot(c Class) []*DistEntry {
	out := make([]*DistEntry, 0, ci.lists[c].n)
	for de := ci.lists[c].head; de != nil; de = de.next {
		out = append(out, de)
	}
	return out
}

// verify checks that every counter matches its list and that every entry is
// on the list named by its class. It is a no-op outside debug builds.
func (ci *classIndex) verify() {
	if !debugChecks {
		return
	}
	for c := Class(0); c < numClasses; c++ {
		l := &ci.lists[c]
		assert(l.length() == l.n, "%s list has %d entries, counter says %d", c, l.length(), l.n)
		for de := l.head; de != nil; de = de.next {
			assert(de.class == c, "entry %s on %s list but classified %s", de.name, c, de.class)
		}
	}
}

// ClassCounts is the number of entries per classification.
type ClassCounts struct {
	NotConnected int
	Hidden       int
	Visible      int
}

// ClassCounts returns the classification counters.
func (r *Registry) ClassCounts() ClassCounts {
	r.distMu.RLock()
	defer r.distMu.RUnlock()
	return ClassCounts{
		NotConnected: r.classes.count(ClassNotConnected),
		Hidden:       r.classes.count(ClassHidden),
		Visible:      r.classes.count(ClassVisible),
	}
}

// Connected returns the entries currently in class c, most recently moved
// first. The entries are not referenced; use RefDist to keep one.
func (r *Registry) Connected(c Class) []*DistEntry {
	if c < 0 || c >= numClasses {
		return nil
	}
	r.distMu.RLock()
	defer r.distMu.RUnlock()
	return r.classes.snapshot(c)
}
