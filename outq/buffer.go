package outq

// Buffer is one encoded distribution message waiting for transmission.
// Buffers are singly linked while queued.
type Buffer struct {
	guard
	next *Buffer
	data []byte
}

// NewBuffer wraps data in a queueable buffer.
func NewBuffer(data []byte) *Buffer {
	b := &Buffer{data: data}
	b.arm()
	return b
}

// Bytes returns the payload.
func (b *Buffer) Bytes() []byte {
	b.check()
	return b.data
}

// Len returns the payload length.
func (b *Buffer) Len() int {
	return len(b.data)
}

// release verifies the guard and poisons the buffer. A second release of the
// same buffer panics in debug builds.
func (b *Buffer) release() {
	b.check()
	b.poison()
	b.next = nil
	b.data = nil
}

// list is a FIFO of buffers.
type list struct {
	first *Buffer
	last  *Buffer
	n     int
	bytes int64
}

func (l *list) push(b *Buffer) {
	b.next = nil
	if l.last == nil {
		l.first = b
	} else {
		l.last.next = b
	}
	l.last = b
	l.n++
	l.bytes += int64(b.Len())
}

func (l *list) pushFront(b *Buffer) {
	b.next = l.first
	l.first = b
	if l.last == nil {
		l.last = b
	}
	l.n++
	l.bytes += int64(b.Len())
}

func (l *list) pop() *Buffer {
	b := l.first
	if b == nil {
		return nil
	}
	l.first = b.next
	if l.first == nil {
		l.last = nil
	}
	b.next = nil
	l.n--
	l.bytes -= int64(b.Len())
	return b
}

// splice moves every buffer of o to the tail of l.
func (l *list) splice(o *list) {
	if o.first == nil {
		return
	}
	if l.last == nil {
		l.first = o.first
	} else {
		l.last.next = o.first
	}
	l.last = o.last
	l.n += o.n
	l.bytes += o.bytes
	*o = list{}
}

// take detaches and returns the whole list.
func (l *list) take() list {
	t := *l
	*l = list{}
	return t
}

func (l *list) empty() bool {
	return l.first == nil
}
