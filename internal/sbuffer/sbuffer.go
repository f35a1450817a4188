// Package sbuffer implements the Shared Buffer: an ordered, bounded
// lifetime, two-reader fan-out queue with close/drain semantics.
//
// A measurement inserted before Close is delivered exactly once to each
// of the two named reader positions, in insertion order per reader.
// There is no ordering guarantee across readers. Internally the buffer
// is a singly linked list with per-node read-flags, protected by a
// single mutex and a single condition variable; a node is alive iff at
// least one reader has not yet consumed it.
package sbuffer

import (
	"errors"
	"sync"

	"github.com/sensorgateway/gateway/internal/measurement"
)

// Reader names the two fixed consumer positions. It is a closed set, not
// a dynamic list, so per-node read state is two booleans rather than a
// map or slice.
type Reader int

const (
	ReaderDM Reader = iota
	ReaderSM

	numReaders = 2
)

func (r Reader) String() string {
	switch r {
	case ReaderDM:
		return "DM"
	case ReaderSM:
		return "SM"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Insert once the buffer has been closed.
var ErrClosed = errors.New("sbuffer: closed")

type node struct {
	data   measurement.Measurement
	readBy [numReaders]bool
	next   *node
}

func (n *node) read(r Reader) bool { return n.readBy[r] }
func (n *node) markRead(r Reader)  { n.readBy[r] = true }
func (n *node) fullyRead() bool    { return n.readBy[ReaderDM] && n.readBy[ReaderSM] }

// Buffer is the Shared Buffer. The zero value is not usable; use New.
type Buffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	head   *node
	tail   *node
	closed bool
}

// New returns a new, empty, open buffer.
func New() *Buffer {
	b := &Buffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Insert appends m at the tail. It fails with ErrClosed if the buffer has
// already been closed; no new node is ever inserted after that point.
func (b *Buffer) Insert(m measurement.Measurement) error {
	n := &node{data: m}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	if b.tail == nil {
		b.head = n
		b.tail = n
	} else {
		b.tail.next = n
		b.tail = n
	}

	b.cond.Broadcast()
	return nil
}

// Remove returns the oldest measurement not yet consumed by reader. If
// none exists and the buffer is open, it blocks until one is inserted or
// the buffer is closed. If none exists and the buffer is closed, it
// returns ok == false (the END indication).
func (b *Buffer) Remove(reader Reader) (m measurement.Measurement, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		b.gcLocked()

		if n := b.findOldestUnreadLocked(reader); n != nil {
			n.markRead(reader)
			b.gcLocked()
			return n.data, true
		}

		if b.closed {
			return measurement.Measurement{}, false
		}

		b.cond.Wait()
	}
}

// Close transitions the buffer to closed and wakes all waiters. It is
// idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.cond.Broadcast()
}

// Free releases all remaining nodes. The caller must ensure there are no
// concurrent producers or consumers left.
func (b *Buffer) Free() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.head = nil
	b.tail = nil
}

func (b *Buffer) gcLocked() {
	for b.head != nil && b.head.fullyRead() {
		b.head = b.head.next
	}
	if b.head == nil {
		b.tail = nil
	}
}

func (b *Buffer) findOldestUnreadLocked(reader Reader) *node {
	for n := b.head; n != nil; n = n.next {
		if !n.read(reader) {
			return n
		}
	}
	return nil
}
