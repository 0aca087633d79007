package metalog

import (
	"maps"
	"sync"
)

// Cursor maps an author to the highest sequence number seen from it.
type Cursor map[string]uint64

// Clock is a concurrency-safe Cursor merged like a vector clock.
type Clock struct {
	mu   sync.RWMutex
	seqs Cursor
}

func NewClock() *Clock {
	return &Clock{seqs: make(Cursor)}
}

func (c *Clock) Observe(author string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seqs[author] < seq {
		c.seqs[author] = seq
	}
}

func (c *Clock) Merge(other Cursor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range other {
		if c.seqs[k] < v {
			c.seqs[k] = v
		}
	}
}

func (c *Clock) Get(author string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.seqs[author]
}

func (c *Clock) Snapshot() Cursor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return maps.Clone(c.seqs)
}

type Relation int

const (
	Before     Relation = -1
	Concurrent Relation = 0
	After      Relation = 1
	Equal      Relation = 2
)

// Compare orders a against b. After means a has seen everything b has and
// more; Concurrent means each side has seen something the other has not.
func Compare(a, b Cursor) Relation {
	aBehind, bBehind := false, false

	for k, av := range a {
		if av > b[k] {
			bBehind = true
		}
	}
	for k, bv := range b {
		if bv > a[k] {
			aBehind = true
		}
	}

	switch {
	case aBehind && bBehind:
		return Concurrent
	case aBehind:
		return Before
	case bBehind:
		return After
	default:
		return Equal
	}
}

// Covers reports whether a has seen every sequence recorded in b.
func (a Cursor) Covers(b Cursor) bool {
	r := Compare(a, b)
	return r == After || r == Equal
}
