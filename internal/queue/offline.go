package queue

import (
	"peersync/internal/model"
	"sync"
)

// Offline buffers operations while no peer is reachable. Order is
// preserved and a path holds at most one operation: a later one replaces
// the earlier in place, whatever its kind.
type Offline struct {
	mu  sync.Mutex
	ops []model.SyncOperation
	idx map[string]int
}

func NewOffline() *Offline {
	return &Offline{idx: make(map[string]int)}
}

// Push appends op and reports whether it was new.
func (o *Offline) Push(op model.SyncOperation) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if i, ok := o.idx[op.Path]; ok {
		o.ops[i] = op
		return false
	}

	o.idx[op.Path] = len(o.ops)
	o.ops = append(o.ops, op)
	return true
}

// Drain empties the queue and returns its operations oldest first.
func (o *Offline) Drain() []model.SyncOperation {
	o.mu.Lock()
	defer o.mu.Unlock()

	ops := o.ops
	o.ops = nil
	o.idx = make(map[string]int)
	return ops
}

func (o *Offline) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ops)
}
