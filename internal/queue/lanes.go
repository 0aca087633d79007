// Package queue decides when changed paths are synced: three priority
// lanes with a pending set, per-path debouncing and the offline FIFO.
package queue

import (
	"peersync/internal/model"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// Lanes holds paths waiting for a sync pass. A path is pending from Push
// until Done; pushing it again meanwhile only re-queues it after Done when
// it was already taken for execution.
type Lanes struct {
	mu      sync.Mutex
	lanes   [3][]string
	queued  mapset.Set[string]
	running mapset.Set[string]
	again   map[string]model.Priority
}

func NewLanes() *Lanes {
	return &Lanes{
		queued:  mapset.NewThreadUnsafeSet[string](),
		running: mapset.NewThreadUnsafeSet[string](),
		again:   make(map[string]model.Priority),
	}
}

// Push queues path and reports whether it was added.
func (l *Lanes) Push(path string, prio model.Priority) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	prio = clamp(prio)

	if l.queued.Contains(path) {
		return false
	}

	if l.running.Contains(path) {
		if old, ok := l.again[path]; !ok || prio < old {
			l.again[path] = prio
		}
		return false
	}

	l.queued.Add(path)
	l.lanes[prio] = append(l.lanes[prio], path)
	return true
}

// Drain takes every path from High down to lowest, highest lane first.
func (l *Lanes) Drain(lowest model.Priority) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []string
	for p := model.PriorityHigh; p <= clamp(lowest); p++ {
		for _, path := range l.lanes[p] {
			l.take(path)
			out = append(out, path)
		}
		l.lanes[p] = nil
	}

	return out
}

func (l *Lanes) take(path string) {
	l.queued.Remove(path)
	l.running.Add(path)
}

// Done releases paths taken by Drain.
func (l *Lanes) Done(paths ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, path := range paths {
		l.running.Remove(path)

		if prio, ok := l.again[path]; ok {
			delete(l.again, path)
			l.queued.Add(path)
			l.lanes[prio] = append(l.lanes[prio], path)
		}
	}
}

func (l *Lanes) Len(prio model.Priority) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes[clamp(prio)])
}

func (l *Lanes) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queued.Cardinality()
}

func clamp(p model.Priority) model.Priority {
	return min(max(p, model.PriorityHigh), model.PriorityLow)
}
