// Package state tracks the engine lifecycle.
package state

import (
	"fmt"
	"peersync/internal/logger"
	"peersync/internal/syncerr"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Kind string

const (
	Uninitialized Kind = "uninitialized"
	Initializing  Kind = "initializing"
	Idle          Kind = "idle"
	Scanning      Kind = "scanning"
	Syncing       Kind = "syncing"
	Failed        Kind = "failed"
	Shutdown      Kind = "shutdown"
)

type State struct {
	Kind     Kind   `json:"kind"`
	Progress int    `json:"progress,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (s State) String() string {
	switch s.Kind {
	case Syncing:
		return fmt.Sprintf("syncing(%d%%)", s.Progress)
	case Failed:
		return fmt.Sprintf("failed(%s)", s.Reason)
	default:
		return string(s.Kind)
	}
}

type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// allowed lists the regular transitions. Failed and Shutdown are reachable
// from every non-terminal state.
var allowed = map[Kind][]Kind{
	Uninitialized: {Initializing},
	Initializing:  {Idle},
	Idle:          {Scanning, Syncing},
	Scanning:      {Syncing, Idle},
	Syncing:       {Syncing, Scanning, Idle},
	Failed:        {Initializing, Idle},
}

const subscriberBuffer = 128

type Machine struct {
	mu     sync.RWMutex
	cur    State
	subs   map[int]chan Transition
	nextID int

	dropped atomic.Int64
}

func NewMachine() *Machine {
	return &Machine{
		cur:  State{Kind: Uninitialized},
		subs: make(map[int]chan Transition),
	}
}

func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// To moves to a state without payload.
func (m *Machine) To(kind Kind) error {
	return m.transition(State{Kind: kind})
}

func (m *Machine) Progress(percent int) error {
	return m.transition(State{Kind: Syncing, Progress: min(max(percent, 0), 100)})
}

func (m *Machine) Fail(reason string) error {
	return m.transition(State{Kind: Failed, Reason: reason})
}

func (m *Machine) Shutdown() error {
	return m.transition(State{Kind: Shutdown})
}

func (m *Machine) transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.cur
	if !canMove(from.Kind, to.Kind) {
		return syncerr.New(syncerr.KindState, "transition", "%s -> %s is not allowed", from, to)
	}
	if from == to {
		return nil
	}

	m.cur = to
	tr := Transition{From: from, To: to, At: time.Now()}

	for id, ch := range m.subs {
		select {
		case ch <- tr:
		default:
			m.dropped.Add(1)
			logger.Log.Warn("state transition dropped", zap.Int("subscriber", id), zap.String("to", to.String()))
		}
	}

	return nil
}

func canMove(from, to Kind) bool {
	if from == Shutdown {
		return false
	}
	if to == Failed || to == Shutdown {
		return true
	}

	for _, k := range allowed[from] {
		if k == to {
			return true
		}
	}
	return false
}

// Dropped counts transitions a subscriber missed because its buffer was full.
func (m *Machine) Dropped() int64 {
	return m.dropped.Load()
}

// Subscribe returns a channel receiving every later transition. A
// subscriber that falls subscriberBuffer transitions behind misses the
// rest until it catches up; Dropped counts them.
func (m *Machine) Subscribe() (<-chan Transition, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan Transition, subscriberBuffer)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}
