package queue

import (
	"peersync/internal/model"
	"sync"
	"time"
)

// Burst classifies watcher events: once more than threshold events arrive
// inside one window, the rest of that window is treated as a bulk import.
type Burst struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	start     time.Time
	count     int
}

func NewBurst(window time.Duration, threshold int) *Burst {
	return &Burst{window: window, threshold: threshold}
}

func (b *Burst) Observe(now time.Time) model.Priority {
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.start) > b.window {
		b.start = now
		b.count = 0
	}
	b.count++

	if b.threshold > 0 && b.count > b.threshold {
		return model.PriorityLow
	}
	return model.PriorityMedium
}
