// Package events fans engine events out to host subscribers.
package events

import (
	"peersync/internal/logger"
	"peersync/internal/model"
	"sync"
	"time"

	"go.uber.org/zap"
)

const subscriberBuffer = 256

type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan model.Event
	nextID int
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan model.Event)}
}

// Subscribe returns a channel of events and a function that detaches it.
func (b *Bus) Subscribe() (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
func (b *Bus) Publish(name string, payload any) {
	ev := model.Event{Name: name, At: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logger.Log.Warn("event dropped", zap.String("event", name), zap.Int("subscriber", id))
		}
	}
}

func (b *Bus) Progress(file, status string, deleted bool, percent int) {
	b.Publish(model.EventSyncProgress, model.ProgressPayload{
		File:      file,
		Status:    status,
		IsDeleted: deleted,
		Percent:   percent,
	})
}

func (b *Bus) Error(err error, file string) {
	b.Publish(model.EventSyncError, model.ErrorPayload{Message: err.Error(), File: file})
}

func (b *Bus) Conflict(paths []string) {
	b.Publish(model.EventSyncConflict, model.ConflictPayload{Paths: paths})
}

func (b *Bus) Status(uploaded, downloaded int64) {
	b.Publish(model.EventSyncStatusUpdated, model.StatusPayload{
		FilesUploaded:   uploaded,
		FilesDownloaded: downloaded,
		Timestamp:       time.Now(),
	})
}

// Close detaches every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
