// Package netmon tracks whether any peer is reachable and estimates the
// host's network throughput.
package netmon

import (
	"context"
	"math"
	"peersync/internal/logger"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/net"
	"go.uber.org/zap"
)

// Pinger asks the known peers whether they answer.
type Pinger interface {
	Ping(ctx context.Context) (online, known int)
}

type PingerFunc func(ctx context.Context) (online, known int)

func (f PingerFunc) Ping(ctx context.Context) (int, int) {
	return f(ctx)
}

const pingTimeout = 5 * time.Second

type Monitor struct {
	pinger   Pinger
	interval time.Duration
	onChange func(online bool)

	online    atomic.Bool
	bandwidth atomic.Uint64

	mu        sync.Mutex
	lastBytes uint64
	lastAt    time.Time
}

func New(pinger Pinger, interval time.Duration, onChange func(online bool)) *Monitor {
	m := &Monitor{pinger: pinger, interval: interval, onChange: onChange}
	m.online.Store(true)
	return m
}

func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Bandwidth is the latest throughput estimate in bytes per second.
func (m *Monitor) Bandwidth() float64 {
	return math.Float64frombits(m.bandwidth.Load())
}

// Check pings once and fires onChange when connectivity flipped. A node
// without known peers counts as online: there is nobody to wait for.
func (m *Monitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	answered, known := m.pinger.Ping(ctx)
	online := known == 0 || answered > 0

	if prev := m.online.Swap(online); prev != online {
		logger.Log.Info("network status changed",
			zap.Bool("online", online),
			zap.Int("peers_answering", answered),
			zap.Int("peers_known", known))

		if m.onChange != nil {
			m.onChange(online)
		}
	}

	return online
}

// Run polls until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	counters, err := net.IOCounters(false)
	if err != nil || len(counters) == 0 {
		logger.Log.Debug("bandwidth sample unavailable", zap.Error(err))
		return
	}

	total := counters[0].BytesSent + counters[0].BytesRecv
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lastAt.IsZero() && total >= m.lastBytes {
		if elapsed := now.Sub(m.lastAt).Seconds(); elapsed > 0 {
			bps := float64(total-m.lastBytes) / elapsed
			m.bandwidth.Store(math.Float64bits(bps))
		}
	}

	m.lastBytes = total
	m.lastAt = now
}
