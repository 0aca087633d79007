// Package metrics keeps the engine's monotonic counters and point-in-time
// gauges.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
)

type Metrics struct {
	FilesScanned      atomic.Int64
	FilesUploaded     atomic.Int64
	FilesDownloaded   atomic.Int64
	FilesDeleted      atomic.Int64
	BytesUploaded     atomic.Int64
	BytesDownloaded   atomic.Int64
	Errors            atomic.Int64
	Retries           atomic.Int64
	Conflicts         atomic.Int64
	ConflictsResolved atomic.Int64
	Corrupted         atomic.Int64

	compressIn  atomic.Int64
	compressOut atomic.Int64

	offlineQueue atomic.Int64
	dropped      atomic.Int64
	bandwidth    atomic.Uint64
	online       atomic.Bool

	mu            sync.RWMutex
	configSummary map[string]any
	openConflicts int
}

func New(configSummary map[string]any) *Metrics {
	m := &Metrics{configSummary: configSummary}
	m.online.Store(true)
	return m
}

// RecordCompression accounts one payload that went out compressed.
func (m *Metrics) RecordCompression(original, compressed int) {
	m.compressIn.Add(int64(original))
	m.compressOut.Add(int64(compressed))
}

func (m *Metrics) SetOfflineQueue(n int) {
	m.offlineQueue.Store(int64(n))
}

// SetBandwidth stores the latest throughput estimate in bytes per second.
func (m *Metrics) SetBandwidth(bps float64) {
	m.bandwidth.Store(math.Float64bits(bps))
}

func (m *Metrics) SetOnline(online bool) {
	m.online.Store(online)
}

func (m *Metrics) Online() bool {
	return m.online.Load()
}

// SetDroppedTransitions stores how many state transitions slow subscribers
// missed.
func (m *Metrics) SetDroppedTransitions(n int64) {
	m.dropped.Store(n)
}

func (m *Metrics) SetOpenConflicts(n int) {
	m.mu.Lock()
	m.openConflicts = n
	m.mu.Unlock()
}

type DetailedMetrics struct {
	FilesScanned      int64          `json:"files_scanned"`
	FilesUploaded     int64          `json:"files_uploaded"`
	FilesDownloaded   int64          `json:"files_downloaded"`
	FilesDeleted      int64          `json:"files_deleted"`
	BytesUploaded     int64          `json:"bytes_uploaded"`
	BytesDownloaded   int64          `json:"bytes_downloaded"`
	ErrorsCount       int64          `json:"errors_count"`
	RetryCount        int64          `json:"retry_count"`
	CompressionRatio  float64        `json:"compression_ratio"`
	BytesCompressed   int64          `json:"bytes_compressed"`
	CorruptedFiles    int64          `json:"corrupted_files"`
	NetworkBandwidth  float64        `json:"network_bandwidth"`
	NetworkStatus     string         `json:"network_status"`
	OfflineQueueSize  int64          `json:"offline_queue_size"`
	ConflictsCount    int64          `json:"conflicts_count"`
	ConflictsResolved int64          `json:"conflicts_resolved"`
	OpenConflicts     int            `json:"open_conflicts"`
	DroppedStates     int64          `json:"dropped_transitions"`
	ConfigSummary     map[string]any `json:"config_summary"`
}

// Snapshot reads every counter. CompressionRatio is compressed size over
// original size across compressed payloads, 1 when nothing was compressed;
// BytesCompressed is the number of bytes saved.
func (m *Metrics) Snapshot() DetailedMetrics {
	in, out := m.compressIn.Load(), m.compressOut.Load()
	ratio := 1.0
	if in > 0 {
		ratio = float64(out) / float64(in)
	}

	status := "online"
	if !m.online.Load() {
		status = "offline"
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return DetailedMetrics{
		FilesScanned:      m.FilesScanned.Load(),
		FilesUploaded:     m.FilesUploaded.Load(),
		FilesDownloaded:   m.FilesDownloaded.Load(),
		FilesDeleted:      m.FilesDeleted.Load(),
		BytesUploaded:     m.BytesUploaded.Load(),
		BytesDownloaded:   m.BytesDownloaded.Load(),
		ErrorsCount:       m.Errors.Load(),
		RetryCount:        m.Retries.Load(),
		CompressionRatio:  ratio,
		BytesCompressed:   in - out,
		CorruptedFiles:    m.Corrupted.Load(),
		NetworkBandwidth:  math.Float64frombits(m.bandwidth.Load()),
		NetworkStatus:     status,
		OfflineQueueSize:  m.offlineQueue.Load(),
		ConflictsCount:    m.Conflicts.Load(),
		ConflictsResolved: m.ConflictsResolved.Load(),
		OpenConflicts:     m.openConflicts,
		DroppedStates:     m.dropped.Load(),
		ConfigSummary:     m.configSummary,
	}
}
