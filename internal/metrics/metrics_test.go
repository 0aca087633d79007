package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshot(t *testing.T) {
	m := New(map[string]any{"enable_compression": true})

	snap := m.Snapshot()
	assert.Equal(t, 1.0, snap.CompressionRatio)
	assert.Equal(t, "online", snap.NetworkStatus)
	assert.Equal(t, true, snap.ConfigSummary["enable_compression"])

	m.FilesUploaded.Add(3)
	m.Errors.Add(1)
	m.RecordCompression(1000, 250)
	m.RecordCompression(1000, 750)
	m.SetOnline(false)
	m.SetOfflineQueue(4)
	m.SetBandwidth(1250.5)
	m.SetOpenConflicts(2)
	m.SetDroppedTransitions(5)

	snap = m.Snapshot()
	assert.Equal(t, int64(3), snap.FilesUploaded)
	assert.Equal(t, int64(1), snap.ErrorsCount)
	assert.Equal(t, 0.5, snap.CompressionRatio)
	assert.Equal(t, int64(1000), snap.BytesCompressed)
	assert.Equal(t, "offline", snap.NetworkStatus)
	assert.Equal(t, int64(4), snap.OfflineQueueSize)
	assert.Equal(t, 1250.5, snap.NetworkBandwidth)
	assert.Equal(t, 2, snap.OpenConflicts)
	assert.Equal(t, int64(5), snap.DroppedStates)
}
