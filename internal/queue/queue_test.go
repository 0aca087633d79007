package queue

import (
	"fmt"
	"peersync/internal/model"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLanesServeByPriority(t *testing.T) {
	l := NewLanes()

	require.True(t, l.Push("low-1", model.PriorityLow))
	require.True(t, l.Push("med-1", model.PriorityMedium))
	require.True(t, l.Push("high-1", model.PriorityHigh))
	require.True(t, l.Push("low-2", model.PriorityLow))
	require.True(t, l.Push("med-2", model.PriorityMedium))
	require.True(t, l.Push("high-2", model.PriorityHigh))

	assert.Equal(t, []string{"high-1", "high-2", "med-1", "med-2", "low-1", "low-2"}, l.Drain(model.PriorityLow))
}

func TestLanesPendingSet(t *testing.T) {
	l := NewLanes()

	assert.True(t, l.Push("a", model.PriorityMedium))
	assert.False(t, l.Push("a", model.PriorityHigh))
	assert.Equal(t, 1, l.Total())
	assert.Equal(t, 1, l.Len(model.PriorityMedium))

	assert.Empty(t, l.Drain(model.PriorityHigh))
	assert.Equal(t, []string{"a"}, l.Drain(model.PriorityMedium))

	// taken but not done: the change is remembered, not queued twice
	assert.False(t, l.Push("a", model.PriorityLow))
	assert.False(t, l.Push("a", model.PriorityHigh))
	assert.Zero(t, l.Total())

	l.Done("a")
	assert.Equal(t, 1, l.Len(model.PriorityHigh))

	require.Equal(t, []string{"a"}, l.Drain(model.PriorityHigh))
	l.Done("a")
	assert.Empty(t, l.Drain(model.PriorityLow))
}

func TestLanesDrain(t *testing.T) {
	l := NewLanes()
	l.Push("h", model.PriorityHigh)
	l.Push("m", model.PriorityMedium)
	l.Push("l", model.PriorityLow)

	assert.Equal(t, []string{"h", "m"}, l.Drain(model.PriorityMedium))
	assert.Equal(t, 1, l.Total())
	assert.Equal(t, []string{"l"}, l.Drain(model.PriorityLow))
	assert.Empty(t, l.Drain(model.PriorityLow))
}

func TestDebounceCoalesces(t *testing.T) {
	d := NewDebouncer(100 * time.Millisecond)
	defer d.Stop()

	var fired atomic.Int32
	var last atomic.Int32
	for i := range 10 {
		d.Trigger("a.md", func() {
			fired.Add(1)
			last.Store(int32(i))
		})
		time.Sleep(2 * time.Millisecond)
	}

	assert.Eventually(t, func() bool { return fired.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, int32(9), last.Load())
	assert.Zero(t, d.Pending())
}

func TestDebounceKeysAreIndependent(t *testing.T) {
	d := NewDebouncer(10 * time.Millisecond)
	defer d.Stop()

	var mu sync.Mutex
	got := map[string]int{}
	for i := range 5 {
		key := fmt.Sprintf("f%d", i%2)
		d.Trigger(key, func() {
			mu.Lock()
			got[key]++
			mu.Unlock()
		})
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got["f0"] == 1 && got["f1"] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDebounceStop(t *testing.T) {
	d := NewDebouncer(10 * time.Millisecond)

	var fired atomic.Int32
	d.Trigger("a", func() { fired.Add(1) })
	d.Stop()
	d.Trigger("b", func() { fired.Add(1) })

	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, fired.Load())
}

func TestOfflineReplayOrder(t *testing.T) {
	o := NewOffline()

	e := func(path string, v uint64) model.FileEntry {
		return model.FileEntry{Path: path, Version: v}
	}

	assert.True(t, o.Push(model.NewUpload(e("a", 1))))
	assert.True(t, o.Push(model.NewDownload(e("b", 3))))
	assert.True(t, o.Push(model.NewUpload(e("c", 1))))
	assert.False(t, o.Push(model.NewUpload(e("a", 2))))
	assert.Equal(t, 3, o.Len())

	ops := o.Drain()
	require.Len(t, ops, 3)
	assert.Equal(t, []string{"upload:a@2", "download:b@3", "upload:c@1"},
		[]string{ops[0].ID, ops[1].ID, ops[2].ID})

	assert.Zero(t, o.Len())
	assert.Empty(t, o.Drain())
}

func TestOfflineKeepsLatestOperationPerPath(t *testing.T) {
	o := NewOffline()
	entry := model.FileEntry{Path: "n.md", Version: 1}

	assert.True(t, o.Push(model.NewDelete(entry.Tombstone("me", 2, time.Now()))))
	assert.True(t, o.Push(model.NewUpload(model.FileEntry{Path: "other.md", Version: 1})))
	assert.False(t, o.Push(model.NewUpload(model.FileEntry{Path: "n.md", Version: 2})))

	ops := o.Drain()
	require.Len(t, ops, 2)
	assert.Equal(t, model.OpUpload, ops[0].Kind)
	assert.Equal(t, "n.md", ops[0].Path)
	assert.Equal(t, "other.md", ops[1].Path)
}

func TestBurst(t *testing.T) {
	b := NewBurst(time.Second, 3)
	now := time.Now()

	for range 3 {
		assert.Equal(t, model.PriorityMedium, b.Observe(now))
	}
	assert.Equal(t, model.PriorityLow, b.Observe(now.Add(10*time.Millisecond)))
	assert.Equal(t, model.PriorityMedium, b.Observe(now.Add(2*time.Second)))
}
