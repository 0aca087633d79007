package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"peersync/internal/compress"
	"peersync/internal/config"
	"peersync/internal/db"
	"peersync/internal/hashing"
	"peersync/internal/metalog"
	"peersync/internal/metrics"
	"peersync/internal/model"
	"peersync/internal/node"
	"peersync/internal/repository"
	"peersync/internal/scanner"
	"peersync/internal/store"
	"peersync/internal/syncerr"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	mu        sync.Mutex
	blobs     map[hashing.Digest][]byte
	published []model.LogRecord
	uploaded  int
	corrupt   int
	fetches   int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{blobs: make(map[hashing.Digest][]byte)}
}

func (f *fakeRemote) Publish(_ context.Context, rec model.LogRecord, blob *node.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.published = append(f.published, rec)
	if blob != nil {
		f.uploaded++
	}
	return nil
}

func (f *fakeRemote) Fetch(_ context.Context, d hashing.Digest) (node.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches++
	data, ok := f.blobs[d]
	if !ok {
		return node.Payload{}, syncerr.New(syncerr.KindNetwork, "fetch", "blob %s not available", d.Short())
	}

	if f.corrupt > 0 {
		f.corrupt--
		return node.Payload{Hash: d, Data: append(slices.Clone(data), '!')}, nil
	}

	return node.Payload{Hash: d, Data: slices.Clone(data)}, nil
}

func (f *fakeRemote) put(content string) model.FileEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	d := hashing.HashBytes([]byte(content))
	f.blobs[d] = []byte(content)
	return model.FileEntry{Size: int64(len(content)), Hash: d, ModTime: time.Unix(1700000000, 0).UTC()}
}

type fixture struct {
	root    string
	log     *metalog.Log
	cache   *repository.CacheRepository
	history *repository.HistoryRepository
	metrics *metrics.Metrics
	remote  *fakeRemote
	exec    *Executor

	mu       sync.Mutex
	progress []Progress
}

func testConfig() config.SyncConfig {
	cfg := config.DefaultSync
	cfg.RetryBaseDelayMS = 1
	cfg.RetryMaxDelayMS = 5
	return cfg
}

func newFixture(t *testing.T, cfg config.SyncConfig) *fixture {
	t.Helper()

	root := t.TempDir()
	state := filepath.Join(root, ".peersync")

	gdb, err := db.Open(filepath.Join(state, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })

	blobs, err := store.New(filepath.Join(state, "blobs"))
	require.NoError(t, err)

	codec, err := compress.New(cfg.EnableCompression, cfg.CompressionLevel)
	require.NoError(t, err)
	t.Cleanup(codec.Close)

	log, err := metalog.Open(gdb, "ns", "me")
	require.NoError(t, err)

	f := &fixture{
		root:    root,
		log:     log,
		cache:   repository.NewCacheRepository(gdb),
		history: repository.NewHistoryRepository(gdb),
		metrics: metrics.New(cfg.Summary()),
		remote:  newFakeRemote(),
	}

	f.exec = New(Options{
		Root:    root,
		Config:  cfg,
		Log:     log,
		Remote:  f.remote,
		Store:   blobs,
		Codec:   codec,
		Cache:   f.cache,
		History: f.history,
		Metrics: f.metrics,
		OnProgress: func(p Progress) {
			f.mu.Lock()
			f.progress = append(f.progress, p)
			f.mu.Unlock()
		},
	})

	return f
}

func (f *fixture) write(t *testing.T, rel, content string) model.FileEntry {
	t.Helper()

	path := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	e, ok, err := scanner.New(f.root, 0, scanner.NewIgnore(f.root, nil), nil).Stat(rel, model.FileEntry{})
	require.NoError(t, err)
	require.True(t, ok)
	e.Version = 1
	e.Author = "me"
	return e
}

func TestExecuteUploads(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg)

	var ops []model.SyncOperation
	for i := range 250 {
		content := strings.Repeat(fmt.Sprintf("line %d\n", i), i%40+150)
		ops = append(ops, model.NewUpload(f.write(t, fmt.Sprintf("notes/%03d.md", i), content)))
	}

	summary, err := f.exec.Execute(context.Background(), ops)
	require.NoError(t, err)
	assert.Equal(t, 250, summary.Planned)
	assert.Equal(t, 250, summary.Uploaded)
	assert.Zero(t, summary.Failed)
	assert.Len(t, summary.TransactionIDs, 3)

	snap := f.metrics.Snapshot()
	assert.Equal(t, int64(250), snap.FilesUploaded)
	assert.Zero(t, snap.ErrorsCount)
	assert.Less(t, snap.CompressionRatio, 1.0)

	entries, err := f.log.Snapshot()
	require.NoError(t, err)
	assert.Len(t, entries, 250)

	cached, err := f.cache.All()
	require.NoError(t, err)
	assert.Len(t, cached, 250)

	assert.Len(t, f.remote.published, 250)
	assert.Equal(t, 250, f.remote.uploaded)

	stats, err := f.history.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(250), stats.Success)

	require.Len(t, f.progress, 250)
	last := slices.MaxFunc(f.progress, func(a, b Progress) int { return a.Done - b.Done })
	assert.Equal(t, 100, last.Percent())
}

func TestUploadRefreshesChangedFile(t *testing.T) {
	f := newFixture(t, testConfig())

	e := f.write(t, "a.txt", "before")
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "a.txt"), []byte("after, longer"), 0644))

	summary, err := f.exec.Execute(context.Background(), []model.SyncOperation{model.NewUpload(e)})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Uploaded)

	entries, err := f.log.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, hashing.HashBytes([]byte("after, longer")), entries["a.txt"].Hash)
	assert.Equal(t, int64(13), entries["a.txt"].Size)
}

func TestExecuteDownloads(t *testing.T) {
	f := newFixture(t, testConfig())

	var ops []model.SyncOperation
	want := map[string]string{}
	for i := range 20 {
		path := fmt.Sprintf("dir%d/file%d.txt", i%3, i)
		content := fmt.Sprintf("remote content %d", i)
		e := f.remote.put(content)
		e.Path, e.Version, e.Author = path, 1, "peer"
		ops = append(ops, model.NewDownload(e))
		want[path] = content
	}

	summary, err := f.exec.Execute(context.Background(), ops)
	require.NoError(t, err)
	assert.Equal(t, 20, summary.Downloaded)

	for path, content := range want {
		full := filepath.Join(f.root, filepath.FromSlash(path))
		data, err := os.ReadFile(full)
		require.NoError(t, err)
		assert.Equal(t, content, string(data))

		info, err := os.Stat(full)
		require.NoError(t, err)
		assert.True(t, info.ModTime().Equal(time.Unix(1700000000, 0)))
	}

	assert.Equal(t, int64(20), f.metrics.Snapshot().FilesDownloaded)
}

func TestCorruptedDownloadIsRetried(t *testing.T) {
	f := newFixture(t, testConfig())

	e := f.remote.put("trusted bytes")
	e.Path, e.Version = "doc.txt", 1
	f.remote.corrupt = 1

	summary, err := f.exec.Execute(context.Background(), []model.SyncOperation{model.NewDownload(e)})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Downloaded)

	snap := f.metrics.Snapshot()
	assert.Equal(t, int64(1), snap.CorruptedFiles)
	assert.Equal(t, int64(1), snap.RetryCount)
	assert.Zero(t, snap.ErrorsCount)
	assert.Equal(t, 2, f.remote.fetches)

	data, err := os.ReadFile(filepath.Join(f.root, "doc.txt"))
	require.NoError(t, err)
	assert.Equal(t, "trusted bytes", string(data))
}

func TestCorruptedDownloadNeverWritten(t *testing.T) {
	cfg := testConfig()
	cfg.RetryAttempts = 2
	f := newFixture(t, cfg)

	e := f.remote.put("trusted bytes")
	e.Path, e.Version = "doc.txt", 1
	f.remote.corrupt = 100

	summary, err := f.exec.Execute(context.Background(), []model.SyncOperation{model.NewDownload(e)})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []string{"doc.txt"}, summary.FailedPaths)

	snap := f.metrics.Snapshot()
	assert.Equal(t, int64(3), snap.CorruptedFiles)
	assert.Equal(t, int64(2), snap.RetryCount)
	assert.Equal(t, int64(1), snap.ErrorsCount)

	_, err = os.Stat(filepath.Join(f.root, "doc.txt"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.Len(t, f.progress, 1)
	assert.Error(t, f.progress[0].Err)
}

func TestFailureDoesNotCancelSiblings(t *testing.T) {
	f := newFixture(t, testConfig())

	ops := []model.SyncOperation{
		model.NewUpload(f.write(t, "a.txt", "a")),
		model.NewUpload(model.FileEntry{Path: "missing.txt", Version: 1}),
		model.NewUpload(f.write(t, "b.txt", "b")),
	}

	summary, err := f.exec.Execute(context.Background(), ops)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Uploaded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []string{"missing.txt"}, summary.FailedPaths)
	assert.Equal(t, int64(1), f.metrics.Snapshot().ErrorsCount)
	assert.Zero(t, f.metrics.Snapshot().RetryCount)
}

func TestExecuteDeletes(t *testing.T) {
	f := newFixture(t, testConfig())

	gone := f.write(t, "old/stale.txt", "stale")
	require.NoError(t, f.cache.Put(gone))
	kept := f.write(t, "published.txt", "x")
	require.NoError(t, os.Remove(filepath.Join(f.root, "published.txt")))

	ops := []model.SyncOperation{
		model.NewLocalDelete(gone.Tombstone("peer", 2, time.Now())),
		model.NewDelete(kept.Tombstone("me", 2, time.Now())),
	}

	summary, err := f.exec.Execute(context.Background(), ops)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Deleted)

	_, err = os.Stat(filepath.Join(f.root, "old"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	entries, err := f.log.Snapshot()
	require.NoError(t, err)
	assert.True(t, entries["published.txt"].Deleted)
	require.Len(t, f.remote.published, 1)
	assert.True(t, f.remote.published[0].Deleted)

	_, ok, err := f.cache.Get("old/stale.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryBackpressure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMemoryMB = 1
	cfg.ChunkSize = config.MiB
	f := newFixture(t, cfg)
	require.Equal(t, int64(1), f.exec.memPermits)

	var ops []model.SyncOperation
	for i := range 10 {
		e := f.remote.put(strings.Repeat("m", 2*config.MiB+i))
		e.Path, e.Version = fmt.Sprintf("big%d.bin", i), 1
		ops = append(ops, model.NewDownload(e))
	}

	summary, err := f.exec.Execute(context.Background(), ops)
	require.NoError(t, err)
	assert.Equal(t, 10, summary.Downloaded)
}

func TestBandwidthLimit(t *testing.T) {
	cfg := testConfig()
	cfg.EnableCompression = false
	cfg.BandwidthLimitMbps = 8
	f := newFixture(t, cfg)
	require.NotNil(t, f.exec.limiter)

	e := f.write(t, "a.bin", strings.Repeat("z", 1500000))

	start := time.Now()
	summary, err := f.exec.Execute(context.Background(), []model.SyncOperation{model.NewUpload(e)})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Uploaded)
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestExecuteCancelled(t *testing.T) {
	f := newFixture(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := f.exec.Execute(ctx, []model.SyncOperation{model.NewUpload(f.write(t, "a.txt", "a"))})
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerr.Cancelled))
	assert.Equal(t, 1, summary.Failed)
}

func TestSamePathRunsInOrder(t *testing.T) {
	f := newFixture(t, testConfig())

	entry := f.write(t, "n.md", "recreated")
	ops := []model.SyncOperation{
		model.NewDelete(entry.Tombstone("me", 2, time.Now())),
		model.NewUpload(f.write(t, "other.md", "other")),
	}
	up := entry
	up.Version = 3
	ops = append(ops, model.NewUpload(up))

	for range 5 {
		f.remote.published = nil

		summary, err := f.exec.Execute(context.Background(), ops)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Deleted)
		assert.Equal(t, 2, summary.Uploaded)

		var mine []model.LogRecord
		for _, rec := range f.remote.published {
			if rec.Path == "n.md" {
				mine = append(mine, rec)
			}
		}
		require.Len(t, mine, 2)
		assert.True(t, mine[0].Deleted)
		assert.False(t, mine[1].Deleted)
	}

	entries, err := f.log.Snapshot()
	require.NoError(t, err)
	assert.False(t, entries["n.md"].Deleted)
}

func TestChainsGroupByPath(t *testing.T) {
	op := func(kind model.OpKind, p string) model.SyncOperation {
		return model.SyncOperation{ID: string(kind) + ":" + p, Kind: kind, Path: p}
	}

	got := chains([]model.SyncOperation{
		op(model.OpDelete, "a"), op(model.OpUpload, "b"), op(model.OpUpload, "a"),
	})

	require.Len(t, got, 2)
	assert.Equal(t, []string{"delete:a", "upload:a"}, []string{got[0][0].ID, got[0][1].ID})
	assert.Equal(t, "upload:b", got[1][0].ID)
}

func TestChangedChunksAgainstBaseline(t *testing.T) {
	f := newFixture(t, testConfig())

	c := func(s string) hashing.Digest { return hashing.HashBytes([]byte(s)) }
	entry := model.FileEntry{Path: "big.bin", Chunks: []hashing.Digest{c("a"), c("b"), c("c")}}
	assert.Equal(t, 3, f.exec.changedChunks(entry))

	require.NoError(t, f.cache.Put(model.FileEntry{Path: "big.bin", Chunks: []hashing.Digest{c("a"), c("x")}}))
	assert.Equal(t, 2, f.exec.changedChunks(entry))
}
