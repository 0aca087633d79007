// Package executor runs sync operations in batches under a concurrency and
// memory budget, retrying transient failures.
package executor

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"peersync/internal/compress"
	"peersync/internal/config"
	"peersync/internal/hashing"
	"peersync/internal/logger"
	"peersync/internal/metalog"
	"peersync/internal/metrics"
	"peersync/internal/model"
	"peersync/internal/node"
	"peersync/internal/repository"
	"peersync/internal/scanner"
	"peersync/internal/store"
	"peersync/internal/syncerr"
	"peersync/internal/util"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Remote is the peer side of a transfer.
type Remote interface {
	Publish(ctx context.Context, rec model.LogRecord, blob *node.Payload) error
	Fetch(ctx context.Context, d hashing.Digest) (node.Payload, error)
}

// Progress is reported after every finished operation.
type Progress struct {
	TransactionID string
	Op            model.SyncOperation
	Err           error
	Done          int
	Total         int
}

func (p Progress) Percent() int {
	if p.Total == 0 {
		return 100
	}
	return p.Done * 100 / p.Total
}

type Options struct {
	Root       string
	Config     config.SyncConfig
	Log        *metalog.Log
	Remote     Remote
	Store      *store.Store
	Codec      *compress.Codec
	Cache      *repository.CacheRepository
	History    *repository.HistoryRepository
	Metrics    *metrics.Metrics
	OnProgress func(Progress)
}

type Executor struct {
	opts       Options
	ops        *semaphore.Weighted
	memory     *semaphore.Weighted
	memPermits int64
	limiter    *rate.Limiter
}

func New(opts Options) *Executor {
	e := &Executor{
		opts:       opts,
		ops:        semaphore.NewWeighted(int64(max(opts.Config.MaxConcurrentOps, 1))),
		memPermits: opts.Config.MemoryPermits(),
	}
	e.memory = semaphore.NewWeighted(e.memPermits)

	if bps := opts.Config.BandwidthBytesPerSecond(); bps > 0 {
		burst := max(int(bps), 64*1024)
		e.limiter = rate.NewLimiter(rate.Limit(bps), burst)
	}

	return e
}

// Execute runs ops in batches of the configured size. A failing operation
// is recorded and never cancels its siblings; the returned error is only
// set when ctx ends the run.
func (e *Executor) Execute(ctx context.Context, ops []model.SyncOperation) (model.SyncSummary, error) {
	start := time.Now()
	summary := model.SyncSummary{Planned: len(ops)}

	batchSize := max(e.opts.Config.BatchSize, 1)
	var done atomic.Int32

	for first := 0; first < len(ops); first += batchSize {
		batch := ops[first:min(first+batchSize, len(ops))]
		tx := model.NewTransaction(uuid.NewString(), batch)
		summary.TransactionIDs = append(summary.TransactionIDs, tx.ID)

		logger.Log.Debug("batch started",
			zap.String("tx", tx.ID),
			zap.Int("ops", len(batch)))

		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, chain := range chains(batch) {
			if err := e.ops.Acquire(ctx, 1); err != nil {
				break
			}

			wg.Go(func() {
				defer e.ops.Release(1)

				for _, op := range chain {
					if ctx.Err() != nil {
						return
					}

					err := e.run(ctx, tx, op)
					if err == nil {
						tx.Complete(op.ID)
					}

					mu.Lock()
					tally(&summary, op, err)
					mu.Unlock()

					e.report(Progress{
						TransactionID: tx.ID,
						Op:            op,
						Err:           err,
						Done:          int(done.Add(1)),
						Total:         len(ops),
					})
				}
			})
		}
		wg.Wait()

		logger.Log.Debug("batch finished",
			zap.String("tx", tx.ID),
			zap.Int("completed", tx.Done()),
			zap.Int("progress", tx.Progress()),
			zap.Duration("took", time.Since(tx.StartedAt)))

		if ctx.Err() != nil {
			break
		}
	}

	summary.Duration = time.Since(start)

	if err := ctx.Err(); err != nil {
		summary.Failed += len(ops) - int(done.Load())
		return summary, syncerr.Wrap(syncerr.KindCancelled, "execute", err)
	}

	return summary, nil
}

// chains groups a batch by path, keeping the order of operations within a
// path and the order paths first appear in.
func chains(batch []model.SyncOperation) [][]model.SyncOperation {
	idx := make(map[string]int, len(batch))
	var out [][]model.SyncOperation
	for _, op := range batch {
		if i, ok := idx[op.Path]; ok {
			out[i] = append(out[i], op)
			continue
		}
		idx[op.Path] = len(out)
		out = append(out, []model.SyncOperation{op})
	}
	return out
}

func tally(s *model.SyncSummary, op model.SyncOperation, err error) {
	if err != nil {
		s.Failed++
		s.FailedPaths = append(s.FailedPaths, op.Path)
		return
	}

	switch op.Kind {
	case model.OpUpload:
		s.Uploaded++
	case model.OpDownload:
		s.Downloaded++
	case model.OpDelete:
		s.Deleted++
	}
}

func (e *Executor) report(p Progress) {
	if e.opts.OnProgress != nil {
		e.opts.OnProgress(p)
	}
}

func (e *Executor) run(ctx context.Context, tx *model.SyncTransaction, op model.SyncOperation) error {
	release, err := e.reserve(ctx, op)
	if err != nil {
		return err
	}
	defer release()

	var n int64
	switch op.Kind {
	case model.OpUpload:
		n, err = e.upload(ctx, op)
	case model.OpDownload:
		n, err = e.download(ctx, op)
	case model.OpDelete:
		err = e.remove(ctx, op)
	default:
		err = syncerr.New(syncerr.KindState, "execute", "unknown operation kind %q", op.Kind)
	}

	if err != nil {
		e.opts.Metrics.Errors.Add(1)
		logger.Log.Warn("operation failed",
			zap.String("tx", tx.ID),
			zap.String("op", op.ID),
			zap.Error(err))
	}

	if e.opts.History != nil {
		if herr := e.opts.History.Save(tx.ID, op, n, err); herr != nil {
			logger.Log.Warn("failed to record history", zap.String("op", op.ID), zap.Error(herr))
		}
	}

	return err
}

// reserve takes one memory permit per chunk the operation buffers, capped
// at the pool so large files still make progress alone.
func (e *Executor) reserve(ctx context.Context, op model.SyncOperation) (func(), error) {
	chunk := int64(max(e.opts.Config.ChunkSize, 1))
	size := op.Size
	if op.Kind == model.OpUpload {
		size = op.Entry.Size
	}

	permits := min(max((size+chunk-1)/chunk, 1), e.memPermits)

	if !e.memory.TryAcquire(permits) {
		logger.Log.Debug("memory limit reached",
			zap.String("op", op.ID),
			zap.Int64("permits", permits))

		if err := e.memory.Acquire(ctx, permits); err != nil {
			return nil, syncerr.Wrap(syncerr.KindCancelled, "reserve memory", err)
		}
	}

	return func() { e.memory.Release(permits) }, nil
}

func (e *Executor) backoff() retry.Backoff {
	base := e.opts.Config.RetryBaseDelay()
	ceiling := e.opts.Config.RetryMaxDelay()
	multiplier := e.opts.Config.RetryMultiplier
	if multiplier < 1 {
		multiplier = 2
	}

	attempt := 0
	next := retry.BackoffFunc(func() (time.Duration, bool) {
		d := time.Duration(float64(base) * math.Pow(multiplier, float64(attempt)))
		attempt++
		if ceiling > 0 && (d > ceiling || d < 0) {
			d = ceiling
		}
		return d, false
	})

	return retry.WithMaxRetries(uint64(max(e.opts.Config.RetryAttempts, 0)), next)
}

// withRetry runs f until it succeeds, fails permanently or the attempt
// budget is spent. Only transient errors are retried.
func (e *Executor) withRetry(ctx context.Context, op model.SyncOperation, f func(ctx context.Context) error) error {
	attempt := 0
	err := retry.Do(ctx, e.backoff(), func(ctx context.Context) error {
		if attempt > 0 {
			e.opts.Metrics.Retries.Add(1)
			logger.Log.Debug("retrying operation", zap.String("op", op.ID), zap.Int("attempt", attempt))
		}
		attempt++

		err := f(ctx)
		if err != nil && syncerr.IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return syncerr.Wrap(syncerr.KindCancelled, string(op.Kind), err)
	}

	return err
}

func (e *Executor) throttle(ctx context.Context, n int) error {
	if e.limiter == nil {
		return nil
	}

	for n > 0 {
		step := min(n, e.limiter.Burst())
		if err := e.limiter.WaitN(ctx, step); err != nil {
			return syncerr.Wrap(syncerr.KindCancelled, "throttle", err)
		}
		n -= step
	}

	return nil
}

func (e *Executor) abs(rel string) string {
	return filepath.Join(e.opts.Root, filepath.FromSlash(rel))
}

func (e *Executor) upload(ctx context.Context, op model.SyncOperation) (int64, error) {
	path := e.abs(op.Path)

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, syncerr.WrapPath(syncerr.KindFileSystem, "read", op.Path, err)
	}

	entry := op.Entry
	if hashing.HashBytes(data) != entry.Hash {
		res, err := hashing.HashReader(bytes.NewReader(data), e.opts.Config.ChunkSize)
		if err != nil {
			return 0, syncerr.WrapPath(syncerr.KindFileSystem, "hash", op.Path, err)
		}
		entry.Hash, entry.Chunks, entry.Size = res.Hash, res.Chunks, res.Size
		if info, err := os.Stat(path); err == nil {
			entry.ModTime = scanner.NormalizeTime(info.ModTime())
		}
		logger.Log.Debug("file changed since scan", zap.String("path", op.Path))
	}

	if _, err := e.opts.Store.Put(data); err != nil {
		return 0, err
	}

	rec, err := e.opts.Log.Set(entry)
	if err != nil {
		return 0, err
	}

	out, compressed := e.opts.Codec.Encode(data)
	if compressed {
		e.opts.Metrics.RecordCompression(len(data), len(out))
	}

	if err := e.throttle(ctx, len(out)); err != nil {
		return 0, err
	}

	blob := &node.Payload{Hash: entry.Hash, Data: out, Compressed: compressed}
	if err := e.withRetry(ctx, op, func(ctx context.Context) error {
		return e.opts.Remote.Publish(ctx, rec, blob)
	}); err != nil {
		return 0, err
	}

	changed := e.changedChunks(entry)
	if err := e.opts.Cache.Put(entry); err != nil {
		logger.Log.Warn("failed to cache entry", zap.String("path", op.Path), zap.Error(err))
	}

	e.opts.Metrics.FilesUploaded.Add(1)
	e.opts.Metrics.BytesUploaded.Add(int64(len(out)))

	logger.Log.Info("uploaded",
		zap.String("path", op.Path),
		zap.Uint64("version", entry.Version),
		zap.Int64("size", entry.Size),
		zap.Int("changed_chunks", changed),
		zap.Bool("compressed", compressed))

	return int64(len(out)), nil
}

// changedChunks counts the chunks of entry that differ from the last synced
// baseline. A path without a baseline counts every chunk.
func (e *Executor) changedChunks(entry model.FileEntry) int {
	prev, ok, err := e.opts.Cache.Get(entry.Path)
	if err != nil || !ok {
		return len(entry.Chunks)
	}

	return len(hashing.ChangedChunks(prev.Chunks, entry.Chunks))
}

func (e *Executor) download(ctx context.Context, op model.SyncOperation) (int64, error) {
	var wire int
	attempt := 0
	data, err := retry.DoValue(ctx, e.backoff(), func(ctx context.Context) ([]byte, error) {
		if attempt > 0 {
			e.opts.Metrics.Retries.Add(1)
		}
		attempt++

		data, n, err := e.fetch(ctx, op)
		if err == nil {
			wire = n
			return data, nil
		}

		if syncerr.KindOf(err) == syncerr.KindCorrupted {
			e.opts.Metrics.Corrupted.Add(1)
			logger.Log.Warn("rejected corrupted content", zap.String("path", op.Path), zap.Error(err))
		}

		if syncerr.IsTransient(err) {
			return nil, retry.RetryableError(err)
		}
		return nil, err
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, syncerr.Wrap(syncerr.KindCancelled, "download", err)
		}
		return 0, err
	}

	if _, err := e.opts.Store.Put(data); err != nil {
		return 0, err
	}

	if err := util.AtomicWriteFile(e.abs(op.Path), bytes.NewReader(data), op.Entry.ModTime); err != nil {
		return 0, syncerr.WrapPath(syncerr.KindFileSystem, "write", op.Path, err)
	}

	if err := e.opts.Cache.Put(op.Entry); err != nil {
		logger.Log.Warn("failed to cache entry", zap.String("path", op.Path), zap.Error(err))
	}

	e.opts.Metrics.FilesDownloaded.Add(1)
	e.opts.Metrics.BytesDownloaded.Add(int64(wire))

	logger.Log.Info("downloaded",
		zap.String("path", op.Path),
		zap.Uint64("version", op.Entry.Version),
		zap.Int64("size", int64(len(data))))

	return int64(wire), nil
}

// fetch returns verified content from the local store or a peer, and the
// number of bytes that crossed the network.
func (e *Executor) fetch(ctx context.Context, op model.SyncOperation) ([]byte, int, error) {
	if e.opts.Store.Has(op.Hash) {
		data, err := e.opts.Store.Get(op.Hash)
		if err == nil {
			return data, 0, nil
		}
		if syncerr.KindOf(err) == syncerr.KindCorrupted {
			return nil, 0, err
		}
	}

	payload, err := e.opts.Remote.Fetch(ctx, op.Hash)
	if err != nil {
		return nil, 0, err
	}

	if err := e.throttle(ctx, len(payload.Data)); err != nil {
		return nil, 0, err
	}

	data, err := e.opts.Codec.Decode(payload.Data, payload.Compressed)
	if err != nil {
		return nil, 0, syncerr.WrapPath(syncerr.KindCorrupted, "decode", op.Path, err)
	}

	if e.opts.Config.EnableIntegrityChecks {
		if err := hashing.Verify(data, op.Hash); err != nil {
			return nil, 0, syncerr.WrapPath(syncerr.KindCorrupted, "verify", op.Path, err)
		}
	}

	return data, len(payload.Data), nil
}

func (e *Executor) remove(ctx context.Context, op model.SyncOperation) error {
	if op.Local {
		path := e.abs(op.Path)
		if err := util.RemoveIfExists(path); err != nil {
			return syncerr.WrapPath(syncerr.KindFileSystem, "remove", op.Path, err)
		}
		util.RemoveEmptyParents(e.opts.Root, filepath.Dir(path))
	} else {
		rec, err := e.opts.Log.Set(op.Entry)
		if err != nil {
			return err
		}

		if err := e.withRetry(ctx, op, func(ctx context.Context) error {
			return e.opts.Remote.Publish(ctx, rec, nil)
		}); err != nil {
			return err
		}
	}

	if err := e.opts.Cache.Delete(op.Path); err != nil {
		logger.Log.Warn("failed to drop cached entry", zap.String("path", op.Path), zap.Error(err))
	}

	e.opts.Metrics.FilesDeleted.Add(1)
	logger.Log.Info("deleted", zap.String("path", op.Path), zap.Bool("local", op.Local))

	return nil
}
