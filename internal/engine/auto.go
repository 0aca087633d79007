package engine

import (
	"context"
	"path/filepath"
	"peersync/internal/logger"
	"peersync/internal/model"
	"peersync/internal/syncerr"
	"peersync/internal/watcher"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type scheduler struct {
	cancel  context.CancelFunc
	watcher *watcher.Watcher
	wg      sync.WaitGroup
}

// StartAutoSync watches the workspace and runs passes on its own: changed
// files are debounced into the priority lanes, the batch timer drains them,
// the idle timer forces a full pass and reconnects replay the offline queue.
func (e *Engine) StartAutoSync() error {
	ws, err := e.workspace()
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.auto != nil {
		return nil
	}
	if e.baseCtx.Err() != nil {
		return syncerr.New(syncerr.KindState, "start auto sync", "engine is shut down")
	}

	w, err := watcher.New(ws.root, e.cfg.BufferSize, ws.scanner.Ignored)
	if err != nil {
		return syncerr.Wrap(syncerr.KindFileSystem, "start auto sync", err)
	}
	if err := w.Start(); err != nil {
		w.Stop()
		return syncerr.Wrap(syncerr.KindFileSystem, "start auto sync", err)
	}

	ctx, cancel := context.WithCancel(e.baseCtx)
	s := &scheduler{cancel: cancel, watcher: w}

	s.wg.Go(func() {
		e.schedule(ctx, ws, watcher.Filter(w.Events(), ws.scanner.Ignored))
	})
	s.wg.Go(func() {
		ws.monitor.Run(ctx)
	})

	e.auto = s

	logger.Log.Info("auto sync started",
		zap.String("workspace", ws.root),
		zap.Duration("debounce", e.cfg.Schedule.Debounce),
		zap.Duration("batch", e.cfg.Schedule.BatchInterval),
		zap.Duration("idle", e.cfg.Schedule.IdleInterval))

	return nil
}

// StopAutoSync cancels the background tasks. A pass already running is
// aborted, not rolled back.
func (e *Engine) StopAutoSync() {
	e.mu.Lock()
	s := e.auto
	e.auto = nil
	e.mu.Unlock()

	if s == nil {
		return
	}

	s.cancel()
	s.watcher.Stop()
	s.wg.Wait()

	logger.Log.Info("auto sync stopped")
}

// OnFileChanged marks path as the file being edited: once the debounce
// delay passes without another change it is synced immediately.
func (e *Engine) OnFileChanged(path string) {
	rel := path
	if ws, err := e.workspace(); err == nil && filepath.IsAbs(path) {
		if r, err := filepath.Rel(ws.root, path); err == nil {
			rel = r
		}
	}

	rel = filepath.ToSlash(filepath.Clean(rel))
	if rel == "." || strings.HasPrefix(rel, "../") {
		logger.Log.Debug("change outside workspace ignored", zap.String("path", path))
		return
	}

	e.changed(rel, model.PriorityHigh)
}

// fired is a path whose debounce delay ran out.
type fired struct {
	rel  string
	prio model.Priority
}

const firedBuffer = 256

// changed debounces rel. When the delay passes the path is handed to the
// scheduler goroutine, which alone touches the lanes.
func (e *Engine) changed(rel string, prio model.Priority) {
	e.debouncer.Trigger(rel, func() {
		select {
		case e.fired <- fired{rel: rel, prio: prio}:
		case <-e.baseCtx.Done():
		}
	})
}

// enqueue puts a fired path in its lane and reports whether a High drain
// should follow.
func (e *Engine) enqueue(f fired) bool {
	if !e.lanes.Push(f.rel, f.prio) {
		return false
	}

	logger.Log.Debug("change queued",
		zap.String("path", f.rel),
		zap.String("priority", f.prio.String()))

	return f.prio == model.PriorityHigh
}

func (e *Engine) schedule(ctx context.Context, ws *workspace, events <-chan model.FileEvent) {
	batch := time.NewTicker(e.cfg.Schedule.BatchInterval)
	defer batch.Stop()
	idle := time.NewTicker(e.cfg.Schedule.IdleInterval)
	defer idle.Stop()
	replicate := time.NewTicker(e.cfg.Schedule.ReplicationInterval)
	defer replicate.Stop()
	health := time.NewTicker(e.cfg.Schedule.HealthInterval)
	defer health.Stop()

	changed := ws.session.Log().Changed()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			e.changed(ev.Rel, e.burst.Observe(ev.Timestamp))

		case f := <-e.fired:
			if e.enqueue(f) {
				e.drain(ctx, ws, model.PriorityHigh)
			}

		case <-batch.C:
			e.drain(ctx, ws, model.PriorityLow)

		case <-idle.C:
			e.full(ctx, ws, "idle")

		case <-changed:
			e.full(ctx, ws, "remote change")

		case <-replicate.C:
			e.replicate(ctx, ws)

		case <-e.reconnect:
			e.replayOffline(ctx, ws)

		case <-health.C:
			e.logHealth(ws)
		}
	}
}

// drain runs a targeted pass over the queued paths down to lowest priority.
func (e *Engine) drain(ctx context.Context, ws *workspace, lowest model.Priority) {
	paths := e.lanes.Drain(lowest)
	if len(paths) == 0 {
		return
	}
	defer e.lanes.Done(paths...)

	if _, err := e.guarded(ctx, func(ctx context.Context) (model.SyncSummary, error) {
		return e.pass(ctx, ws, paths)
	}); err != nil {
		logger.Log.Warn("queued sync failed",
			zap.Int("paths", len(paths)),
			zap.String("lowest", lowest.String()),
			zap.Error(err))
	}
}

func (e *Engine) full(ctx context.Context, ws *workspace, reason string) {
	logger.Log.Debug("full sync triggered", zap.String("reason", reason))

	if _, err := e.guarded(ctx, func(ctx context.Context) (model.SyncSummary, error) {
		return e.pass(ctx, ws, nil)
	}); err != nil {
		logger.Log.Warn("sync failed",
			zap.String("reason", reason),
			zap.Error(err))
	}
}

// replicate pings the peers and pulls only when one of them advertised
// records this replica has not seen.
func (e *Engine) replicate(ctx context.Context, ws *workspace) {
	if online, _ := ws.session.Ping(ctx); online == 0 || !ws.session.Behind() {
		return
	}

	n, err := ws.session.Pull(ctx)
	if err != nil {
		logger.Log.Debug("replication pull failed", zap.Error(err))
	} else if n > 0 {
		logger.Log.Debug("replicated records", zap.Int("records", n))
	}
}

func (e *Engine) logHealth(ws *workspace) {
	e.metrics.SetBandwidth(ws.monitor.Bandwidth())
	snap := e.metrics.Snapshot()

	logger.Log.Info("health",
		zap.String("state", e.machine.Current().String()),
		zap.String("network", snap.NetworkStatus),
		zap.Int("high", e.lanes.Len(model.PriorityHigh)),
		zap.Int("medium", e.lanes.Len(model.PriorityMedium)),
		zap.Int("low", e.lanes.Len(model.PriorityLow)),
		zap.Int("offline_queue", e.offline.Len()),
		zap.Int("open_conflicts", ws.conflicts.Len()),
		zap.Bool("behind", ws.session.Behind()),
		zap.Int64("uploaded", snap.FilesUploaded),
		zap.Int64("downloaded", snap.FilesDownloaded),
		zap.Int64("errors", snap.ErrorsCount))
}
