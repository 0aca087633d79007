package engine

import (
	"context"
	"peersync/internal/conflict"
	"peersync/internal/executor"
	"peersync/internal/logger"
	"peersync/internal/model"
	"peersync/internal/planner"
	"peersync/internal/state"
	"peersync/internal/syncerr"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Sync runs one full pass: scan, pull, plan, resolve conflicts by policy
// and execute. While offline the planned operations are queued instead.
func (e *Engine) Sync(ctx context.Context) (model.SyncSummary, error) {
	ws, err := e.workspace()
	if err != nil {
		return model.SyncSummary{}, err
	}

	return e.guarded(ctx, func(ctx context.Context) (model.SyncSummary, error) {
		return e.pass(ctx, ws, nil)
	})
}

// guarded serialises f with every other pass and aborts it on shutdown.
func (e *Engine) guarded(ctx context.Context, f func(ctx context.Context) (model.SyncSummary, error)) (model.SyncSummary, error) {
	if e.baseCtx.Err() != nil {
		return model.SyncSummary{}, syncerr.New(syncerr.KindState, "sync", "engine is shut down")
	}

	e.passes.Add(1)
	defer e.passes.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.baseCtx, cancel)
	defer stop()

	e.passMu.Lock()
	defer e.passMu.Unlock()

	if err := ctx.Err(); err != nil {
		return model.SyncSummary{}, syncerr.Wrap(syncerr.KindCancelled, "sync", err)
	}

	return f(ctx)
}

// pass plans the whole workspace, or only paths when it is not nil.
func (e *Engine) pass(ctx context.Context, ws *workspace, paths []string) (model.SyncSummary, error) {
	start := time.Now()

	if err := e.machine.To(state.Scanning); err != nil {
		return model.SyncSummary{}, err
	}
	defer e.finish()

	scan, err := ws.scanner.Scan(ctx)
	if err != nil {
		e.bus.Error(err, "")
		return model.SyncSummary{}, err
	}
	e.metrics.FilesScanned.Add(int64(scan.Scanned))
	for _, serr := range scan.Errors {
		e.bus.Error(serr, "")
	}

	online := ws.monitor.Check(ctx)
	e.metrics.SetOnline(online)
	if online {
		if _, err := ws.session.Pull(ctx); err != nil {
			logger.Log.Warn("pull failed", zap.Error(err))
		}
	}

	in, err := e.input(ws, scan.Entries)
	if err != nil {
		e.bus.Error(err, "")
		return model.SyncSummary{}, err
	}
	if paths != nil {
		in = in.Only(paths...)
	}
	if len(scan.Failed) > 0 {
		in = in.Without(scan.Failed...)
		logger.Log.Warn("unreadable paths left out of this pass", zap.Strings("paths", scan.Failed))
	}

	plan := planner.Build(in)
	e.adopt(ws, plan)

	ops, resolved, kept := e.resolveConflicts(ws, plan, planned(paths, scan.Failed))

	summary := model.SyncSummary{Conflicts: len(kept)}

	if !online {
		summary.Planned = len(ops)
		summary.Queued = e.enqueueOffline(ws, ops)
		summary.Duration = time.Since(start)

		logger.Log.Info("offline, operations queued",
			zap.Int("ops", len(ops)),
			zap.Int("queue", summary.Queued))
		return summary, nil
	}

	queued := slices.DeleteFunc(e.offline.Drain(), func(op model.SyncOperation) bool {
		return slices.ContainsFunc(plan.Conflicts, func(c model.ConflictInfo) bool { return c.Path == op.Path })
	})
	ops = mergeOffline(queued, ops)
	e.metrics.SetOfflineQueue(0)

	if len(ops) > 0 {
		if err := e.machine.To(state.Syncing); err != nil {
			return summary, err
		}

		done, err := ws.executor.Execute(ctx, ops)
		done.Conflicts = summary.Conflicts
		summary = done
		e.settle(ws, resolved, done.FailedPaths)

		if err != nil {
			e.bus.Error(err, "")
			summary.Duration = time.Since(start)
			return summary, err
		}
	}

	summary.Duration = time.Since(start)

	logger.Log.Info("sync pass finished",
		zap.Int("planned", summary.Planned),
		zap.Int("uploaded", summary.Uploaded),
		zap.Int("downloaded", summary.Downloaded),
		zap.Int("deleted", summary.Deleted),
		zap.Int("failed", summary.Failed),
		zap.Int("conflicts", summary.Conflicts),
		zap.Duration("took", summary.Duration))

	return summary, nil
}

// finish returns to Idle after a pass and tells the host.
func (e *Engine) finish() {
	if err := e.machine.To(state.Idle); err != nil {
		logger.Log.Debug("state not reset after pass", zap.Error(err))
	}

	e.mu.Lock()
	e.lastSync = time.Now()
	e.mu.Unlock()

	snap := e.metrics.Snapshot()
	e.bus.Status(snap.FilesUploaded, snap.FilesDownloaded)
}

func (e *Engine) input(ws *workspace, local map[string]model.FileEntry) (planner.Input, error) {
	remote, err := ws.session.Log().Snapshot()
	if err != nil {
		return planner.Input{}, err
	}

	base, err := ws.cache.All()
	if err != nil {
		return planner.Input{}, syncerr.Wrap(syncerr.KindDocument, "load baseline", err)
	}

	return planner.Input{
		Local:  local,
		Remote: remote,
		Base:   base,
		Author: ws.session.Identity().NodeID,
		At:     time.Now().UTC(),
	}, nil
}

func (e *Engine) adopt(ws *workspace, plan planner.Plan) {
	for _, entry := range plan.Adopt {
		if err := ws.cache.Put(entry); err != nil {
			logger.Log.Warn("failed to adopt baseline", zap.String("path", entry.Path), zap.Error(err))
		}
	}

	for _, p := range plan.Forget {
		if err := ws.cache.Delete(p); err != nil {
			logger.Log.Warn("failed to forget baseline", zap.String("path", p), zap.Error(err))
		}
		ws.conflicts.Forget(p)
	}
}

// planned reports whether a pass over paths (nil for the whole workspace)
// looked at p. Unreadable paths are never looked at.
func planned(paths, failed []string) func(p string) bool {
	return func(p string) bool {
		for _, f := range failed {
			if p == f || strings.HasPrefix(p, f+"/") {
				return false
			}
		}
		return paths == nil || slices.Contains(paths, p)
	}
}

// resolveConflicts records the planned conflicts, clears the ones inside
// scope that no longer diverge and applies the configured policy.
// Conflicts the policy leaves open are surfaced to the host.
func (e *Engine) resolveConflicts(ws *workspace, plan planner.Plan, scope func(p string) bool) ([]model.SyncOperation, []conflict.Resolution, []model.ConflictInfo) {
	ops := plan.Operations

	ws.conflicts.Prune(scope, plan.Conflicts)
	fresh := ws.conflicts.Record(plan.Conflicts)
	e.metrics.Conflicts.Add(int64(len(fresh)))

	resolved, kept := ws.conflicts.AutoResolve(e.cfg.Sync.ConflictResolution)
	for _, res := range resolved {
		ops = append(ops, res.Operations...)
	}
	e.metrics.ConflictsResolved.Add(int64(len(resolved)))
	e.metrics.SetOpenConflicts(ws.conflicts.Len())

	var surfaced []string
	for _, c := range kept {
		if slices.Contains(fresh, c.Path) {
			surfaced = append(surfaced, c.Path)
		}
	}
	if len(surfaced) > 0 {
		e.bus.Conflict(surfaced)
	}

	return ops, resolved, kept
}

func (e *Engine) enqueueOffline(ws *workspace, ops []model.SyncOperation) int {
	for _, op := range ops {
		e.offline.Push(op)
		if err := ws.history.SaveQueued(op); err != nil {
			logger.Log.Warn("failed to save history", zap.Error(err))
		}
	}

	n := e.offline.Len()
	e.metrics.SetOfflineQueue(n)
	return n
}

// mergeOffline replays queued operations first, in queue order. A path
// keeps a single operation: a planned one replaces its queued twin so two
// operations never race on the same path.
func mergeOffline(queued, planned []model.SyncOperation) []model.SyncOperation {
	if len(queued) == 0 {
		return planned
	}

	fresh := make(map[string]model.SyncOperation, len(planned))
	for _, op := range planned {
		fresh[op.Path] = op
	}

	out := make([]model.SyncOperation, 0, len(queued)+len(planned))
	seen := make(map[string]struct{}, len(queued))
	for _, op := range queued {
		if _, ok := seen[op.Path]; ok {
			continue
		}
		seen[op.Path] = struct{}{}

		if p, ok := fresh[op.Path]; ok {
			op = p
		}
		out = append(out, op)
	}

	for _, op := range planned {
		if _, ok := seen[op.Path]; !ok {
			out = append(out, op)
		}
	}

	return out
}

// settle drops the concurrent heads a successful resolution superseded.
func (e *Engine) settle(ws *workspace, resolved []conflict.Resolution, failed []string) {
	for _, res := range resolved {
		if res.Winner == "" || slices.ContainsFunc(res.Operations, func(op model.SyncOperation) bool {
			return slices.Contains(failed, op.Path)
		}) {
			continue
		}

		heads, err := ws.session.Log().Heads(res.Conflict.Path)
		if err != nil || len(heads) < 2 {
			continue
		}

		if err := ws.session.Log().Collapse(res.Conflict.Path, res.Winner); err != nil {
			logger.Log.Warn("failed to collapse heads", zap.String("path", res.Conflict.Path), zap.Error(err))
		}
	}
}

// ResolveConflict applies policy to the open conflict on path and executes
// the resulting operations.
func (e *Engine) ResolveConflict(ctx context.Context, path string, policy model.ConflictPolicy) (model.SyncSummary, error) {
	ws, err := e.workspace()
	if err != nil {
		return model.SyncSummary{}, err
	}

	return e.guarded(ctx, func(ctx context.Context) (model.SyncSummary, error) {
		res, err := ws.conflicts.Resolve(path, policy)
		if err != nil {
			return model.SyncSummary{}, err
		}
		if policy == model.PolicyManual {
			return model.SyncSummary{Conflicts: ws.conflicts.Len()}, nil
		}

		e.metrics.ConflictsResolved.Add(1)
		e.metrics.SetOpenConflicts(ws.conflicts.Len())

		if !ws.monitor.Online() {
			return model.SyncSummary{
				Planned: len(res.Operations),
				Queued:  e.enqueueOffline(ws, res.Operations),
			}, nil
		}

		if err := e.machine.To(state.Syncing); err != nil {
			return model.SyncSummary{}, err
		}
		defer e.finish()

		summary, err := ws.executor.Execute(ctx, res.Operations)
		e.settle(ws, []conflict.Resolution{res}, summary.FailedPaths)
		summary.Conflicts = ws.conflicts.Len()

		return summary, err
	})
}

// replayOffline executes the offline queue once connectivity is back.
func (e *Engine) replayOffline(ctx context.Context, ws *workspace) {
	_, _ = e.guarded(ctx, func(ctx context.Context) (model.SyncSummary, error) {
		ops := e.offline.Drain()
		e.metrics.SetOfflineQueue(0)
		if len(ops) == 0 {
			return model.SyncSummary{}, nil
		}

		logger.Log.Info("replaying offline queue", zap.Int("ops", len(ops)))

		if err := e.machine.To(state.Syncing); err != nil {
			for _, op := range ops {
				e.offline.Push(op)
			}
			return model.SyncSummary{}, err
		}
		defer e.finish()

		return ws.executor.Execute(ctx, ops)
	})
}

func (e *Engine) onProgress(p executor.Progress) {
	if err := e.machine.Progress(p.Percent()); err != nil {
		logger.Log.Debug("progress not recorded", zap.Error(err))
	}

	status := "completed"
	if p.Err != nil {
		status = "failed"
		e.bus.Error(p.Err, p.Op.Path)
	}

	e.bus.Progress(p.Op.Path, status, p.Op.Kind == model.OpDelete, p.Percent())
}
