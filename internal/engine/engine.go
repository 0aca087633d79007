// Package engine owns one synchronised workspace: it opens the state of the
// workspace, runs sync passes through the scan, plan and execute pipeline,
// and schedules them automatically while auto sync is on.
package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"peersync/internal/compress"
	"peersync/internal/config"
	"peersync/internal/conflict"
	"peersync/internal/db"
	"peersync/internal/events"
	"peersync/internal/executor"
	"peersync/internal/logger"
	"peersync/internal/metrics"
	"peersync/internal/model"
	"peersync/internal/netmon"
	"peersync/internal/node"
	"peersync/internal/queue"
	"peersync/internal/repository"
	"peersync/internal/scanner"
	"peersync/internal/state"
	"peersync/internal/store"
	"peersync/internal/syncerr"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	stateDirName = ".peersync"
	lockFile     = "lock"
	dbFile       = "state.db"
	blobDir      = "blobs"
	burstWindow  = time.Second
)

// Provider is the surface a host application drives a sync backend through.
type Provider interface {
	Init(ctx context.Context, workspace string) (string, error)
	Status() Status
	Sync(ctx context.Context) (model.SyncSummary, error)
	OnFileChanged(path string)
	Peers() []model.PeerInfo
	Shutdown(ctx context.Context) error
}

var _ Provider = (*Engine)(nil)

type Status struct {
	State           string    `json:"state"`
	Status          string    `json:"status"`
	FilesUploaded   int64     `json:"files_uploaded"`
	FilesDownloaded int64     `json:"files_downloaded"`
	Timestamp       time.Time `json:"timestamp"`
	Workspace       string    `json:"workspace,omitempty"`
	Peers           int       `json:"peers"`
	OpenConflicts   int       `json:"open_conflicts"`
	OfflineQueue    int       `json:"offline_queue"`
	AutoSync        bool      `json:"auto_sync"`
}

type Option func(*Engine)

// WithPinger replaces the connectivity check, which defaults to pinging the
// known peers of the session.
func WithPinger(p netmon.Pinger) Option {
	return func(e *Engine) {
		e.pinger = p
	}
}

// workspace is everything opened for one shared directory.
type workspace struct {
	root      string
	lock      *flock.Flock
	db        *gorm.DB
	store     *store.Store
	codec     *compress.Codec
	session   *node.Session
	cache     *repository.CacheRepository
	history   *repository.HistoryRepository
	scanner   *scanner.Scanner
	conflicts *conflict.Manager
	executor  *executor.Executor
	monitor   *netmon.Monitor
}

type Engine struct {
	cfg     *config.Config
	pinger  netmon.Pinger
	bus     *events.Bus
	machine *state.Machine
	metrics *metrics.Metrics

	lanes     *queue.Lanes
	debouncer *queue.Debouncer
	offline   *queue.Offline
	burst     *queue.Burst
	fired     chan fired
	reconnect chan struct{}

	mu       sync.RWMutex
	ws       *workspace
	auto     *scheduler
	lastSync time.Time

	// passMu serialises sync passes, conflict resolution and offline replay.
	passMu sync.Mutex
	passes sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc
	stopStates func()
	closeOnce  sync.Once
}

func New(cfg *config.Config, opts ...Option) *Engine {
	baseCtx, baseCancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:        cfg,
		bus:        events.NewBus(),
		machine:    state.NewMachine(),
		metrics:    metrics.New(cfg.Sync.Summary()),
		lanes:      queue.NewLanes(),
		debouncer:  queue.NewDebouncer(cfg.Schedule.Debounce),
		offline:    queue.NewOffline(),
		burst:      queue.NewBurst(burstWindow, cfg.Schedule.BulkThreshold),
		fired:      make(chan fired, firedBuffer),
		reconnect:  make(chan struct{}, 1),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}

	for _, opt := range opts {
		opt(e)
	}

	transitions, stop := e.machine.Subscribe()
	e.stopStates = stop
	go func() {
		for tr := range transitions {
			e.bus.Publish(model.EventStateChanged, tr)
		}
	}()

	return e
}

// Init starts a new shared document over workspace and returns its ticket.
func (e *Engine) Init(ctx context.Context, workspace string) (string, error) {
	ws, err := e.open(workspace, func(opts node.Options) (*node.Session, error) {
		return node.Create(ctx, opts)
	})
	if err != nil {
		return "", err
	}

	return ws.session.Ticket(), nil
}

// Join imports ticket into workspace. Files are transferred by the next
// sync pass.
func (e *Engine) Join(ctx context.Context, workspace, ticket string) error {
	_, err := e.open(workspace, func(opts node.Options) (*node.Session, error) {
		return node.Join(ctx, opts, ticket)
	})
	return err
}

// Resume reopens the document previously created or joined in workspace.
func (e *Engine) Resume(ctx context.Context, workspace string) error {
	_, err := e.open(workspace, func(opts node.Options) (*node.Session, error) {
		return node.Resume(ctx, opts)
	})
	return err
}

// HasSession reports whether workspace holds a document Resume can reopen.
func HasSession(workspace string) bool {
	return node.Exists(node.Options{Workspace: workspace, StateDir: filepath.Join(workspace, stateDirName)})
}

func (e *Engine) open(dir string, connect func(node.Options) (*node.Session, error)) (*workspace, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ws != nil {
		return nil, syncerr.New(syncerr.KindState, "open workspace", "workspace %s is already open", e.ws.root)
	}

	if err := e.machine.To(state.Initializing); err != nil {
		return nil, err
	}

	ws, err := e.build(dir, connect)
	if err != nil {
		_ = e.machine.Fail(err.Error())
		logger.Log.Error("failed to open workspace",
			zap.String("workspace", dir),
			zap.Error(err))
		return nil, err
	}

	e.ws = ws
	if err := e.machine.To(state.Idle); err != nil {
		return nil, err
	}

	logger.Log.Info("workspace opened",
		zap.String("workspace", ws.root),
		zap.String("node", ws.session.Identity().NodeID),
		zap.String("addr", ws.session.Addr()))

	return ws, nil
}

func (e *Engine) build(dir string, connect func(node.Options) (*node.Session, error)) (_ *workspace, err error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, syncerr.WrapPath(syncerr.KindInitialization, "open workspace", dir, err)
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, syncerr.WrapPath(syncerr.KindInitialization, "open workspace", root, err)
	}
	if !info.IsDir() {
		return nil, syncerr.New(syncerr.KindInitialization, "open workspace", "%s is not a directory", root)
	}

	stateDir := filepath.Join(root, stateDirName)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, syncerr.WrapPath(syncerr.KindInitialization, "open workspace", stateDir, err)
	}

	ws := &workspace{root: root, lock: flock.New(filepath.Join(stateDir, lockFile))}

	locked, err := ws.lock.TryLock()
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindInitialization, "lock workspace", err)
	}
	if !locked {
		return nil, syncerr.New(syncerr.KindInitialization, "lock workspace", "%s is in use by another process", root)
	}

	defer func() {
		if err != nil {
			ws.close()
		}
	}()

	if ws.db, err = db.Open(filepath.Join(stateDir, dbFile)); err != nil {
		return nil, syncerr.Wrap(syncerr.KindInitialization, "open state", err)
	}

	if ws.store, err = store.New(filepath.Join(stateDir, blobDir)); err != nil {
		return nil, syncerr.Wrap(syncerr.KindInitialization, "open store", err)
	}

	if ws.codec, err = compress.New(e.cfg.Sync.EnableCompression, e.cfg.Sync.CompressionLevel); err != nil {
		return nil, syncerr.Wrap(syncerr.KindInitialization, "open codec", err)
	}

	ws.session, err = connect(node.Options{
		Workspace:     root,
		StateDir:      stateDir,
		ListenAddr:    e.cfg.ListenAddr,
		AdvertiseAddr: e.cfg.AdvertiseAddr,
		DB:            ws.db,
		Store:         ws.store,
		Codec:         ws.codec,
		MaxPayload:    int64(e.cfg.Sync.MaxMemoryMB) * config.MiB,
	})
	if err != nil {
		return nil, err
	}

	author := ws.session.Identity().NodeID
	ws.cache = repository.NewCacheRepository(ws.db)
	ws.history = repository.NewHistoryRepository(ws.db)
	ws.scanner = scanner.New(root, e.cfg.Sync.ChunkSize, scanner.NewIgnore(root, e.cfg.IgnoreList), ws.cache)
	ws.conflicts = conflict.NewManager(root, author)
	ws.executor = executor.New(executor.Options{
		Root:       root,
		Config:     e.cfg.Sync,
		Log:        ws.session.Log(),
		Remote:     ws.session,
		Store:      ws.store,
		Codec:      ws.codec,
		Cache:      ws.cache,
		History:    ws.history,
		Metrics:    e.metrics,
		OnProgress: e.onProgress,
	})

	pinger := e.pinger
	if pinger == nil {
		pinger = ws.session
	}
	ws.monitor = netmon.New(pinger, e.cfg.Schedule.NetworkPoll, e.onNetworkChange)

	return ws, nil
}

func (ws *workspace) close() {
	if ws.session != nil {
		ws.session.Close()
	}
	if ws.codec != nil {
		ws.codec.Close()
	}
	if ws.db != nil {
		if err := db.Close(ws.db); err != nil {
			logger.Log.Warn("failed to close state db", zap.Error(err))
		}
	}
	if ws.lock != nil {
		_ = ws.lock.Unlock()
	}
}

func (e *Engine) workspace() (*workspace, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.ws == nil {
		return nil, syncerr.New(syncerr.KindState, "workspace", "no workspace is open")
	}

	return e.ws, nil
}

func (e *Engine) onNetworkChange(online bool) {
	e.metrics.SetOnline(online)

	if online {
		select {
		case e.reconnect <- struct{}{}:
		default:
		}
	}
}

// Ticket exports the capability other devices join with.
func (e *Engine) Ticket() (string, error) {
	ws, err := e.workspace()
	if err != nil {
		return "", err
	}

	return ws.session.Ticket(), nil
}

func (e *Engine) Peers() []model.PeerInfo {
	ws, err := e.workspace()
	if err != nil {
		return nil
	}

	return ws.session.Peers()
}

func (e *Engine) Status() Status {
	cur := e.machine.Current()
	snap := e.metrics.Snapshot()

	e.mu.RLock()
	ws, auto, last := e.ws, e.auto, e.lastSync
	e.mu.RUnlock()

	st := Status{
		State:           cur.String(),
		Status:          e.summarize(cur.Kind),
		FilesUploaded:   snap.FilesUploaded,
		FilesDownloaded: snap.FilesDownloaded,
		Timestamp:       last,
		OfflineQueue:    e.offline.Len(),
		AutoSync:        auto != nil,
	}
	if st.Timestamp.IsZero() {
		st.Timestamp = time.Now()
	}

	if ws != nil {
		st.Workspace = ws.root
		st.Peers = len(ws.session.Peers())
		st.OpenConflicts = ws.conflicts.Len()
	}

	return st
}

func (e *Engine) summarize(kind state.Kind) string {
	switch kind {
	case state.Idle:
		if !e.metrics.Online() || e.offline.Len() > 0 {
			return "degraded"
		}
		return "synced"
	case state.Initializing, state.Scanning, state.Syncing:
		return "syncing"
	case state.Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (e *Engine) Metrics() metrics.DetailedMetrics {
	if ws, err := e.workspace(); err == nil {
		e.metrics.SetBandwidth(ws.monitor.Bandwidth())
		e.metrics.SetOpenConflicts(ws.conflicts.Len())
	}
	e.metrics.SetOfflineQueue(e.offline.Len())
	e.metrics.SetDroppedTransitions(e.machine.Dropped())

	return e.metrics.Snapshot()
}

func (e *Engine) Conflicts() []model.ConflictInfo {
	ws, err := e.workspace()
	if err != nil {
		return nil
	}

	return ws.conflicts.List()
}

func (e *Engine) History(n int) ([]model.History, error) {
	ws, err := e.workspace()
	if err != nil {
		return nil, err
	}

	return ws.history.GetRecent(n)
}

func (e *Engine) HistoryStats() (repository.Stats, error) {
	ws, err := e.workspace()
	if err != nil {
		return repository.Stats{}, err
	}

	return ws.history.GetStats()
}

// Events subscribes to host events. The returned function detaches.
func (e *Engine) Events() (<-chan model.Event, func()) {
	return e.bus.Subscribe()
}

// StateChanges subscribes to lifecycle transitions.
func (e *Engine) StateChanges() (<-chan state.Transition, func()) {
	return e.machine.Subscribe()
}

func (e *Engine) State() state.State {
	return e.machine.Current()
}

// Shutdown stops every background task, aborts in-flight passes and
// releases the workspace. Operations already running are not rolled back.
func (e *Engine) Shutdown(ctx context.Context) error {
	var err error

	e.closeOnce.Do(func() {
		e.StopAutoSync()
		e.debouncer.Stop()
		e.baseCancel()

		done := make(chan struct{})
		go func() {
			e.passes.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = syncerr.Wrap(syncerr.KindCancelled, "shutdown", ctx.Err())
		}

		if serr := e.machine.Shutdown(); serr != nil {
			err = errors.Join(err, serr)
		}

		e.mu.Lock()
		if e.ws != nil {
			e.ws.close()
			e.ws = nil
		}
		e.mu.Unlock()

		e.stopStates()
		e.bus.Close()

		logger.Log.Info("engine stopped")
	})

	return err
}
