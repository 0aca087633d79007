// Package node owns the local identity and the network side of a shared
// workspace: the capability ticket, the peer server and the replication
// client used to exchange metadata records and blobs.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"peersync/internal/compress"
	"peersync/internal/hashing"
	"peersync/internal/logger"
	"peersync/internal/metalog"
	"peersync/internal/model"
	"peersync/internal/repository"
	"peersync/internal/store"
	"peersync/internal/syncerr"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	sessionFile  = "session.json"
	fanoutLimit  = 8
	pullAttempts = 3
	pullBackoff  = 200 * time.Millisecond
)

type Options struct {
	Workspace     string
	StateDir      string
	ListenAddr    string
	AdvertiseAddr string
	DB            *gorm.DB
	Store         *store.Store
	Codec         *compress.Codec
	// MaxPayload caps blob bodies read from the wire. Zero means DefaultMaxPayload.
	MaxPayload int64
}

func (o Options) maxPayload() int64 {
	if o.MaxPayload > 0 {
		return o.MaxPayload
	}
	return DefaultMaxPayload
}

func (o Options) stateDir() string {
	if o.StateDir != "" {
		return o.StateDir
	}
	return filepath.Join(o.Workspace, ".peersync")
}

// Payload is blob content as it travels between peers.
type Payload struct {
	Hash       hashing.Digest
	Data       []byte
	Compressed bool
}

type persisted struct {
	Ticket string `json:"ticket"`
}

type Session struct {
	opts      Options
	identity  Identity
	ticket    Ticket
	auth      *Authenticator
	log       *metalog.Log
	heard     *metalog.Clock
	peers     *repository.PeerRepository
	server    *Server
	client    *client
	advertise string

	closeOnce sync.Once
}

// Create starts a new shared document for the workspace with a fresh identity.
func Create(ctx context.Context, opts Options) (*Session, error) {
	if err := checkWorkspace(opts.Workspace); err != nil {
		return nil, err
	}

	id, err := NewIdentity(opts.stateDir())
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindInitialization, "create identity", err)
	}

	t, err := NewTicket(id.NodeID)
	if err != nil {
		return nil, err
	}

	if err := save(opts.stateDir(), t); err != nil {
		return nil, err
	}

	s, err := open(opts, id, t)
	if err != nil {
		return nil, err
	}

	logger.Log.Info("session created",
		zap.String("namespace", t.Namespace),
		zap.String("node", id.NodeID),
		zap.String("addr", s.advertise))

	return s, nil
}

// Join imports a ticket and starts replicating from the peers it advertises.
// Unreachable peers are not an error: replication resumes once one answers.
func Join(ctx context.Context, opts Options, raw string) (*Session, error) {
	t, err := ParseTicket(raw)
	if err != nil {
		return nil, err
	}

	if err := checkWorkspace(opts.Workspace); err != nil {
		return nil, err
	}

	id, err := LoadIdentity(opts.stateDir())
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindInitialization, "load identity", err)
	}

	if err := save(opts.stateDir(), t); err != nil {
		return nil, err
	}

	s, err := open(opts, id, t)
	if err != nil {
		return nil, err
	}

	for _, addr := range t.Addrs {
		if addr == s.advertise {
			continue
		}
		if err := s.hello(ctx, addr); err != nil {
			logger.Log.Warn("ticket peer unreachable", zap.String("addr", addr), zap.Error(err))
			_ = s.peers.Upsert(model.PeerRecord{NodeID: t.Creator, Addr: addr})
		}
	}

	n, err := s.Pull(ctx)
	if err != nil {
		logger.Log.Warn("initial pull failed", zap.Error(err))
	}

	logger.Log.Info("session joined",
		zap.String("namespace", t.Namespace),
		zap.String("node", id.NodeID),
		zap.Int("records", n))

	return s, nil
}

// Resume reopens the session previously created or joined in the workspace.
func Resume(ctx context.Context, opts Options) (*Session, error) {
	if err := checkWorkspace(opts.Workspace); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(opts.stateDir(), sessionFile))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindInitialization, "read session", err)
	}

	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, syncerr.Wrap(syncerr.KindDocument, "read session", err)
	}

	t, err := ParseTicket(p.Ticket)
	if err != nil {
		return nil, err
	}

	id, err := LoadIdentity(opts.stateDir())
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindInitialization, "load identity", err)
	}

	return open(opts, id, t)
}

// Exists reports whether the workspace already holds a session.
func Exists(opts Options) bool {
	_, err := os.Stat(filepath.Join(opts.stateDir(), sessionFile))
	return err == nil
}

func open(opts Options, id Identity, t Ticket) (*Session, error) {
	if opts.DB == nil || opts.Store == nil || opts.Codec == nil {
		return nil, syncerr.New(syncerr.KindInitialization, "open session", "db, store and codec are required")
	}

	log, err := metalog.Open(opts.DB, t.Namespace, id.NodeID)
	if err != nil {
		return nil, err
	}

	s := &Session{
		opts:     opts,
		identity: id,
		ticket:   t,
		auth:     NewAuthenticator(t, id.NodeID),
		log:      log,
		heard:    metalog.NewClock(),
		peers:    repository.NewPeerRepository(opts.DB),
	}
	s.client = &client{identity: id, auth: s.auth, addr: func() string { return s.advertise }, limit: opts.maxPayload()}

	listen := opts.ListenAddr
	if listen == "" {
		listen = ":0"
	}

	s.server = newServer(s, listen)
	if err := s.server.Start(); err != nil {
		return nil, syncerr.Wrap(syncerr.KindInitialization, "start peer server", err)
	}

	s.advertise = opts.AdvertiseAddr
	if s.advertise == "" {
		s.advertise = advertiseAddr(s.server.Addr())
	}

	return s, nil
}

func checkWorkspace(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return syncerr.WrapPath(syncerr.KindInitialization, "open workspace", path, err)
	}
	if !info.IsDir() {
		return syncerr.New(syncerr.KindInitialization, "open workspace", "%s is not a directory", path)
	}

	if _, err := os.ReadDir(path); err != nil {
		return syncerr.WrapPath(syncerr.KindInitialization, "open workspace", path, err)
	}

	return nil
}

func save(dir string, t Ticket) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return syncerr.Wrap(syncerr.KindInitialization, "save session", err)
	}

	data, err := json.Marshal(persisted{Ticket: t.String()})
	if err != nil {
		return syncerr.Wrap(syncerr.KindDocument, "save session", err)
	}

	if err := os.WriteFile(filepath.Join(dir, sessionFile), data, 0600); err != nil {
		return syncerr.Wrap(syncerr.KindInitialization, "save session", err)
	}

	return nil
}

// advertiseAddr turns a bound listener address into one peers can dial.
func advertiseAddr(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}

	if !tcp.IP.IsUnspecified() {
		return tcp.String()
	}

	host := "127.0.0.1"
	if ifaces, err := net.InterfaceAddrs(); err == nil {
		for _, a := range ifaces {
			ipnet, ok := a.(*net.IPNet)
			if ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				host = ipnet.IP.String()
				break
			}
		}
	}

	return net.JoinHostPort(host, fmt.Sprint(tcp.Port))
}

func (s *Session) Identity() Identity {
	return s.identity
}

func (s *Session) Log() *metalog.Log {
	return s.log
}

// Behind reports whether a peer has advertised records this replica has
// not applied yet. Peers advertise their clock on every ping and pull.
func (s *Session) Behind() bool {
	return !s.log.Clock().Covers(s.heard.Snapshot())
}

func (s *Session) Addr() string {
	return s.advertise
}

// Ticket exports the capability with this node's live address first,
// followed by every other known peer.
func (s *Session) Ticket() string {
	addrs := []string{s.advertise}
	for _, p := range s.remotePeers() {
		if p.Addr != "" && p.Addr != s.advertise {
			addrs = append(addrs, p.Addr)
		}
	}

	return s.ticket.WithAddrs(addrs...).String()
}

func (s *Session) Peers() []model.PeerInfo {
	peers := s.remotePeers()
	infos := make([]model.PeerInfo, 0, len(peers))
	for _, p := range peers {
		infos = append(infos, p.Info())
	}

	return infos
}

func (s *Session) remotePeers() []model.PeerRecord {
	all, err := s.peers.GetAll()
	if err != nil {
		logger.Log.Warn("failed to load peers", zap.Error(err))
		return nil
	}

	peers := all[:0]
	for _, p := range all {
		if p.NodeID != s.identity.NodeID {
			peers = append(peers, p)
		}
	}

	return peers
}

func (s *Session) touchPeer(msg Message) {
	if msg.OriginID == s.identity.NodeID || msg.Addr == "" {
		return
	}

	now := time.Now()
	if err := s.peers.Upsert(model.PeerRecord{
		NodeID:   msg.OriginID,
		Addr:     msg.Addr,
		Device:   msg.Device,
		LastSeen: now,
		Online:   true,
	}); err != nil {
		logger.Log.Warn("failed to record peer", zap.String("peer", msg.OriginID), zap.Error(err))
	}
}

func (s *Session) markPeer(p model.PeerRecord, online bool) {
	if err := s.peers.MarkSeen(p.NodeID, online); err != nil {
		logger.Log.Warn("failed to update peer", zap.String("peer", p.NodeID), zap.Error(err))
	}
}

func (s *Session) hello(ctx context.Context, addr string) error {
	resp, err := s.client.do(ctx, addr, Message{Type: MessageHello})
	if err != nil {
		return err
	}

	if resp.OriginID == "" || resp.OriginID == s.identity.NodeID {
		return nil
	}

	return s.peers.Upsert(model.PeerRecord{
		NodeID:   resp.OriginID,
		Addr:     addr,
		Device:   resp.Device,
		LastSeen: time.Now(),
		Online:   true,
	})
}

// Publish sends a committed record, and the blob it references when data is
// given, to every known peer. It fails only when peers exist and none of
// them accepted the update.
func (s *Session) Publish(ctx context.Context, rec model.LogRecord, blob *Payload) error {
	peers := s.remotePeers()
	if len(peers) == 0 {
		return nil
	}

	records, err := json.Marshal([]model.LogRecord{rec})
	if err != nil {
		return syncerr.Wrap(syncerr.KindDocument, "publish", err)
	}

	var delivered atomic.Int32
	errs := make([]error, len(peers))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(fanoutLimit)
	for i, p := range peers {
		eg.Go(func() error {
			if blob != nil {
				if _, err := s.client.do(egCtx, p.Addr, Message{
					Type:       MessagePutBlob,
					Hash:       blob.Hash,
					Compressed: blob.Compressed,
					Data:       blob.Data,
				}); err != nil {
					errs[i] = err
					s.markPeer(p, false)
					return nil
				}
			}

			if _, err := s.client.do(egCtx, p.Addr, Message{Type: MessagePush, Data: records}); err != nil {
				errs[i] = err
				s.markPeer(p, false)
				return nil
			}

			s.markPeer(p, true)
			delivered.Add(1)
			return nil
		})
	}
	_ = eg.Wait()

	if ctx.Err() != nil {
		return syncerr.Wrap(syncerr.KindCancelled, "publish", ctx.Err())
	}

	if delivered.Load() == 0 {
		return syncerr.WrapPath(syncerr.KindNetwork, "publish", rec.Path, errors.Join(errs...))
	}

	return nil
}

// Fetch asks peers for a blob, most recently seen first.
func (s *Session) Fetch(ctx context.Context, d hashing.Digest) (Payload, error) {
	var errs []error
	for _, p := range s.remotePeers() {
		resp, err := s.client.do(ctx, p.Addr, Message{Type: MessageGetBlob, Hash: d})
		if err != nil {
			if ctx.Err() != nil {
				return Payload{}, syncerr.Wrap(syncerr.KindCancelled, "fetch", ctx.Err())
			}
			errs = append(errs, err)
			s.markPeer(p, false)
			continue
		}

		if resp.Code == ResponseNotFound {
			continue
		}

		return Payload{Hash: d, Data: resp.Data, Compressed: resp.Compressed}, nil
	}

	if len(errs) > 0 {
		return Payload{}, syncerr.WrapPath(syncerr.KindNetwork, "fetch", d.Short(), errors.Join(errs...))
	}

	return Payload{}, syncerr.New(syncerr.KindNetwork, "fetch", "blob %s not available from any peer", d.Short())
}

// Pull merges every peer's records newer than the local cursor and returns
// how many were applied.
func (s *Session) Pull(ctx context.Context) (int, error) {
	peers := s.remotePeers()
	if len(peers) == 0 {
		return 0, nil
	}

	var applied, reached atomic.Int32
	errs := make([]error, len(peers))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(fanoutLimit)
	for i, p := range peers {
		eg.Go(func() error {
			backoff := retry.WithMaxRetries(pullAttempts, retry.NewExponential(pullBackoff))
			errs[i] = retry.Do(egCtx, backoff, func(ctx context.Context) error {
				n, err := s.pullFrom(ctx, p)
				if err != nil {
					if syncerr.IsTransient(err) {
						return retry.RetryableError(err)
					}
					return err
				}

				applied.Add(int32(n))
				return nil
			})

			if errs[i] == nil {
				reached.Add(1)
				s.markPeer(p, true)
			} else {
				s.markPeer(p, false)
			}
			return nil
		})
	}
	_ = eg.Wait()

	if ctx.Err() != nil {
		return int(applied.Load()), syncerr.Wrap(syncerr.KindCancelled, "pull", ctx.Err())
	}

	if reached.Load() == 0 {
		return 0, syncerr.Wrap(syncerr.KindNetwork, "pull", errors.Join(errs...))
	}

	return int(applied.Load()), nil
}

func (s *Session) pullFrom(ctx context.Context, p model.PeerRecord) (int, error) {
	resp, err := s.client.do(ctx, p.Addr, Message{Type: MessagePull, Cursor: s.log.Clock()})
	if err != nil {
		return 0, err
	}

	var records []model.LogRecord
	if err := json.Unmarshal(resp.Data, &records); err != nil {
		return 0, syncerr.WrapPath(syncerr.KindDocument, "pull", p.Addr, err)
	}

	got, err := s.log.Apply(records)
	if err != nil {
		return 0, err
	}
	s.heard.Merge(resp.Cursor)

	if len(got) > 0 {
		logger.Log.Debug("pulled records", zap.String("peer", p.NodeID), zap.Int("applied", len(got)))
	}

	return len(got), nil
}

// Ping pings every known peer and reports how many answered.
func (s *Session) Ping(ctx context.Context) (online, known int) {
	peers := s.remotePeers()

	var answered atomic.Int32
	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Go(func() {
			resp, err := s.client.do(ctx, p.Addr, Message{Type: MessagePing})
			if err != nil {
				s.markPeer(p, false)
				return
			}
			s.heard.Merge(resp.Cursor)
			s.markPeer(p, true)
			answered.Add(1)
		})
	}
	wg.Wait()

	return int(answered.Load()), len(peers)
}

func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.server.Stop()
		logger.Log.Info("session closed", zap.String("node", s.identity.NodeID))
	})
}
