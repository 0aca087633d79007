// Package conflict keeps the table of diverged paths and turns a
// resolution policy into ordinary sync operations.
package conflict

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"peersync/internal/logger"
	"peersync/internal/model"
	"peersync/internal/syncerr"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Resolution is the outcome of applying a policy to one conflict. Winner
// is the author whose record survives once the operations complete.
type Resolution struct {
	Conflict   model.ConflictInfo    `json:"conflict"`
	Policy     model.ConflictPolicy  `json:"policy"`
	Operations []model.SyncOperation `json:"operations"`
	Winner     string                `json:"winner"`
}

type Manager struct {
	root   string
	author string
	now    func() time.Time

	mu    sync.Mutex
	table map[string]model.ConflictInfo
}

func NewManager(root, author string) *Manager {
	return &Manager{
		root:   root,
		author: author,
		now:    time.Now,
		table:  make(map[string]model.ConflictInfo),
	}
}

// Record adds conflicts to the table and returns the paths that were not
// already known.
func (m *Manager) Record(conflicts []model.ConflictInfo) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var added []string
	for _, c := range conflicts {
		if _, ok := m.table[c.Path]; !ok {
			added = append(added, c.Path)
		}
		m.table[c.Path] = c
	}

	for _, p := range added {
		logger.Log.Warn("conflict detected",
			zap.String("path", p),
			zap.String("type", string(m.table[p].Type)))
	}

	return added
}

func (m *Manager) List() []model.ConflictInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.ConflictInfo, 0, len(m.table))
	for _, c := range m.table {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b model.ConflictInfo) int { return strings.Compare(a.Path, b.Path) })

	return out
}

func (m *Manager) Get(p string) (model.ConflictInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.table[p]
	return c, ok
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.table)
}

// Forget drops a conflict that no longer applies.
func (m *Manager) Forget(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.table, p)
}

// Prune drops every recorded conflict on a path inside scope that the
// latest plan no longer reports, and returns the dropped paths. A path the
// user converged by hand stops being a conflict this way.
func (m *Manager) Prune(scope func(p string) bool, detected []model.ConflictInfo) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pruned []string
	for p := range m.table {
		if !scope(p) || slices.ContainsFunc(detected, func(c model.ConflictInfo) bool { return c.Path == p }) {
			continue
		}
		delete(m.table, p)
		pruned = append(pruned, p)
	}
	slices.Sort(pruned)

	for _, p := range pruned {
		logger.Log.Info("conflict cleared", zap.String("path", p))
	}

	return pruned
}

// Resolve applies policy to the conflict on p. On success the entry leaves
// the table and the returned operations must go through the executor.
// Manual leaves the entry in place and returns no operations.
func (m *Manager) Resolve(p string, policy model.ConflictPolicy) (Resolution, error) {
	m.mu.Lock()
	c, ok := m.table[p]
	m.mu.Unlock()

	if !ok {
		return Resolution{}, syncerr.New(syncerr.KindState, "resolve conflict", "no conflict recorded for %s", p)
	}

	res, err := m.apply(c, policy)
	if err != nil {
		return Resolution{}, err
	}

	if policy != model.PolicyManual {
		m.mu.Lock()
		delete(m.table, p)
		m.mu.Unlock()

		logger.Log.Info("conflict resolved",
			zap.String("path", p),
			zap.String("policy", string(policy)),
			zap.Int("ops", len(res.Operations)))
	}

	return res, nil
}

// AutoResolve resolves every recorded conflict with policy. Conflicts the
// policy leaves for the user are reported in kept.
func (m *Manager) AutoResolve(policy model.ConflictPolicy) (resolved []Resolution, kept []model.ConflictInfo) {
	for _, c := range m.List() {
		if policy == model.PolicyManual || policy == model.PolicyAutoMerge {
			kept = append(kept, c)
			continue
		}

		res, err := m.Resolve(c.Path, policy)
		if err != nil {
			logger.Log.Warn("conflict left unresolved", zap.String("path", c.Path), zap.Error(err))
			kept = append(kept, c)
			continue
		}
		resolved = append(resolved, res)
	}

	return resolved, kept
}

func (m *Manager) apply(c model.ConflictInfo, policy model.ConflictPolicy) (Resolution, error) {
	res := Resolution{Conflict: c, Policy: policy}

	switch policy {
	case model.PolicyLastWriteWins:
		if c.Local != nil && (c.Remote == nil || c.Local.ModTime.After(c.Remote.ModTime)) {
			m.keepLocal(&res)
		} else {
			m.keepRemote(&res)
		}

	case model.PolicyFirstWriteWins:
		m.keepRemote(&res)

	case model.PolicyKeepBoth:
		if err := m.keepBoth(&res); err != nil {
			return Resolution{}, err
		}

	case model.PolicyManual:
		return res, nil

	case model.PolicyAutoMerge:
		return Resolution{}, syncerr.New(syncerr.KindState, "resolve conflict", "auto-merge is not implemented")

	default:
		return Resolution{}, syncerr.New(syncerr.KindState, "resolve conflict", "unknown policy %q", policy)
	}

	res.Conflict.Resolved = true
	return res, nil
}

func (m *Manager) keepLocal(res *Resolution) {
	c := res.Conflict
	if c.Local == nil {
		m.keepRemote(res)
		return
	}

	local := *c.Local
	local.Version = c.NextVersion()
	local.Author = m.author
	local.Deleted = false

	res.Operations = append(res.Operations, model.NewUpload(local))
	res.Winner = m.author
}

// keepRemote converges on the log's version. A local file that was
// deleted is restored instead of lost.
func (m *Manager) keepRemote(res *Resolution) {
	c := res.Conflict
	if c.Remote == nil {
		if c.Local != nil {
			m.keepLocal(res)
		}
		return
	}

	if c.Remote.Deleted {
		res.Operations = append(res.Operations, model.NewLocalDelete(*c.Remote))
	} else {
		res.Operations = append(res.Operations, model.NewDownload(*c.Remote))
	}
	res.Winner = c.Remote.Author
}

func (m *Manager) keepBoth(res *Resolution) error {
	c := res.Conflict

	switch {
	case c.Local == nil:
		m.keepRemote(res)
		return nil
	case c.Remote == nil || c.Remote.Deleted:
		m.keepLocal(res)
		return nil
	}

	backup, err := m.backup(c.Path)
	if err != nil {
		return err
	}

	renamed := *c.Local
	renamed.Path = backup
	renamed.Version = 1
	renamed.Author = m.author
	renamed.Deleted = false

	res.Conflict.BackupPath = backup
	res.Operations = append(res.Operations, model.NewUpload(renamed), model.NewDownload(*c.Remote))
	res.Winner = c.Remote.Author

	return nil
}

// backup renames the local file to <stem>_local_<timestamp><ext>, adding a
// counter when that name is taken, and returns the new relative path.
func (m *Manager) backup(rel string) (string, error) {
	ext := path.Ext(rel)
	stem := strings.TrimSuffix(rel, ext)
	stamp := m.now().Format("20060102_150405")

	src := filepath.Join(m.root, filepath.FromSlash(rel))

	candidate := fmt.Sprintf("%s_local_%s%s", stem, stamp, ext)
	for i := 2; ; i++ {
		if _, err := os.Lstat(filepath.Join(m.root, filepath.FromSlash(candidate))); os.IsNotExist(err) {
			break
		}
		candidate = fmt.Sprintf("%s_local_%s_%d%s", stem, stamp, i, ext)
	}

	dst := filepath.Join(m.root, filepath.FromSlash(candidate))
	if err := os.Rename(src, dst); err != nil {
		return "", syncerr.WrapPath(syncerr.KindFileSystem, "backup", rel, err)
	}

	logger.Log.Info("conflict backup created",
		zap.String("original", rel),
		zap.String("backup", candidate))

	return candidate, nil
}
