package conflict

import (
	"errors"
	"os"
	"path/filepath"
	"peersync/internal/hashing"
	"peersync/internal/model"
	"peersync/internal/syncerr"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

func entry(path, content string, version uint64, author string, mod time.Time) *model.FileEntry {
	return &model.FileEntry{
		Path:    path,
		Size:    int64(len(content)),
		ModTime: mod,
		Hash:    hashing.HashBytes([]byte(content)),
		Version: version,
		Author:  author,
	}
}

func newManager(t *testing.T) (*Manager, string) {
	t.Helper()

	root := t.TempDir()
	m := NewManager(root, "me")
	m.now = func() time.Time { return base }
	return m, root
}

func bothModified(local, remote time.Time) model.ConflictInfo {
	return model.ConflictInfo{
		Path:   "notes/plan.md",
		Type:   model.ConflictBothModified,
		Local:  entry("notes/plan.md", "mine", 2, "me", local),
		Remote: entry("notes/plan.md", "theirs", 3, "peer", remote),
		Base:   entry("notes/plan.md", "old", 2, "peer", base.Add(-time.Hour)),
	}
}

func TestRecordAndList(t *testing.T) {
	m, _ := newManager(t)

	added := m.Record([]model.ConflictInfo{bothModified(base, base), {Path: "a.txt", Type: model.ConflictDeletedLocally}})
	assert.Equal(t, []string{"notes/plan.md", "a.txt"}, added)

	added = m.Record([]model.ConflictInfo{bothModified(base, base)})
	assert.Empty(t, added)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a.txt", list[0].Path)
	assert.Equal(t, 2, m.Len())
}

func TestLastWriteWins(t *testing.T) {
	tests := []struct {
		name     string
		local    time.Time
		remote   time.Time
		wantKind model.OpKind
		winner   string
	}{
		{"local newer", base.Add(time.Minute), base, model.OpUpload, "me"},
		{"remote newer", base, base.Add(time.Minute), model.OpDownload, "peer"},
		{"tie keeps remote", base, base, model.OpDownload, "peer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newManager(t)
			m.Record([]model.ConflictInfo{bothModified(tt.local, tt.remote)})

			res, err := m.Resolve("notes/plan.md", model.PolicyLastWriteWins)
			require.NoError(t, err)
			require.Len(t, res.Operations, 1)
			assert.Equal(t, tt.wantKind, res.Operations[0].Kind)
			assert.Equal(t, tt.winner, res.Winner)
			assert.True(t, res.Conflict.Resolved)
			assert.Zero(t, m.Len())

			if tt.wantKind == model.OpUpload {
				assert.Equal(t, uint64(4), res.Operations[0].Entry.Version)
			}
		})
	}
}

func TestFirstWriteWinsKeepsLogVersion(t *testing.T) {
	m, _ := newManager(t)
	c := model.ConflictInfo{
		Path:   "a.txt",
		Type:   model.ConflictDeletedRemotely,
		Local:  entry("a.txt", "edited", 1, "me", base),
		Remote: &model.FileEntry{Path: "a.txt", Version: 2, Author: "peer", Deleted: true, ModTime: base},
	}
	m.Record([]model.ConflictInfo{c})

	res, err := m.Resolve("a.txt", model.PolicyFirstWriteWins)
	require.NoError(t, err)
	require.Len(t, res.Operations, 1)
	assert.Equal(t, model.OpDelete, res.Operations[0].Kind)
	assert.True(t, res.Operations[0].Local)
}

func TestKeepBoth(t *testing.T) {
	m, root := newManager(t)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "notes"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes", "plan.md"), []byte("mine"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes", "plan_local_20260504_103000.md"), []byte("taken"), 0644))

	m.Record([]model.ConflictInfo{bothModified(base, base)})

	res, err := m.Resolve("notes/plan.md", model.PolicyKeepBoth)
	require.NoError(t, err)

	backup := "notes/plan_local_20260504_103000_2.md"
	assert.Equal(t, backup, res.Conflict.BackupPath)

	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(backup)))
	require.NoError(t, err)
	assert.Equal(t, "mine", string(data))

	_, err = os.Stat(filepath.Join(root, "notes", "plan.md"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.Len(t, res.Operations, 2)
	assert.Equal(t, model.OpUpload, res.Operations[0].Kind)
	assert.Equal(t, backup, res.Operations[0].Path)
	assert.Equal(t, model.OpDownload, res.Operations[1].Kind)
	assert.Equal(t, "notes/plan.md", res.Operations[1].Path)
	assert.Equal(t, "peer", res.Winner)
}

func TestKeepBothDeletedLocallyRestores(t *testing.T) {
	m, _ := newManager(t)
	m.Record([]model.ConflictInfo{{
		Path:   "a.txt",
		Type:   model.ConflictDeletedLocally,
		Remote: entry("a.txt", "theirs", 3, "peer", base),
	}})

	res, err := m.Resolve("a.txt", model.PolicyKeepBoth)
	require.NoError(t, err)
	require.Len(t, res.Operations, 1)
	assert.Equal(t, model.OpDownload, res.Operations[0].Kind)
}

func TestManualAndAutoMerge(t *testing.T) {
	m, _ := newManager(t)
	m.Record([]model.ConflictInfo{bothModified(base, base)})

	res, err := m.Resolve("notes/plan.md", model.PolicyManual)
	require.NoError(t, err)
	assert.Empty(t, res.Operations)
	assert.Equal(t, 1, m.Len())

	_, err = m.Resolve("notes/plan.md", model.PolicyAutoMerge)
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerr.State))
	assert.Equal(t, 1, m.Len())

	_, err = m.Resolve("unknown.md", model.PolicyKeepBoth)
	assert.True(t, errors.Is(err, syncerr.State))
}

func TestAutoResolve(t *testing.T) {
	m, _ := newManager(t)
	m.Record([]model.ConflictInfo{
		bothModified(base.Add(time.Minute), base),
		{Path: "b.txt", Type: model.ConflictDeletedLocally, Remote: entry("b.txt", "x", 2, "peer", base)},
	})

	resolved, kept := m.AutoResolve(model.PolicyManual)
	assert.Empty(t, resolved)
	assert.Len(t, kept, 2)

	resolved, kept = m.AutoResolve(model.PolicyLastWriteWins)
	assert.Len(t, resolved, 2)
	assert.Empty(t, kept)
	assert.Zero(t, m.Len())
}

func TestPrune(t *testing.T) {
	m, _ := newManager(t)
	m.Record([]model.ConflictInfo{
		bothModified(base, base),
		{Path: "a.txt", Type: model.ConflictDeletedLocally},
		{Path: "locked/c.txt", Type: model.ConflictDeletedRemotely},
	})

	outside := func(p string) bool { return p != "locked/c.txt" }
	pruned := m.Prune(outside, []model.ConflictInfo{{Path: "a.txt"}})
	assert.Equal(t, []string{"notes/plan.md"}, pruned)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a.txt", list[0].Path)
	assert.Equal(t, "locked/c.txt", list[1].Path)

	_, err := m.Resolve("notes/plan.md", model.PolicyKeepBoth)
	assert.True(t, errors.Is(err, syncerr.State))
}
