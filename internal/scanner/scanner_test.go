package scanner

import (
	"context"
	"os"
	"path/filepath"
	"peersync/internal/hashing"
	"peersync/internal/model"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticBaseline map[string]model.FileEntry

func (b staticBaseline) All() (map[string]model.FileEntry, error) {
	return b, nil
}

func write(t *testing.T, root, rel, content string) {
	t.Helper()

	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestIgnoreRules(t *testing.T) {
	root := t.TempDir()
	write(t, root, IgnoreFile, "build/\n*.log\n")

	ig := NewIgnore(root, []string{"*.swp"})

	tests := []struct {
		path    string
		ignored bool
	}{
		{"notes/today.md", false},
		{".gitignore", false},
		{"sub/.gitattributes", false},
		{IgnoreFile, false},
		{".hidden", true},
		{"docs/.secret/a.md", true},
		{".git/config", true},
		{".peersync/state.db", true},
		{".lokus/cache", true},
		{"web/node_modules/x/index.js", true},
		{"photos/.DS_Store", true},
		{"a.tmp", true},
		{"a.backup", true},
		{"draft.md~", true},
		{"draft.md.swp", true},
		{".a.md.123.peersync.tmp", true},
		{"build/out.bin", true},
		{"logs/server.log", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.ignored, ig.Match(tt.path))
		})
	}
}

func TestScanBuildsEntries(t *testing.T) {
	root := t.TempDir()
	write(t, root, "a.txt", "alpha")
	write(t, root, "nested/deep/b.md", "bravo")
	write(t, root, ".git/HEAD", "ref")
	write(t, root, "node_modules/pkg/index.js", "x")
	write(t, root, "tmp.tmp", "scratch")

	s := New(root, 4, NewIgnore(root, nil), nil)

	res, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 2, res.Hashed)
	assert.Zero(t, res.Skipped)
	require.Len(t, res.Entries, 2)

	a := res.Entries["a.txt"]
	assert.Equal(t, int64(5), a.Size)
	assert.Equal(t, hashing.HashBytes([]byte("alpha")), a.Hash)
	assert.Len(t, a.Chunks, 2)

	assert.Contains(t, res.Entries, "nested/deep/b.md")
	assert.Equal(t, res.Entries, s.Snapshot())
}

func TestScanIsDeterministic(t *testing.T) {
	root := t.TempDir()
	for i := range 20 {
		write(t, root, filepath.Join("dir", string(rune('a'+i))+".txt"), string(rune('a'+i)))
	}

	s := New(root, 0, NewIgnore(root, nil), nil)
	first, err := s.Scan(context.Background())
	require.NoError(t, err)
	second, err := s.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Entries, second.Entries)
}

func TestScanReusesBaseline(t *testing.T) {
	root := t.TempDir()
	write(t, root, "a.txt", "alpha")
	write(t, root, "b.txt", "bravo")

	fresh := New(root, 0, NewIgnore(root, nil), nil)
	first, err := fresh.Scan(context.Background())
	require.NoError(t, err)

	base := staticBaseline{}
	for k, v := range first.Entries {
		v.Version = 4
		v.Author = "node-a"
		base[k] = v
	}

	write(t, root, "b.txt", "bravo, changed")

	s := New(root, 0, NewIgnore(root, nil), base)
	res, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 1, res.Hashed)

	assert.Equal(t, uint64(4), res.Entries["a.txt"].Version)
	assert.Equal(t, hashing.HashBytes([]byte("bravo, changed")), res.Entries["b.txt"].Hash)
}

func TestScanSkipsUnreadable(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced")
	}

	root := t.TempDir()
	write(t, root, "ok.txt", "fine")
	write(t, root, "locked.txt", "nope")
	require.NoError(t, os.Chmod(filepath.Join(root, "locked.txt"), 0))

	res, err := New(root, 0, NewIgnore(root, nil), nil).Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, res.Errors, 1)
	assert.Contains(t, res.Entries, "ok.txt")
	assert.NotContains(t, res.Entries, "locked.txt")
	assert.Equal(t, []string{"locked.txt"}, res.Failed)
}

func TestScanReportsFailedReads(t *testing.T) {
	root := t.TempDir()
	write(t, root, "ok.txt", "fine")
	write(t, root, "busy.txt", "held open elsewhere")

	orig := hashFile
	t.Cleanup(func() { hashFile = orig })
	hashFile = func(path string, chunkSize int) (hashing.Result, error) {
		if filepath.Base(path) == "busy.txt" {
			return hashing.Result{}, os.ErrPermission
		}
		return orig(path, chunkSize)
	}

	res, err := New(root, 0, NewIgnore(root, nil), nil).Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []string{"busy.txt"}, res.Failed)
	assert.Contains(t, res.Entries, "ok.txt")
	assert.NotContains(t, res.Entries, "busy.txt")
}

func TestStat(t *testing.T) {
	root := t.TempDir()
	write(t, root, "a.txt", "alpha")

	s := New(root, 0, NewIgnore(root, nil), nil)

	e, ok, err := s.Stat("a.txt", model.FileEntry{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, hashing.HashBytes([]byte("alpha")), e.Hash)

	_, ok, err = s.Stat("missing.txt", model.FileEntry{})
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Stat(".git/HEAD", model.FileEntry{})
	require.NoError(t, err)
	assert.False(t, ok)
}
