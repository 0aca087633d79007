package store

import (
	"os"
	"peersync/internal/hashing"
	"peersync/internal/syncerr"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGet(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	data := []byte("content addressed")
	d, err := s.Put(data)
	require.NoError(t, err)
	assert.Equal(t, hashing.HashBytes(data), d)
	assert.True(t, s.Has(d))

	again, err := s.Put(data)
	require.NoError(t, err)
	assert.Equal(t, d, again)

	got, err := s.Get(d)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = os.Stat(s.Path(d))
	assert.NoError(t, err)
}

func TestGetMissing(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(hashing.HashBytes([]byte("nope")))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, s.Has(hashing.HashBytes([]byte("nope"))))
}

func TestGetCorrupted(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	d, err := s.Put([]byte("original"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(d), []byte("tampered"), 0644))

	// A fresh store has a cold cache and must read from disk.
	cold, err := New(dir)
	require.NoError(t, err)

	_, err = cold.Get(d)
	assert.ErrorIs(t, err, syncerr.Corrupted)
	assert.False(t, cold.Has(d))
}
