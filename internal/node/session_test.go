package node

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"path/filepath"
	"peersync/internal/compress"
	"peersync/internal/db"
	"peersync/internal/hashing"
	"peersync/internal/model"
	"peersync/internal/store"
	"peersync/internal/syncerr"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(t *testing.T) Options {
	t.Helper()

	workspace := t.TempDir()
	state := filepath.Join(workspace, ".peersync")

	gdb, err := db.Open(filepath.Join(state, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })

	blobs, err := store.New(filepath.Join(state, "blobs"))
	require.NoError(t, err)

	codec, err := compress.New(true, 3)
	require.NoError(t, err)
	t.Cleanup(codec.Close)

	return Options{
		Workspace:  workspace,
		StateDir:   state,
		ListenAddr: "127.0.0.1:0",
		DB:         gdb,
		Store:      blobs,
		Codec:      codec,
	}
}

func pair(t *testing.T) (*Session, *Session) {
	t.Helper()
	ctx := context.Background()

	a, err := Create(ctx, testOptions(t))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	b, err := Join(ctx, testOptions(t), a.Ticket())
	require.NoError(t, err)
	t.Cleanup(b.Close)

	return a, b
}

func fileEntry(path string, data []byte, version uint64) model.FileEntry {
	return model.FileEntry{
		Path:    path,
		Size:    int64(len(data)),
		ModTime: time.Unix(1700000000, 0).UTC(),
		Hash:    hashing.HashBytes(data),
		Version: version,
	}
}

func TestCreateRequiresWorkspace(t *testing.T) {
	opts := testOptions(t)
	opts.Workspace = filepath.Join(opts.Workspace, "missing")

	_, err := Create(context.Background(), opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerr.Initialization))
}

func TestJoinRejectsMalformedTicket(t *testing.T) {
	_, err := Join(context.Background(), testOptions(t), "psync1-not-a-ticket")
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerr.Document))
}

func TestJoinDiscoversPeers(t *testing.T) {
	a, b := pair(t)

	peers := b.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, a.Identity().NodeID, peers[0].NodeID)
	assert.Equal(t, a.Addr(), peers[0].Addr)
	assert.True(t, peers[0].Online)

	peers = a.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, b.Identity().NodeID, peers[0].NodeID)

	ticket, err := ParseTicket(b.Ticket())
	require.NoError(t, err)
	assert.Equal(t, a.ticket.Namespace, ticket.Namespace)
	assert.Equal(t, []string{b.Addr(), a.Addr()}, ticket.Addrs)
}

func TestPublishReplicatesRecordAndBlob(t *testing.T) {
	a, b := pair(t)
	ctx := context.Background()

	data := make([]byte, 8192)
	for i := range data {
		data[i] = byte(i % 7)
	}
	e := fileEntry("docs/readme.md", data, 1)

	_, err := a.opts.Store.Put(data)
	require.NoError(t, err)
	rec, err := a.Log().Set(e)
	require.NoError(t, err)

	out, compressed := a.opts.Codec.Encode(data)
	require.True(t, compressed)
	require.NoError(t, a.Publish(ctx, rec, &Payload{Hash: e.Hash, Data: out, Compressed: compressed}))

	snap, err := b.Log().Snapshot()
	require.NoError(t, err)
	require.Contains(t, snap, "docs/readme.md")
	assert.Equal(t, e.Hash, snap["docs/readme.md"].Hash)
	assert.Equal(t, a.Identity().NodeID, snap["docs/readme.md"].Author)

	got, err := b.opts.Store.Get(e.Hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPublishRejectsCorruptedBlob(t *testing.T) {
	a, b := pair(t)

	e := fileEntry("a.txt", []byte("expected"), 1)
	rec, err := a.Log().Set(e)
	require.NoError(t, err)

	err = a.Publish(context.Background(), rec, &Payload{Hash: e.Hash, Data: []byte("tampered")})
	require.Error(t, err)
	assert.False(t, b.opts.Store.Has(e.Hash))
}

func TestFetchAndPull(t *testing.T) {
	a, b := pair(t)
	ctx := context.Background()

	data := []byte("only on a")
	e := fileEntry("a.txt", data, 1)
	_, err := a.opts.Store.Put(data)
	require.NoError(t, err)
	_, err = a.Log().Set(e)
	require.NoError(t, err)

	n, err := b.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = b.Pull(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	p, err := b.Fetch(ctx, e.Hash)
	require.NoError(t, err)
	got, err := b.opts.Codec.Decode(p.Data, p.Compressed)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = b.Fetch(ctx, hashing.HashBytes([]byte("nobody has this")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerr.Network))
}

func TestBehindFollowsAdvertisedClock(t *testing.T) {
	a, b := pair(t)
	ctx := context.Background()
	assert.False(t, b.Behind())

	_, err := a.Log().Set(fileEntry("late.txt", []byte("late"), 1))
	require.NoError(t, err)

	online, _ := b.Ping(ctx)
	require.Equal(t, 1, online)
	assert.True(t, b.Behind())

	_, err = b.Pull(ctx)
	require.NoError(t, err)
	assert.False(t, b.Behind())
}

func TestServerDeniesForeignTicket(t *testing.T) {
	a, _ := pair(t)

	foreign, err := NewTicket("intruder")
	require.NoError(t, err)
	foreign.Namespace = a.ticket.Namespace

	c := &client{
		identity: Identity{NodeID: "intruder"},
		auth:     NewAuthenticator(foreign, "intruder"),
		addr:     func() string { return "127.0.0.1:1" },
	}

	resp, err := c.do(context.Background(), a.Addr(), Message{Type: MessagePull})
	require.Error(t, err)
	assert.Equal(t, ResponseDenied, resp.Code)
	for _, p := range a.Peers() {
		assert.NotEqual(t, "intruder", p.NodeID)
	}
}

func TestServerDeniesBeforeReadingBody(t *testing.T) {
	a, _ := pair(t)

	conn, err := net.DialTimeout("tcp", a.Addr(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	// Header with a bogus token, then a body that claims far more than is sent.
	var frame bytes.Buffer
	require.NoError(t, WriteMessage(&frame, Message{Type: MessagePutBlob, OriginID: "intruder", Token: "bogus"}))
	raw := frame.Bytes()
	binary.BigEndian.PutUint64(raw[len(raw)-8:], 1<<30)
	_, err = conn.Write(raw)
	require.NoError(t, err)

	start := time.Now()
	resp, err := ReadResponse(bufio.NewReader(conn), 0)
	require.NoError(t, err)
	assert.Equal(t, ResponseDenied, resp.Code)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestResume(t *testing.T) {
	opts := testOptions(t)
	ctx := context.Background()

	a, err := Create(ctx, opts)
	require.NoError(t, err)
	ticket := a.ticket
	id := a.Identity()
	a.Close()

	assert.True(t, Exists(opts))

	r, err := Resume(ctx, opts)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, id.NodeID, r.Identity().NodeID)
	assert.Equal(t, ticket.Namespace, r.ticket.Namespace)

	_, err = os.Stat(filepath.Join(opts.StateDir, sessionFile))
	assert.NoError(t, err)
}
