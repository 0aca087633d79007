package node

import (
	"bytes"
	"encoding/binary"
	"peersync/internal/hashing"
	"peersync/internal/metalog"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageFraming(t *testing.T) {
	msg := Message{
		Type:       MessagePutBlob,
		OriginID:   "node-a",
		Token:      "tok",
		Addr:       "127.0.0.1:9100",
		Device:     "laptop",
		Cursor:     metalog.Cursor{"node-a": 7, "node-b": 3},
		Hash:       hashing.HashBytes([]byte("blob")),
		Compressed: true,
		Data:       []byte("blob"),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, msg))

	got, err := ReadMessage(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
	assert.Zero(t, buf.Len())
}

func TestResponseFraming(t *testing.T) {
	resp := Response{
		Code:     ResponseNotFound,
		Msg:      "missing",
		OriginID: "node-b",
		Cursor:   metalog.Cursor{"node-b": 1},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, resp))

	got, err := ReadResponse(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, resp.Code, got.Code)
	assert.Equal(t, resp.Msg, got.Msg)
	assert.Equal(t, resp.OriginID, got.OriginID)
	assert.Equal(t, resp.Cursor, got.Cursor)
	assert.Empty(t, got.Data)
}

func TestReadMessageTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Message{Type: MessagePing, OriginID: "node-a"}))

	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-3])
	_, err := ReadMessage(truncated, 0)
	assert.Error(t, err)
}

// claimPayload rewrites the trailing payload length of an empty-bodied frame.
func claimPayload(t *testing.T, msg Message, n uint64) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, msg))

	frame := buf.Bytes()
	binary.BigEndian.PutUint64(frame[len(frame)-8:], n)
	return frame
}

func TestReadMessageRejectsPayloadOverLimit(t *testing.T) {
	frame := claimPayload(t, Message{Type: MessagePutBlob, OriginID: "node-a"}, 1<<30)

	_, err := ReadMessage(bytes.NewReader(frame), 1<<20)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payload too large")
}

func TestReadMessageDoesNotTrustClaimedLength(t *testing.T) {
	frame := claimPayload(t, Message{Type: MessagePutBlob, OriginID: "node-a"}, 1<<30)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)

	_, err := ReadMessage(bytes.NewReader(frame), 2<<30)

	runtime.ReadMemStats(&after)
	require.Error(t, err)
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(16<<20))
}

func TestReadMessageRejectsHugeCursor(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(MessagePull))
	for range 4 {
		require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(0)))
	}
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(0xFFFFFFFF)))

	_, err := ReadMessage(&buf, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cursor too large")
}

func TestReadHeaderStopsBeforeBody(t *testing.T) {
	frame := claimPayload(t, Message{Type: MessagePush, OriginID: "node-a", Token: "tok", Device: "laptop"}, 1<<30)

	r := bytes.NewReader(frame)
	msg, err := ReadHeader(r)
	require.NoError(t, err)
	assert.Equal(t, MessagePush, msg.Type)
	assert.Equal(t, "node-a", msg.OriginID)
	assert.Equal(t, "tok", msg.Token)
	assert.Empty(t, msg.Device)
	assert.Positive(t, r.Len())
}
