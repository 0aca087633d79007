package node

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"peersync/internal/hashing"
	"peersync/internal/metalog"
)

type MessageType byte

const (
	MessageHello   MessageType = 0x01
	MessagePing    MessageType = 0x02
	MessagePull    MessageType = 0x03
	MessagePush    MessageType = 0x04
	MessageGetBlob MessageType = 0x05
	MessagePutBlob MessageType = 0x06
)

func (t MessageType) String() string {
	switch t {
	case MessageHello:
		return "hello"
	case MessagePing:
		return "ping"
	case MessagePull:
		return "pull"
	case MessagePush:
		return "push"
	case MessageGetBlob:
		return "get_blob"
	case MessagePutBlob:
		return "put_blob"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

type ResponseCode byte

const (
	ResponseOK       ResponseCode = 0x00
	ResponseErr      ResponseCode = 0x01
	ResponseSkip     ResponseCode = 0x02
	ResponseNotFound ResponseCode = 0x03
	ResponseDenied   ResponseCode = 0x04
)

const (
	// DefaultMaxPayload bounds a frame body when the session sets no limit.
	DefaultMaxPayload = 256 << 20
	maxString         = 64 << 10
	maxCursorEntries  = 4096
)

type Message struct {
	Type       MessageType
	OriginID   string
	Token      string
	Addr       string
	Device     string
	Cursor     metalog.Cursor
	Hash       hashing.Digest
	Compressed bool
	Data       []byte
}

type Response struct {
	Code       ResponseCode
	Msg        string
	OriginID   string
	Device     string
	Cursor     metalog.Cursor
	Compressed bool
	Data       []byte
}

func WriteMessage(w io.Writer, msg Message) error {
	if _, err := w.Write([]byte{byte(msg.Type)}); err != nil {
		return err
	}

	for _, s := range []string{msg.OriginID, msg.Token, msg.Addr, msg.Device} {
		if err := writeString(w, s); err != nil {
			return err
		}
	}

	if err := writeCursor(w, msg.Cursor); err != nil {
		return err
	}

	if _, err := w.Write(msg.Hash[:]); err != nil {
		return err
	}

	return writePayload(w, msg.Compressed, msg.Data)
}

// ReadHeader reads the type, origin and token of a request so it can be
// authenticated before anything else is read.
func ReadHeader(r io.Reader) (Message, error) {
	var msg Message

	typeBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, typeBuf); err != nil {
		return msg, err
	}
	msg.Type = MessageType(typeBuf[0])

	for _, f := range []*string{&msg.OriginID, &msg.Token} {
		s, err := readString(r)
		if err != nil {
			return msg, err
		}
		*f = s
	}

	return msg, nil
}

// ReadBody reads the rest of a request after ReadHeader. Payloads above
// limit are rejected.
func ReadBody(r io.Reader, msg *Message, limit int64) error {
	for _, f := range []*string{&msg.Addr, &msg.Device} {
		s, err := readString(r)
		if err != nil {
			return err
		}
		*f = s
	}

	cursor, err := readCursor(r)
	if err != nil {
		return err
	}
	msg.Cursor = cursor

	if _, err := io.ReadFull(r, msg.Hash[:]); err != nil {
		return err
	}

	msg.Compressed, msg.Data, err = readPayload(r, limit)
	return err
}

func ReadMessage(r io.Reader, limit int64) (Message, error) {
	msg, err := ReadHeader(r)
	if err != nil {
		return msg, err
	}

	err = ReadBody(r, &msg, limit)
	return msg, err
}

func WriteResponse(w io.Writer, resp Response) error {
	if _, err := w.Write([]byte{byte(resp.Code)}); err != nil {
		return err
	}

	for _, s := range []string{resp.Msg, resp.OriginID, resp.Device} {
		if err := writeString(w, s); err != nil {
			return err
		}
	}

	if err := writeCursor(w, resp.Cursor); err != nil {
		return err
	}

	return writePayload(w, resp.Compressed, resp.Data)
}

func ReadResponse(r io.Reader, limit int64) (Response, error) {
	var resp Response

	codeBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, codeBuf); err != nil {
		return resp, err
	}
	resp.Code = ResponseCode(codeBuf[0])

	fields := []*string{&resp.Msg, &resp.OriginID, &resp.Device}
	for _, f := range fields {
		s, err := readString(r)
		if err != nil {
			return resp, err
		}
		*f = s
	}

	cursor, err := readCursor(r)
	if err != nil {
		return resp, err
	}
	resp.Cursor = cursor

	resp.Compressed, resp.Data, err = readPayload(r, limit)
	return resp, err
}

func writeCursor(w io.Writer, c metalog.Cursor) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(c))); err != nil {
		return err
	}

	for k, v := range c {
		if err := writeString(w, k); err != nil {
			return err
		}

		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}

	return nil
}

func readCursor(r io.Reader) (metalog.Cursor, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}

	if n > maxCursorEntries {
		return nil, fmt.Errorf("cursor too large: %d entries", n)
	}

	c := make(metalog.Cursor)
	for range n {
		k, err := readString(r)
		if err != nil {
			return nil, err
		}

		var v uint64
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return nil, err
		}

		c[k] = v
	}

	return c, nil
}

func writePayload(w io.Writer, compressed bool, data []byte) error {
	flag := byte(0)
	if compressed {
		flag = 1
	}
	if _, err := w.Write([]byte{flag}); err != nil {
		return err
	}

	if err := binary.Write(w, binary.BigEndian, uint64(len(data))); err != nil {
		return err
	}

	_, err := w.Write(data)
	return err
}

func readPayload(r io.Reader, limit int64) (bool, []byte, error) {
	flag := make([]byte, 1)
	if _, err := io.ReadFull(r, flag); err != nil {
		return false, nil, err
	}

	var n uint64
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return false, nil, err
	}
	if limit <= 0 {
		limit = DefaultMaxPayload
	}
	if n > uint64(limit) {
		return false, nil, fmt.Errorf("payload too large: %d bytes", n)
	}
	if n == 0 {
		return flag[0] == 1, nil, nil
	}

	// The buffer grows with what actually arrives, not with the claimed size.
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, r, int64(n)); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return false, nil, err
	}

	return flag[0] == 1, buf.Bytes(), nil
}

func writeString(w io.Writer, s string) error {
	b := []byte(s)
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}

	_, err := w.Write(b)
	return err
}

func readString(r io.Reader) (string, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", err
	}
	if length > maxString {
		return "", fmt.Errorf("string too long: %d bytes", length)
	}

	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}

	return string(b), nil
}
