package compress

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// MinSize is the payload size at or below which compression is skipped.
const MinSize = 1024

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// Codec compresses payloads with zstd. Encoder and decoder are safe for
// concurrent EncodeAll/DecodeAll calls.
type Codec struct {
	enabled bool
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

func New(enabled bool, level int) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Codec{enabled: enabled, enc: enc, dec: dec}, nil
}

// Encode returns the compressed form of data when compression is enabled,
// data is larger than MinSize and the result is smaller. Otherwise data is
// returned unchanged and compressed is false.
func (c *Codec) Encode(data []byte) (out []byte, compressed bool) {
	if !c.enabled || len(data) <= MinSize {
		return data, false
	}

	out = c.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
	if len(out) >= len(data) {
		return data, false
	}

	return out, true
}

func (c *Codec) Decode(data []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return data, nil
	}
	if !IsZstd(data) {
		return nil, fmt.Errorf("failed to decompress: payload is not a zstd frame")
	}

	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}

	return out, nil
}

func IsZstd(data []byte) bool {
	return bytes.HasPrefix(data, zstdMagic)
}

func (c *Codec) Close() {
	_ = c.enc.Close()
	c.dec.Close()
}
