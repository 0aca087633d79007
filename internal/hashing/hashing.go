package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"peersync/internal/syncerr"
)

const DefaultChunkSize = 1 << 20

type Digest [sha256.Size]byte

func HashBytes(data []byte) Digest {
	return sha256.Sum256(data)
}

func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("invalid digest %q: %w", s, err)
	}
	if len(b) != len(d) {
		return d, fmt.Errorf("invalid digest length: %d", len(b))
	}

	copy(d[:], b)
	return d, nil
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) Short() string {
	return d.String()[:12]
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(b []byte) error {
	parsed, err := ParseDigest(string(b))
	if err != nil {
		return err
	}

	*d = parsed
	return nil
}

type Result struct {
	Hash   Digest
	Chunks []Digest
	Size   int64
}

// HashReader streams r through a single chunkSize buffer, producing the
// whole-content digest and one digest per chunk.
func HashReader(r io.Reader, chunkSize int) (Result, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	whole := sha256.New()
	buf := make([]byte, chunkSize)

	var res Result
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			whole.Write(buf[:n])
			res.Chunks = append(res.Chunks, sha256.Sum256(buf[:n]))
			res.Size += int64(n)
		}

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return Result{}, err
		}
	}

	copy(res.Hash[:], whole.Sum(nil))
	return res, nil
}

func HashFile(path string, chunkSize int) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, syncerr.WrapPath(syncerr.KindFileSystem, "open", path, err)
	}

	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	res, err := HashReader(f, chunkSize)
	if err != nil {
		return Result{}, syncerr.WrapPath(syncerr.KindFileSystem, "read", path, err)
	}

	return res, nil
}

// Verify recomputes the digest of data and fails with a Corrupted error on
// mismatch.
func Verify(data []byte, want Digest) error {
	if got := HashBytes(data); got != want {
		return syncerr.New(syncerr.KindCorrupted, "verify", "digest mismatch: want %s, got %s", want.Short(), got.Short())
	}

	return nil
}

// ChangedChunks lists the indexes at which two chunk lists differ,
// including chunks present on only one side.
func ChangedChunks(a, b []Digest) []int {
	var changed []int
	for i := range max(len(a), len(b)) {
		if i >= len(a) || i >= len(b) || a[i] != b[i] {
			changed = append(changed, i)
		}
	}

	return changed
}
