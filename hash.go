package mediacache

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// HashSize is the length of a BLAKE3-256 digest.
const HashSize = 32

// Hash is a BLAKE3-256 digest of a payload, a wrapped key or an object id.
type Hash [HashSize]byte

// String returns the lowercase hex digest, the form stored in index
// entries and export documents.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns the first 8 bytes in hex, for log lines.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// Dir returns the shard directory for storage keys.
func (h Hash) Dir() string {
	return hex.EncodeToString(h[:1])
}

// HashBytes digests data held in memory.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashReader drains r and returns its digest and length.
func HashReader(r io.Reader) (Hash, int64, error) {
	hr := NewHashingReader(r)
	if _, err := io.Copy(io.Discard, hr); err != nil {
		return Hash{}, hr.BytesRead(), fmt.Errorf("hashing content: %w", err)
	}
	return hr.Sum(), hr.BytesRead(), nil
}

// HashingReader digests and counts bytes as they pass through to the
// consumer, so a stream is verified without a second pass.
type HashingReader struct {
	r io.Reader
	h *blake3.Hasher
	n int64
}

// NewHashingReader wraps r.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{r: r, h: blake3.New()}
}

func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		_, _ = hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the digest of the bytes read so far.
func (hr *HashingReader) Sum() Hash {
	var sum Hash
	hr.h.Sum(sum[:0])
	return sum
}

// BytesRead returns the number of bytes read so far.
func (hr *HashingReader) BytesRead() int64 {
	return hr.n
}
