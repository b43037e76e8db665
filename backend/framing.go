package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// MagicBytes is the 4-byte prefix for framed object files.
	MagicBytes = []byte("MCO1")

	// ErrInvalidMagic is returned when a file doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected MCO1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")
)

// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
const MaxHeaderSize = 64 * 1024

// frameOverhead is the size of the magic bytes and header length prefix.
const frameOverhead = 8

// ObjectHeader describes a cached plaintext object. It is stored in front of
// the payload so an object file is self-describing.
type ObjectHeader struct {
	ObjectID    string        `json:"object_id"`
	MimeType    string        `json:"mime_type"`
	ByteLength  int64         `json:"byte_length"`
	CachedAt    time.Time     `json:"cached_at"`
	TTL         time.Duration `json:"ttl,omitempty"`
	ContentHash string        `json:"content_hash,omitempty"`
}

// EncodeHeader serializes the frame prefix for header.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON)
func EncodeHeader(header *ObjectHeader) ([]byte, error) {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshaling header: %w", err)
	}
	if len(headerBytes) > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	buf := make([]byte, frameOverhead, frameOverhead+len(headerBytes))
	copy(buf, MagicBytes)
	binary.BigEndian.PutUint32(buf[4:], uint32(len(headerBytes))) //nolint:gosec // bounds-checked above
	return append(buf, headerBytes...), nil
}

// WriteFramed writes a framed object to w.
func WriteFramed(w io.Writer, header *ObjectHeader, body io.Reader) error {
	prefix, err := EncodeHeader(header)
	if err != nil {
		return err
	}
	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}
	return nil
}

// ReadFramed reads a framed object from a stream.
// Returns the parsed header and a reader positioned at the body.
func ReadFramed(r io.Reader) (*ObjectHeader, io.Reader, error) {
	prefix := make([]byte, frameOverhead)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, nil, fmt.Errorf("reading frame prefix: %w", err)
	}
	headerLen, err := parsePrefix(prefix)
	if err != nil {
		return nil, nil, err
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var header ObjectHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}
	return &header, r, nil
}

// ReadFramedAt reads the header of a framed object through random access and
// returns the offset at which the body begins.
func ReadFramedAt(r io.ReaderAt) (*ObjectHeader, int64, error) {
	prefix := make([]byte, frameOverhead)
	if _, err := r.ReadAt(prefix, 0); err != nil {
		return nil, 0, fmt.Errorf("reading frame prefix: %w", err)
	}
	headerLen, err := parsePrefix(prefix)
	if err != nil {
		return nil, 0, err
	}

	headerBytes := make([]byte, headerLen)
	if _, err := r.ReadAt(headerBytes, frameOverhead); err != nil {
		return nil, 0, fmt.Errorf("reading header: %w", err)
	}

	var header ObjectHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, 0, fmt.Errorf("parsing header: %w", err)
	}
	return &header, int64(frameOverhead) + int64(headerLen), nil
}

func parsePrefix(prefix []byte) (uint32, error) {
	if !bytes.Equal(prefix[:4], MagicBytes) {
		return 0, ErrInvalidMagic
	}
	headerLen := binary.BigEndian.Uint32(prefix[4:])
	if headerLen > MaxHeaderSize {
		return 0, ErrHeaderTooLarge
	}
	return headerLen, nil
}
