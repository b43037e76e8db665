// Package exchange moves cached content between devices as a single
// checksummed document bound to a wallet identity.
package exchange

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/content"
)

// Version is the document format version written by Export.
const Version = 1

var (
	// ErrWalletMismatch is returned when a document belongs to another identity.
	ErrWalletMismatch = fmt.Errorf("exchange: %w", mediacache.ErrWalletMismatch)

	// ErrInvalidDocument is returned for unreadable, unsupported or
	// tampered documents.
	ErrInvalidDocument = errors.New("exchange: invalid document")
)

// zstdMagic starts every zstd frame.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// Document is the export format.
type Document struct {
	Version       int       `json:"version"`
	ExportedAt    time.Time `json:"exportedAt"`
	AppVersion    string    `json:"appVersion"`
	WalletAddress string    `json:"walletAddress"`
	VideoCount    int       `json:"videoCount"`
	Videos        []Video   `json:"videos"`
	Metadata      []Meta    `json:"metadata"`
	Checksum      string    `json:"checksum"`
}

// Video carries one object's plaintext.
type Video struct {
	ObjectID string `json:"objectId"`
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// Meta carries one object's cache metadata.
type Meta struct {
	ObjectID       string    `json:"objectId"`
	MimeType       string    `json:"mimeType"`
	ByteLength     int64     `json:"byteLength"`
	CachedAt       time.Time `json:"cachedAt"`
	TTLMillis      int64     `json:"ttl"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	ContentHash    string    `json:"contentHash"`
}

// Store is the content cache being exported from or imported into.
// *content.Cache implements it.
type Store interface {
	List(ctx context.Context) ([]*content.Entry, error)
	Has(ctx context.Context, id string) bool
	ReadAll(ctx context.Context, id string) (*content.Entry, []byte, error)
	Restore(ctx context.Context, entry *content.Entry, data []byte) error
}

// ExportOptions describes the export.
type ExportOptions struct {
	Wallet     string
	AppVersion string
	Now        func() time.Time
	Logger     *slog.Logger
}

// Export builds a document holding every live cached object.
func Export(ctx context.Context, store Store, opts ExportOptions) (*Document, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if strings.TrimSpace(opts.Wallet) == "" {
		return nil, fmt.Errorf("%w: wallet address required", ErrInvalidDocument)
	}

	entries, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing cache: %w", err)
	}

	doc := &Document{
		Version:       Version,
		ExportedAt:    opts.Now().UTC(),
		AppVersion:    opts.AppVersion,
		WalletAddress: normalize(opts.Wallet),
		Videos:        []Video{},
		Metadata:      []Meta{},
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !store.Has(ctx, e.ObjectID) {
			continue
		}
		entry, data, err := store.ReadAll(ctx, e.ObjectID)
		if err != nil {
			if errors.Is(err, content.ErrNotFound) || errors.Is(err, content.ErrCorrupted) {
				opts.Logger.Warn("skipping object in export", "object_id", e.ObjectID, "error", err)
				continue
			}
			return nil, err
		}
		doc.Videos = append(doc.Videos, Video{ObjectID: entry.ObjectID, MimeType: entry.MimeType, Data: data})
		doc.Metadata = append(doc.Metadata, Meta{
			ObjectID:       entry.ObjectID,
			MimeType:       entry.MimeType,
			ByteLength:     entry.Size,
			CachedAt:       entry.CachedAt,
			TTLMillis:      entry.TTL.Milliseconds(),
			LastAccessedAt: entry.AccessedAt(),
			ContentHash:    entry.ContentHash,
		})
	}

	doc.VideoCount = len(doc.Videos)
	sum, err := checksum(doc)
	if err != nil {
		return nil, err
	}
	doc.Checksum = sum
	return doc, nil
}

// ImportResult reports what Import restored.
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  []string `json:"skipped,omitempty"`
}

// Import restores every object in doc for wallet. The document is fully
// validated before anything is written; a wallet mismatch or a bad
// checksum leaves the cache untouched.
func Import(ctx context.Context, store Store, doc *Document, wallet string) (*ImportResult, error) {
	if err := Validate(doc); err != nil {
		return nil, err
	}
	if normalize(doc.WalletAddress) != normalize(wallet) {
		return nil, fmt.Errorf("%w: document belongs to %s", ErrWalletMismatch, doc.WalletAddress)
	}

	meta := make(map[string]Meta, len(doc.Metadata))
	for _, m := range doc.Metadata {
		meta[m.ObjectID] = m
	}

	entries := make([]*content.Entry, 0, len(doc.Videos))
	for _, v := range doc.Videos {
		m, ok := meta[v.ObjectID]
		if !ok {
			return nil, fmt.Errorf("%w: no metadata for %s", ErrInvalidDocument, v.ObjectID)
		}
		if err := mediacache.ValidateObjectID(v.ObjectID); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
		}
		if int64(len(v.Data)) != m.ByteLength || mediacache.HashBytes(v.Data).String() != m.ContentHash {
			return nil, fmt.Errorf("%w: %s payload does not match its metadata", ErrInvalidDocument, v.ObjectID)
		}
		entries = append(entries, &content.Entry{
			ObjectID:    v.ObjectID,
			MimeType:    m.MimeType,
			Size:        m.ByteLength,
			CachedAt:    m.CachedAt,
			TTL:         time.Duration(m.TTLMillis) * time.Millisecond,
			LastAccess:  m.LastAccessedAt,
			ContentHash: m.ContentHash,
		})
	}

	result := &ImportResult{}
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := store.Restore(ctx, entry, doc.Videos[i].Data); err != nil {
			if errors.Is(err, mediacache.ErrQuotaExceeded) {
				return result, err
			}
			result.Skipped = append(result.Skipped, entry.ObjectID)
			continue
		}
		result.Imported++
	}
	return result, nil
}

// Validate checks the version, count and checksum of doc.
func Validate(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("%w: empty", ErrInvalidDocument)
	}
	if doc.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidDocument, doc.Version)
	}
	if doc.VideoCount != len(doc.Videos) || len(doc.Videos) != len(doc.Metadata) {
		return fmt.Errorf("%w: count mismatch", ErrInvalidDocument)
	}
	sum, err := checksum(doc)
	if err != nil {
		return err
	}
	if sum != doc.Checksum {
		return fmt.Errorf("%w: checksum mismatch", ErrInvalidDocument)
	}
	return nil
}

// checksum is the BLAKE3 digest of the document's JSON with an empty
// checksum field.
func checksum(doc *Document) (string, error) {
	unsummed := *doc
	unsummed.Checksum = ""
	data, err := json.Marshal(&unsummed)
	if err != nil {
		return "", fmt.Errorf("encoding document: %w", err)
	}
	return mediacache.HashBytes(data).String(), nil
}

// Encode writes doc as JSON, zstd compressed when compress is set.
func Encode(w io.Writer, doc *Document, compress bool) error {
	if !compress {
		return json.NewEncoder(w).Encode(doc)
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("creating zstd writer: %w", err)
	}
	if err := json.NewEncoder(enc).Encode(doc); err != nil {
		_ = enc.Close()
		return fmt.Errorf("encoding document: %w", err)
	}
	return enc.Close()
}

// Decode reads a document written by Encode, detecting compression.
func Decode(r io.Reader) (*Document, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(len(zstdMagic))

	var src io.Reader = br
	if bytes.Equal(head, zstdMagic) {
		dec, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
		}
		defer dec.Close()
		src = dec
	}

	var doc Document
	if err := json.NewDecoder(src).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	return &doc, nil
}

func normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
