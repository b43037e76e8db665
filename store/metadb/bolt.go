package metadb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"go.etcd.io/bbolt"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = fmt.Errorf("metadb: %w", mediacache.ErrNotFound)

// BoltDB is the bbolt-backed index.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketObjectsByID,
			bucketObjectsByAccess,
			bucketObjectAccessByID,
			bucketSessionMirrors,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	return b.db.Close()
}

// GetObject returns the index entry for id.
func (b *BoltDB) GetObject(_ context.Context, id string) (*ObjectEntry, error) {
	var entry *ObjectEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketObjectsByID).Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		e, err := decodeEntry(val)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	return entry, err
}

// PutObject inserts or replaces the entry for entry.ObjectID and moves it
// in the LRU index to its access time.
func (b *BoltDB) PutObject(_ context.Context, entry *ObjectEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling object entry: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketObjectsByID).Put([]byte(entry.ObjectID), data); err != nil {
			return fmt.Errorf("putting object: %w", err)
		}
		return b.updateAccessIndex(tx, entry.ObjectID, entry.AccessedAt())
	})
}

// TouchObject records a read of id at the current time.
func (b *BoltDB) TouchObject(_ context.Context, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketObjectsByID)
		val := bucket.Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		entry, err := decodeEntry(val)
		if err != nil {
			return err
		}
		entry.LastAccess = b.now()

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshaling object entry: %w", err)
		}
		if err := bucket.Put([]byte(id), data); err != nil {
			return fmt.Errorf("putting object: %w", err)
		}
		return b.updateAccessIndex(tx, id, entry.LastAccess)
	})
}

// DeleteObject removes the entry for id. Missing entries are not an error.
func (b *BoltDB) DeleteObject(_ context.Context, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := b.removeAccessIndex(tx, id); err != nil {
			return err
		}
		return tx.Bucket(bucketObjectsByID).Delete([]byte(id))
	})
}

// ListObjects returns every entry ordered by object id.
func (b *BoltDB) ListObjects(_ context.Context) ([]*ObjectEntry, error) {
	var entries []*ObjectEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketObjectsByID).ForEach(func(_, v []byte) error {
			e, err := decodeEntry(v)
			if err != nil {
				b.logger.Warn("skipping invalid object entry", "error", err)
				return nil
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

// ObjectsByAccess returns up to limit entries, least recently used first.
// A limit of zero or less returns every entry.
func (b *BoltDB) ObjectsByAccess(_ context.Context, limit int) ([]*ObjectEntry, error) {
	var entries []*ObjectEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		byID := tx.Bucket(bucketObjectsByID)
		c := tx.Bucket(bucketObjectsByAccess).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			val := byID.Get(v)
			if val == nil {
				continue
			}
			e, err := decodeEntry(val)
			if err != nil {
				continue
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// Totals returns the entry count, total bytes and access time range.
func (b *BoltDB) Totals(_ context.Context) (Totals, error) {
	var t Totals
	err := b.db.View(func(tx *bbolt.Tx) error {
		err := tx.Bucket(bucketObjectsByID).ForEach(func(_, v []byte) error {
			e, err := decodeEntry(v)
			if err != nil {
				return nil
			}
			t.Count++
			t.Bytes += e.Size
			return nil
		})
		if err != nil {
			return err
		}

		c := tx.Bucket(bucketObjectsByAccess).Cursor()
		if k, _ := c.First(); k != nil {
			t.Oldest = decodeTimestamp(k)
		}
		if k, _ := c.Last(); k != nil {
			t.Newest = decodeTimestamp(k)
		}
		return nil
	})
	return t, err
}

// ClearObjects removes every object entry and the LRU index.
func (b *BoltDB) ClearObjects(_ context.Context) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketObjectsByID, bucketObjectsByAccess, bucketObjectAccessByID} {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("deleting bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// updateAccessIndex replaces the LRU index entry for id.
func (b *BoltDB) updateAccessIndex(tx *bbolt.Tx, id string, at time.Time) error {
	if err := b.removeAccessIndex(tx, id); err != nil {
		return err
	}
	ts := encodeTimestamp(at)
	if err := tx.Bucket(bucketObjectsByAccess).Put(makeAccessKey(at, id), []byte(id)); err != nil {
		return fmt.Errorf("putting access index: %w", err)
	}
	return tx.Bucket(bucketObjectAccessByID).Put([]byte(id), ts)
}

func (b *BoltDB) removeAccessIndex(tx *bbolt.Tx, id string) error {
	reverse := tx.Bucket(bucketObjectAccessByID)
	ts := reverse.Get([]byte(id))
	if ts == nil {
		return nil
	}
	key := make([]byte, 0, len(ts)+len(id))
	key = append(key, ts...)
	key = append(key, id...)
	if err := tx.Bucket(bucketObjectsByAccess).Delete(key); err != nil {
		return fmt.Errorf("deleting access index: %w", err)
	}
	return reverse.Delete([]byte(id))
}

// GetSessionMirror returns the mirror for address.
func (b *BoltDB) GetSessionMirror(_ context.Context, address string) (*SessionMirror, error) {
	var mirror SessionMirror
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketSessionMirrors).Get([]byte(address))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &mirror)
	})
	if err != nil {
		return nil, err
	}
	return &mirror, nil
}

// PutSessionMirror stores the mirror under its address.
func (b *BoltDB) PutSessionMirror(_ context.Context, mirror *SessionMirror) error {
	data, err := json.Marshal(mirror)
	if err != nil {
		return fmt.Errorf("marshaling session mirror: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessionMirrors).Put([]byte(mirror.Address), data)
	})
}

// DeleteSessionMirror removes the mirror for address, if any.
func (b *BoltDB) DeleteSessionMirror(_ context.Context, address string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessionMirrors).Delete([]byte(address))
	})
}

// ClearSessionMirrors removes every session mirror.
func (b *BoltDB) ClearSessionMirrors(_ context.Context) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSessionMirrors)
		var keys [][]byte
		if err := bucket.ForEach(func(k, _ []byte) error {
			keys = append(keys, bytes.Clone(k))
			return nil
		}); err != nil {
			return err
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func decodeEntry(val []byte) (*ObjectEntry, error) {
	var e ObjectEntry
	if err := json.Unmarshal(val, &e); err != nil {
		return nil, fmt.Errorf("unmarshaling object entry: %w", err)
	}
	return &e, nil
}
