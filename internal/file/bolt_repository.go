package file

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketRecords      = []byte("records")
	bucketDeletionKeys = []byte("deletion_keys")
	bucketExpiry       = []byte("expiry")
)

// BoltRepository keeps file metadata in an embedded bbolt database. Records are
// keyed by storage identifier, with secondary buckets for deletion keys and an
// expiry index ordered by time.
type BoltRepository struct {
	db *bbolt.DB
}

// OpenBoltRepository opens or creates the database at path, creating its
// parent directory if needed.
func OpenBoltRepository(path string) (*BoltRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create bolt directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketDeletionKeys, bucketExpiry} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltRepository{db: db}, nil
}

// Close closes the underlying database.
func (r *BoltRepository) Close() error { return r.db.Close() }

// Insert stores rec under a fresh sequence ID. Either token already being
// present yields ErrConflict.
func (r *BoltRepository) Insert(ctx context.Context, rec Record) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	var stored Record
	err := r.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		keys := tx.Bucket(bucketDeletionKeys)
		if records.Get([]byte(rec.StorageID)) != nil || keys.Get([]byte(rec.DeletionKey)) != nil {
			return ErrConflict
		}

		seq, err := records.NextSequence()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		stored = rec.withID(int64(seq))

		data, err := encodeGob(stored)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		if err := records.Put([]byte(stored.StorageID), data); err != nil {
			return fmt.Errorf("put record: %w", err)
		}
		if err := keys.Put([]byte(stored.DeletionKey), []byte(stored.StorageID)); err != nil {
			return fmt.Errorf("put deletion key: %w", err)
		}
		if stored.ExpiresAt != nil {
			if err := tx.Bucket(bucketExpiry).Put(expiryKey(*stored.ExpiresAt, stored.StorageID), nil); err != nil {
				return fmt.Errorf("put expiry index: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return stored, nil
}

// FindByStorageID fetches the record for a download token.
func (r *BoltRepository) FindByStorageID(ctx context.Context, storageID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	var rec Record
	err := r.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getRecord(tx, storageID)
		return err
	})
	return rec, err
}

// FindByDeletionKey fetches the record for a deletion token.
func (r *BoltRepository) FindByDeletionKey(ctx context.Context, deletionKey string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	var rec Record
	err := r.db.View(func(tx *bbolt.Tx) error {
		storageID := tx.Bucket(bucketDeletionKeys).Get([]byte(deletionKey))
		if storageID == nil {
			return ErrNotFound
		}
		var err error
		rec, err = getRecord(tx, string(storageID))
		return err
	})
	return rec, err
}

// FindExpiredBefore walks the expiry index up to, but excluding, t.
func (r *BoltRepository) FindExpiredBefore(ctx context.Context, t time.Time) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := expiryPrefix(t)

	var records []Record
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketExpiry).Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k[:8], limit) < 0; k, _ = c.Next() {
			rec, err := getRecord(tx, string(k[8:]))
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			if rec.ExpiresAt != nil && rec.ExpiresAt.Before(t) {
				records = append(records, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Delete removes the record and its index entries. Bolt serializes writers, so
// exactly one of several concurrent calls observes the record and returns true.
func (r *BoltRepository) Delete(ctx context.Context, rec Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	removed := false
	err := r.db.Update(func(tx *bbolt.Tx) error {
		stored, err := getRecord(tx, rec.StorageID)
		if errors.Is(err, ErrNotFound) || (err == nil && stored.ID != rec.ID) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := tx.Bucket(bucketRecords).Delete([]byte(stored.StorageID)); err != nil {
			return fmt.Errorf("delete record: %w", err)
		}
		if err := tx.Bucket(bucketDeletionKeys).Delete([]byte(stored.DeletionKey)); err != nil {
			return fmt.Errorf("delete deletion key: %w", err)
		}
		if stored.ExpiresAt != nil {
			if err := tx.Bucket(bucketExpiry).Delete(expiryKey(*stored.ExpiresAt, stored.StorageID)); err != nil {
				return fmt.Errorf("delete expiry index: %w", err)
			}
		}
		removed = true
		return nil
	})
	return removed, err
}

// Ping verifies the database can open a read transaction.
func (r *BoltRepository) Ping(_ context.Context) error {
	return r.db.View(func(*bbolt.Tx) error { return nil })
}

func getRecord(tx *bbolt.Tx, storageID string) (Record, error) {
	data := tx.Bucket(bucketRecords).Get([]byte(storageID))
	if data == nil {
		return Record{}, ErrNotFound
	}
	var rec Record
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// expiryPrefix encodes t as 8 big-endian bytes so keys sort chronologically.
func expiryPrefix(t time.Time) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(t.UnixNano()))
	return k
}

func expiryKey(t time.Time, storageID string) []byte {
	return append(expiryPrefix(t), storageID...)
}
