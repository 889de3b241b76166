package bolt

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/goodtune/restatus/internal/storage"
)

const bucketDocuments = "documents"

// Store implements storage.Store using bbolt.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketDocuments)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketDocuments, err)
		}
		return nil
	})
}

// Close closes the underlying store database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load decodes the named document into v.
func (s *Store) Load(ctx context.Context, name string, v any) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketDocuments))
		if bucket == nil {
			return storage.ErrNotFound
		}

		data := bucket.Get([]byte(name))
		if data == nil {
			return storage.ErrNotFound
		}

		return storage.Unmarshal(data, v)
	})
}

// Save replaces the named document.
func (s *Store) Save(ctx context.Context, name string, v any) error {
	data, err := storage.Marshal(v)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketDocuments))
		if bucket == nil {
			return fmt.Errorf("%s bucket not found", bucketDocuments)
		}
		return bucket.Put([]byte(name), data)
	})
}

// Delete removes the named document. Deleting a missing document is not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketDocuments))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(name))
	})
}
