// Package manifest persists opaque manifest blobs keyed by content
// hash. The core treats manifests as byte strings; shaping them is the
// caller's business.
package manifest

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/zeebo/blake3"
)

// ErrNotFound is returned when no manifest exists for a hash.
var ErrNotFound = errors.New("manifest not found")

var bucketManifests = []byte("manifests")

// Store is a bolt-backed manifest blob store.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketManifests)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create manifest bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// HashBlob derives the store key for a content blob: blake3, hex.
func HashBlob(blob []byte) string {
	sum := blake3.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// Put stores a manifest blob under a content hash.
func (s *Store) Put(hash string, blob []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketManifests).Put([]byte(hash), blob)
	})
}

// Get returns the manifest blob for a hash.
func (s *Store) Get(hash string) ([]byte, error) {
	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketManifests).Get([]byte(hash))
		if v == nil {
			return ErrNotFound
		}
		blob = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// Delete removes the manifest for a hash. Missing hashes are a no-op.
func (s *Store) Delete(hash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketManifests).Delete([]byte(hash))
	})
}

// List returns every stored hash.
func (s *Store) List() ([]string, error) {
	var hashes []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketManifests).ForEach(func(k, _ []byte) error {
			hashes = append(hashes, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return hashes, nil
}
