// Package kv defines the bolt-backed column store persisting the node's
// chain artifacts: the flat-storage columns (state mirror, statuses,
// deltas), chunk extras, block headers and the destination trie column
// used by offline reconstruction.
package kv

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// DatabaseFileName is the name of the bolt database file.
const DatabaseFileName = "shardchain.db"

// ErrNotFound is returned when a requested object is absent.
var ErrNotFound = errors.New("not found in db")

// Store is the bolt-backed implementation of the column store.
type Store struct {
	db           *bolt.DB
	databasePath string
}

// NewKVStore initializes a store at the given directory, creating the
// database file and buckets when absent.
func NewKVStore(dirPath string) (*Store, error) {
	if err := os.MkdirAll(dirPath, 0o700); err != nil {
		return nil, errors.Wrap(err, "could not create database directory")
	}
	datafile := filepath.Join(dirPath, DatabaseFileName)
	db, err := bolt.Open(datafile, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, errors.New("cannot obtain database lock, database may be in use by another process")
		}
		return nil, err
	}
	kv := &Store{db: db, databasePath: dirPath}
	if err := kv.db.Update(func(tx *bolt.Tx) error {
		return createBuckets(tx,
			flatStateBucket,
			flatStorageStatusBucket,
			flatStateChangesBucket,
			flatDeltaMetadataBucket,
			chunkExtraBucket,
			blockHeadersBucket,
			headerHeightIndexBucket,
			trieNodesBucket,
			trieValuesBucket,
			chainMetaBucket,
		)
	}); err != nil {
		return nil, err
	}
	return kv, nil
}

func createBuckets(tx *bolt.Tx, buckets ...[]byte) error {
	for _, bucket := range buckets {
		if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DatabasePath is the directory the database file lives in.
func (s *Store) DatabasePath() string {
	return s.databasePath
}

// update and view keep call sites terse.
func (s *Store) update(fn func(*bolt.Tx) error) error { return s.db.Update(fn) }
func (s *Store) view(fn func(*bolt.Tx) error) error   { return s.db.View(fn) }
