// Package store persists armed deferred batches in BoltDB so they survive a
// restart.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/groupsend/internal/batch"
)

var (
	bucketBatches = []byte("scheduled_batches")
	bucketByTime  = []byte("scheduled_by_time")
)

// ErrNotScheduled is returned when saving a batch without a send time
var ErrNotScheduled = errors.New("batch has no scheduled time")

// indexTimeLayout is fixed-width so index keys sort in time order
const indexTimeLayout = "20060102T150405.000000000Z"

// BoltStore keeps scheduled batches keyed by ID with a fire-time index
type BoltStore struct {
	db *bolt.DB
}

// Open opens (or creates) the database at path
func Open(path string) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBatches, bucketByTime} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Save stores a deferred batch and indexes it by fire time
func (s *BoltStore) Save(ctx context.Context, b *batch.Batch) error {
	if !b.Scheduled() {
		return ErrNotScheduled
	}

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBatches).Put([]byte(b.ID), data); err != nil {
			return fmt.Errorf("failed to store batch: %w", err)
		}
		if err := tx.Bucket(bucketByTime).Put(makeIndexKey(b.ScheduledAt, b.ID), []byte(b.ID)); err != nil {
			return fmt.Errorf("failed to add to time index: %w", err)
		}
		return nil
	})
}

// Get retrieves a batch by ID; nil when absent
func (s *BoltStore) Get(ctx context.Context, id string) (*batch.Batch, error) {
	var b *batch.Batch

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBatches).Get([]byte(id))
		if data == nil {
			return nil
		}
		b = &batch.Batch{}
		return json.Unmarshal(data, b)
	})

	return b, err
}

// Delete removes a batch and its index entry. Deleting a missing batch is
// not an error.
func (s *BoltStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		batches := tx.Bucket(bucketBatches)

		data := batches.Get([]byte(id))
		if data == nil {
			return nil
		}

		var b batch.Batch
		if err := json.Unmarshal(data, &b); err == nil {
			tx.Bucket(bucketByTime).Delete(makeIndexKey(b.ScheduledAt, b.ID))
		}

		return batches.Delete([]byte(id))
	})
}

// List returns every stored batch ordered by fire time
func (s *BoltStore) List(ctx context.Context) ([]*batch.Batch, error) {
	var out []*batch.Batch

	err := s.db.View(func(tx *bolt.Tx) error {
		batches := tx.Bucket(bucketBatches)
		c := tx.Bucket(bucketByTime).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			data := batches.Get(v)
			if data == nil {
				continue
			}
			var b batch.Batch
			if err := json.Unmarshal(data, &b); err != nil {
				continue
			}
			out = append(out, &b)
		}
		return nil
	})

	return out, err
}

// Close closes the database connection
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(indexTimeLayout) + ":" + id)
}
