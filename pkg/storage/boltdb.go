package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/kiln/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// DBFile is the database file name inside the storage directory
const DBFile = "kiln.db"

var (
	// Bucket names
	bucketJobs = []byte("jobs")
)

// BoltStore implements Store using BoltDB. Job IDs are expected to be
// time-ordered (UUIDv7) so that key order is start order.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, DBFile)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketJobs); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketJobs, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putJob(b *bolt.Bucket, job *types.JobRecord) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return b.Put([]byte(job.ID), data)
}

func (s *BoltStore) CreateJob(job *types.JobRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if b.Get([]byte(job.ID)) != nil {
			return fmt.Errorf("job already exists: %s", job.ID)
		}
		return putJob(b, job)
	})
}

func (s *BoltStore) UpdateJob(job *types.JobRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		if b.Get([]byte(job.ID)) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, job.ID)
		}
		return putJob(b, job)
	})
}

func (s *BoltStore) GetJob(id string) (*types.JobRecord, error) {
	var job types.JobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs(limit int) ([]*types.JobRecord, error) {
	var jobs []*types.JobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobs).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(jobs) >= limit {
				break
			}
			var job types.JobRecord
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("failed to decode job %s: %w", k, err)
			}
			jobs = append(jobs, &job)
		}
		return nil
	})
	return jobs, err
}

func (s *BoltStore) PruneJobs(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		var stale [][]byte
		seen := 0
		c := b.Cursor()
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			seen++
			if seen > keep {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

func (s *BoltStore) FailInterrupted(reason string) (int, error) {
	updated := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		var interrupted []*types.JobRecord
		err := b.ForEach(func(k, v []byte) error {
			var job types.JobRecord
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.State == types.JobStateRunning {
				interrupted = append(interrupted, &job)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, job := range interrupted {
			job.State = types.JobStateFailed
			job.Error = reason
			job.FinishedAt = time.Now()
			if err := putJob(b, job); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	return updated, err
}
