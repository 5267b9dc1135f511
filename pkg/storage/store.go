package storage

import (
	"errors"

	"github.com/cuemby/kiln/pkg/types"
)

// ErrNotFound is returned when a job does not exist
var ErrNotFound = errors.New("job not found")

// Store defines the interface for the worker's job history
type Store interface {
	// CreateJob stores a new record; the ID must not exist yet
	CreateJob(job *types.JobRecord) error
	// UpdateJob replaces an existing record
	UpdateJob(job *types.JobRecord) error
	GetJob(id string) (*types.JobRecord, error)
	// ListJobs returns up to limit records, newest first. limit <= 0 means all.
	ListJobs(limit int) ([]*types.JobRecord, error)
	// PruneJobs deletes all but the newest keep records
	PruneJobs(keep int) (int, error)
	// FailInterrupted marks jobs still recorded as running as failed
	FailInterrupted(reason string) (int, error)

	// Utility
	Close() error
}
