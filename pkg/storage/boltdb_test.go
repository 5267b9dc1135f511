package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/cuemby/kiln/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newJob(t *testing.T, kind types.JobKind) *types.JobRecord {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	return &types.JobRecord{
		ID:        id.String(),
		Kind:      kind,
		State:     types.JobStateRunning,
		StartedAt: time.Now(),
	}
}

func TestCreateGetUpdateJob(t *testing.T) {
	store := newTestStore(t)
	job := newJob(t, types.JobKindBuild)
	job.Args = map[string]string{"queue_id": "7"}

	require.NoError(t, store.CreateJob(job))
	assert.Error(t, store.CreateJob(job), "duplicate IDs are rejected")

	job.State = types.JobStateSucceeded
	job.Items = []types.ItemResult{{Name: "nano", Version: "2.2.6", Status: types.BuildStatusBuilt}}
	require.NoError(t, store.UpdateJob(job))

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateSucceeded, got.State)
	assert.Equal(t, "7", got.Args["queue_id"])
	assert.Equal(t, job.Items, got.Items)
}

func TestGetJob_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetJob("missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	err = store.UpdateJob(&types.JobRecord{ID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListJobs_NewestFirst(t *testing.T) {
	store := newTestStore(t)

	var ids []string
	for _, kind := range []types.JobKind{types.JobKindClone, types.JobKindBuild, types.JobKindSyncPackage} {
		job := newJob(t, kind)
		require.NoError(t, store.CreateJob(job))
		ids = append(ids, job.ID)
	}

	jobs, err := store.ListJobs(0)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, ids[2], jobs[0].ID)
	assert.Equal(t, ids[0], jobs[2].ID)

	jobs, err = store.ListJobs(2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, types.JobKindSyncPackage, jobs[0].Kind)
	assert.Equal(t, types.JobKindBuild, jobs[1].Kind)
}

func TestPruneJobs(t *testing.T) {
	store := newTestStore(t)

	var newest string
	for i := 0; i < 5; i++ {
		job := newJob(t, types.JobKindBuild)
		require.NoError(t, store.CreateJob(job))
		newest = job.ID
	}

	deleted, err := store.PruneJobs(2)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	jobs, err := store.ListJobs(0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, newest, jobs[0].ID)

	deleted, err = store.PruneJobs(10)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestFailInterrupted(t *testing.T) {
	store := newTestStore(t)

	running := newJob(t, types.JobKindBuild)
	done := newJob(t, types.JobKindClone)
	done.State = types.JobStateSucceeded
	require.NoError(t, store.CreateJob(running))
	require.NoError(t, store.CreateJob(done))

	n, err := store.FailInterrupted("worker restarted")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetJob(running.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateFailed, got.State)
	assert.Equal(t, "worker restarted", got.Error)
	assert.False(t, got.FinishedAt.IsZero())

	got, err = store.GetJob(done.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateSucceeded, got.State)
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	job := newJob(t, types.JobKindMedia)
	require.NoError(t, store.CreateJob(job))
	require.NoError(t, store.Close())

	store, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobKindMedia, got.Kind)
}
