/*
Package storage keeps the worker's job history in BoltDB.

Every worker operation (clone, build, sync, repository, media) is recorded
as a types.JobRecord when it starts and updated when it ends, so operators
can see what a worker did after the coordinator call returned.

# Layout

	<builder.storage>/kiln.db
	└── bucket "jobs"
	    └── <job ID> → JSON-encoded types.JobRecord

Job IDs are UUIDv7, which sort by creation time. ListJobs and PruneJobs rely
on that: walking the bucket backwards yields the newest jobs first, and
pruning deletes from the front.

# Restarts

A daemon killed mid-job leaves its record in the running state.
FailInterrupted, called by worker.Start, marks such records failed so the
history never shows a job running on an idle worker.

# Concurrency

bbolt serializes write transactions and allows concurrent readers; the
worker writes at most one job at a time while API calls read.

	store, err := storage.NewBoltStore("/var/lib/kiln")
	if err != nil {
		return err
	}
	defer store.Close()

	jobs, err := store.ListJobs(20)
*/
package storage
