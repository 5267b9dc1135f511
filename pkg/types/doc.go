/*
Package types defines the data structures shared by every kiln package.

The types here describe the worker's domain: the worker lifecycle state, the
build phases recognised in the packaging tool's output, the items of a remote
build queue and the status updates pushed back to the queue coordinator, the
loopback image metadata, and the job history records kept by the storage
package.

# Core Types

Worker:
  - WorkerState: off, idle, busy, syncing, failed
  - JobKind / JobState / JobRecord: persisted operation history
  - ItemResult: per-package outcome inside a build job

Build progress:
  - BuildPhase: started, fetching, unpacking, patching, configuring,
    building, testing (ordered, but a build may skip phases)
  - BuildStatus: pending, config, download, build, fail, built

Queue coordinator:
  - QueueItem: name, version, spec URI and remote build status
  - StatusUpdate: body of PUT queue/{id}/
  - QueuePosition: body of PUT queuestatus/{id}/

Host and storage:
  - StorageInfo: filesystem, size in MiB and backing store of the image
  - HostInfo: disk, hostname, kernel, arch, max jobs, imaging progress

All types serialise to JSON with snake_case keys; StorageInfo also carries
YAML tags because it is persisted next to the image.
*/
package types
