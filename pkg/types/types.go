package types

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// WorkerState is the lifecycle state of the build worker
type WorkerState string

const (
	WorkerStateOff     WorkerState = "off"
	WorkerStateIdle    WorkerState = "idle"
	WorkerStateBusy    WorkerState = "busy"
	WorkerStateSyncing WorkerState = "syncing"
	WorkerStateFailed  WorkerState = "failed"
)

// AllWorkerStates lists every state, in declaration order
var AllWorkerStates = []WorkerState{
	WorkerStateOff,
	WorkerStateIdle,
	WorkerStateBusy,
	WorkerStateSyncing,
	WorkerStateFailed,
}

// BuildPhase is a step of a single package build, as detected in the
// packaging tool's output
type BuildPhase int

const (
	PhaseStarted BuildPhase = iota
	PhaseFetching
	PhaseUnpacking
	PhasePatching
	PhaseConfiguring
	PhaseBuilding
	PhaseTesting
)

func (p BuildPhase) String() string {
	switch p {
	case PhaseStarted:
		return "started"
	case PhaseFetching:
		return "fetching"
	case PhaseUnpacking:
		return "unpacking"
	case PhasePatching:
		return "patching"
	case PhaseConfiguring:
		return "configuring"
	case PhaseBuilding:
		return "building"
	case PhaseTesting:
		return "testing"
	default:
		return "unknown"
	}
}

// BuildStatus is the per-package status known to the queue coordinator
type BuildStatus string

const (
	BuildStatusPending  BuildStatus = "pending"
	BuildStatusConfig   BuildStatus = "config"
	BuildStatusDownload BuildStatus = "download"
	BuildStatusBuild    BuildStatus = "build"
	BuildStatusFail     BuildStatus = "fail"
	BuildStatusBuilt    BuildStatus = "built"
)

// QueueItem is one package entry of a remote build queue
type QueueItem struct {
	Name        string      `json:"name"`
	Version     string      `json:"version"`
	SpecURI     string      `json:"spec_uri"`
	BuildStatus BuildStatus `json:"build_status"`
}

// QueueSnapshot is the ordered content of a build queue at fetch time
type QueueSnapshot []QueueItem

// Hash digests the ordered "name-version" pairs, each newline-terminated so
// item boundaries are part of the digest. Build status and spec URI are not
// hashed: a queue whose items merely progressed is still the same queue.
func (q QueueSnapshot) Hash() string {
	h := sha256.New()
	for _, item := range q {
		h.Write([]byte(item.Name + "-" + item.Version + "\n"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// StatusUpdate is pushed to the coordinator when a package changes status
type StatusUpdate struct {
	Name        string      `json:"name"`
	BuildStatus BuildStatus `json:"build_status"`
}

// QueuePosition tells the coordinator which item is being processed
type QueuePosition struct {
	Current     int    `json:"current"`
	PackageName string `json:"package_name"`
	Length      int    `json:"length"`
}

// StorageInfo describes the loopback image backing the build environment
type StorageInfo struct {
	Filesystem   string `json:"filesystem" yaml:"filesystem"`
	SizeMiB      int64  `json:"size_mib" yaml:"size_mib"`
	BackingStore string `json:"backing_store" yaml:"backing_store"`
}

// HostInfo is a read-only snapshot of the machine running the worker
type HostInfo struct {
	TotalDiskKiB    uint64 `json:"total_disk_kib"`
	FreeDiskKiB     uint64 `json:"free_disk_kib"`
	Hostname        string `json:"hostname"`
	Kernel          string `json:"kernel"`
	Arch            string `json:"arch"`
	MaxJobs         int    `json:"max_jobs"`
	ImagingProgress int    `json:"imaging_progress"`
}

// JobKind identifies which worker operation produced a job record
type JobKind string

const (
	JobKindClone       JobKind = "clone"
	JobKindSyncPackage JobKind = "sync-packages"
	JobKindSyncLogs    JobKind = "sync-logs"
	JobKindBuild       JobKind = "build"
	JobKindBinaryRepo  JobKind = "binary-repo"
	JobKindMedia       JobKind = "media"
)

// JobState is the outcome of a recorded job
type JobState string

const (
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
)

// ItemResult records what happened to one queue item during a build job
type ItemResult struct {
	Name    string      `json:"name"`
	Version string      `json:"version"`
	Status  BuildStatus `json:"status"`
	Skipped bool        `json:"skipped,omitempty"`
	LogFile string      `json:"log_file,omitempty"`
}

// JobRecord is the persisted history entry of a worker operation
type JobRecord struct {
	ID         string            `json:"id"`
	Kind       JobKind           `json:"kind"`
	Args       map[string]string `json:"args,omitempty"`
	State      JobState          `json:"state"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
	Items      []ItemResult      `json:"items,omitempty"`
}
