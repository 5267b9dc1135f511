/*
Package api implements the kiln.Slave gRPC service through which the
coordinator and the kiln CLI drive a worker.

# Architecture

	┌──────────── COORDINATOR / CLI ─────────────┐
	│  pkg/client  (content-subtype "json")      │
	└──────────┬──────────────────────┬──────────┘
	           │ TCP :8090            │ unix /run/kiln/kiln.sock
	┌──────────▼──────────────────────▼──────────┐
	│  Server                                    │
	│   remote listener    local listener        │
	│   LoggingInterceptor LoggingInterceptor    │
	│                      ReadOnlyInterceptor   │
	└──────────┬─────────────────────────────────┘
	           │
	    Worker (jobs, history)   Host (disk, image)   events.Broker

The service has no generated code. ServiceDesc is declared by hand and the
messages are plain structs encoded by a JSON codec registered under
CodecName; clients must call with grpc.CallContentSubtype(CodecName).

# Methods

Queries:

	GetHostInfo      disk space, kernel, MaxJobs, imaging progress
	GetStorageInfo   the installed image description, if any
	WorkerBusy       whether a job holds the worker
	GetState         state, busy flag, current job and last error
	ListJobs, GetJob job history
	WatchEvents      server stream of events.Event, optionally filtered

Jobs, each blocking until the worker finishes:

	UpdateMedia, AddSourceRepo, SyncPackages, SyncLogs,
	BeginBuild, AddBinaryRepo

A job call answers with Result. A refused or failed job (busy worker,
failed build) is Result{OK: false} rather than a gRPC error, so callers
see every job outcome the same way. Requests missing required fields fail
with codes.InvalidArgument before the worker is involved. Cancelling the
call cancels the job.

CancelJob cancels whatever job is running.

# Local socket

The unix socket listener accepts queries only; everything else fails
with codes.PermissionDenied. It lets operators inspect a worker without
exposing job control to local users.

# Monitoring

HealthServer serves /health, /ready, /live and /metrics from pkg/metrics
on the metrics address. Every call is counted in kiln_api_requests_total
by method and status, with "failed" for jobs that returned an error.
*/
package api
