/*
Package worker implements the build worker: the single owner of the build
environment and the only component that runs jobs inside it.

# Architecture

	         RPC calls (concurrent)
	                 │
	┌────────────────▼─────────────────────────────────┐
	│ Worker                                           │
	│  TryLock ──busy──▶ ErrBusy                       │
	│     │                                            │
	│  record job ─ set state ─ recover boundary       │
	│     │                                            │
	│  ┌──▼──────────────── Environment.With ───────┐  │
	│  │ mount image, start bus                     │  │
	│  │   ┌──────────────────────────────────────┐ │  │
	│  │   │ clone / sync / build / add-repo      │ │  │
	│  │   │   runner ──▶ buildlog ──▶ queue API  │ │  │
	│  │   └──────────────────────────────────────┘ │  │
	│  │ stop bus, kill chroot processes, unmount   │  │
	│  └────────────────────────────────────────────┘  │
	│  state back to Idle, job result stored           │
	└──────────────────────────────────────────────────┘

# Jobs

Every mutating operation (CloneSourceRepo, SyncPackages, SyncLogs,
BeginBuild, AddBinaryRepo, UpdateMedia) is one job. A job holds the worker
mutex from the busy check until the worker is Idle again, so the check and
the environment acquisition cannot race. A second caller gets ErrBusy
immediately; nothing is queued.

State, WorkerBusy and LastError read atomics and never wait for a job.

A job ends when it returns, when its caller's context is done, on Cancel,
or on Close. The environment is exited on every path, including a panic,
which is converted into ErrPanic at the job boundary.

# Build runs

BeginBuild fetches the queue and compares its hash with the one stored in
work_dir/.queue. For an unchanged queue the work and log directories are
kept and packages the coordinator reports as built are skipped. Otherwise
both directories are recreated.

For each package the worker pushes the queue position first, then checks
the spec file. A missing spec stops the run with ErrSpecNotFound. A failed
build or install is reported as "fail" and the run continues.

# Media

UpdateMedia runs as a Syncing job. When the update fails after the old image
was destroyed the worker enters the Failed state, in which only UpdateMedia
is accepted.
*/
package worker
