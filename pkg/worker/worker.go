package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/kiln/pkg/environment"
	"github.com/cuemby/kiln/pkg/events"
	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/media"
	"github.com/cuemby/kiln/pkg/metrics"
	"github.com/cuemby/kiln/pkg/queue"
	"github.com/cuemby/kiln/pkg/runner"
	"github.com/cuemby/kiln/pkg/storage"
	"github.com/cuemby/kiln/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

var (
	// ErrBusy is returned when another job holds the worker
	ErrBusy = errors.New("worker is busy")

	// ErrNotRunning is returned before Start and after Close
	ErrNotRunning = errors.New("worker is not running")

	// ErrImageIncomplete is returned while the build image is unusable
	// after a failed media update
	ErrImageIncomplete = errors.New("build image incomplete, update media first")

	// ErrUnsupportedVCS is returned for version control kinds other than
	// git and mercurial
	ErrUnsupportedVCS = errors.New("unsupported version control system")

	// ErrSpecNotFound aborts a build run when a queue item's spec file is
	// missing from the cloned repository
	ErrSpecNotFound = errors.New("package spec not found")

	// ErrPanic wraps a fault recovered at the job boundary
	ErrPanic = errors.New("worker job panicked")
)

// Environment is the scoped build environment the worker runs jobs in
type Environment interface {
	With(ctx context.Context, opts environment.EnterOptions, fn func(ctx context.Context) error) error
	MountPoint() string
}

// MediaUpdater rebuilds the build image
type MediaUpdater interface {
	Update(ctx context.Context, info types.StorageInfo) error
}

// Config holds worker configuration and collaborators
type Config struct {
	// DataDir holds pisi-template
	DataDir   string
	Autoclean bool
	BindHome  bool
	// MaxJobs replaces the job count placeholder; defaults to media.MaxJobs
	MaxJobs int

	Environment Environment
	Runner      runner.Runner
	Queue       queue.API
	Media       MediaUpdater
	// Store and Events are optional
	Store  storage.Store
	Events *events.Broker
	// FS defaults to the host filesystem
	FS afero.Fs
}

// Worker runs one job at a time against the build environment. Every
// operation holds mu for its whole duration; queries only read atomics.
type Worker struct {
	cfg    Config
	fs     afero.Fs
	env    Environment
	runner runner.Runner
	queue  queue.API
	media  MediaUpdater
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger

	mu      sync.Mutex
	state   atomic.Value // types.WorkerState
	busy    atomic.Bool
	lastErr atomic.Pointer[jobError]

	baseCtx    context.Context
	baseCancel context.CancelFunc

	cancelMu   sync.Mutex
	currentJob string
	cancelJob  context.CancelFunc

	closeOnce sync.Once
}

type jobError struct {
	err error
}

// NewWorker creates a worker in the Off state
func NewWorker(cfg *Config) (*Worker, error) {
	if cfg.Environment == nil {
		return nil, fmt.Errorf("worker requires a build environment")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("worker requires a command runner")
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = media.MaxJobs()
	}
	fs := cfg.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		cfg:        *cfg,
		fs:         fs,
		env:        cfg.Environment,
		runner:     cfg.Runner,
		queue:      cfg.Queue,
		media:      cfg.Media,
		store:      cfg.Store,
		broker:     cfg.Events,
		logger:     log.WithComponent("worker"),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	w.state.Store(types.WorkerStateOff)
	return w, nil
}

// Start makes the worker accept jobs. Jobs left running by a previous
// process are marked failed in the job store.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.baseCtx.Err() != nil {
		return ErrNotRunning
	}
	if w.store != nil {
		n, err := w.store.FailInterrupted("worker restarted")
		if err != nil {
			return fmt.Errorf("failed to recover job history: %w", err)
		}
		if n > 0 {
			w.logger.Warn().Int("jobs", n).Msg("Marked interrupted jobs as failed")
		}
	}
	w.setState(types.WorkerStateIdle)
	w.logger.Info().Msg("Worker started")
	return nil
}

// Close cancels the running job, waits for it to tear down and stops the
// worker. It is safe to call more than once.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.baseCancel()
		w.mu.Lock()
		defer w.mu.Unlock()
		w.setState(types.WorkerStateOff)
		w.logger.Info().Msg("Worker stopped")
	})
	return nil
}

// State returns the current worker state without blocking
func (w *Worker) State() types.WorkerState {
	return w.state.Load().(types.WorkerState)
}

// WorkerBusy reports whether a job is running
func (w *Worker) WorkerBusy() bool {
	return w.busy.Load()
}

// LastError returns the error recorded by the most recent job, nil when it
// succeeded
func (w *Worker) LastError() error {
	if je := w.lastErr.Load(); je != nil {
		return je.err
	}
	return nil
}

// CurrentJob returns the ID of the running job, if any
func (w *Worker) CurrentJob() (string, bool) {
	w.cancelMu.Lock()
	defer w.cancelMu.Unlock()
	return w.currentJob, w.currentJob != ""
}

// Cancel cancels the running job. The job still exits the build
// environment before its operation returns.
func (w *Worker) Cancel() (string, bool) {
	w.cancelMu.Lock()
	defer w.cancelMu.Unlock()
	if w.cancelJob == nil {
		return "", false
	}
	w.logger.Warn().Str("job_id", w.currentJob).Msg("Cancelling job")
	w.cancelJob()
	return w.currentJob, true
}

// Jobs returns up to limit job records, newest first
func (w *Worker) Jobs(limit int) ([]*types.JobRecord, error) {
	if w.store == nil {
		return nil, nil
	}
	return w.store.ListJobs(limit)
}

// Job returns a single job record
func (w *Worker) Job(id string) (*types.JobRecord, error) {
	if w.store == nil {
		return nil, storage.ErrNotFound
	}
	return w.store.GetJob(id)
}

func (w *Worker) setState(s types.WorkerState) {
	if prev := w.state.Swap(s); prev == s {
		return
	}
	metrics.SetWorkerState(s)
	w.publish(&events.Event{
		Type:     events.EventWorkerState,
		Metadata: map[string]string{"state": string(s)},
	})
}

func (w *Worker) publish(e *events.Event) {
	if w.broker != nil {
		w.broker.Publish(e)
	}
}

// job is the state of one running operation
type job struct {
	record *types.JobRecord
	logger zerolog.Logger
}

func (j *job) addItem(item types.ItemResult) {
	j.record.Items = append(j.record.Items, item)
}

// run is the single entry point of every mutating operation: it takes the
// worker lock or fails with ErrBusy, records the job, runs fn under a
// recover boundary and returns the worker to Idle.
func (w *Worker) run(ctx context.Context, kind types.JobKind, active types.WorkerState, args map[string]string, fn func(ctx context.Context, j *job) error) (err error) {
	if !w.mu.TryLock() {
		metrics.JobsRejected.Inc()
		w.publish(&events.Event{
			Type:     events.EventJobRejected,
			Message:  ErrBusy.Error(),
			Metadata: map[string]string{"kind": string(kind)},
		})
		return ErrBusy
	}
	defer w.mu.Unlock()

	previous := w.State()
	switch {
	case previous == types.WorkerStateOff:
		return ErrNotRunning
	case previous == types.WorkerStateFailed && kind != types.JobKindMedia:
		return ErrImageIncomplete
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to create job id: %w", err)
	}
	j := &job{
		record: &types.JobRecord{
			ID:        id.String(),
			Kind:      kind,
			Args:      args,
			State:     types.JobStateRunning,
			StartedAt: time.Now().UTC(),
		},
		logger: log.WithJob(w.logger, id.String(), string(kind)),
	}
	if w.store != nil {
		if err := w.store.CreateJob(j.record); err != nil {
			j.logger.Warn().Err(err).Msg("Failed to record job")
		}
	}

	// The job ends with the caller's context, on Cancel and on Close.
	jobCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(w.baseCtx, cancel)
	defer stop()
	defer cancel()

	w.cancelMu.Lock()
	w.currentJob, w.cancelJob = j.record.ID, cancel
	w.cancelMu.Unlock()
	defer func() {
		w.cancelMu.Lock()
		w.currentJob, w.cancelJob = "", nil
		w.cancelMu.Unlock()
	}()

	w.busy.Store(true)
	w.setState(active)
	w.publish(&events.Event{Type: events.EventJobStarted, JobID: j.record.ID, Metadata: args})
	j.logger.Info().Msg("Job started")
	timer := metrics.NewTimer()

	err = w.execute(jobCtx, j, fn)

	next := types.WorkerStateIdle
	if kind == types.JobKindMedia {
		switch {
		case errors.Is(err, media.ErrIncomplete):
			next = types.WorkerStateFailed
		case err != nil:
			next = previous
		}
	}
	w.finish(j, err, timer)
	w.setState(next)
	w.busy.Store(false)
	return err
}

// execute is the recover boundary of a job
func (w *Worker) execute(ctx context.Context, j *job, fn func(ctx context.Context, j *job) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Recovered from job panic")
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn(ctx, j)
}

func (w *Worker) finish(j *job, err error, timer *metrics.Timer) {
	j.record.FinishedAt = time.Now().UTC()
	result := "success"
	if err != nil {
		result = "failure"
		j.record.State = types.JobStateFailed
		j.record.Error = err.Error()
		j.logger.Error().Err(err).Dur("duration", timer.Duration()).Msg("Job failed")
	} else {
		j.record.State = types.JobStateSucceeded
		j.logger.Info().Dur("duration", timer.Duration()).Msg("Job finished")
	}

	w.lastErr.Store(&jobError{err: err})
	metrics.JobsTotal.WithLabelValues(string(j.record.Kind), result).Inc()
	timer.ObserveDurationVec(metrics.JobDuration, string(j.record.Kind))

	if w.store != nil {
		if uerr := w.store.UpdateJob(j.record); uerr != nil {
			j.logger.Warn().Err(uerr).Msg("Failed to record job result")
		}
	}

	e := &events.Event{
		Type:     events.EventJobFinished,
		JobID:    j.record.ID,
		Metadata: map[string]string{"kind": string(j.record.Kind), "state": string(j.record.State)},
	}
	if err != nil {
		e.Message = err.Error()
	}
	w.publish(e)
}

// inEnvironment runs fn inside the mounted build environment
func (w *Worker) inEnvironment(ctx context.Context, fn func(ctx context.Context) error) error {
	return w.env.With(ctx, environment.EnterOptions{BindHome: w.cfg.BindHome}, fn)
}

// UpdateMedia rebuilds the build image. It is the only operation accepted
// while the worker is Failed.
func (w *Worker) UpdateMedia(ctx context.Context, info types.StorageInfo) error {
	if w.media == nil {
		return fmt.Errorf("media updates are not configured")
	}
	args := map[string]string{
		"filesystem":    info.Filesystem,
		"size_mib":      fmt.Sprint(info.SizeMiB),
		"backing_store": info.BackingStore,
	}
	return w.run(ctx, types.JobKindMedia, types.WorkerStateSyncing, args, func(ctx context.Context, j *job) error {
		return w.media.Update(ctx, info)
	})
}
