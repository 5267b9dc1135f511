// Package apitest provides in-memory implementations of the api.Worker and
// api.Host interfaces.
package apitest

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/kiln/pkg/storage"
	"github.com/cuemby/kiln/pkg/types"
)

// Worker records calls and answers from its fields. Errs maps a method
// name to the error it returns.
type Worker struct {
	mu sync.Mutex

	StateValue types.WorkerState
	Busy       bool
	LastErr    error
	Current    string
	Records    []*types.JobRecord
	Errs       map[string]error

	// Block, when set, makes job methods wait for it to close or for their
	// context to end
	Block chan struct{}

	calls []string
}

// NewWorker returns an idle worker
func NewWorker() *Worker {
	return &Worker{StateValue: types.WorkerStateIdle, Errs: make(map[string]error)}
}

// Fail makes method return err
func (w *Worker) Fail(method string, err error) *Worker {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Errs[method] = err
	return w
}

// Calls returns the recorded calls, formatted as "Method arg..."
func (w *Worker) Calls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

func (w *Worker) record(method string, args ...any) error {
	w.mu.Lock()
	call := method
	for _, a := range args {
		call += fmt.Sprintf(" %v", a)
	}
	w.calls = append(w.calls, call)
	err := w.Errs[method]
	w.mu.Unlock()
	return err
}

func (w *Worker) job(ctx context.Context, method string, args ...any) error {
	err := w.record(method, args...)
	if w.Block != nil {
		select {
		case <-w.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (w *Worker) State() types.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.StateValue
}

func (w *Worker) WorkerBusy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Busy
}

func (w *Worker) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.LastErr
}

func (w *Worker) CurrentJob() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Current, w.Current != ""
}

func (w *Worker) Cancel() (string, bool) {
	_ = w.record("Cancel")
	return w.CurrentJob()
}

func (w *Worker) Jobs(limit int) ([]*types.JobRecord, error) {
	if err := w.record("Jobs", limit); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if limit > 0 && limit < len(w.Records) {
		return w.Records[:limit], nil
	}
	return w.Records, nil
}

func (w *Worker) Job(id string) (*types.JobRecord, error) {
	if err := w.record("Job", id); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range w.Records {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
}

func (w *Worker) UpdateMedia(ctx context.Context, info types.StorageInfo) error {
	return w.job(ctx, "UpdateMedia", info.Filesystem, info.SizeMiB, info.BackingStore)
}

func (w *Worker) CloneSourceRepo(ctx context.Context, uri, vcs, username, password string) error {
	return w.job(ctx, "CloneSourceRepo", uri, vcs, username, password)
}

func (w *Worker) SyncPackages(ctx context.Context, host, module, username, password string) error {
	return w.job(ctx, "SyncPackages", host, module, username, password)
}

func (w *Worker) SyncLogs(ctx context.Context, host, module, username, password string) error {
	return w.job(ctx, "SyncLogs", host, module, username, password)
}

func (w *Worker) BeginBuild(ctx context.Context, queueID int, sandboxed bool) error {
	return w.job(ctx, "BeginBuild", queueID, sandboxed)
}

func (w *Worker) AddBinaryRepo(ctx context.Context, name, uri string) error {
	return w.job(ctx, "AddBinaryRepo", name, uri)
}

// Host returns fixed host and storage information
type Host struct {
	Info    *types.HostInfo
	Storage *types.StorageInfo
	Err     error
}

func (h *Host) HostInfo() (*types.HostInfo, error) {
	if h.Err != nil {
		return nil, h.Err
	}
	return h.Info, nil
}

func (h *Host) StorageInfo() *types.StorageInfo {
	return h.Storage
}
