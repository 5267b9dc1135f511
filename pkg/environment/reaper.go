package environment

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// KillFunc delivers a signal to a process
type KillFunc func(pid int, sig unix.Signal) error

// Reaper finds and kills every process whose root directory is a given path.
// Processes left behind by a build (compilers, test daemons) keep the image
// busy and would make the final unmount fail.
type Reaper struct {
	ProcRoot string
	Grace    time.Duration
	Kill     KillFunc

	logger zerolog.Logger
}

// NewReaper creates a reaper scanning /proc
func NewReaper(grace time.Duration) *Reaper {
	return &Reaper{
		ProcRoot: "/proc",
		Grace:    grace,
		Kill:     unix.Kill,
		logger:   log.WithComponent("reaper"),
	}
}

func resolve(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return filepath.Clean(path)
}

// Scan lists the PIDs rooted at root. Processes that exit while being
// inspected, or that we may not inspect, are skipped.
func (r *Reaper) Scan(root string) ([]int, error) {
	entries, err := os.ReadDir(r.ProcRoot)
	if err != nil {
		return nil, err
	}
	target := resolve(root)

	var pids []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid <= 0 {
			continue
		}
		link, err := os.Readlink(filepath.Join(r.ProcRoot, entry.Name(), "root"))
		if err != nil {
			continue
		}
		if filepath.Clean(link) == target {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// Reap sends SIGTERM to every process rooted at root, waits Grace, then
// sends SIGKILL to whatever is still there. It returns the number of
// distinct processes signalled.
func (r *Reaper) Reap(ctx context.Context, root string) int {
	signalled := make(map[int]struct{})

	r.signalAll(root, unix.SIGTERM, signalled)
	if len(signalled) == 0 {
		return 0
	}

	if r.Grace > 0 {
		timer := time.NewTimer(r.Grace)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	r.signalAll(root, unix.SIGKILL, signalled)
	metrics.ProcessesKilled.Add(float64(len(signalled)))
	return len(signalled)
}

func (r *Reaper) signalAll(root string, sig unix.Signal, seen map[int]struct{}) {
	pids, err := r.Scan(root)
	if err != nil {
		r.logger.Warn().Err(err).Str("proc_root", r.ProcRoot).Msg("Failed to scan processes")
		return
	}
	for _, pid := range pids {
		if pid == os.Getpid() {
			continue
		}
		if err := r.Kill(pid, sig); err != nil {
			r.logger.Debug().Err(err).Int("pid", pid).Str("signal", unix.SignalName(sig)).Msg("Failed to signal process")
			continue
		}
		seen[pid] = struct{}{}
		r.logger.Debug().Int("pid", pid).Str("signal", unix.SignalName(sig)).Msg("Signalled chroot process")
	}
}
