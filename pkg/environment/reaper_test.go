package environment

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestReaper(t *testing.T) (*Reaper, *killRecorder, string) {
	t.Helper()
	procRoot := t.TempDir()
	kills := &killRecorder{}
	return &Reaper{
		ProcRoot: procRoot,
		Kill:     kills.kill,
		logger:   zerolog.Nop(),
	}, kills, procRoot
}

func fakeProc(t *testing.T, procRoot, pid, root string) {
	t.Helper()
	dir := filepath.Join(procRoot, pid)
	require.NoError(t, os.MkdirAll(dir, 0755))
	if root != "" {
		require.NoError(t, os.Symlink(root, filepath.Join(dir, "root")))
	}
}

func TestReaper_Scan(t *testing.T) {
	r, _, procRoot := newTestReaper(t)
	chroot := t.TempDir()

	fakeProc(t, procRoot, "10", chroot)
	fakeProc(t, procRoot, "11", "/")
	fakeProc(t, procRoot, "12", "")            // root link not readable
	fakeProc(t, procRoot, "13", chroot+"/")    // trailing slash
	fakeProc(t, procRoot, "self", chroot)      // not a PID
	fakeProc(t, procRoot, "14", chroot+"/sub") // nested root is not ours

	pids, err := r.Scan(chroot)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{10, 13}, pids)
}

func TestReaper_ScanFollowsSymlinkedTarget(t *testing.T) {
	r, _, procRoot := newTestReaper(t)
	target := t.TempDir()
	alias := filepath.Join(t.TempDir(), "alias")
	require.NoError(t, os.Symlink(target, alias))

	resolved, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)
	fakeProc(t, procRoot, "20", resolved)

	pids, err := r.Scan(alias)
	require.NoError(t, err)
	assert.Equal(t, []int{20}, pids)
}

func TestReaper_ScanMissingProcRoot(t *testing.T) {
	r, _, _ := newTestReaper(t)
	r.ProcRoot = filepath.Join(t.TempDir(), "missing")

	_, err := r.Scan("/srv")
	assert.Error(t, err)
}

func TestReaper_Reap(t *testing.T) {
	r, kills, procRoot := newTestReaper(t)
	chroot := t.TempDir()
	fakeProc(t, procRoot, "30", chroot)
	fakeProc(t, procRoot, "31", chroot)
	fakeProc(t, procRoot, "40", "/")

	n := r.Reap(context.Background(), chroot)
	assert.Equal(t, 2, n)
	assert.Equal(t, []signal{
		{30, unix.SIGTERM},
		{31, unix.SIGTERM},
		{30, unix.SIGKILL},
		{31, unix.SIGKILL},
	}, kills.signals)
}

func TestReaper_ReapNothing(t *testing.T) {
	r, kills, _ := newTestReaper(t)
	r.Grace = time.Hour

	start := time.Now()
	assert.Equal(t, 0, r.Reap(context.Background(), t.TempDir()))
	assert.Empty(t, kills.signals)
	assert.Less(t, time.Since(start), time.Second)
}

func TestReaper_GraceLetsProcessesExit(t *testing.T) {
	r, _, procRoot := newTestReaper(t)
	chroot := t.TempDir()
	fakeProc(t, procRoot, "50", chroot)

	var signals []signal
	r.Grace = 10 * time.Millisecond
	r.Kill = func(pid int, sig unix.Signal) error {
		signals = append(signals, signal{pid, sig})
		if sig == unix.SIGTERM {
			// The process honours SIGTERM and disappears.
			return os.RemoveAll(filepath.Join(procRoot, "50"))
		}
		return nil
	}

	assert.Equal(t, 1, r.Reap(context.Background(), chroot))
	assert.Equal(t, []signal{{50, unix.SIGTERM}}, signals)
}

func TestReaper_CancelledContextSkipsGrace(t *testing.T) {
	r, kills, procRoot := newTestReaper(t)
	chroot := t.TempDir()
	fakeProc(t, procRoot, "60", chroot)
	r.Grace = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	assert.Equal(t, 1, r.Reap(ctx, chroot))
	assert.Less(t, time.Since(start), time.Second)
	assert.Contains(t, kills.signals, signal{60, unix.SIGKILL})
}

func TestReaper_KillErrorsIgnored(t *testing.T) {
	r, _, procRoot := newTestReaper(t)
	chroot := t.TempDir()
	fakeProc(t, procRoot, "70", chroot)
	r.Kill = func(pid int, sig unix.Signal) error {
		return errors.New("operation not permitted")
	}

	assert.Equal(t, 0, r.Reap(context.Background(), chroot))
}
