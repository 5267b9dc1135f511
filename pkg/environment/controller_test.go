package environment

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cuemby/kiln/pkg/runner/runnertest"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type signal struct {
	pid int
	sig unix.Signal
}

type killRecorder struct {
	mu      sync.Mutex
	signals []signal
}

func (k *killRecorder) kill(pid int, sig unix.Signal) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signals = append(k.signals, signal{pid, sig})
	return nil
}

type fixture struct {
	ctrl       *Controller
	run        *runnertest.Fake
	kills      *killRecorder
	procRoot   string
	mountPoint string
	image      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	storage := t.TempDir()
	f := &fixture{
		run:        runnertest.New(),
		kills:      &killRecorder{},
		procRoot:   filepath.Join(storage, "proc"),
		mountPoint: filepath.Join(storage, "mountpoint"),
		image:      filepath.Join(storage, "storage.image"),
	}
	require.NoError(t, os.MkdirAll(f.procRoot, 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(f.mountPoint, "var/run/dbus"), 0755))

	f.ctrl = NewController(Config{
		Image:      f.image,
		MountPoint: f.mountPoint,
	}, f.run, NewSystemMounter(f.run))
	f.ctrl.SetReaper(&Reaper{
		ProcRoot: f.procRoot,
		Kill:     f.kills.kill,
		logger:   f.ctrl.logger,
	})
	return f
}

// addProcess fakes /proc/<pid>/root pointing at root
func (f *fixture) addProcess(t *testing.T, pid, root string) {
	t.Helper()
	dir := filepath.Join(f.procRoot, pid)
	require.NoError(t, os.MkdirAll(dir, 0755))
	if root != "" {
		require.NoError(t, os.Symlink(root, filepath.Join(dir, "root")))
	}
}

func TestMountArgs(t *testing.T) {
	tests := []struct {
		name  string
		mount specs.Mount
		want  []string
	}{
		{"loop", LoopMount("/srv/storage.image", "/srv/mountpoint"), []string{"mount", "-o", "loop", "/srv/storage.image", "/srv/mountpoint"}},
		{"bind", BindMount("/home", "/srv/mountpoint/home"), []string{"mount", "-o", "bind", "/home", "/srv/mountpoint/home"}},
		{"typed", specs.Mount{Type: "proc", Source: "proc", Destination: "/x/proc"}, []string{"mount", "-t", "proc", "proc", "/x/proc"}},
		{"options joined", specs.Mount{Type: "tmpfs", Source: "tmpfs", Destination: "/x", Options: []string{"nosuid", "size=64m"}}, []string{"mount", "-t", "tmpfs", "-o", "nosuid,size=64m", "tmpfs", "/x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MountArgs(tt.mount))
		})
	}
}

func TestEnterExit_Order(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Enter(ctx, EnterOptions{}))
	assert.True(t, f.ctrl.Entered())
	require.NoError(t, f.ctrl.Exit(ctx))
	assert.False(t, f.ctrl.Entered())

	mp := f.mountPoint
	assert.Equal(t, []string{
		"mount -o loop " + f.image + " " + mp,
		"[" + mp + "] /etc/rc.d/init.d/dbus start",
		"mount -t tmpfs tmpfs " + mp + "/dev/shm",
		"mount -t proc proc " + mp + "/proc",
		"umount " + mp + "/dev/shm",
		"umount " + mp + "/proc",
		"[" + mp + "] /etc/rc.d/init.d/dbus stop",
		"umount " + mp,
	}, f.run.Lines())
}

func TestEnter_BindHome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Enter(ctx, EnterOptions{BindHome: true}))
	require.NoError(t, f.ctrl.Exit(ctx))

	assert.True(t, f.run.Ran("mount -o bind /home "+f.mountPoint+"/home"))
	assert.True(t, f.run.Ran("umount "+f.mountPoint+"/home"))
}

func TestEnter_BusStartFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.run.Fail(BusService + " start")
	ctx := context.Background()

	err := f.ctrl.Enter(ctx, EnterOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBusStart)
	assert.False(t, f.ctrl.Entered())

	assert.Equal(t, []string{
		"mount -o loop " + f.image + " " + f.mountPoint,
		"[" + f.mountPoint + "] /etc/rc.d/init.d/dbus start",
		"umount " + f.mountPoint,
	}, f.run.Lines())

	// Nothing left to tear down
	require.NoError(t, f.ctrl.Exit(ctx))
	assert.Len(t, f.run.Commands(), 3)
}

func TestEnter_ImageMountFailure(t *testing.T) {
	f := newFixture(t)
	f.run.Fail("mount -o loop")

	err := f.ctrl.Enter(context.Background(), EnterOptions{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBusStart)
	assert.False(t, f.run.Ran(BusService))
}

func TestEnter_RejectsReentry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Enter(ctx, EnterOptions{}))
	assert.ErrorIs(t, f.ctrl.Enter(ctx, EnterOptions{}), ErrAlreadyEntered)
	require.NoError(t, f.ctrl.Exit(ctx))

	// Re-entrant after a full exit
	require.NoError(t, f.ctrl.Enter(ctx, EnterOptions{}))
	require.NoError(t, f.ctrl.Exit(ctx))
}

func TestExit_NotEntered(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ctrl.Exit(context.Background()))
	assert.Empty(t, f.run.Commands())
}

func TestExit_WithoutVirtualMounts(t *testing.T) {
	f := newFixture(t)
	f.run.Fail("mount -t tmpfs")
	f.run.Fail("mount -t proc")
	ctx := context.Background()

	require.NoError(t, f.ctrl.Enter(ctx, EnterOptions{}))
	require.NoError(t, f.ctrl.Exit(ctx))

	assert.False(t, f.run.Ran("umount "+f.mountPoint+"/dev/shm"))
	assert.False(t, f.run.Ran("umount "+f.mountPoint+"/proc"))
	assert.Contains(t, f.run.Lines(), "umount "+f.mountPoint)
}

func TestExit_ToleratesStepFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ctrl.Enter(ctx, EnterOptions{}))

	f.run.Fail("umount " + f.mountPoint + "/dev/shm")
	f.run.Fail("umount " + f.mountPoint + "/proc")
	f.run.Fail(BusService + " stop")

	require.NoError(t, f.ctrl.Exit(ctx))
	assert.Contains(t, f.run.Lines(), "umount "+f.mountPoint)
	assert.False(t, f.ctrl.Entered())
}

func TestExit_RootUnmountFailureReported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ctrl.Enter(ctx, EnterOptions{}))

	f.run.On("umount "+f.mountPoint, runnertest.Response{ExitCode: 32, Stderr: "target is busy"})

	err := f.ctrl.Exit(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target is busy")
}

// busyMounter fails to unmount target while busy is positive
type busyMounter struct {
	Mounter
	target string
	busy   int
}

func (m *busyMounter) Unmount(ctx context.Context, target string) error {
	if target == m.target && m.busy > 0 {
		m.busy--
		return errors.New("umount: target is busy")
	}
	return m.Mounter.Unmount(ctx, target)
}

func loopMounts(lines []string) int {
	n := 0
	for _, l := range lines {
		if strings.HasPrefix(l, "mount -o loop ") {
			n++
		}
	}
	return n
}

func TestEnter_RetriesStaleImageUnmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ctrl.mounter = &busyMounter{Mounter: f.ctrl.mounter, target: f.mountPoint, busy: 1}

	require.NoError(t, f.ctrl.Enter(ctx, EnterOptions{}))
	require.Error(t, f.ctrl.Exit(ctx))
	assert.False(t, f.ctrl.Entered())

	before := len(f.run.Lines())
	require.NoError(t, f.ctrl.Enter(ctx, EnterOptions{}))
	assert.Equal(t, []string{
		"umount " + f.mountPoint,
		"mount -o loop " + f.image + " " + f.mountPoint,
	}, f.run.Lines()[before:before+2])
	require.NoError(t, f.ctrl.Exit(ctx))
}

func TestEnter_FailsWhileImageStillMounted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ctrl.mounter = &busyMounter{Mounter: f.ctrl.mounter, target: f.mountPoint, busy: 2}

	require.NoError(t, f.ctrl.Enter(ctx, EnterOptions{}))
	require.Error(t, f.ctrl.Exit(ctx))

	err := f.ctrl.Enter(ctx, EnterOptions{})
	assert.ErrorIs(t, err, ErrStaleMount)
	assert.False(t, f.ctrl.Entered())
	assert.Equal(t, 1, loopMounts(f.run.Lines()), "image not mounted twice")

	// Once the mount point is free the environment is usable again
	require.NoError(t, f.ctrl.Enter(ctx, EnterOptions{}))
	assert.Equal(t, 2, loopMounts(f.run.Lines()))
	require.NoError(t, f.ctrl.Exit(ctx))
}

func TestEnter_BusStartRollbackFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ctrl.mounter = &busyMounter{Mounter: f.ctrl.mounter, target: f.mountPoint, busy: 1}
	f.run.Fail(BusService + " start")

	assert.ErrorIs(t, f.ctrl.Enter(ctx, EnterOptions{}), ErrBusStart)

	assert.ErrorIs(t, f.ctrl.Enter(ctx, EnterOptions{}), ErrBusStart)
	lines := f.run.Lines()
	assert.Equal(t, 2, loopMounts(lines))
	assert.Equal(t, "umount "+f.mountPoint, lines[2], "stale image unmounted before mounting again")
}

func TestEnterExit_BusPIDFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pidFile := filepath.Join(f.mountPoint, BusPIDFile)

	require.NoError(t, os.WriteFile(pidFile, []byte("999\n"), 0644))
	require.NoError(t, f.ctrl.Enter(ctx, EnterOptions{}))
	_, err := os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err), "stale PID file should be removed")

	// The bus wrote a fresh PID while running
	require.NoError(t, os.WriteFile(pidFile, []byte("4242\n"), 0644))
	require.NoError(t, f.ctrl.Exit(ctx))

	assert.Contains(t, f.kills.signals, signal{4242, unix.SIGKILL})
}

func TestExit_KillsChrootedProcesses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ctrl.Enter(ctx, EnterOptions{}))

	f.addProcess(t, "100", f.mountPoint)
	f.addProcess(t, "200", "/")

	require.NoError(t, f.ctrl.Exit(ctx))
	assert.Equal(t, []signal{{100, unix.SIGTERM}, {100, unix.SIGKILL}}, f.kills.signals)
}

func TestWith(t *testing.T) {
	t.Run("runs body inside", func(t *testing.T) {
		f := newFixture(t)
		var inside bool
		err := f.ctrl.With(context.Background(), EnterOptions{}, func(ctx context.Context) error {
			inside = f.ctrl.Entered()
			return nil
		})
		require.NoError(t, err)
		assert.True(t, inside)
		assert.False(t, f.ctrl.Entered())
	})

	t.Run("body error still exits", func(t *testing.T) {
		f := newFixture(t)
		bodyErr := errors.New("build exploded")
		err := f.ctrl.With(context.Background(), EnterOptions{}, func(ctx context.Context) error {
			return bodyErr
		})
		assert.ErrorIs(t, err, bodyErr)
		assert.Contains(t, f.run.Lines(), "umount "+f.mountPoint)
	})

	t.Run("exit error joined", func(t *testing.T) {
		f := newFixture(t)
		bodyErr := errors.New("build exploded")
		err := f.ctrl.With(context.Background(), EnterOptions{}, func(ctx context.Context) error {
			f.run.Fail("umount " + f.mountPoint)
			return bodyErr
		})
		assert.ErrorIs(t, err, bodyErr)
		assert.Contains(t, err.Error(), "failed to unmount build image")
	})

	t.Run("panic still exits", func(t *testing.T) {
		f := newFixture(t)
		assert.Panics(t, func() {
			_ = f.ctrl.With(context.Background(), EnterOptions{}, func(ctx context.Context) error {
				panic("boom")
			})
		})
		assert.False(t, f.ctrl.Entered())
		assert.Contains(t, f.run.Lines(), "umount "+f.mountPoint)
	})

	t.Run("enter failure skips body", func(t *testing.T) {
		f := newFixture(t)
		f.run.Fail(BusService + " start")
		called := false
		err := f.ctrl.With(context.Background(), EnterOptions{}, func(ctx context.Context) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, ErrBusStart)
		assert.False(t, called)
	})
}
