package environment

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/metrics"
	"github.com/cuemby/kiln/pkg/runner"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

var (
	// ErrAlreadyEntered is returned by Enter while the environment is in use
	ErrAlreadyEntered = errors.New("build environment already entered")

	// ErrBusStart is returned when the message bus could not be started
	// inside the image; the image has been unmounted again
	ErrBusStart = errors.New("could not start message bus")

	// ErrStaleMount is returned by Enter when the image is still mounted
	// from a run whose teardown failed and cannot be unmounted now
	ErrStaleMount = errors.New("build image still mounted from a previous run")
)

const (
	// BusService is the init script of the message bus inside the image
	BusService = "/etc/rc.d/init.d/dbus"

	// BusPIDFile is the bus PID file, relative to the image root
	BusPIDFile = "var/run/dbus/pid"

	// DefaultKillGrace is the time processes get between SIGTERM and SIGKILL
	DefaultKillGrace = 2 * time.Second
)

// Config locates the build image
type Config struct {
	// Image is the filesystem image file (storage.image)
	Image string
	// MountPoint is where the image is mounted and chrooted into
	MountPoint string
	// HomeDir is bind-mounted at <MountPoint>/home when requested
	HomeDir string
	// KillGrace defaults to DefaultKillGrace
	KillGrace time.Duration
}

// EnterOptions tunes a single Enter
type EnterOptions struct {
	BindHome bool
}

// Controller owns the mounted build environment. It is either detached or
// entered; Enter and Exit move between the two.
type Controller struct {
	cfg     Config
	mounter Mounter
	runner  runner.Runner
	reaper  *Reaper
	logger  zerolog.Logger

	mu          sync.Mutex
	entered     bool
	rootMounted bool
	busRunning  bool
	shmMounted  bool
	procMounted bool
	homeBound   bool
}

// NewController creates a controller for the image described by cfg
func NewController(cfg Config, r runner.Runner, m Mounter) *Controller {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.HomeDir == "" {
		cfg.HomeDir = "/home"
	}
	return &Controller{
		cfg:     cfg,
		mounter: m,
		runner:  r,
		reaper:  NewReaper(cfg.KillGrace),
		logger:  log.WithComponent("environment"),
	}
}

// SetReaper replaces the process reaper
func (c *Controller) SetReaper(r *Reaper) {
	c.reaper = r
}

// MountPoint returns the root of the build environment
func (c *Controller) MountPoint() string {
	return c.cfg.MountPoint
}

// Entered reports whether the environment is in use. After a failed Exit
// the image may still be mounted while Entered is false; the next Enter
// unmounts it first.
func (c *Controller) Entered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entered
}

func (c *Controller) path(rel string) string {
	return filepath.Join(c.cfg.MountPoint, rel)
}

func (c *Controller) busCommand(action string) runner.Command {
	return runner.Command{Args: []string{BusService, action}, Root: c.cfg.MountPoint}
}

// Enter mounts the image, starts the message bus and mounts the virtual
// filesystems. If the bus does not start, the image is unmounted again and
// ErrBusStart is returned; the controller stays detached.
func (c *Controller) Enter(ctx context.Context, opts EnterOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entered {
		return ErrAlreadyEntered
	}
	if c.rootMounted {
		if err := c.mounter.Unmount(ctx, c.cfg.MountPoint); err != nil {
			return fmt.Errorf("%w: %w", ErrStaleMount, err)
		}
		c.rootMounted = false
		c.logger.Info().Str("mount_point", c.cfg.MountPoint).Msg("Unmounted stale build image")
	}

	if err := c.mounter.Mount(ctx, LoopMount(c.cfg.Image, c.cfg.MountPoint)); err != nil {
		return fmt.Errorf("failed to mount build image: %w", err)
	}
	c.rootMounted = true

	if err := os.Remove(c.path(BusPIDFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn().Err(err).Msg("Failed to remove stale bus PID file")
	}

	if _, err := c.runner.Run(ctx, c.busCommand("start")); err != nil {
		if uerr := c.mounter.Unmount(context.WithoutCancel(ctx), c.cfg.MountPoint); uerr != nil {
			c.logger.Error().Err(uerr).Msg("Failed to roll back image mount")
		} else {
			c.rootMounted = false
		}
		return fmt.Errorf("%w: %w", ErrBusStart, err)
	}

	c.entered = true
	c.busRunning = true

	c.shmMounted = c.mountVirtual(ctx, specs.Mount{
		Destination: c.path("dev/shm"),
		Type:        "tmpfs",
		Source:      "tmpfs",
	})
	c.procMounted = c.mountVirtual(ctx, specs.Mount{
		Destination: c.path("proc"),
		Type:        "proc",
		Source:      "proc",
	})
	if opts.BindHome {
		c.homeBound = c.mountVirtual(ctx, BindMount(c.cfg.HomeDir, c.path("home")))
	}

	c.logger.Info().
		Str("mount_point", c.cfg.MountPoint).
		Bool("shm", c.shmMounted).
		Bool("proc", c.procMounted).
		Bool("home", c.homeBound).
		Msg("Entered build environment")
	return nil
}

func (c *Controller) mountVirtual(ctx context.Context, m specs.Mount) bool {
	if err := c.mounter.Mount(ctx, m); err != nil {
		c.logger.Warn().Err(err).Str("target", m.Destination).Msg("Failed to mount virtual filesystem")
		return false
	}
	return true
}

// Exit tears the environment down. Every step is attempted regardless of
// earlier failures; only a failure to unmount the image itself is returned.
// Exit on a detached controller does nothing. Cancellation of ctx shortens
// the kill grace period but never skips a step.
func (c *Controller) Exit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.entered {
		return nil
	}
	stepCtx := context.WithoutCancel(ctx)

	if c.shmMounted {
		c.unmountStep(stepCtx, "shm", c.path("dev/shm"))
		c.shmMounted = false
	}
	if c.procMounted {
		c.unmountStep(stepCtx, "proc", c.path("proc"))
		c.procMounted = false
	}
	if c.homeBound {
		c.unmountStep(stepCtx, "home", c.path("home"))
		c.homeBound = false
	}

	if c.busRunning {
		if _, err := c.runner.Run(stepCtx, c.busCommand("stop")); err != nil {
			c.stepFailed("bus-stop", err)
		}
		c.busRunning = false
	}
	c.killBusPID()

	if n := c.reaper.Reap(ctx, c.cfg.MountPoint); n > 0 {
		c.logger.Info().Int("count", n).Msg("Killed processes left in build environment")
	}

	c.entered = false
	if err := c.mounter.Unmount(stepCtx, c.cfg.MountPoint); err != nil {
		c.stepFailed("root", err)
		return fmt.Errorf("failed to unmount build image: %w", err)
	}
	c.rootMounted = false

	c.logger.Info().Str("mount_point", c.cfg.MountPoint).Msg("Exited build environment")
	return nil
}

func (c *Controller) unmountStep(ctx context.Context, step, target string) {
	if err := c.mounter.Unmount(ctx, target); err != nil {
		c.stepFailed(step, err)
	}
}

func (c *Controller) stepFailed(step string, err error) {
	metrics.TeardownFailures.WithLabelValues(step).Inc()
	c.logger.Warn().Err(err).Str("step", step).Msg("Teardown step failed")
}

func (c *Controller) killBusPID() {
	data, err := os.ReadFile(c.path(BusPIDFile))
	if err != nil {
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return
	}
	if err := c.reaper.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		c.logger.Debug().Err(err).Int("pid", pid).Msg("Failed to kill message bus")
	}
}

// With enters the environment, runs fn and always exits again, also when fn
// panics. An exit failure is joined to fn's error.
func (c *Controller) With(ctx context.Context, opts EnterOptions, fn func(ctx context.Context) error) (err error) {
	if err := c.Enter(ctx, opts); err != nil {
		return err
	}
	defer func() {
		if exitErr := c.Exit(ctx); exitErr != nil {
			err = errors.Join(err, exitErr)
		}
	}()
	return fn(ctx)
}
