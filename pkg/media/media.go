package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/cuemby/kiln/pkg/environment"
	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/metrics"
	"github.com/cuemby/kiln/pkg/runner"
	"github.com/cuemby/kiln/pkg/types"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInsufficientSpace is returned when the requested image does not fit
	ErrInsufficientSpace = errors.New("not enough free space for image")

	// ErrUnsupportedFilesystem is returned for anything but ext2/3/4
	ErrUnsupportedFilesystem = errors.New("unsupported filesystem")

	// ErrIncomplete marks failures after the old image was already
	// destroyed: the build environment is unusable until an update succeeds
	ErrIncomplete = errors.New("media update incomplete")
)

// File names inside the storage directory
const (
	ImageFile  = "storage.image"
	InfoFile   = "storage.info"
	MountDir   = "mountpoint"
	LoopDir    = "loopback"
	backingFmt = "system%s.image"

	// DefaultBackingURL resolves a backing store ID to the image to download
	DefaultBackingURL = "http://ng.solusos.com/root_%s.squashfs"
)

// Config locates the storage directory and the bus support files
type Config struct {
	Storage string
	// DataDir holds lsb/ and init.d/, copied into fresh images
	DataDir string
	// BackingURL is a format string taking the backing store ID
	BackingURL string
}

// ImagePath returns the build image location for a storage directory
func ImagePath(storage string) string {
	return filepath.Join(storage, ImageFile)
}

// MountPath returns the mount point for a storage directory
func MountPath(storage string) string {
	return filepath.Join(storage, MountDir)
}

// Manager creates and populates the build image
type Manager struct {
	cfg      Config
	fs       afero.Fs
	runner   runner.Runner
	mounter  environment.Mounter
	http     *http.Client
	progress atomic.Int32
	onChange atomic.Pointer[func(percent int)]
	logger   zerolog.Logger

	statfs   func(path string, st *unix.Statfs_t) error
	uname    func(uts *unix.Utsname) error
	allocate func(path string, size int64) error
}

// NewManager creates a media manager working on the host filesystem
func NewManager(cfg Config, r runner.Runner, m environment.Mounter) *Manager {
	if cfg.BackingURL == "" {
		cfg.BackingURL = DefaultBackingURL
	}
	return &Manager{
		cfg:      cfg,
		fs:       afero.NewOsFs(),
		runner:   r,
		mounter:  m,
		http:     &http.Client{},
		logger:   log.WithComponent("media"),
		statfs:   unix.Statfs,
		uname:    unix.Uname,
		allocate: fallocate,
	}
}

// Progress returns the imaging progress in percent, 0 when idle
func (m *Manager) Progress() int {
	return int(m.progress.Load())
}

// OnProgress installs fn to be called whenever the imaging progress changes
func (m *Manager) OnProgress(fn func(percent int)) {
	m.onChange.Store(&fn)
}

func (m *Manager) setProgress(p int) {
	if m.progress.Swap(int32(p)) == int32(p) {
		return
	}
	metrics.ImagingProgress.Set(float64(p))
	if fn := m.onChange.Load(); fn != nil && *fn != nil {
		(*fn)(p)
	}
}

func (m *Manager) path(name string) string {
	return filepath.Join(m.cfg.Storage, name)
}

// StorageInfo returns the recorded image metadata, or nil when there is
// no usable record
func (m *Manager) StorageInfo() *types.StorageInfo {
	data, err := afero.ReadFile(m.fs, m.path(InfoFile))
	if err != nil {
		return nil
	}
	var info types.StorageInfo
	if err := yaml.Unmarshal(data, &info); err != nil {
		m.logger.Warn().Err(err).Msg("Ignoring unreadable storage info")
		return nil
	}
	if info.Filesystem == "" || info.SizeMiB <= 0 {
		return nil
	}
	return &info
}

func (m *Manager) writeStorageInfo(info types.StorageInfo) error {
	data, err := yaml.Marshal(&info)
	if err != nil {
		return err
	}
	return afero.WriteFile(m.fs, m.path(InfoFile), data, 0644)
}

// Update rebuilds the build image: allocate (unless the size is unchanged),
// format, record the metadata, then populate it from the backing image.
func (m *Manager) Update(ctx context.Context, info types.StorageInfo) error {
	if !strings.HasPrefix(info.Filesystem, "ext") {
		return fmt.Errorf("%w: %q", ErrUnsupportedFilesystem, info.Filesystem)
	}
	if info.SizeMiB <= 0 {
		return fmt.Errorf("invalid image size %d MiB", info.SizeMiB)
	}
	if info.BackingStore == "" {
		return fmt.Errorf("backing store not specified")
	}

	if err := m.fs.MkdirAll(m.cfg.Storage, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	usage, err := m.diskUsage(m.cfg.Storage)
	if err != nil {
		return err
	}
	if freeMiB := int64(usage.FreeKiB / 1024); info.SizeMiB >= freeMiB {
		return fmt.Errorf("%w: requested %d MiB, %d MiB free", ErrInsufficientSpace, info.SizeMiB, freeMiB)
	}

	logger := m.logger.With().
		Str("filesystem", info.Filesystem).
		Int64("size_mib", info.SizeMiB).
		Str("backing_store", info.BackingStore).
		Logger()

	image := m.path(ImageFile)
	current := m.StorageInfo()
	exists, _ := afero.Exists(m.fs, image)
	reuse := exists && current != nil && current.SizeMiB == info.SizeMiB

	if !reuse {
		if err := m.fs.Remove(image); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove old image: %w", err)
		}
		logger.Info().Msg("Allocating image")
		if err := m.allocate(image, info.SizeMiB<<20); err != nil {
			return fmt.Errorf("%w: failed to allocate image: %w", ErrIncomplete, err)
		}
	}

	logger.Info().Bool("reused", reuse).Msg("Formatting image")
	mkfs := runner.Command{Args: []string{"mkfs." + info.Filesystem, "-F", image}}
	if _, err := m.runner.Run(ctx, mkfs); err != nil {
		return fmt.Errorf("%w: failed to format image: %w", ErrIncomplete, err)
	}

	if err := m.writeStorageInfo(info); err != nil {
		return fmt.Errorf("%w: failed to write storage info: %w", ErrIncomplete, err)
	}

	backing, err := m.ensureBacking(ctx, info.BackingStore)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIncomplete, err)
	}

	if err := m.populate(ctx, backing); err != nil {
		return fmt.Errorf("%w: %w", ErrIncomplete, err)
	}

	logger.Info().Msg("Media update complete")
	return nil
}

// ensureBacking downloads the backing image unless it is already present
func (m *Manager) ensureBacking(ctx context.Context, id string) (string, error) {
	target := m.path(fmt.Sprintf(backingFmt, id))
	if ok, _ := afero.Exists(m.fs, target); ok {
		return target, nil
	}

	url := fmt.Sprintf(m.cfg.BackingURL, id)
	m.logger.Info().Str("url", url).Msg("Downloading backing image")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create download request: %w", err)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download backing image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download backing image: %s returned %d", url, resp.StatusCode)
	}

	// Download next to the target so a partial file is never mistaken for
	// a complete image.
	tmp := target + ".part"
	f, err := m.fs.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	_, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = m.fs.Remove(tmp)
		return "", fmt.Errorf("failed to download backing image: %w", err)
	}
	if err := m.fs.Rename(tmp, target); err != nil {
		return "", fmt.Errorf("failed to store backing image: %w", err)
	}
	return target, nil
}

// populate mirrors the backing image into the fresh image
func (m *Manager) populate(ctx context.Context, backing string) (err error) {
	loopPoint := m.path(LoopDir)
	mountPoint := m.path(MountDir)
	for _, dir := range []string{loopPoint, mountPoint} {
		if err := m.fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	if err := m.mounter.Mount(ctx, environment.LoopMount(backing, loopPoint)); err != nil {
		return err
	}
	defer func() {
		if uerr := m.mounter.Unmount(context.WithoutCancel(ctx), loopPoint); uerr != nil {
			err = errors.Join(err, uerr)
		}
	}()

	if err := m.mounter.Mount(ctx, environment.LoopMount(m.path(ImageFile), mountPoint)); err != nil {
		return err
	}
	defer func() {
		if uerr := m.mounter.Unmount(context.WithoutCancel(ctx), mountPoint); uerr != nil {
			err = errors.Join(err, uerr)
		}
	}()

	src, dst := loopPoint+"/", mountPoint+"/"

	stats, err := m.runner.Run(ctx, runner.Command{
		Args: []string{"rsync", "-az", "--stats", "--dry-run", src, dst},
	})
	if err != nil {
		return fmt.Errorf("failed to count files: %w", err)
	}
	total, ok := parseFileCount(string(stats.Stdout))
	if !ok {
		m.logger.Warn().Msg("rsync did not report a file count, progress will be approximate")
	}

	defer m.setProgress(0)
	pw := &progressWriter{total: total, report: m.setProgress}
	_, err = m.runner.Run(ctx, runner.Command{
		Args:   []string{"rsync", "-avz", "--progress", src, dst},
		Stdout: pw,
	})
	if err != nil {
		return fmt.Errorf("failed to sync image: %w", err)
	}

	return m.installBusFiles(mountPoint)
}

// installBusFiles copies the LSB helpers and init scripts the message bus
// needs into the image. Directories that already exist are left alone.
func (m *Manager) installBusFiles(root string) error {
	pairs := []struct{ src, dst string }{
		{filepath.Join(m.cfg.DataDir, "lsb"), filepath.Join(root, "lib/lsb")},
		{filepath.Join(m.cfg.DataDir, "init.d"), filepath.Join(root, "etc/rc.d/init.d")},
	}
	for _, p := range pairs {
		if ok, _ := afero.DirExists(m.fs, p.dst); ok {
			continue
		}
		if err := copyTree(m.fs, p.src, p.dst); err != nil {
			return fmt.Errorf("failed to install %s: %w", p.dst, err)
		}
	}
	return nil
}

func copyTree(fs afero.Fs, src, dst string) error {
	return afero.Walk(fs, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return fs.MkdirAll(target, info.Mode().Perm()|0700)
		}
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return err
		}
		return afero.WriteFile(fs, target, data, info.Mode().Perm())
	})
}

// fallocate reserves size bytes for path. Filesystems without fallocate
// support get a sparse file instead.
func fallocate(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	err = unix.Fallocate(int(f.Fd()), 0, 0, size)
	if errors.Is(err, unix.EOPNOTSUPP) {
		err = f.Truncate(size)
	}
	return err
}
