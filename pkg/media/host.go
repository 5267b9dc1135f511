package media

import (
	"fmt"
	"os"
	"runtime"

	"github.com/cuemby/kiln/pkg/types"
	"golang.org/x/sys/unix"
)

// MaxJobs is the parallel job count handed to builds: one more than the
// number of CPUs so that a job waiting on I/O does not idle a core
func MaxJobs() int {
	return runtime.NumCPU() + 1
}

type diskUsage struct {
	TotalKiB uint64
	FreeKiB  uint64
}

func (m *Manager) diskUsage(path string) (diskUsage, error) {
	var st unix.Statfs_t
	if err := m.statfs(path, &st); err != nil {
		return diskUsage{}, fmt.Errorf("failed to stat filesystem %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	return diskUsage{
		TotalKiB: st.Blocks * bsize / 1024,
		FreeKiB:  st.Bavail * bsize / 1024,
	}, nil
}

// HostInfo reports disk usage of the root filesystem, host identity, the
// build job count and the progress of a running media update
func (m *Manager) HostInfo() (*types.HostInfo, error) {
	usage, err := m.diskUsage("/")
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to get hostname: %w", err)
	}

	var uts unix.Utsname
	if err := m.uname(&uts); err != nil {
		return nil, fmt.Errorf("failed to get kernel info: %w", err)
	}

	return &types.HostInfo{
		TotalDiskKiB:    usage.TotalKiB,
		FreeDiskKiB:     usage.FreeKiB,
		Hostname:        hostname,
		Kernel:          unix.ByteSliceToString(uts.Release[:]),
		Arch:            unix.ByteSliceToString(uts.Machine[:]),
		MaxJobs:         MaxJobs(),
		ImagingProgress: m.Progress(),
	}, nil
}
