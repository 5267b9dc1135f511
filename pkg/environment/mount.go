package environment

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/kiln/pkg/runner"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Mounter applies and removes mounts
type Mounter interface {
	Mount(ctx context.Context, m specs.Mount) error
	Unmount(ctx context.Context, target string) error
}

// SystemMounter shells out to mount(8) and umount(8), which set up loop
// devices for image files on their own
type SystemMounter struct {
	runner runner.Runner
}

// NewSystemMounter creates a mounter running through r
func NewSystemMounter(r runner.Runner) *SystemMounter {
	return &SystemMounter{runner: r}
}

// MountArgs renders m as a mount(8) argv
func MountArgs(m specs.Mount) []string {
	args := []string{"mount"}
	if m.Type != "" {
		args = append(args, "-t", m.Type)
	}
	if len(m.Options) > 0 {
		args = append(args, "-o", strings.Join(m.Options, ","))
	}
	return append(args, m.Source, m.Destination)
}

func (s *SystemMounter) Mount(ctx context.Context, m specs.Mount) error {
	if _, err := s.runner.Run(ctx, runner.Command{Args: MountArgs(m)}); err != nil {
		return fmt.Errorf("failed to mount %s on %s: %w", m.Source, m.Destination, err)
	}
	return nil
}

func (s *SystemMounter) Unmount(ctx context.Context, target string) error {
	if _, err := s.runner.Run(ctx, runner.Command{Args: []string{"umount", target}}); err != nil {
		return fmt.Errorf("failed to unmount %s: %w", target, err)
	}
	return nil
}

// LoopMount describes an image file mounted through a loop device
func LoopMount(image, target string) specs.Mount {
	return specs.Mount{
		Destination: target,
		Source:      image,
		Options:     []string{"loop"},
	}
}

// BindMount describes a bind mount of a host directory
func BindMount(source, target string) specs.Mount {
	return specs.Mount{
		Destination: target,
		Source:      source,
		Options:     []string{"bind"},
	}
}
