package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/kiln/pkg/log"
	"github.com/rs/zerolog"
)

// DefaultChrootBinary is the chroot(8) executable used for commands with a Root
const DefaultChrootBinary = "chroot"

// Command describes one subprocess invocation
type Command struct {
	// Args is the argv of the command; Args[0] is looked up in PATH
	// inside Root when Root is set, on the host otherwise.
	Args []string

	// Root runs the command under chroot(8) with this directory as "/".
	Root string

	// Dir is the working directory. With Root set, chroot(8) already
	// switches to "/" of the new root, so Dir is only used for host commands.
	Dir string

	// Env entries ("KEY=value") are appended to the inherited environment,
	// overriding inherited keys.
	Env []string

	Stdin io.Reader

	// Stdout and Stderr receive the output as it is produced. When nil the
	// output is captured into Result.
	Stdout io.Writer
	Stderr io.Writer
}

// String renders the command for logs. Env values are never included.
func (c Command) String() string {
	s := strings.Join(c.Args, " ")
	if c.Root != "" {
		s = fmt.Sprintf("[%s] %s", c.Root, s)
	}
	return s
}

// Result is the outcome of a finished command
type Result struct {
	ExitCode int
	Duration time.Duration
	Stdout   []byte
	Stderr   []byte
}

// Success reports whether the command exited with status 0
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// ExitError is returned when the command ran but exited non-zero
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Stderr)
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Runner executes commands
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct {
	// ChrootBinary defaults to DefaultChrootBinary.
	ChrootBinary string

	// WaitDelay bounds how long Run waits for output pipes after the
	// process exited (background children may hold them open).
	WaitDelay time.Duration

	logger zerolog.Logger
}

// NewExecRunner creates a runner backed by os/exec
func NewExecRunner() *ExecRunner {
	return &ExecRunner{
		ChrootBinary: DefaultChrootBinary,
		WaitDelay:    10 * time.Second,
		logger:       log.WithComponent("runner"),
	}
}

// Run executes cmd and waits for it to finish. A non-zero exit status is
// reported as *ExitError together with a non-nil Result.
func (r *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	if len(c.Args) == 0 {
		return nil, fmt.Errorf("no command specified")
	}

	argv := c.Args
	if c.Root != "" {
		chroot := r.ChrootBinary
		if chroot == "" {
			chroot = DefaultChrootBinary
		}
		argv = append([]string{chroot, c.Root}, c.Args...)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if c.Root == "" {
		cmd.Dir = c.Dir
	}
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdin = c.Stdin

	// Own process group so cancellation reaches the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = r.WaitDelay

	var stdout, stderr bytes.Buffer
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	} else {
		cmd.Stdout = &stdout
	}
	if c.Stderr != nil {
		cmd.Stderr = c.Stderr
	} else {
		cmd.Stderr = &stderr
	}

	r.logger.Debug().Str("command", c.String()).Msg("running command")

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, fmt.Errorf("command %q interrupted: %w", c.String(), ctxErr)
			}
			return result, &ExitError{
				Command:  c.String(),
				ExitCode: exitErr.ExitCode(),
				Stderr:   strings.TrimSpace(stderr.String()),
				Err:      err,
			}
		}
		if cmd.ProcessState == nil {
			result.ExitCode = -1
			return result, fmt.Errorf("failed to start %q: %w", c.String(), err)
		}
		return result, fmt.Errorf("command %q: %w", c.String(), err)
	}

	r.logger.Debug().
		Str("command", c.String()).
		Dur("duration", result.Duration).
		Msg("command finished")

	return result, nil
}
