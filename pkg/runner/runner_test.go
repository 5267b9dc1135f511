package runner

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunner_Success(t *testing.T) {
	r := NewExecRunner()

	res, err := r.Run(context.Background(), Command{Args: []string{"sh", "-c", "echo hello; echo oops >&2"}})
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, "hello\n", string(res.Stdout))
	assert.Equal(t, "oops\n", string(res.Stderr))
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	r := NewExecRunner()

	res, err := r.Run(context.Background(), Command{Args: []string{"sh", "-c", "echo broken >&2; exit 3"}})
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Equal(t, "broken", exitErr.Stderr)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Success())
}

func TestExecRunner_StartFailure(t *testing.T) {
	r := NewExecRunner()

	_, err := r.Run(context.Background(), Command{Args: []string{"/nonexistent/kiln-binary"}})
	require.Error(t, err)

	var exitErr *ExitError
	assert.False(t, errors.As(err, &exitErr))
}

func TestExecRunner_EmptyCommand(t *testing.T) {
	r := NewExecRunner()

	_, err := r.Run(context.Background(), Command{})
	assert.Error(t, err)
}

func TestExecRunner_EnvAndDir(t *testing.T) {
	r := NewExecRunner()
	dir := t.TempDir()

	res, err := r.Run(context.Background(), Command{
		Args: []string{"sh", "-c", `printf "%s %s" "$KILN_SECRET" "$(pwd)"`},
		Dir:  dir,
		Env:  []string{"KILN_SECRET=hunter2"},
	})
	require.NoError(t, err)

	fields := strings.SplitN(string(res.Stdout), " ", 2)
	require.Len(t, fields, 2)
	assert.Equal(t, "hunter2", fields[0])
	assert.Contains(t, fields[1], dir)
}

func TestExecRunner_StreamsToWriters(t *testing.T) {
	r := NewExecRunner()
	var out, errOut bytes.Buffer

	res, err := r.Run(context.Background(), Command{
		Args:   []string{"sh", "-c", "echo one; echo two >&2"},
		Stdout: &out,
		Stderr: &errOut,
	})
	require.NoError(t, err)
	assert.Equal(t, "one\n", out.String())
	assert.Equal(t, "two\n", errOut.String())
	assert.Empty(t, res.Stdout)
	assert.Empty(t, res.Stderr)
}

func TestExecRunner_ChrootPrefix(t *testing.T) {
	// echo stands in for chroot(8) so the argv rewrite is observable.
	r := NewExecRunner()
	r.ChrootBinary = "echo"

	res, err := r.Run(context.Background(), Command{
		Args: []string{"pisi", "delete-cache"},
		Root: "/srv/kiln/mountpoint",
	})
	require.NoError(t, err)
	assert.Equal(t, "/srv/kiln/mountpoint pisi delete-cache\n", string(res.Stdout))
}

func TestExecRunner_Cancel(t *testing.T) {
	r := NewExecRunner()
	r.WaitDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Run(ctx, Command{Args: []string{"sh", "-c", "sleep 10 & sleep 10"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCommandString(t *testing.T) {
	c := Command{Args: []string{"rsync", "-avz"}, Env: []string{"RSYNC_PASSWORD=secret"}}
	assert.Equal(t, "rsync -avz", c.String())
	assert.NotContains(t, c.String(), "secret")

	c.Root = "/mnt"
	assert.Equal(t, "[/mnt] rsync -avz", c.String())
}
