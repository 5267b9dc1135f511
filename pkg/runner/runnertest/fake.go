// Package runnertest provides a scripted Runner for tests.
package runnertest

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/cuemby/kiln/pkg/runner"
)

// Response is what the fake returns for a matched command
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
	// Do runs before the response is returned, e.g. to create files the
	// real command would have produced.
	Do func(cmd runner.Command)
}

type rule struct {
	prefix string
	resp   Response
}

// Fake records every command and answers with the response of the first
// rule whose prefix matches the joined argv. Unmatched commands succeed.
type Fake struct {
	mu       sync.Mutex
	rules    []rule
	commands []runner.Command
}

// New creates an empty fake
func New() *Fake {
	return &Fake{}
}

// On registers a response for commands whose argv starts with prefix
func (f *Fake) On(prefix string, resp Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{prefix: prefix, resp: resp})
	return f
}

// Fail makes commands starting with prefix exit with status 1
func (f *Fake) Fail(prefix string) *Fake {
	return f.On(prefix, Response{ExitCode: 1, Stderr: "failed"})
}

// Commands returns the recorded commands in order
func (f *Fake) Commands() []runner.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]runner.Command, len(f.commands))
	copy(out, f.commands)
	return out
}

// Lines returns the recorded commands rendered with Command.String
func (f *Fake) Lines() []string {
	var lines []string
	for _, c := range f.Commands() {
		lines = append(lines, c.String())
	}
	return lines
}

// Ran reports whether a command starting with prefix was run
func (f *Fake) Ran(prefix string) bool {
	for _, c := range f.Commands() {
		if strings.HasPrefix(strings.Join(c.Args, " "), prefix) {
			return true
		}
	}
	return false
}

func (f *Fake) Run(ctx context.Context, cmd runner.Command) (*runner.Result, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	var resp Response
	line := strings.Join(cmd.Args, " ")
	for _, r := range f.rules {
		if strings.HasPrefix(line, r.prefix) {
			resp = r.resp
			break
		}
	}
	f.mu.Unlock()

	if resp.Do != nil {
		resp.Do(cmd)
	}
	if cmd.Stdout != nil {
		_, _ = io.WriteString(cmd.Stdout, resp.Stdout)
	}
	if cmd.Stderr != nil {
		_, _ = io.WriteString(cmd.Stderr, resp.Stderr)
	}

	result := &runner.Result{
		ExitCode: resp.ExitCode,
		Stdout:   []byte(resp.Stdout),
		Stderr:   []byte(resp.Stderr),
	}
	if resp.Err != nil {
		return result, resp.Err
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	if resp.ExitCode != 0 {
		return result, &runner.ExitError{
			Command:  cmd.String(),
			ExitCode: resp.ExitCode,
			Stderr:   resp.Stderr,
		}
	}
	return result, nil
}
