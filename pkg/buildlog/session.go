package buildlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
)

var errSessionClosed = errors.New("build log session closed")

// FileSink is a buffered transcript file flushed on every line so the log can
// be followed with tail while the build runs.
type FileSink struct {
	file io.Closer
	*bufio.Writer
}

// NewFileSink buffers writes to an already opened transcript
func NewFileSink(f io.WriteCloser) *FileSink {
	return &FileSink{file: f, Writer: bufio.NewWriter(f)}
}

// CreateFile truncates or creates the transcript at path
func CreateFile(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create build log: %w", err)
	}
	return NewFileSink(f), nil
}

// Close flushes pending output and closes the file
func (s *FileSink) Close() error {
	flushErr := s.Flush()
	return errors.Join(flushErr, s.file.Close())
}

// Session connects a Classifier to a subprocess: hand Stdout and Stderr to
// the runner, run the command, then Close.
type Session struct {
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
	done    chan error
}

// Start begins consuming in the background
func Start(c *Classifier) *Session {
	s := &Session{done: make(chan error, 1)}
	s.stdoutR, s.stdoutW = io.Pipe()
	s.stderrR, s.stderrW = io.Pipe()

	go func() {
		err := c.Consume(s.stdoutR, s.stderrR)
		// Anything written after Consume returned must fail rather than block.
		s.stdoutR.CloseWithError(errSessionClosed)
		s.stderrR.CloseWithError(errSessionClosed)
		s.done <- err
	}()
	return s
}

// Stdout is the writer for the subprocess's standard output
func (s *Session) Stdout() io.Writer {
	return s.stdoutW
}

// Stderr is the writer for the subprocess's standard error
func (s *Session) Stderr() io.Writer {
	return s.stderrW
}

// Close signals end of output and waits for the classifier to finish. It
// must be called once the subprocess has exited.
func (s *Session) Close() error {
	s.stdoutW.Close()
	s.stderrW.Close()
	return <-s.done
}
