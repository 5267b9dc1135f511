package buildlog

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	"github.com/cuemby/kiln/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// escapePrefix marks the packaging tool's coloured progress lines
	escapePrefix = "\x1b["

	fetchMarker = "Fetching source from:"
)

var ansiPattern = regexp.MustCompile(`\x1b\[([0-9,A-Z]{1,2}(;[0-9]{1,2})?(;[0-9]{3})?)?[m|K]?`)

// StripANSI removes colour and erase-line escape sequences
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// PhaseFunc receives phase transitions. detail is the patch name for
// PhasePatching, the source URL for PhaseFetching, and empty otherwise.
type PhaseFunc func(phase types.BuildPhase, detail string)

// Sink is the transcript destination. Flush is called after every line.
type Sink interface {
	io.Writer
	Flush() error
}

// rule maps a marker found in a progress line to a phase. Rules are
// evaluated in order and the first match wins.
type rule struct {
	marker string
	phase  types.BuildPhase
	// resume marks the end of the download section: fetch detection stops
	// and suppressed output is written again.
	resume bool
	detail func(line string) string
}

var progressRules = []rule{
	{marker: "Setting up source", phase: types.PhaseConfiguring},
	{marker: "Unpacking archive(", phase: types.PhaseUnpacking, resume: true},
	{marker: "Applying patch", phase: types.PhasePatching, detail: patchName},
	{marker: "Building source.", phase: types.PhaseBuilding},
	{marker: "Testing package", phase: types.PhaseTesting},
	{marker: "Building source package:", phase: types.PhaseStarted},
}

func matchRule(line string) (rule, bool) {
	for _, r := range progressRules {
		if strings.Contains(line, r.marker) {
			return r, true
		}
	}
	return rule{}, false
}

// afterColon returns the ANSI-stripped, trimmed text after the first colon
func afterColon(line string) string {
	parts := strings.SplitN(line, ":", 2)
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSpace(StripANSI(parts[1]))
}

func patchName(line string) string {
	fields := strings.Fields(afterColon(line))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Classifier turns the output of one packaging-tool run into phase events and
// a clean transcript. It is not safe for concurrent use; Consume serialises
// the two streams itself.
type Classifier struct {
	sink    Sink
	onPhase PhaseFunc
	logger  zerolog.Logger

	started  bool
	canWrite bool
}

// NewClassifier creates a classifier writing to sink. onPhase may be nil.
func NewClassifier(sink Sink, onPhase PhaseFunc, logger zerolog.Logger) *Classifier {
	return &Classifier{
		sink:     sink,
		onPhase:  onPhase,
		logger:   logger,
		canWrite: true,
	}
}

func (c *Classifier) emit(phase types.BuildPhase, detail string) {
	c.logger.Debug().Str("phase", phase.String()).Str("detail", detail).Msg("build phase")
	if c.onPhase != nil {
		c.onPhase(phase, detail)
	}
}

// Feed processes one stdout line together with whatever stderr output
// arrived since the previous call.
func (c *Classifier) Feed(stdoutLine, stderrChunk string) error {
	var errs []error
	write := func(s string) {
		if s == "" {
			return
		}
		if _, err := io.WriteString(c.sink, s); err != nil {
			errs = append(errs, err)
		}
	}

	keep := true
	if strings.Contains(stdoutLine, escapePrefix) {
		r, ok := matchRule(stdoutLine)
		if !ok {
			keep = false
		} else {
			if r.resume {
				c.started = true
				c.canWrite = true
			}
			detail := ""
			if r.detail != nil {
				detail = r.detail(stdoutLine)
			}
			c.emit(r.phase, detail)
		}
	} else if !c.started && strings.Contains(stdoutLine, fetchMarker) {
		write(StripANSI(stdoutLine))
		c.canWrite = false
		c.emit(types.PhaseFetching, afterColon(stdoutLine))
	}

	if keep && c.canWrite {
		write(StripANSI(stdoutLine))
	}
	write(StripANSI(stderrChunk))

	if err := c.sink.Flush(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to write build log: %w", errors.Join(errs...))
	}
	return nil
}

// Consume reads stdout line by line until EOF, draining stderr in the
// background so that a chatty stderr never stalls the stdout loop. A sink
// failure does not stop the loop: the streams are read to the end and the
// first write error is returned.
func (c *Classifier) Consume(stdout, stderr io.Reader) error {
	var (
		mu      sync.Mutex
		pending bytes.Buffer
		g       errgroup.Group
	)

	if stderr != nil {
		g.Go(func() error {
			buf := make([]byte, 4096)
			for {
				n, err := stderr.Read(buf)
				if n > 0 {
					mu.Lock()
					pending.Write(buf[:n])
					mu.Unlock()
				}
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("failed to read stderr: %w", err)
				}
			}
		})
	}

	takeStderr := func() string {
		mu.Lock()
		defer mu.Unlock()
		s := pending.String()
		pending.Reset()
		return s
	}

	var firstErr error
	reader := bufio.NewReader(stdout)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			if feedErr := c.Feed(line, takeStderr()); feedErr != nil && firstErr == nil {
				firstErr = feedErr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to read stdout: %w", err)
			}
			break
		}
	}

	if err := g.Wait(); err != nil && firstErr == nil {
		firstErr = err
	}
	if rest := takeStderr(); rest != "" {
		if err := c.Feed("", rest); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
