package media

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
)

var (
	// rsync 3.1 renamed to-check to to-chk
	toCheckPattern   = regexp.MustCompile(`to-ch(?:ec)?k=(\d+)/(\d+)`)
	fileCountPattern = regexp.MustCompile(`Number of files: ([\d,]+)`)
)

// parseFileCount extracts the file total from rsync --stats output
func parseFileCount(stats string) (int, bool) {
	m := fileCountPattern.FindStringSubmatch(stats)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return 0, false
	}
	return n, true
}

// progressWriter parses rsync --progress output and reports a percentage.
// rsync redraws progress lines with carriage returns, so both \r and \n end
// a line.
type progressWriter struct {
	total  int
	report func(percent int)
	buf    bytes.Buffer
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			break
		}
		w.line(string(data[:i]))
		w.buf.Next(i + 1)
	}
	return len(p), nil
}

func (w *progressWriter) line(s string) {
	m := toCheckPattern.FindStringSubmatch(s)
	if m == nil {
		return
	}
	remaining, _ := strconv.Atoi(m[1])
	seen, _ := strconv.Atoi(m[2])

	total := w.total
	if total <= 0 {
		total = seen
	}
	if total <= 0 {
		return
	}
	percent := 100 * (seen - remaining) / total
	percent = max(0, min(percent, 100))
	w.report(percent)
}
