/*
Package buildlog turns the raw output of a pisi build into build-phase events
and a clean, tail-able transcript.

# Flow

	  pisi build (chroot)
	   │ stdout            │ stderr
	   ▼                   ▼
	┌────────────┐   ┌──────────────┐
	│ line reader│   │ drain (async)│──► pending buffer
	└─────┬──────┘   └──────────────┘        │
	      │ one line          take whatever arrived
	      ▼                                  │
	┌──────────────────────────────────────────▼─┐
	│ Classifier.Feed(line, stderrChunk)         │
	│   progress line? ordered rules, first wins │──► PhaseFunc(phase, detail)
	│   fetch line?    Fetching(url)             │
	│   strip ANSI, write, flush                 │──► Sink (log_dir/<name>-<ver>.txt)
	└────────────────────────────────────────────┘

Progress lines are the ones pisi colours: they contain the ESC[ prefix. Their
visible text is matched against the rule table in order; a coloured line that
matches nothing is dropped from the transcript.

Between "Fetching source from:" and "Unpacking archive(" the download progress
output is suppressed, since it is mostly carriage-return redraws. The fetch
line itself is written once.

stderr is always written. Its position relative to stdout lines is whatever
the drain goroutine had collected when the next stdout line arrived.

# Usage

	sink, _ := buildlog.CreateFile(logPath)
	c := buildlog.NewClassifier(sink, onPhase, logger)
	session := buildlog.Start(c)
	_, err := r.Run(ctx, runner.Command{
		Args:   argv,
		Root:   mountPoint,
		Stdout: session.Stdout(),
		Stderr: session.Stderr(),
	})
	logErr := session.Close()
	sink.Close()
*/
package buildlog
