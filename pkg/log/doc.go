/*
Package log holds kiln's process-wide zerolog logger.

Logger discards everything until Init runs, which keeps packages quiet when
they are exercised from tests. Components derive a child logger when they are
constructed, so the daemon calls Init before building the worker, the API
server and the rest:

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("environment")

Jobs and packages add their own fields on top of a component logger:

	jl := log.WithJob(logger, id, "build")
	pl := log.WithPackage(jl, "nano", "7.2")

Build transcripts do not go through this package. They are plain text files
under the environment's log directory, see package buildlog.
*/
package log
