/*
Package runner executes subprocesses for the worker, optionally inside a
chroot.

Every external tool kiln drives (pisi, hg, git, rsync, mount, mkfs, the
message-bus init script) goes through Runner.Run. A Command carries the argv,
an optional chroot Root, a working directory, environment overrides and
optional output writers; output that is not streamed to a writer is captured
into the Result.

Chrooted commands are executed as "chroot <root> <argv...>" so that argv[0]
is resolved against the PATH inside the image rather than on the host.

Each child is started in its own process group. Cancelling the context kills
the whole group, and WaitDelay bounds how long Run waits for output pipes held
open by orphaned grandchildren. Orphans that escape the group (daemons that
call setsid) are the environment package's problem: it scans /proc for
anything rooted in the chroot during teardown.

Errors:
  - *ExitError: the command ran and exited non-zero (Result is non-nil)
  - wrapped context error: the command was interrupted by cancellation
  - other errors: the command could not be started or its output could not
    be copied

Secrets such as RSYNC_PASSWORD are passed through Env and never appear in the
argv, so they do not leak into the process list or into log lines.
*/
package runner
