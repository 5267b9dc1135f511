/*
Package client is the Go client of a worker's kiln.Slave API, used by the
kiln CLI.

	c, err := client.NewClient("builder-01:8090")
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.BeginBuild(ctx, 12, true); errors.Is(err, client.ErrJobFailed) {
		// the worker ran the build and it failed
	}

Job methods block until the worker finishes the job; a failed job is
returned as an error wrapping ErrJobFailed, a transport or validation
problem as a gRPC status error. Query methods apply DefaultTimeout when the
context has no deadline.

Connecting to "unix:///run/kiln/kiln.sock" reaches the read-only listener,
where job methods fail with codes.PermissionDenied.
*/
package client
