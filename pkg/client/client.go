package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cuemby/kiln/pkg/api"
	"github.com/cuemby/kiln/pkg/events"
	"github.com/cuemby/kiln/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrJobFailed wraps the error text of a job the worker ran and lost
var ErrJobFailed = errors.New("job failed")

// DefaultTimeout bounds query calls whose context has no deadline. Job
// calls wait for the job.
const DefaultTimeout = 10 * time.Second

// Client wraps the kiln.Slave gRPC service for CLI usage
type Client struct {
	conn *grpc.ClientConn
}

// NewClient connects to a worker. addr is host:port or unix:///path for
// the local socket.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.CodecName)),
	}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) query(ctx context.Context, method string, req, resp any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}
	return c.conn.Invoke(ctx, api.FullMethod(method), req, resp)
}

func (c *Client) job(ctx context.Context, method string, req any) error {
	var resp api.Result
	if err := c.conn.Invoke(ctx, api.FullMethod(method), req, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%w: %s", ErrJobFailed, resp.Error)
	}
	return nil
}

// HostInfo returns disk, kernel and imaging information
func (c *Client) HostInfo(ctx context.Context) (*types.HostInfo, error) {
	var resp types.HostInfo
	if err := c.query(ctx, "GetHostInfo", &api.Empty{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StorageInfo returns the installed image description, nil when there is
// none
func (c *Client) StorageInfo(ctx context.Context) (*types.StorageInfo, error) {
	var resp api.StorageInfoResponse
	if err := c.query(ctx, "GetStorageInfo", &api.Empty{}, &resp); err != nil {
		return nil, err
	}
	return resp.Info, nil
}

// WorkerBusy reports whether a job is running
func (c *Client) WorkerBusy(ctx context.Context) (bool, error) {
	var resp api.BusyResponse
	if err := c.query(ctx, "WorkerBusy", &api.Empty{}, &resp); err != nil {
		return false, err
	}
	return resp.Busy, nil
}

// State returns the worker state
func (c *Client) State(ctx context.Context) (*api.StateResponse, error) {
	var resp api.StateResponse
	if err := c.query(ctx, "GetState", &api.Empty{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateMedia rebuilds the build image
func (c *Client) UpdateMedia(ctx context.Context, info types.StorageInfo) error {
	return c.job(ctx, "UpdateMedia", &info)
}

// CloneSourceRepo clones a source repository into the build environment
func (c *Client) CloneSourceRepo(ctx context.Context, uri, vcs, username, password string) error {
	return c.job(ctx, "AddSourceRepo", &api.SourceRepoRequest{URI: uri, VCS: vcs, Username: username, Password: password})
}

// SyncPackages uploads built packages to an rsync module
func (c *Client) SyncPackages(ctx context.Context, host, target, username, password string) error {
	return c.job(ctx, "SyncPackages", &api.SyncRequest{Host: host, Target: target, Username: username, Password: password})
}

// SyncLogs uploads build transcripts to an rsync module
func (c *Client) SyncLogs(ctx context.Context, host, target, username, password string) error {
	return c.job(ctx, "SyncLogs", &api.SyncRequest{Host: host, Target: target, Username: username, Password: password})
}

// BeginBuild runs a coordinator queue
func (c *Client) BeginBuild(ctx context.Context, queueID int, sandboxed bool) error {
	return c.job(ctx, "BeginBuild", &api.BuildRequest{QueueID: queueID, Sandboxed: sandboxed})
}

// AddBinaryRepo registers a binary repository in the build environment
func (c *Client) AddBinaryRepo(ctx context.Context, name, uri string) error {
	return c.job(ctx, "AddBinaryRepo", &api.BinaryRepoRequest{Name: name, URI: uri})
}

// Cancel cancels the running job and returns its ID
func (c *Client) Cancel(ctx context.Context) (string, bool, error) {
	var resp api.CancelResponse
	if err := c.query(ctx, "CancelJob", &api.Empty{}, &resp); err != nil {
		return "", false, err
	}
	return resp.JobID, resp.Cancelled, nil
}

// ListJobs returns up to limit job records, newest first
func (c *Client) ListJobs(ctx context.Context, limit int) ([]*types.JobRecord, error) {
	var resp api.ListJobsResponse
	if err := c.query(ctx, "ListJobs", &api.ListJobsRequest{Limit: limit}, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// GetJob returns a single job record
func (c *Client) GetJob(ctx context.Context, id string) (*types.JobRecord, error) {
	var resp types.JobRecord
	if err := c.query(ctx, "GetJob", &api.GetJobRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WatchEvents calls fn for every worker event of the given types until ctx
// ends, the worker goes away or fn returns an error
func (c *Client) WatchEvents(ctx context.Context, fn func(*events.Event) error, eventTypes ...events.EventType) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.conn.NewStream(ctx, &api.ServiceDesc.Streams[0], api.FullMethod("WatchEvents"))
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	if err := stream.SendMsg(&api.WatchRequest{Types: eventTypes}); err != nil {
		return fmt.Errorf("failed to send watch request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to send watch request: %w", err)
	}

	for {
		var event events.Event
		if err := stream.RecvMsg(&event); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := fn(&event); err != nil {
			return err
		}
	}
}
