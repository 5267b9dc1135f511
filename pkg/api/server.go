package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/kiln/pkg/events"
	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/storage"
	"github.com/cuemby/kiln/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Worker is the job side of the service, implemented by *worker.Worker
type Worker interface {
	State() types.WorkerState
	WorkerBusy() bool
	LastError() error
	CurrentJob() (string, bool)
	Cancel() (string, bool)
	Jobs(limit int) ([]*types.JobRecord, error)
	Job(id string) (*types.JobRecord, error)

	UpdateMedia(ctx context.Context, info types.StorageInfo) error
	CloneSourceRepo(ctx context.Context, uri, vcs, username, password string) error
	SyncPackages(ctx context.Context, host, module, username, password string) error
	SyncLogs(ctx context.Context, host, module, username, password string) error
	BeginBuild(ctx context.Context, queueID int, sandboxed bool) error
	AddBinaryRepo(ctx context.Context, name, uri string) error
}

// Host answers the machine queries, implemented by *media.Manager
type Host interface {
	HostInfo() (*types.HostInfo, error)
	StorageInfo() *types.StorageInfo
}

// Server implements the kiln.Slave gRPC service. Job failures are reported
// in Result; gRPC errors are reserved for malformed requests and lookups.
type Server struct {
	worker Worker
	host   Host
	broker *events.Broker
	logger zerolog.Logger

	grpc  *grpc.Server
	local *grpc.Server

	mu     sync.Mutex
	socket string
}

// NewServer creates the API server. opts are applied to both listeners.
func NewServer(w Worker, host Host, broker *events.Broker, opts ...grpc.ServerOption) *Server {
	s := &Server{
		worker: w,
		host:   host,
		broker: broker,
		logger: log.WithComponent("api"),
	}

	s.grpc = grpc.NewServer(append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(LoggingInterceptor(s.logger)),
		grpc.ChainStreamInterceptor(StreamLoggingInterceptor(s.logger)),
	}, opts...)...)
	RegisterSlaveServer(s.grpc, s)

	s.local = grpc.NewServer(append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(LoggingInterceptor(s.logger), ReadOnlyInterceptor()),
		grpc.ChainStreamInterceptor(StreamLoggingInterceptor(s.logger)),
	}, opts...)...)
	RegisterSlaveServer(s.local, s)

	return s
}

// Serve accepts connections on lis until Stop is called
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Start listens on addr and serves the full API
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.logger.Info().Str("address", lis.Addr().String()).Msg("gRPC API listening")
	return s.Serve(lis)
}

// ServeLocal serves the read-only API on lis
func (s *Server) ServeLocal(lis net.Listener) error {
	return s.local.Serve(lis)
}

// StartLocal serves the read-only API on a unix socket at path. A stale
// socket file is replaced.
func (s *Server) StartLocal(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	if err := os.Chmod(path, 0660); err != nil {
		lis.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.socket = path
	s.mu.Unlock()

	s.logger.Info().Str("socket", path).Msg("Read-only API listening")
	return s.ServeLocal(lis)
}

// Stop gracefully stops both listeners. Open event streams end when the
// broker stops or their clients go away.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
	s.local.GracefulStop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.socket != "" {
		_ = os.Remove(s.socket)
		s.socket = ""
	}
}

func result(err error) *Result {
	if err != nil {
		return &Result{Error: err.Error()}
	}
	return &Result{OK: true}
}

// GetHostInfo returns disk, kernel and imaging information
func (s *Server) GetHostInfo(ctx context.Context, _ *Empty) (*types.HostInfo, error) {
	info, err := s.host.HostInfo()
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to read host info: %v", err)
	}
	return info, nil
}

// GetStorageInfo returns the installed image description, if any
func (s *Server) GetStorageInfo(ctx context.Context, _ *Empty) (*StorageInfoResponse, error) {
	return &StorageInfoResponse{Info: s.host.StorageInfo()}, nil
}

// UpdateMedia rebuilds the build image. It blocks until the job ends.
func (s *Server) UpdateMedia(ctx context.Context, req *types.StorageInfo) (*Result, error) {
	return result(s.worker.UpdateMedia(ctx, *req)), nil
}

// WorkerBusy reports whether a job is running
func (s *Server) WorkerBusy(ctx context.Context, _ *Empty) (*BusyResponse, error) {
	return &BusyResponse{Busy: s.worker.WorkerBusy()}, nil
}

// GetState returns the worker state and the last job error
func (s *Server) GetState(ctx context.Context, _ *Empty) (*StateResponse, error) {
	resp := &StateResponse{
		State: s.worker.State(),
		Busy:  s.worker.WorkerBusy(),
	}
	if id, ok := s.worker.CurrentJob(); ok {
		resp.CurrentJob = id
	}
	if err := s.worker.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	return resp, nil
}

// AddSourceRepo clones the source repository into the environment
func (s *Server) AddSourceRepo(ctx context.Context, req *SourceRepoRequest) (*Result, error) {
	if req.URI == "" {
		return nil, status.Error(codes.InvalidArgument, "uri is required")
	}
	return result(s.worker.CloneSourceRepo(ctx, req.URI, req.VCS, req.Username, req.Password)), nil
}

// SyncPackages uploads built packages
func (s *Server) SyncPackages(ctx context.Context, req *SyncRequest) (*Result, error) {
	if err := validateSync(req); err != nil {
		return nil, err
	}
	return result(s.worker.SyncPackages(ctx, req.Host, req.Target, req.Username, req.Password)), nil
}

// SyncLogs uploads build transcripts
func (s *Server) SyncLogs(ctx context.Context, req *SyncRequest) (*Result, error) {
	if err := validateSync(req); err != nil {
		return nil, err
	}
	return result(s.worker.SyncLogs(ctx, req.Host, req.Target, req.Username, req.Password)), nil
}

func validateSync(req *SyncRequest) error {
	if req.Host == "" || req.Target == "" {
		return status.Error(codes.InvalidArgument, "host and target are required")
	}
	return nil
}

// BeginBuild runs the coordinator queue. It blocks until the queue is done.
func (s *Server) BeginBuild(ctx context.Context, req *BuildRequest) (*Result, error) {
	return result(s.worker.BeginBuild(ctx, req.QueueID, req.Sandboxed)), nil
}

// AddBinaryRepo registers a binary repository and upgrades
func (s *Server) AddBinaryRepo(ctx context.Context, req *BinaryRepoRequest) (*Result, error) {
	if req.Name == "" || req.URI == "" {
		return nil, status.Error(codes.InvalidArgument, "name and uri are required")
	}
	return result(s.worker.AddBinaryRepo(ctx, req.Name, req.URI)), nil
}

// CancelJob cancels the running job, if any
func (s *Server) CancelJob(ctx context.Context, _ *Empty) (*CancelResponse, error) {
	id, ok := s.worker.Cancel()
	return &CancelResponse{Cancelled: ok, JobID: id}, nil
}

// ListJobs returns the job history, newest first
func (s *Server) ListJobs(ctx context.Context, req *ListJobsRequest) (*ListJobsResponse, error) {
	if req.Limit < 0 {
		return nil, status.Error(codes.InvalidArgument, "limit must not be negative")
	}
	jobs, err := s.worker.Jobs(req.Limit)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to list jobs: %v", err)
	}
	return &ListJobsResponse{Jobs: jobs}, nil
}

// GetJob returns a single job record
func (s *Server) GetJob(ctx context.Context, req *GetJobRequest) (*types.JobRecord, error) {
	job, err := s.worker.Job(req.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, status.Errorf(codes.NotFound, "job %s not found", req.ID)
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to get job: %v", err)
	}
	return job, nil
}

// WatchEvents streams worker events until the client leaves or the broker
// stops
func (s *Server) WatchEvents(req *WatchRequest, stream grpc.ServerStream) error {
	if s.broker == nil {
		return status.Error(codes.Unavailable, "event broker is not running")
	}
	sub := s.broker.Subscribe(req.Types...)
	defer s.broker.Unsubscribe(sub)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub:
			if !ok {
				return nil
			}
			if err := stream.SendMsg(event); err != nil {
				return err
			}
		}
	}
}
