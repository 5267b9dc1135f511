package api

import (
	"context"

	"github.com/cuemby/kiln/pkg/events"
	"github.com/cuemby/kiln/pkg/types"
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "kiln.Slave"

// FullMethod returns the gRPC path of a method
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// Empty is the request of methods without arguments
type Empty struct{}

// Result is the reply of every job operation. Error carries the job's
// error text when OK is false.
type Result struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// StorageInfoResponse wraps the optional storage record
type StorageInfoResponse struct {
	Info *types.StorageInfo `json:"info"`
}

// BusyResponse is the reply of WorkerBusy
type BusyResponse struct {
	Busy bool `json:"busy"`
}

// StateResponse describes the worker without waiting for the running job
type StateResponse struct {
	State      types.WorkerState `json:"state"`
	Busy       bool              `json:"busy"`
	CurrentJob string            `json:"current_job,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
}

// SourceRepoRequest asks for a fresh clone of the source repository
type SourceRepoRequest struct {
	URI      string `json:"uri"`
	VCS      string `json:"vcs"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// SyncRequest names an rsync daemon module to upload to
type SyncRequest struct {
	Host     string `json:"host"`
	Target   string `json:"target"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// BuildRequest starts a build run over a coordinator queue
type BuildRequest struct {
	QueueID   int  `json:"queue_id"`
	Sandboxed bool `json:"sandboxed"`
}

// BinaryRepoRequest registers a binary repository
type BinaryRepoRequest struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
}

// CancelResponse reports which job was cancelled
type CancelResponse struct {
	Cancelled bool   `json:"cancelled"`
	JobID     string `json:"job_id,omitempty"`
}

// ListJobsRequest limits the number of returned records; 0 returns all
type ListJobsRequest struct {
	Limit int `json:"limit"`
}

// ListJobsResponse holds job records, newest first
type ListJobsResponse struct {
	Jobs []*types.JobRecord `json:"jobs"`
}

// GetJobRequest selects a job record
type GetJobRequest struct {
	ID string `json:"id"`
}

// WatchRequest filters the event stream; no types means all events
type WatchRequest struct {
	Types []events.EventType `json:"types,omitempty"`
}

// SlaveServer is the server side of the kiln.Slave service
type SlaveServer interface {
	GetHostInfo(context.Context, *Empty) (*types.HostInfo, error)
	GetStorageInfo(context.Context, *Empty) (*StorageInfoResponse, error)
	UpdateMedia(context.Context, *types.StorageInfo) (*Result, error)
	WorkerBusy(context.Context, *Empty) (*BusyResponse, error)
	GetState(context.Context, *Empty) (*StateResponse, error)
	AddSourceRepo(context.Context, *SourceRepoRequest) (*Result, error)
	SyncPackages(context.Context, *SyncRequest) (*Result, error)
	SyncLogs(context.Context, *SyncRequest) (*Result, error)
	BeginBuild(context.Context, *BuildRequest) (*Result, error)
	AddBinaryRepo(context.Context, *BinaryRepoRequest) (*Result, error)
	CancelJob(context.Context, *Empty) (*CancelResponse, error)
	ListJobs(context.Context, *ListJobsRequest) (*ListJobsResponse, error)
	GetJob(context.Context, *GetJobRequest) (*types.JobRecord, error)
	WatchEvents(*WatchRequest, grpc.ServerStream) error
}

// unary builds the method descriptor of a unary call decoding into Req
func unary[Req any, Resp any](name string, call func(SlaveServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SlaveServer), ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(SlaveServer), ctx, req.(*Req))
			})
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	req := new(WatchRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(SlaveServer).WatchEvents(req, stream)
}

// ServiceDesc describes kiln.Slave for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SlaveServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetHostInfo", SlaveServer.GetHostInfo),
		unary("GetStorageInfo", SlaveServer.GetStorageInfo),
		unary("UpdateMedia", SlaveServer.UpdateMedia),
		unary("WorkerBusy", SlaveServer.WorkerBusy),
		unary("GetState", SlaveServer.GetState),
		unary("AddSourceRepo", SlaveServer.AddSourceRepo),
		unary("SyncPackages", SlaveServer.SyncPackages),
		unary("SyncLogs", SlaveServer.SyncLogs),
		unary("BeginBuild", SlaveServer.BeginBuild),
		unary("AddBinaryRepo", SlaveServer.AddBinaryRepo),
		unary("CancelJob", SlaveServer.CancelJob),
		unary("ListJobs", SlaveServer.ListJobs),
		unary("GetJob", SlaveServer.GetJob),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "kiln/slave",
}

// RegisterSlaveServer registers srv on s
func RegisterSlaveServer(s grpc.ServiceRegistrar, srv SlaveServer) {
	s.RegisterService(&ServiceDesc, srv)
}
