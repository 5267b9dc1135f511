package api

import (
	"context"
	"path"
	"strings"

	"github.com/cuemby/kiln/pkg/metrics"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ReadOnlyInterceptor creates a gRPC unary interceptor that only allows read-only operations.
// This is used for the Unix socket listener so local tools cannot start jobs.
func ReadOnlyInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if !isReadOnlyMethod(info.FullMethod) {
			return nil, status.Errorf(
				codes.PermissionDenied,
				"%s not allowed on the local socket, use the controller address",
				methodName(info.FullMethod),
			)
		}
		return handler(ctx, req)
	}
}

// methodName extracts the method from a full path, e.g.
// "/kiln.Slave/GetState" -> "GetState"
func methodName(fullMethod string) string {
	return path.Base(fullMethod)
}

// isReadOnlyMethod checks if a gRPC method only reads worker state
func isReadOnlyMethod(method string) bool {
	if !strings.HasPrefix(method, "/") || strings.Count(method, "/") < 2 {
		return false
	}
	name := methodName(method)

	readOnlyPrefixes := []string{
		"Get",
		"List",
		"Watch",
	}
	for _, prefix := range readOnlyPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}

	// Queries not following the naming scheme
	return name == "WorkerBusy"
}

// requestStatus labels a finished call for kiln_api_requests_total. Calls
// whose Result reports a job failure count as "failed".
func requestStatus(resp any, err error) string {
	if err != nil {
		return status.Code(err).String()
	}
	if r, ok := resp.(*Result); ok && !r.OK {
		return "failed"
	}
	return codes.OK.String()
}

// LoggingInterceptor logs every unary call and records its count and
// duration
func LoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		method := methodName(info.FullMethod)
		timer := metrics.NewTimer()

		resp, err := handler(ctx, req)

		code := requestStatus(resp, err)
		timer.ObserveDurationVec(metrics.APIRequestDuration, method)
		metrics.APIRequestsTotal.WithLabelValues(method, code).Inc()

		event := logger.Debug()
		switch {
		case err != nil:
			event = logger.Warn().Err(err)
		case code == "failed":
			event = logger.Info().Str("error", resp.(*Result).Error)
		}
		event.Str("method", method).Str("status", code).Dur("duration", timer.Duration()).Msg("Handled request")
		return resp, err
	}
}

// StreamLoggingInterceptor is LoggingInterceptor for streaming calls
func StreamLoggingInterceptor(logger zerolog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		method := methodName(info.FullMethod)
		timer := metrics.NewTimer()
		logger.Debug().Str("method", method).Msg("Stream opened")

		err := handler(srv, ss)

		code := requestStatus(nil, err)
		timer.ObserveDurationVec(metrics.APIRequestDuration, method)
		metrics.APIRequestsTotal.WithLabelValues(method, code).Inc()
		logger.Debug().Str("method", method).Str("status", code).Dur("duration", timer.Duration()).Msg("Stream closed")
		return err
	}
}
