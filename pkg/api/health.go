package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/kiln/pkg/metrics"
)

// HealthServer serves /health, /ready, /live and /metrics over HTTP
type HealthServer struct {
	server *http.Server
}

// NewHealthServer creates the monitoring server for addr
func NewHealthServer(addr string) *HealthServer {
	return &HealthServer{
		server: &http.Server{
			Addr:         addr,
			Handler:      metrics.NewMux(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start serves until Shutdown. It returns nil after a shutdown.
func (hs *HealthServer) Start() error {
	lis, err := net.Listen("tcp", hs.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return hs.Serve(lis)
}

// Serve accepts monitoring requests on lis
func (hs *HealthServer) Serve(lis net.Listener) error {
	if err := hs.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	return hs.server.Shutdown(ctx)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.server.Handler
}
