// health_checker.go: gRPC health endpoint reporting plugin slot states
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package traceplug

import (
	"context"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// statusStopTimeout bounds graceful shutdown of the status endpoint.
const statusStopTimeout = 5 * time.Second

// StatusServiceName is the health service name reported for kind.
func StatusServiceName(kind Kind) string {
	return "traceplug." + string(kind)
}

// StatusServer exposes plugin slots through the standard gRPC health
// protocol. Each kind is a service named by StatusServiceName: SERVING while
// a plugin is active, NOT_SERVING otherwise. The empty service name reports
// the agent itself.
//
// The server can be started again after Stop; every Start serves a new
// gRPC server with statuses re-read from the registry.
type StatusServer struct {
	address  string
	registry *Registry
	logger   Logger

	statusMu     sync.Mutex
	healthServer *health.Server
	shutdown     bool

	mu         sync.Mutex
	grpcServer *grpc.Server
	listener   net.Listener
	serveDone  chan struct{}
	running    bool
}

// NewStatusServer creates the endpoint and subscribes it to registry
// publications. Nothing listens until Start.
func NewStatusServer(address string, registry *Registry, logger Logger) *StatusServer {
	if logger == nil {
		logger = DefaultLogger()
	}

	s := &StatusServer{
		address:  address,
		registry: registry,
		logger:   logger,
	}
	s.statusMu.Lock()
	s.healthServer = s.seededHealthServer()
	s.statusMu.Unlock()

	registry.OnPublish(func(event PublishEvent) {
		s.setKindStatus(event.Kind, event.State)
	})
	return s
}

// seededHealthServer must be called with statusMu held.
func (s *StatusServer) seededHealthServer() *health.Server {
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	for _, kind := range s.registry.catalog.Kinds() {
		healthServer.SetServingStatus(StatusServiceName(kind), servingStatus(s.registry.State(kind)))
	}
	return healthServer
}

func servingStatus(state SlotState) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if state == SlotActive {
		return grpc_health_v1.HealthCheckResponse_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_NOT_SERVING
}

func (s *StatusServer) setKindStatus(kind Kind, state SlotState) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.healthServer.SetServingStatus(StatusServiceName(kind), servingStatus(state))
}

// HealthServer returns the current health service.
func (s *StatusServer) HealthServer() *health.Server {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.healthServer
}

// Start listens on the configured address and serves in the background.
func (s *StatusServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return NewStatusServerError(s.address, err)
	}

	s.statusMu.Lock()
	if s.shutdown {
		s.healthServer = s.seededHealthServer()
		s.shutdown = false
	}
	healthServer := s.healthServer
	s.statusMu.Unlock()

	grpcServer := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	done := make(chan struct{})
	s.grpcServer = grpcServer
	s.listener = listener
	s.serveDone = done
	s.running = true

	SafeGo(s.logger, func() {
		defer close(done)
		if err := grpcServer.Serve(listener); err != nil && err != grpc.ErrServerStopped {
			s.logger.Error("Status endpoint stopped unexpectedly", "address", s.address, "error", err)
		}
	})

	s.logger.Info("Plugin status endpoint listening", "address", listener.Addr().String())
	return nil
}

// Addr returns the bound address, useful with port 0.
func (s *StatusServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.address
	}
	return s.listener.Addr().String()
}

// Stop marks every service NOT_SERVING and shuts the endpoint down. It
// returns once the listener is closed.
func (s *StatusServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statusMu.Lock()
	if !s.shutdown {
		s.healthServer.Shutdown()
		s.shutdown = true
	}
	s.statusMu.Unlock()

	if !s.running {
		return
	}
	s.running = false

	ctx, cancel := context.WithTimeout(context.Background(), statusStopTimeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warn("Status endpoint graceful stop timed out, forcing stop")
		s.grpcServer.Stop()
	}

	// Serve may not have taken the listener yet
	_ = s.listener.Close()
	select {
	case <-s.serveDone:
	case <-ctx.Done():
		s.logger.Warn("Status endpoint did not release its listener in time")
	}
}
