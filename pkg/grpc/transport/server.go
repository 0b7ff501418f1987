// Package transport runs the storage node's gRPC server and dials it from
// clients, with the keepalive and TLS settings both sides agree on.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/subframe/subframe/pkg/common/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
)

// ErrServerStarted is returned by Listen on a server that is already listening
var ErrServerStarted = errors.New("server already started")

// Server wraps a grpc.Server with its listener and lifecycle.
type Server struct {
	address string
	tls     TLSConfig
	logger  log.Logger

	mu       sync.Mutex
	server   *grpc.Server
	listener net.Listener
	started  bool
}

// NewServer creates a server for address. register is called once with the
// grpc.Server so callers can attach their services; interceptors run in the
// order given.
func NewServer(address string, tlsConfig TLSConfig, logger log.Logger,
	register func(grpc.ServiceRegistrar), interceptors ...grpc.UnaryServerInterceptor) (*Server, error) {
	if logger == nil {
		logger = log.Component("server")
	}

	serverOpts, err := serverOptions(tlsConfig)
	if err != nil {
		return nil, err
	}
	if len(interceptors) > 0 {
		serverOpts = append(serverOpts, grpc.ChainUnaryInterceptor(interceptors...))
	}

	s := &Server{
		address: address,
		tls:     tlsConfig,
		logger:  logger,
		server:  grpc.NewServer(serverOpts...),
	}
	register(s.server)
	return s, nil
}

func serverOptions(tlsConfig TLSConfig) ([]grpc.ServerOption, error) {
	var serverOpts []grpc.ServerOption

	if tlsConfig.Enabled {
		cfg, err := LoadServerTLSConfig(tlsConfig.CertFile, tlsConfig.KeyFile, tlsConfig.CAFile)
		if err != nil {
			return nil, err
		}
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(cfg)))
	}

	keepaliveParams := keepalive.ServerParameters{
		MaxConnectionIdle:     60 * time.Second,
		MaxConnectionAge:      5 * time.Minute,
		MaxConnectionAgeGrace: 5 * time.Second,
		Time:                  15 * time.Second,
		Timeout:               5 * time.Second,
	}

	keepalivePolicy := keepalive.EnforcementPolicy{
		MinTime:             5 * time.Second,
		PermitWithoutStream: true,
	}

	serverOpts = append(serverOpts,
		grpc.KeepaliveParams(keepaliveParams),
		grpc.KeepaliveEnforcementPolicy(keepalivePolicy),
	)
	return serverOpts, nil
}

// Listen binds the server address without serving yet.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrServerStarted
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	s.listener = listener
	s.started = true
	return nil
}

// Serve accepts connections on lis, or on the bound address when lis is
// nil, and blocks until the server is stopped.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if lis != nil {
		s.listener = lis
		s.started = true
	}
	listener := s.listener
	s.mu.Unlock()

	if listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		listener = s.listener
		s.mu.Unlock()
	}

	s.logger.Info("gRPC server listening on %s", listener.Addr())
	if err := s.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the server gracefully, forcing it once ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.server.Stop()
		return nil
	}

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Info("gRPC server stopped")
	case <-ctx.Done():
		s.logger.Warn("Graceful stop timed out, forcing shutdown")
		s.server.Stop()
	}

	s.started = false
	return nil
}
