package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/subframe/subframe/pkg/grpc/service"
	"github.com/subframe/subframe/pkg/grpc/transport"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const shutdownTimeout = 5 * time.Second

// Server runs the gRPC API of a node and its metrics endpoint.
type Server struct {
	node *node

	grpcServer *transport.Server

	metricsServer   *http.Server
	metricsListener net.Listener
}

// NewServer creates a server for n. Nothing listens until Start.
func NewServer(n *node) (*Server, error) {
	logger := n.logger.WithField("component", "server")

	grpcServer, err := transport.NewServer(n.cfg.ListenAddr, n.cfg.TLS, logger,
		func(r grpc.ServiceRegistrar) {
			service.RegisterStorageNodeServer(r, service.NewStorageNodeService(n.service, logger))
		},
		service.LoggingInterceptor(logger),
	)
	if err != nil {
		return nil, err
	}

	s := &Server{node: n, grpcServer: grpcServer}

	if n.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
		})
		s.metricsServer = &http.Server{
			Addr:              n.cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return s, nil
}

// Start binds the gRPC and metrics listeners.
func (s *Server) Start() error {
	if err := s.grpcServer.Listen(); err != nil {
		return err
	}

	if s.metricsServer != nil {
		lis, err := net.Listen("tcp", s.metricsServer.Addr)
		if err != nil {
			s.grpcServer.Stop(context.Background())
			return fmt.Errorf("failed to listen on %s: %w", s.metricsServer.Addr, err)
		}
		s.metricsListener = lis
	}
	return nil
}

// Addr returns the bound gRPC address.
func (s *Server) Addr() net.Addr {
	return s.grpcServer.Addr()
}

// MetricsAddr returns the bound metrics address, or nil when disabled.
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsListener == nil {
		return nil
	}
	return s.metricsListener.Addr()
}

// Run serves until ctx is done or a listener fails, then shuts both
// servers down.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.grpcServer.Serve(nil)
	})

	if s.metricsListener != nil {
		g.Go(func() error {
			s.node.logger.Info("Metrics endpoint listening on %s", s.metricsListener.Addr())
			if err := s.metricsServer.Serve(s.metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.node.logger.Info("Shutting down server...")
		return s.Shutdown()
	})

	return g.Wait()
}

// Shutdown stops both servers, forcing them after shutdownTimeout.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.grpcServer.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop metrics server: %w", err))
		}
	}
	return errors.Join(errs...)
}

// runServer starts a server for n and blocks until ctx is done.
func runServer(ctx context.Context, n *node) error {
	server, err := NewServer(n)
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}
	n.logger.Info("SuBFraMe node serving on %s", server.Addr())
	return server.Run(ctx)
}
