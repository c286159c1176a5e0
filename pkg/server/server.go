// Package server hosts the gRPC endpoint of the proxy and puts every call
// behind the slot manager.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/openjdbcproxy/ojp-go/pkg/classify"
	"github.com/openjdbcproxy/ojp-go/pkg/executor"
	"github.com/openjdbcproxy/ojp-go/pkg/slots"
	"github.com/openjdbcproxy/ojp-go/pkg/utils"
)

// HealthService is the name the health server reports as serving.
const HealthService = "ojp"

type Server struct {
	cfg    Config
	exec   *executor.Executor
	grpc   *grpc.Server
	health *health.Server
	logger *slog.Logger
}

// New builds the gRPC server with logging and admission interceptors and the
// health service registered. cfg is validated first.
func New(cfg Config, manager *slots.Manager, classifier classify.Classifier, logger *slog.Logger) (*Server, error) {
	exec := executor.New(manager, classifier, nil, executor.Options{AcquireTimeout: cfg.AcquireTimeout}, logger)
	return NewWithExecutor(cfg, exec, logger)
}

// NewWithExecutor is New for callers that already built an executor, usually
// one bound to the backing database.
func NewWithExecutor(cfg Config, exec *executor.Executor, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "grpc_server")

	s := &Server{
		cfg:  cfg,
		exec: exec,
		grpc: grpc.NewServer(
			grpc.ChainUnaryInterceptor(
				utils.InterceptorLogger(logger),
				UnaryAdmissionInterceptor(exec, cfg.ExemptMethods),
			),
			grpc.ChainStreamInterceptor(
				utils.StreamInterceptorLogger(logger),
				StreamAdmissionInterceptor(exec, cfg.ExemptMethods),
			),
		),
		health: health.NewServer(),
		logger: logger,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)

	return s, nil
}

// Executor is the executor the admission interceptors run calls through.
// Services on exempt methods run their statements through it directly.
func (s *Server) Executor() *executor.Executor {
	return s.exec
}

// Register lets the embedding proxy register its services. It must be called
// before Serve.
func (s *Server) Register(register func(grpc.ServiceRegistrar)) {
	if register == nil {
		panic("server: register func must not be nil")
	}
	register(s.grpc)
}

// Serve accepts connections on lis until ctx ends, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down gracefully")
			s.health.Shutdown()
			s.grpc.GracefulStop()
		case <-done:
		}
	}()

	s.logger.Info("grpc server listening", "address", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		s.logger.Error("grpc server failed to serve", "error", err)
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}
