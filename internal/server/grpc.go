package server

import (
	"FinLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Config holds the listen addresses and request policy of the API.
type Config struct {
	GRPCAddr  string
	HTTPAddr  string
	JWTSecret []byte
	RateLimit rate.Limit
	RateBurst int
}

// Deps holds everything the API serves from.
type Deps struct {
	Ledger        Ledger
	History       EventHistory
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// GRPCServer wraps the gRPC server and the HTTP gateway mux.
type GRPCServer struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	gateway      *runtime.ServeMux
	cfg          Config
	logger       zerolog.Logger
}

// NewGRPCServer creates the gRPC server with the ledger and health
// services registered and builds the HTTP route table.
func NewGRPCServer(cfg Config, deps Deps) *GRPCServer {
	if cfg.RateLimit == 0 {
		cfg.RateLimit = rate.Inf
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}

	auth := NewAuthenticator(cfg.JWTSecret)
	limiter := rate.NewLimiter(cfg.RateLimit, cfg.RateBurst)
	svc := NewLedgerService(deps.Ledger, deps.History)

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		observeInterceptor(deps.Metrics, deps.Logger),
		authInterceptor(auth),
		rateLimitInterceptor(limiter, deps.Metrics),
	))
	grpcServer.RegisterService(&LedgerServiceDesc, svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	gw := &gateway{svc: svc, auth: auth, limiter: limiter, metrics: deps.Metrics, logger: deps.Logger}
	mux := runtime.NewServeMux()
	for _, rt := range gw.routes() {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			// patterns are constants
			panic(fmt.Sprintf("FATAL: route %s %s: %v", rt.method, rt.pattern, err))
		}
	}

	hc := deps.HealthChecker
	if hc == nil {
		hc = observability.NewHealthChecker()
	}
	mux.HandlePath("GET", "/healthz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		hc.LivenessHandler(w, r)
	})
	mux.HandlePath("GET", "/readyz", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		hc.ReadinessHandler(w, r)
	})

	return &GRPCServer{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		gateway:      mux,
		cfg:          cfg,
		logger:       deps.Logger,
	}
}

// SetServing flips the gRPC health status once startup replay is done.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(ServiceName, st)
}

// Handler returns the HTTP gateway handler.
func (s *GRPCServer) Handler() http.Handler {
	return s.gateway
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	s.logger.Info().Str("addr", s.cfg.GRPCAddr).Msg("gRPC server listening")
	return s.Serve(ctx, lis)
}

// Serve serves gRPC on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// StartHTTPGateway starts the HTTP/JSON gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.gateway,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.cfg.HTTPAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
