package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"KwrapLedger/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the gRPC health service name reported alongside "".
const ServiceName = "kwrapledger"

// Server runs the gRPC health/reflection server and the HTTP/JSON API.
type Server struct {
	grpcServer *grpc.Server
	healthSrv  *health.Server
	httpServer *http.Server
	handler    http.Handler
	grpcAddr   string
	httpAddr   string
}

// Deps holds what the routes need. Rebuild, Health and Metrics may be nil.
type Deps struct {
	Query    Querier
	Commands CommandSubmitter
	Rebuild  func(ctx context.Context) error
	Health   *observability.HealthChecker
	Metrics  http.Handler
}

// New builds both servers. The gRPC health status follows the health
// checker's readiness.
func New(grpcAddr, httpAddr string, deps Deps) (*Server, error) {
	grpcServer := grpc.NewServer()

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	reflection.Register(grpcServer)

	setServing(healthSrv, deps.Health != nil && deps.Health.IsReady())
	if deps.Health != nil {
		deps.Health.OnChange(func(ready bool) { setServing(healthSrv, ready) })
	}

	gw := runtime.NewServeMux()
	if err := registerRoutes(gw, &handlers{deps: deps}); err != nil {
		return nil, err
	}

	httpMux := http.NewServeMux()
	if deps.Health != nil {
		httpMux.HandleFunc("/healthz", deps.Health.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
		})
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	httpMux.Handle("/metrics", metrics)
	httpMux.Handle("/", gw)

	return &Server{
		grpcServer: grpcServer,
		healthSrv:  healthSrv,
		handler:    httpMux,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
	}, nil
}

func setServing(h *health.Server, ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.SetServingStatus("", status)
	h.SetServingStatus(ServiceName, status)
}

// Handler is the complete HTTP handler tree.
func (s *Server) Handler() http.Handler { return s.handler }

// Health exposes the gRPC health server.
func (s *Server) Health() *health.Server { return s.healthSrv }

// StartGRPC serves gRPC until ctx is done (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.healthSrv.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the HTTP/JSON API until ctx is done (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP server listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
