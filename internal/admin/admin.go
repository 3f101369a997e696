// Package admin exposes the operator surface of a running seedlink server: a
// gRPC health service and an HTTP router serving Prometheus metrics, a JSON
// view of connected clients and controllable groups, and a trigger for a
// server-initiated communication reset.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/seedlink/internal/logging"
	"github.com/signalsfoundry/seedlink/internal/seed"
)

// ServiceName is the health-check service reported for the coordinator.
const ServiceName = "seedlink.Coordinator"

// ErrStart indicates one of the admin listeners could not be bound.
var ErrStart = errors.New("admin server could not start")

// StatusSource is the view of the coordinator served by the API.
type StatusSource interface {
	Clients() []seed.ClientStatus
	Client(session string) (seed.ClientStatus, bool)
	Groups() []seed.GroupStatus
	ClientCount() int
	PendingSteps() int
	PendingResets() int
	// DemandCommunicationReset aborts pending rounds and tells every client
	// to drop its subscriptions.
	DemandCommunicationReset()
}

var _ StatusSource = (*seed.Coordinator)(nil)

// Config selects the listeners. An empty address disables that listener.
type Config struct {
	HTTPAddr string
	GRPCAddr string
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// BarrierStatus summarises the pending barrier rounds.
type BarrierStatus struct {
	Clients       int `json:"clients"`
	PendingSteps  int `json:"pending_steps"`
	PendingResets int `json:"pending_resets"`
}

// Server owns the admin gRPC and HTTP listeners.
type Server struct {
	cfg     Config
	source  StatusSource
	log     logging.Logger
	metrics http.Handler

	health *health.Server
	grpc   *grpc.Server
	router *mux.Router

	mu       sync.Mutex
	httpSrv  *http.Server
	httpLis  net.Listener
	grpcLis  net.Listener
	wg       sync.WaitGroup
	started  bool
	stopOnce sync.Once
}

// NewServer builds the admin surface for source.
func NewServer(cfg Config, source StatusSource, log logging.Logger, opts ...Option) *Server {
	if log == nil {
		log = logging.Noop()
	}
	s := &Server{
		cfg:    cfg,
		source: source,
		log:    log.With(logging.String("component", "admin")),
		health: health.NewServer(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.grpc = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			SessionUnaryServerInterceptor(s.log),
			TracingUnaryServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	r.HandleFunc("/api/clients", s.listClients).Methods(http.MethodGet)
	r.HandleFunc("/api/clients/{session}", s.clientDetails).Methods(http.MethodGet)
	r.HandleFunc("/api/groups", s.listGroups).Methods(http.MethodGet)
	r.HandleFunc("/api/barriers", s.barriers).Methods(http.MethodGet)
	r.HandleFunc("/api/communication-reset", s.communicationReset).Methods(http.MethodPost)
	return r
}

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler { return s.router }

// SetServing flips the coordinator health status.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
}

// Start binds the configured listeners and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if s.cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("%w: grpc %q: %v", ErrStart, s.cfg.GRPCAddr, err)
		}
		s.grpcLis = lis
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				s.log.Error(ctx, "admin gRPC server exited", logging.Err(err))
			}
		}()
		s.log.Info(ctx, "serving admin gRPC", logging.String("addr", lis.Addr().String()))
	}

	if s.cfg.HTTPAddr != "" {
		lis, err := net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			if s.grpcLis != nil {
				s.grpc.Stop()
				s.grpcLis = nil
			}
			return fmt.Errorf("%w: http %q: %v", ErrStart, s.cfg.HTTPAddr, err)
		}
		s.httpLis = lis
		s.httpSrv = &http.Server{
			Handler:           s.router,
			ReadHeaderTimeout: 5 * time.Second,
		}
		srv := s.httpSrv
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Warn(ctx, "admin HTTP server exited", logging.Err(err))
			}
		}()
		s.log.Info(ctx, "serving admin HTTP", logging.String("addr", lis.Addr().String()))
	}

	s.started = true
	return nil
}

// Stop shuts both listeners down, waiting for in-flight HTTP requests until
// ctx expires.
func (s *Server) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.health.Shutdown()
		s.grpc.GracefulStop()

		s.mu.Lock()
		srv := s.httpSrv
		s.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				s.log.Warn(ctx, "admin HTTP shutdown incomplete", logging.Err(err))
			}
		}
		s.wg.Wait()
	})
}

// GRPCAddr returns the bound gRPC address, or nil when disabled.
func (s *Server) GRPCAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcLis == nil {
		return nil
	}
	return s.grpcLis.Addr()
}

// HTTPAddr returns the bound HTTP address, or nil when disabled.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLis == nil {
		return nil
	}
	return s.httpLis.Addr()
}

func (s *Server) listClients(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.source.Clients())
}

func (s *Server) clientDetails(w http.ResponseWriter, r *http.Request) {
	session := mux.Vars(r)["session"]
	st, ok := s.source.Client(session)
	if !ok {
		s.writeJSON(w, r, http.StatusNotFound, map[string]string{"error": "client not connected"})
		return
	}
	s.writeJSON(w, r, http.StatusOK, st)
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.source.Groups())
}

func (s *Server) barriers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, BarrierStatus{
		Clients:       s.source.ClientCount(),
		PendingSteps:  s.source.PendingSteps(),
		PendingResets: s.source.PendingResets(),
	})
}

func (s *Server) communicationReset(w http.ResponseWriter, r *http.Request) {
	clients := s.source.ClientCount()
	s.log.Info(r.Context(), "communication reset requested", logging.Int("clients", clients))
	s.source.DemandCommunicationReset()
	s.writeJSON(w, r, http.StatusAccepted, BarrierStatus{
		Clients:       clients,
		PendingSteps:  s.source.PendingSteps(),
		PendingResets: s.source.PendingResets(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Debug(r.Context(), "admin response write failed",
			logging.String("path", r.URL.Path), logging.Err(err))
	}
}
