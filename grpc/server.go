package grpc

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/maxpert/flowmeta/cfg"
	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServerConfig holds configuration for the gRPC server
type ServerConfig struct {
	Address string
	Port    int
	// Listener replaces the TCP listener, used by tests
	Listener net.Listener
}

// ServerConfigFromGlobal reads the listen address from cfg.Config
func ServerConfigFromGlobal() ServerConfig {
	return ServerConfig{Address: cfg.Config.GRPC.BindAddress, Port: cfg.Config.GRPC.Port}
}

// Server serves MetaService and an HTTP mux (admin, metrics, pprof) on one
// port
type Server struct {
	config   ServerConfig
	server   *grpc.Server
	health   *health.Server
	httpMux  *http.ServeMux
	http     *http.Server
	listener net.Listener
	mux      cmux.CMux
	wg       sync.WaitGroup
}

// NewServer creates the server and registers meta on it
func NewServer(config ServerConfig, meta MetaServiceServer) *Server {
	s := &Server{
		config: config,
		server: grpc.NewServer(
			grpc.MaxRecvMsgSize(64*1024*1024),
			grpc.MaxSendMsgSize(64*1024*1024),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             5 * time.Second,
				PermitWithoutStream: true,
			}),
			grpc.KeepaliveParams(keepalive.ServerParameters{
				Time:    60 * time.Second,
				Timeout: 10 * time.Second,
			}),
			grpc.ChainUnaryInterceptor(UnaryServerInterceptor()),
			grpc.ChainStreamInterceptor(StreamServerInterceptor()),
		),
		health:  health.NewServer(),
		httpMux: http.NewServeMux(),
	}

	RegisterMetaServiceServer(s.server, meta)
	healthpb.RegisterHealthServer(s.server, s.health)
	s.SetLeader(false)

	s.httpMux.HandleFunc("/debug/pprof/", pprof.Index)
	s.httpMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	s.httpMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	s.httpMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	s.httpMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return s
}

// HTTPMux is where admin and metrics handlers are mounted before Start
func (s *Server) HTTPMux() *http.ServeMux {
	return s.httpMux
}

// SetLeader flips the health status of MetaService. Followers report
// NOT_SERVING so clients find the leader; the process itself stays SERVING.
func (s *Server) SetLeader(leader bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if leader {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(MetaServiceName, st)
}

// Start listens and serves gRPC and HTTP on the same port
func (s *Server) Start() error {
	listener := s.config.Listener
	if listener == nil {
		addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
		var err error
		listener, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
	}
	s.listener = listener

	log.Info().Str("address", listener.Addr().String()).Msg("Starting gRPC server")

	s.mux = cmux.New(listener)
	httpListener := s.mux.Match(cmux.HTTP1Fast())
	grpcListener := s.mux.Match(cmux.Any())
	s.http = &http.Server{Handler: s.httpMux, ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(httpListener); err != nil && !isClosed(err) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(grpcListener); err != nil && !isClosed(err) {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := s.mux.Serve(); err != nil && !isClosed(err) {
			log.Error().Err(err).Msg("cmux failed")
		}
	}()
	return nil
}

// Addr is the address the server listens on, valid after Start
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop drains in-flight RPCs and closes the listener
func (s *Server) Stop() {
	if s.mux == nil {
		return
	}
	log.Info().Msg("Stopping gRPC server")
	s.health.Shutdown()

	// Subscribe streams only end with their clients
	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		s.server.Stop()
		<-stopped
	}
	if err := s.http.Close(); err != nil {
		log.Debug().Err(err).Msg("Closing HTTP server")
	}
	s.mux.Close()
	s.wg.Wait()
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, http.ErrServerClosed) ||
		errors.Is(err, cmux.ErrListenerClosed) ||
		errors.Is(err, cmux.ErrServerClosed) ||
		errors.Is(err, grpc.ErrServerStopped)
}
