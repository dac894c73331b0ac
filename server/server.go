package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	extproc "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/getyourguide/extproc-basicauth/filter"
	"github.com/getyourguide/extproc-basicauth/httptest/echo"
	"github.com/getyourguide/extproc-basicauth/service"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	defaultGrpcNetwork  = "tcp"
	defaultGrpcAddress  = ":8081"
	defaultHTTPBindAddr = ":8080"
	defaultShutdownWait = 5 * time.Second

	// HealthService is the name the ext_proc service reports under in the gRPC health service.
	HealthService = "envoy.service.ext_proc.v3.ExternalProcessor"
)

type Server struct {
	serviceOpts  []service.Option
	grpcServer   *grpc.Server
	grpcNetwork  string
	grpcAddress  string
	health       *health.Server
	echoConfig   echoConfig
	adminConfig  adminConfig
	shutdownWait time.Duration
	log          logr.Logger
	ctx          context.Context

	mu       sync.Mutex
	serving  bool
	grpcAddr net.Addr
}

type echoConfig struct {
	enabled     bool
	bindAddress string
	mux         *http.ServeMux
	httpsrv     *http.Server
	addr        net.Addr
}

type adminConfig struct {
	enabled     bool
	bindAddress string
	gatherer    prometheus.Gatherer
	httpsrv     *http.Server
	addr        net.Addr
}

type Option func(*Server)

func New(ctx context.Context, opts ...Option) *Server {
	srv := &Server{
		ctx:          ctx,
		log:          logr.Discard(),
		shutdownWait: defaultShutdownWait,
		health:       health.NewServer(),
	}

	for _, opt := range opts {
		opt(srv)
	}

	return srv
}

func WithFilters(f ...filter.Filter) Option {
	return func(s *Server) {
		s.serviceOpts = append(s.serviceOpts, service.WithFilters(f...))
	}
}

// WithServiceOptions passes options through to the ext_proc service.
func WithServiceOptions(opts ...service.Option) Option {
	return func(s *Server) {
		s.serviceOpts = append(s.serviceOpts, opts...)
	}
}

func WithLogger(log logr.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

func WithGrpcServer(server *grpc.Server, network string, address string) Option {
	return func(s *Server) {
		s.grpcServer = server
		s.grpcNetwork = network
		s.grpcAddress = address
	}
}

// WithGrpcAddress sets where the gRPC server listens. Network is "tcp" or "unix".
func WithGrpcAddress(network string, address string) Option {
	return func(s *Server) {
		s.grpcNetwork = network
		s.grpcAddress = address
	}
}

// WithAdmin serves /metrics from gatherer and /healthz on address. A nil gatherer serves the default registry.
func WithAdmin(address string, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.adminConfig.enabled = true
		s.adminConfig.bindAddress = address
		s.adminConfig.gatherer = gatherer
	}
}

func WithEcho() Option {
	return func(s *Server) {
		s.echoConfig.enabled = true
	}
}

func WithEchoServerMux(mux *http.ServeMux, address string) Option {
	return func(s *Server) {
		s.echoConfig.enabled = true
		s.echoConfig.mux = mux
		s.echoConfig.bindAddress = address
	}
}

func WithShutdownWait(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownWait = d
	}
}

// Serve listens on every configured address and blocks until the context is done, Stop is called or one of the
// servers fails.
func (s *Server) Serve() error {
	if s.ctx == nil {
		s.ctx = context.TODO()
	}

	grpcListener, err := s.listenGrpc()
	if err != nil {
		return err
	}

	errCh := make(chan error, 3)
	if s.echoConfig.enabled {
		if s.echoConfig.mux == nil {
			s.echoConfig.mux = http.NewServeMux()
		}
		echo.Register(s.echoConfig.mux)
		listener, err := s.listenHTTP(&s.echoConfig.addr, s.echoConfig.bindAddress, defaultHTTPBindAddr)
		if err != nil {
			grpcListener.Close() // nolint:errcheck
			return err
		}
		s.echoConfig.httpsrv = &http.Server{Handler: s.echoConfig.mux, ReadHeaderTimeout: 10 * time.Second}
		go s.serveHTTP(errCh, "echo", s.echoConfig.httpsrv, listener)
	}

	if s.adminConfig.enabled {
		listener, err := s.listenHTTP(&s.adminConfig.addr, s.adminConfig.bindAddress, "")
		if err != nil {
			grpcListener.Close() // nolint:errcheck
			s.shutdownHTTP(s.echoConfig.httpsrv, "echo")
			return err
		}
		s.adminConfig.httpsrv = &http.Server{Handler: s.adminMux(), ReadHeaderTimeout: 10 * time.Second}
		go s.serveHTTP(errCh, "admin", s.adminConfig.httpsrv, listener)
	}

	s.mu.Lock()
	s.serving = true
	s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.mu.Unlock()

	go func() {
		s.log.Info("starting grpc server", "address", grpcListener.Addr().String())
		if err := s.grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-s.ctx.Done():
		return s.Stop()
	case err := <-errCh:
		return errors.Join(err, s.Stop())
	}
}

func (s *Server) listenGrpc() (net.Listener, error) {
	if s.grpcAddress == "" {
		s.grpcAddress = defaultGrpcAddress
	}
	if s.grpcNetwork == "" {
		s.grpcNetwork = defaultGrpcNetwork
	}
	if s.grpcNetwork == "unix" {
		os.RemoveAll(s.grpcAddress) // nolint:errcheck
	}
	listener, err := net.Listen(s.grpcNetwork, s.grpcAddress)
	if err != nil {
		return nil, fmt.Errorf("cannot listen: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcServer == nil {
		s.grpcServer = grpc.NewServer()
	}
	extprocService := service.New(s.serviceOpts...)
	extproc.RegisterExternalProcessorServer(s.grpcServer, extprocService)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.grpcAddr = listener.Addr()
	return listener, nil
}

func (s *Server) listenHTTP(addr *net.Addr, bindAddress, fallback string) (net.Listener, error) {
	if bindAddress == "" {
		bindAddress = fallback
	}
	listener, err := net.Listen("tcp", bindAddress)
	if err != nil {
		return nil, fmt.Errorf("cannot listen: %w", err)
	}
	s.mu.Lock()
	*addr = listener.Addr()
	s.mu.Unlock()
	return listener, nil
}

func (s *Server) serveHTTP(errCh chan<- error, name string, srv *http.Server, listener net.Listener) {
	s.log.Info("starting http server", "server", name, "address", listener.Addr().String())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("%s http server: %w", name, err)
	}
}

func (s *Server) adminMux() *http.ServeMux {
	gatherer := s.adminConfig.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		serving := s.serving
		s.mu.Unlock()
		if !serving {
			http.Error(w, "not serving", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok")) // nolint:errcheck
	})
	return mux
}

// Stop marks the server as not serving, then gracefully stops the gRPC server and the HTTP servers.
// In flight streams get the shutdown wait to finish before they are cut.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.serving = false
	s.health.Shutdown()
	grpcServer := s.grpcServer
	s.mu.Unlock()

	if grpcServer != nil {
		s.log.Info("stopping grpc server")
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(s.shutdownWait):
			s.log.Info("grpc server did not stop in time, closing open streams", "wait", s.shutdownWait.String())
			grpcServer.Stop()
		}
	}
	if s.grpcNetwork == "unix" {
		os.RemoveAll(s.grpcAddress) // nolint:errcheck
	}
	return errors.Join(
		s.shutdownHTTP(s.adminConfig.httpsrv, "admin"),
		s.shutdownHTTP(s.echoConfig.httpsrv, "echo"),
	)
}

func (s *Server) shutdownHTTP(srv *http.Server, name string) error {
	if srv == nil {
		return nil
	}
	s.log.Info("stopping http server", "server", name)
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownWait)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s http server shutdown error: %w", name, err)
	}
	return nil
}

// GrpcAddr returns the address the gRPC server listens on, or nil before Serve.
func (s *Server) GrpcAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grpcAddr
}

// AdminAddr returns the address of the admin HTTP server, or nil when it is not enabled or not started.
func (s *Server) AdminAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adminConfig.addr
}

// EchoAddr returns the address of the echo HTTP server, or nil when it is not enabled or not started.
func (s *Server) EchoAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.echoConfig.addr
}

func IsReady(s *Server) bool {
	s.mu.Lock()
	serving, echoAddr, adminAddr := s.serving, s.echoConfig.addr, s.adminConfig.addr
	s.mu.Unlock()
	if !serving {
		return false
	}
	if s.echoConfig.enabled && !httpOK(echoAddr, "/headers") {
		return false
	}
	if s.adminConfig.enabled && !httpOK(adminAddr, "/healthz") {
		return false
	}
	return true
}

func httpOK(addr net.Addr, path string) bool {
	if addr == nil {
		return false
	}
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s%s", addr.String(), path), nil)
	if err != nil {
		return false
	}
	httpClient := http.Client{
		Timeout: 5 * time.Second,
	}
	res, err := httpClient.Do(req)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	return res.StatusCode == http.StatusOK
}

func WaitReady(s *Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	tck := time.NewTicker(100 * time.Millisecond)
	defer tck.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tck.C:
			if IsReady(s) {
				return nil
			}
		}
	}
}
