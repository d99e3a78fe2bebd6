// ABOUTME: Gateway orchestrator that serves the backend over HTTP and gRPC
// ABOUTME: Manages listeners (TCP or tailnet), auth, health, metrics and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"tailscale.com/tsnet"

	"github.com/2389/frontdesk/internal/auth"
	"github.com/2389/frontdesk/internal/backend"
	"github.com/2389/frontdesk/internal/config"
	"github.com/2389/frontdesk/internal/dedupe"
	"github.com/2389/frontdesk/internal/metrics"
)

// Options configures a Gateway.
type Options struct {
	// Config supplies addresses, tailscale, auth and metrics settings. Required.
	Config *config.Config
	// Backend serves every request. Required.
	Backend *backend.Backend
	// Tokens verifies bearer tokens. Required unless auth is disabled.
	Tokens auth.TokenVerifier
	// Metrics is optional; when set, requests are counted and /metrics is served.
	Metrics *metrics.Metrics
	// Dedupe suppresses repeated inbound messages. Optional.
	Dedupe *dedupe.Cache
	// Logger receives component logs. Nil means slog.Default().
	Logger *slog.Logger
}

// Gateway serves the backend over HTTP (JSON + SSE) and gRPC.
type Gateway struct {
	config      *config.Config
	backend     *backend.Backend
	ops         *operations
	metrics     *metrics.Metrics
	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// New creates a Gateway. It does not open listeners; see Run.
func New(opts Options) (*Gateway, error) {
	if opts.Config == nil {
		return nil, errors.New("gateway: config is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("gateway: backend is required")
	}
	if !opts.Config.Auth.Disabled && opts.Tokens == nil {
		return nil, errors.New("gateway: token verifier is required when auth is enabled")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		config:  opts.Config,
		backend: opts.Backend,
		ops:     &operations{backend: opts.Backend, dedupe: opts.Dedupe},
		metrics: opts.Metrics,
		health:  health.NewServer(),
		logger:  logger.With("component", "gateway"),
	}

	var authn *auth.Authenticator
	if !opts.Config.Auth.Disabled {
		authn = auth.NewAuthenticator(opts.Tokens, opts.Backend)
	} else {
		g.logger.Warn("auth disabled - every caller is treated as a service")
	}

	g.grpcServer = g.newGRPCServer(authn, logger)
	g.httpServer = &http.Server{
		Addr:              opts.Config.Server.HTTPAddr,
		Handler:           g.newHTTPHandler(authn, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

// newGRPCServer creates the gRPC server with auth and metrics interceptors
// and registers the Backend and health services.
func (g *Gateway) newGRPCServer(authn *auth.Authenticator, logger *slog.Logger) *grpc.Server {
	var unary []grpc.UnaryServerInterceptor
	var streams []grpc.StreamServerInterceptor
	if g.metrics != nil {
		unary = append(unary, g.rpcMetricsUnary)
		streams = append(streams, g.rpcMetricsStream)
	}
	if authn != nil {
		unary = append(unary, auth.UnaryInterceptor(authn, logger.With("component", "grpc-auth")))
		streams = append(streams, auth.StreamInterceptor(authn, logger.With("component", "grpc-auth")))
	} else {
		unary = append(unary, auth.NoAuthUnaryInterceptor())
		streams = append(streams, auth.NoAuthStreamInterceptor())
	}

	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(streams...),
	)
	server.RegisterService(&BackendServiceDesc, &rpcServer{
		backend: g.backend,
		ops:     g.ops,
		logger:  logger.With("component", "grpc"),
	})
	healthpb.RegisterHealthServer(server, g.health)
	g.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return server
}

func (g *Gateway) rpcMetricsUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	g.metrics.RecordRPC(info.FullMethod, status.Code(err).String())
	return resp, err
}

func (g *Gateway) rpcMetricsStream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	err := handler(srv, ss)
	g.metrics.RecordRPC(info.FullMethod, status.Code(err).String())
	return err
}

// newHTTPHandler builds the HTTP mux: health and metrics without auth, the
// API behind the auth middleware.
func (g *Gateway) newHTTPHandler(authn *auth.Authenticator, logger *slog.Logger) http.Handler {
	apiMux := http.NewServeMux()
	g.registerAPIRoutes(apiMux)

	var apiHandler http.Handler = apiMux
	if g.metrics != nil {
		apiHandler = g.recordRequests(apiMux)
	}
	if authn != nil {
		apiHandler = auth.HTTPAuthMiddleware(authn, logger.With("component", "http-auth"))(apiHandler)
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		apiHandler = auth.NoAuthHTTPMiddleware()(apiHandler)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.metrics != nil && g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}
	mux.Handle("/api/", apiHandler)
	return mux
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// recordRequests counts requests by route pattern. The mux fills in
// r.Pattern while serving, so it is read afterwards.
func (g *Gateway) recordRequests(next *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		g.metrics.RecordRequest(r.Method, route, rec.status, time.Since(start))
	})
}

// Handler returns the HTTP handler, for tests and embedding.
func (g *Gateway) Handler() http.Handler { return g.httpServer.Handler }

// GRPCServer returns the gRPC server, for tests and embedding.
func (g *Gateway) GRPCServer() *grpc.Server { return g.grpcServer }

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled")
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run opens the listeners and serves until ctx is canceled or a server
// fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}
	return g.Serve(ctx, grpcLn, httpLn)
}

// Serve serves on the given listeners until ctx is canceled or a server
// fails.
func (g *Gateway) Serve(ctx context.Context, grpcLn, httpLn net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("initiating shutdown")
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown uses a fresh context since the serving one is canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "frontdesk", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners starts a tsnet node and listens on :50051 and :80.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	st, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	if len(st.TailscaleIPs) > 0 {
		g.logger.Info("tailscale node ready", "hostname", tsCfg.Hostname, "tailscale_ip", st.TailscaleIPs[0].String())
	}

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops both servers and the tailnet node. The backend and store
// belong to the caller.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store answers a read.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := g.backend.ListTags(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
