// Package server orchestrates Gamely's public proxy server and admin server.
// The public server carries the shielded catalog API; the admin server
// exposes health checks, readiness probes, and Prometheus metrics.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gamely/gamely/internal/budget"
	"github.com/gamely/gamely/internal/cache"
	"github.com/gamely/gamely/internal/config"
	"github.com/gamely/gamely/internal/observability"
	"github.com/gamely/gamely/internal/pipeline"
	"github.com/gamely/gamely/internal/ratelimit"
	iredis "github.com/gamely/gamely/internal/redis"
	"github.com/gamely/gamely/internal/upstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Server is the main Gamely server.
type Server struct {
	cfg             *config.Config
	logger          *slog.Logger
	version         string
	mainServer      *http.Server
	http3Server     *http3.Server // nil when HTTP/3 is disabled.
	adminServer     *http.Server
	pipeline        *pipeline.Pipeline
	origins         *originGate
	store           iredis.Client // nil when the counter store is not configured.
	limiter         *ratelimit.Limiter
	cache           *cache.Store
	fetcher         *upstream.Fetcher
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
	certs           *certHolder // non-nil when TLS is enabled; supports hot-reload.
}

// New creates a new Gamely server instance.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		version: version,
		health:  health,
		metrics: metrics,
	}

	if err := s.initStore(cfg, logger); err != nil {
		return nil, err
	}

	fetcher, err := upstream.New(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("create upstream fetcher: %w", err)
	}
	s.fetcher = fetcher

	p, err := pipeline.New(cfg, logger, metrics, s.limiter, s.budgetOrNil(cfg, logger), s.cache, fetcher)
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	s.pipeline = p

	s.origins = newOriginGate(cfg.CORS.AllowedOrigins, logger, metrics)

	mainServer, h3srv := buildMainServer(cfg, s.buildHandler(), logger)
	s.mainServer = mainServer
	s.http3Server = h3srv
	s.adminServer = buildAdminServer(cfg, health, reg)

	return s, nil
}

// initStore connects the shared counter store and builds the store-backed
// components. A configured-but-unreachable store is not a startup error:
// the client reconnects in the background and everything fails open until
// it does.
func (s *Server) initStore(cfg *config.Config, logger *slog.Logger) error {
	cacheOpts := []cache.Option{cache.WithLogger(logger)}

	if !cfg.Redis.Enabled() {
		logger.Warn("no store endpoints configured, shielding disabled: " +
			"rate limiting and the call budget admit everything, caching is off")
		s.cache = cache.NewStore(nil, cacheOpts...)
		return nil
	}

	iredis.WarnInsecureRedis(cfg.Redis.TLS, logger)

	client, err := iredis.NewClientWithoutPing(cfg.Redis)
	if err != nil {
		return fmt.Errorf("create store client: %w", err)
	}
	s.store = client

	window, err := config.ParseDuration(cfg.RateLimit.Window, time.Hour)
	if err != nil {
		return fmt.Errorf("invalid rate-limit window: %w", err)
	}
	s.limiter = ratelimit.NewLimiter(client, cfg.RateLimit.Requests, window, rlPrefix(cfg), logger)

	if cfg.Cache.L1.L1Enabled() {
		l1TTL, terr := config.ParseDuration(cfg.Cache.L1.TTL, time.Minute)
		if terr != nil {
			return fmt.Errorf("invalid cache l1 ttl: %w", terr)
		}
		cacheOpts = append(cacheOpts, cache.WithL1(cfg.Cache.L1.MaxEntries, l1TTL))
	}
	s.cache = cache.NewStore(client, cacheOpts...)

	s.health.SetStorePinger(&storePinger{client: client})
	return nil
}

// budgetOrNil builds the global call budget when the store is configured.
func (s *Server) budgetOrNil(cfg *config.Config, logger *slog.Logger) *budget.Budget {
	if s.store == nil {
		return nil
	}
	window, err := config.ParseDuration(cfg.Budget.Window, 24*time.Hour)
	if err != nil {
		window = 24 * time.Hour
	}
	return budget.New(s.store, cfg.Budget.MaxCalls, window, logger)
}

func rlPrefix(cfg *config.Config) string {
	if cfg.RateLimit.KeyPrefix != "" {
		return cfg.RateLimit.KeyPrefix
	}
	return ""
}

// buildHandler assembles the public route surface behind the origin gate.
func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /api", s.handleRoot)
	mux.HandleFunc("GET /api/{$}", s.handleRoot)
	mux.Handle("/api/", http.StripPrefix("/api", s.pipeline))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("/", s.handleNotFound)
	return s.origins.Middleware(mux)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Welcome to the Gamely proxy server"})
}

func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
}

// handleHealth reports whether the shared counter store is reachable. The
// proxy itself keeps serving without the store, but a deployment that wants
// shielding should treat this as a liveness signal for the store dependency.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Redis is not configured"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx).Err(); err != nil {
		s.metrics.SetStoreHealthy(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store unreachable"})
		return
	}

	s.metrics.SetStoreHealthy(true)
	w.WriteHeader(http.StatusOK)
}

// writeJSON writes v as a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, code int, v any) {
	body, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// storePinger adapts the store client to the observability.Pinger interface.
type storePinger struct {
	client iredis.Client
}

func (p *storePinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func buildMainServer(cfg *config.Config, handler http.Handler, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Server.WriteTimeout, 30*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	h2s := &http2.Server{}
	mainHandler := h2c.NewHandler(handler, h2s)

	var h3srv *http3.Server
	if cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        handler,
			MaxHeaderBytes: 1 << 20, // 1 MiB — same as the TCP server.
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false, // Disable 0-RTT to prevent replay attacks.
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if setErr := h3srv.SetQUICHeaders(w.Header()); setErr != nil {
					logger.Debug("failed to set Alt-Svc header", "error", setErr)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default to prevent large-header DoS.
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}

	return srv, h3srv
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry) *http.Server {
	adminReadTimeout, _ := config.ParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout, _ := config.ParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout, _ := config.ParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default.
	}
}

// certHolder provides atomic TLS certificate hot-reload via GetCertificate.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

// newCertHolder creates and loads the initial certificate.
func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

// tlsMinVersion returns the tls.Config MinVersion from config, defaulting to TLS 1.2.
func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Run starts both the public and admin servers and blocks until the context
// is canceled, then performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	errCh := make(chan error, 3)

	// readyCh is closed after the main listener has successfully bound,
	// preventing SetReady from being called before the server can accept
	// connections.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServerWithReady(errCh, readyCh)

	if s.http3Server != nil {
		go s.startHTTP3Server(errCh)
	}

	s.health.SetStarted()

	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("gamely is ready", "version", s.version)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServerWithReady(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("proxy server starting",
		"address", s.cfg.Server.Address,
		"upstream", s.cfg.Upstream.URL,
		"store", s.cfg.Redis.Enabled(),
		"tls", s.cfg.Server.TLS.Enabled,
		"http3", s.cfg.Server.TLS.HTTP3Enabled)

	// Separate Listen from Serve so readiness can be signaled after bind.
	ln, listenErr := net.Listen("tcp", s.cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("proxy server listen: %w", listenErr)
		return
	}
	close(readyCh)

	var err error
	if s.cfg.Server.TLS.Enabled {
		ch, certErr := newCertHolder(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		if certErr != nil {
			errCh <- certErr
			return
		}
		s.certs = ch

		minVer := max(tlsMinVersion(s.cfg), tls.VersionTLS12)
		tlsCfg := &tls.Config{
			MinVersion:     minVer,
			GetCertificate: ch.GetCertificate,
		}
		s.mainServer.TLSConfig = tlsCfg

		// Share the same TLS config with the HTTP/3 server so both
		// listeners enforce identical MinVersion and ciphers.
		if s.http3Server != nil {
			s.http3Server.TLSConfig = tlsCfg
		}

		tlsLn := tls.NewListener(ln, tlsCfg)
		err = s.mainServer.Serve(tlsLn)
	} else {
		err = s.mainServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("proxy server: %w", err)
	}
}

func (s *Server) startHTTP3Server(errCh chan<- error) {
	s.logger.Info("HTTP/3 (QUIC) server starting", "address", s.cfg.Server.Address)
	err := s.http3Server.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("HTTP/3 server: %w", err)
	}
}

// Reload hot-swaps the rate-limit, budget, cache-TTL, origin-whitelist, and
// TLS certificate configuration without restarting the server. Fields that
// need a restart are reported, not applied.
func (s *Server) Reload(newCfg *config.Config) error {
	if restart := newCfg.RequiresRestart(s.cfg); len(restart) > 0 {
		s.logger.Warn("config fields changed that need a restart to take effect", "fields", restart)
	}

	if err := s.pipeline.Reload(newCfg); err != nil {
		return err
	}
	s.origins.SetAllowed(newCfg.CORS.AllowedOrigins)

	if s.certs != nil && newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		if err := s.certs.Reload(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile); err != nil {
			s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		} else {
			s.logger.Info("TLS certificates reloaded")
		}
	}

	s.cfg = newCfg
	s.logger.Info("configuration reloaded",
		"rate_limit", newCfg.RateLimit.Requests,
		"budget", newCfg.Budget.MaxCalls,
		"cache_ttl", newCfg.Cache.TTL)
	return nil
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout, _ := config.ParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("main server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	if s.limiter != nil {
		_ = s.limiter.Close()
	}
	s.cache.Close()
	s.fetcher.CloseIdleConnections()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("store client close error", "error", err)
		}
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
