// Package http provides the HTTP transport adapter for the access gateway.
package http

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/accessguard/accessguard/internal/service"
	"github.com/accessguard/accessguard/internal/telemetry"
)

// HTTPTransport is the inbound adapter exposing IntegrationFacade (R) over
// HTTP: login, PKCE authorize/callback, session validation, logout, plus
// the ambient health/metrics endpoints.
type HTTPTransport struct {
	facade         *service.IntegrationFacade
	server         *http.Server
	addr           string
	allowedOrigins []string
	certFile       string
	keyFile        string
	logger         *slog.Logger
	healthChecker  *HealthChecker
	metrics        *Metrics
	rateLimiter    *service.RateLimiterService
	tracerProvider trace.TracerProvider
	streamHandler  http.Handler
}

// Option is a functional option for configuring HTTPTransport.
type Option func(*HTTPTransport)

// WithAddr sets the listen address for the HTTP server.
func WithAddr(addr string) Option {
	return func(t *HTTPTransport) { t.addr = addr }
}

// WithTLS enables TLS with the provided certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(t *HTTPTransport) {
		t.certFile = certFile
		t.keyFile = keyFile
	}
}

// WithAllowedOrigins sets the allowed origins for DNS rebinding protection.
// If empty, all requests with an Origin header are blocked (local-only mode).
func WithAllowedOrigins(origins []string) Option {
	return func(t *HTTPTransport) { t.allowedOrigins = origins }
}

// WithLogger sets the logger for the HTTP transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) { t.logger = logger }
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *HTTPTransport) { t.healthChecker = hc }
}

// WithRateLimiter enables RateLimiterService (P) checks on the login,
// authorize, callback, and validate routes. A nil limiter (the default)
// leaves rate limiting off.
func WithRateLimiter(rl *service.RateLimiterService) Option {
	return func(t *HTTPTransport) { t.rateLimiter = rl }
}

// WithTracerProvider sets the OpenTelemetry tracer provider used to span
// every inbound request. Defaults to a no-op provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(t *HTTPTransport) { t.tracerProvider = tp }
}

// WithStreamHandler mounts a handler (typically internal/adapter/inbound/stream.Handler)
// at GET /stream, serving the stream protocol upgrade. A nil handler (the
// default) leaves /stream unmounted.
func WithStreamHandler(h http.Handler) Option {
	return func(t *HTTPTransport) { t.streamHandler = h }
}

// NewHTTPTransport creates an HTTP transport adapter wrapping the
// composition root.
func NewHTTPTransport(facade *service.IntegrationFacade, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		facade:         facade,
		addr:           "127.0.0.1:8443",
		allowedOrigins: []string{},
		logger:         slog.Default(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins accepting HTTP connections. It blocks until ctx is
// cancelled or the server errors.
func (t *HTTPTransport) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	t.metrics = NewMetrics(reg)

	authHandler := NewAuthHandler(t.facade, t.logger)

	loginLimit := rateLimitMiddleware(t.rateLimiter, "login")
	defaultLimit := rateLimitMiddleware(t.rateLimiter, "default")

	mux := http.NewServeMux()
	mux.Handle("POST /auth/login", loginLimit(http.HandlerFunc(authHandler.Login)))
	mux.Handle("GET /auth/authorize", defaultLimit(http.HandlerFunc(authHandler.Authorize)))
	mux.Handle("GET /auth/callback", defaultLimit(http.HandlerFunc(authHandler.Callback)))
	mux.Handle("GET /auth/validate", defaultLimit(http.HandlerFunc(authHandler.Validate)))
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)

	if t.streamHandler != nil {
		mux.Handle("GET /stream", t.streamHandler)
	}

	if t.healthChecker != nil {
		mux.Handle("/health", t.healthChecker.Handler())
	}
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	var handler http.Handler = mux
	handler = MetricsMiddleware(t.metrics)(handler)
	handler = telemetry.HTTPMiddleware(t.tracerProvider)(handler)
	handler = DNSRebindingProtection(t.allowedOrigins)(handler)
	handler = RealIPMiddleware(handler)
	handler = RequestIDMiddleware(t.logger)(handler)

	t.server = &http.Server{
		Addr:    t.addr,
		Handler: handler,
	}
	if t.certFile != "" && t.keyFile != "" {
		t.server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if t.certFile != "" && t.keyFile != "" {
			t.logger.Info("starting HTTPS server", "addr", t.addr)
			err = t.server.ListenAndServeTLS(t.certFile, t.keyFile)
		} else {
			t.logger.Info("starting HTTP server", "addr", t.addr)
			err = t.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

func (t *HTTPTransport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}
	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *HTTPTransport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}
