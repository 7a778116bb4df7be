package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	httptransport "github.com/accessguard/accessguard/internal/adapter/inbound/http"
	streamadapter "github.com/accessguard/accessguard/internal/adapter/inbound/stream"
	"github.com/accessguard/accessguard/internal/adapter/outbound/cache"
	"github.com/accessguard/accessguard/internal/adapter/outbound/cel"
	"github.com/accessguard/accessguard/internal/adapter/outbound/crypto"
	"github.com/accessguard/accessguard/internal/adapter/outbound/idp"
	"github.com/accessguard/accessguard/internal/adapter/outbound/introspect"
	"github.com/accessguard/accessguard/internal/adapter/outbound/jwks"
	"github.com/accessguard/accessguard/internal/adapter/outbound/memory"
	"github.com/accessguard/accessguard/internal/adapter/outbound/ratelimit"
	"github.com/accessguard/accessguard/internal/adapter/outbound/sql"
	"github.com/accessguard/accessguard/internal/config"
	"github.com/accessguard/accessguard/internal/domain/apikey"
	domaincache "github.com/accessguard/accessguard/internal/domain/cache"
	domainratelimit "github.com/accessguard/accessguard/internal/domain/ratelimit"
	"github.com/accessguard/accessguard/internal/domain/session"
	"github.com/accessguard/accessguard/internal/domain/token"
	"github.com/accessguard/accessguard/internal/service"
	"github.com/accessguard/accessguard/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway server",
	Long: `Start runs the access gateway: it discovers the configured identity
provider, wires the token, session, RBAC/ABAC, and rate-limit components,
and serves the /auth/* HTTP surface plus /health and /metrics.

Examples:
  # Start with config file settings
  accessguard start

  # Start in development mode (verbose logging, permissive defaults)
  accessguard start --dev`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "enable development mode (verbose logging, permissive defaults)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // a second signal forces an immediate exit
	}()

	facade, transport, cleanup, err := buildGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := facade.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize gateway: %w", err)
	}
	defer facade.Cleanup()

	logger.Info("starting accessguard", "http_addr", cfg.Server.HTTPAddr, "dev_mode", cfg.DevMode)
	if err := transport.Start(ctx); err != nil {
		return fmt.Errorf("http transport: %w", err)
	}

	logger.Info("accessguard stopped")
	return nil
}

// buildGateway wires components A through R from cfg, returning the
// composed facade, the HTTP transport adapter ready to Start, and a
// cleanup function that closes every resource buildGateway opened
// (database pool, cache client, telemetry exporters).
func buildGateway(ctx context.Context, cfg *config.GatewayConfig, logger *slog.Logger) (*service.IntegrationFacade, *httptransport.HTTPTransport, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	idpClient, err := idp.Discover(ctx, idp.Config{
		ServerURL:    cfg.IdP.ServerURL,
		Realm:        cfg.IdP.Realm,
		ClientID:     cfg.IdP.ClientID,
		ClientSecret: cfg.IdP.ClientSecret,
		Scopes:       cfg.IdP.Scopes,
	})
	if err != nil {
		return nil, nil, cleanup, fmt.Errorf("discover identity provider: %w", err)
	}

	cacheFacade, cacheCloser, err := buildCache(cfg, logger)
	if err != nil {
		cleanup()
		return nil, nil, cleanup, err
	}
	closers = append(closers, cacheCloser)

	sessionStore, apiKeyStore, dbCloser, err := buildStores(cfg, logger)
	if err != nil {
		cleanup()
		return nil, nil, cleanup, err
	}
	closers = append(closers, dbCloser)

	encryptor := crypto.NewManager([]byte(cfg.Encryption.Key), cfg.Encryption.KeyDerivationIterations)

	jwtValidator, err := jwks.NewValidator(ctx, jwks.Config{
		JWKSURL:  idpClient.Discovery().JWKSURI,
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
	})
	if err != nil {
		cleanup()
		return nil, nil, cleanup, fmt.Errorf("build jwt validator: %w", err)
	}

	var introspector token.Validator
	if idpClient.Discovery().IntrospectionEndpoint != "" {
		introspector = introspect.NewIntrospector(introspect.Config{
			IntrospectionURL: idpClient.Discovery().IntrospectionEndpoint,
			ClientID:         cfg.IdP.ClientID,
			ClientSecret:     cfg.IdP.ClientSecret,
		})
	}

	tokens := service.NewTokenManager(jwtValidator, introspector, cacheFacade, service.TokenManagerConfig{})
	refresh := service.NewRefreshTokenManager(cacheFacade, encryptor, idpClient, service.RefreshTokenManagerConfig{})
	tokens.AttachRefreshManager(refresh)

	sync := service.NewSessionSynchronizer(cacheFacade)
	sessions := service.NewSessionManager(sessionStore, encryptor, tokens, cacheFacade, sync, service.SessionManagerConfig{
		MaxConcurrent: cfg.Session.MaxConcurrentSessions,
		CheckIPMatch:  cfg.Session.EnforceIPConsistency,
		CheckUAMatch:  cfg.Session.EnforceUserAgentConsistency,
	})

	pkce := service.NewPKCEManager(cacheFacade, service.PKCEManagerConfig{})
	apiKeys := service.NewAPIKeyManager(apiKeyStore)

	hierarchy := service.NewRoleHierarchyManager()
	catalog, hierarchyAdditions := service.NewStaticCatalog(roleInputsFromConfig(cfg.RBAC.Roles))
	hierarchy.UpdateHierarchy(hierarchyAdditions)

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		cleanup()
		return nil, nil, cleanup, fmt.Errorf("build condition evaluator: %w", err)
	}
	abilities := service.NewAbilityFactory(hierarchy, catalog, evaluator, cacheFacade)
	permissions := service.NewPermissionEvaluator(hierarchy, catalog, cacheFacade)

	auth := service.NewAuthInterceptor(tokens, apiKeys, sessions, abilities, service.AuthInterceptorConfig{}).WithPKCEManager(pkce)
	streamAuth := service.NewStreamAuthInterceptor(auth, nil)
	counters := service.NewStatsService()

	var rateLimiter *service.RateLimiterService
	if cfg.RateLimit.Enabled {
		rateLimiter = service.NewRateLimiterService(
			ratelimit.NewLimiter(cacheFacade),
			ratelimit.NewConnectionAccountant(cacheFacade),
			cfg.RateLimit.Namespace,
			rateLimitRules(cfg),
			domainratelimit.StreamLimits{
				MaxConnections:       cfg.RateLimit.MaxConnections,
				MaxMessagesPerMinute: cfg.RateLimit.MaxMessagesPerMinute,
				MaxMessagesPerHour:   cfg.RateLimit.MaxMessagesPerHour,
			},
		)
	}

	facade := service.NewIntegrationFacade(service.Dependencies{
		IdPClient:   idpClient,
		Tokens:      tokens,
		Refresh:     refresh,
		Sessions:    sessions,
		PKCE:        pkce,
		APIKeys:     apiKeys,
		Abilities:   abilities,
		Auth:        auth,
		RateLimit:   rateLimiter,
		Sync:        sync,
		Encryptor:   encryptor,
		Counters:    counters,
		Permissions: permissions,
		Cache:       cacheFacade,
	})

	providers, err := telemetry.NewProviders(telemetry.Config{
		ServiceName:    "accessguard",
		ServiceVersion: Version,
		Enabled:        !cfg.DevMode,
	})
	if err != nil {
		cleanup()
		return nil, nil, cleanup, fmt.Errorf("build telemetry providers: %w", err)
	}
	closers = append(closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	})

	streamUpgrader := streamadapter.NewUpgrader(nil)
	streamHandler := streamadapter.NewHandler(streamUpgrader, streamAuth, abilities, rateLimiter, logger)

	healthChecker := httptransport.NewHealthChecker(facade, Version)
	transport := httptransport.NewHTTPTransport(facade,
		httptransport.WithAddr(cfg.Server.HTTPAddr),
		httptransport.WithLogger(logger),
		httptransport.WithHealthChecker(healthChecker),
		httptransport.WithRateLimiter(rateLimiter),
		httptransport.WithTracerProvider(providers.TracerProvider),
		httptransport.WithStreamHandler(streamHandler),
	)

	return facade, transport, cleanup, nil
}

// buildCache wires CacheFacade (B) over Redis, or an in-memory equivalent
// in dev mode / when caching is disabled.
func buildCache(cfg *config.GatewayConfig, logger *slog.Logger) (domaincache.Facade, func(), error) {
	if !cfg.Cache.Enabled || cfg.DevMode {
		logger.Info("using in-memory cache facade")
		return memory.NewCacheFacade(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Cache.Addr})
	return cache.NewRedisFacade(client), func() { _ = client.Close() }, nil
}

// buildStores wires SessionStore (K) and the API key store backing
// APIKeyManager (N) over PostgreSQL, applying pending migrations first.
// In dev mode it uses the in-memory equivalents and skips the database
// entirely.
func buildStores(cfg *config.GatewayConfig, logger *slog.Logger) (session.Store, apikey.Store, func(), error) {
	if cfg.DevMode {
		logger.Info("using in-memory session and api key stores")
		return memory.NewSessionStore(), memory.NewAPIKeyStore(), func() {}, nil
	}

	db, err := sqlx.Connect("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, nil, func() {}, fmt.Errorf("connect database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	if lifetime, err := time.ParseDuration(cfg.Database.ConnMaxLifetime); err == nil {
		db.SetConnMaxLifetime(lifetime)
	}

	if err := sql.Migrate(db.DB); err != nil {
		_ = db.Close()
		return nil, nil, func() {}, fmt.Errorf("apply migrations: %w", err)
	}

	closer := func() { _ = db.Close() }
	return sql.NewSessionStore(db), sql.NewAPIKeyStore(db), closer, nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func roleInputsFromConfig(roles []config.RoleDefinitionConfig) []service.RoleDefinitionInput {
	out := make([]service.RoleDefinitionInput, len(roles))
	for i, r := range roles {
		out[i] = service.RoleDefinitionInput{Name: r.Name, Inherits: r.Inherits, Permissions: r.Permissions}
	}
	return out
}

func rateLimitRules(cfg *config.GatewayConfig) []service.RequestLimitConfig {
	window, err := time.ParseDuration(cfg.RateLimit.DefaultWindow)
	if err != nil {
		window = 60 * time.Second
	}
	return []service.RequestLimitConfig{
		{
			Name:            "login",
			Strategy:        domainratelimit.KeyIP,
			Limit:           cfg.RateLimit.DefaultLimit / 4,
			Window:          window,
			StandardHeaders: true,
		},
		{
			Name:            "default",
			Strategy:        domainratelimit.KeyIP,
			Limit:           cfg.RateLimit.DefaultLimit,
			Window:          window,
			StandardHeaders: true,
		},
	}
}

