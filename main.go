package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tink-crypto/tink-go/v2/tink"

	"github.com/justinas/alice"

	"github.com/helmchat/credbridge/internal/audit"
	"github.com/helmchat/credbridge/internal/authz"
	"github.com/helmchat/credbridge/internal/cache"
	"github.com/helmchat/credbridge/internal/config"
	"github.com/helmchat/credbridge/internal/credential"
	"github.com/helmchat/credbridge/internal/encryption"
	"github.com/helmchat/credbridge/internal/manager"
	"github.com/helmchat/credbridge/internal/observe"
	"github.com/helmchat/credbridge/internal/provider"
	"github.com/helmchat/credbridge/internal/refresh"
	"github.com/helmchat/credbridge/internal/server"
	"github.com/helmchat/credbridge/internal/store"
)

func configureServerRoutes(cfg config.Config, mgr *manager.Manager) (http.Handler, error) {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	// configure middleware
	auditor := audit.Middleware()

	authorizer, err := authz.Middleware(cfg.Authorization)
	if err != nil {
		return nil, fmt.Errorf("authorizer configuration failed: %w", err)
	}

	// The request body size is fairly limited to prevent accidental or
	// deliberate abuse. Given the current API shape, this is not configurable.
	requestLimitBytes := int64(20 << 10) // 20 KB
	requestLimiter := maxRequestSize(requestLimitBytes)

	authorizedRouteMiddleware := alice.New(requestLimiter, auditor, authorizer)
	standardRouteMiddleware := alice.New(requestLimiter)

	mux.Handle("GET /credential/{identity}/token", authorizedRouteMiddleware.Then(handleGetToken(mgr)))
	mux.Handle("GET /credential/{identity}/status", authorizedRouteMiddleware.Then(handleGetStatus(mgr)))
	mux.Handle("PUT /credential/{identity}", authorizedRouteMiddleware.Then(handlePutCredential(mgr)))
	mux.Handle("POST /credential/{identity}/invalidate", authorizedRouteMiddleware.Then(handleInvalidate(mgr)))
	mux.Handle("DELETE /credential/{identity}", authorizedRouteMiddleware.Then(handleDeleteCredential(mgr)))

	// healthchecks are not included in telemetry or authorization
	muxWithoutTelemetry.Handle("GET /healthcheck", standardRouteMiddleware.Then(handleHealthCheck()))

	return mux, nil
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	var shutdownHooks server.ShutdownHooks

	// configure telemetry, including wrapping default HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	http.DefaultTransport = observe.HTTPTransport(
		configureHTTPTransport(cfg.Server),
		cfg.Observe,
	)
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	// the AEAD keyset protects refresh tokens at rest; without it the
	// service must not start
	aead, closeKeyset, err := encryption.NewFromConfig(ctx, cfg.Encryption)
	if err != nil {
		return fmt.Errorf("encryption configuration failed: %w", err)
	}
	shutdownHooks.Add("encryption keyset", closeKeyset)

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("credential store configuration failed: %w", err)
	}
	shutdownHooks.Add("credential store", func() error { return store.Close(db) })

	credentialStore := store.New(db, encryption.NewSecretBox(aead))

	families, err := configureCacheFamilies(ctx, cfg.Cache, aead)
	if err != nil {
		return fmt.Errorf("cache configuration failed: %w", err)
	}

	providerClient := provider.New(cfg.Provider)

	tokenTTL := time.Duration(cfg.Cache.TokenTTLSeconds) * time.Second
	orchestrator := refresh.New(credentialStore, providerClient, families, tokenTTL)

	policy, err := loadCapabilityPolicy(cfg.Capability)
	if err != nil {
		return fmt.Errorf("capability policy configuration failed: %w", err)
	}

	mgr := manager.New(credentialStore, orchestrator, providerClient, families, policy, manager.Config{
		RefreshBuffer:     time.Duration(cfg.Provider.RefreshBufferSeconds) * time.Second,
		TokenTTL:          tokenTTL,
		StatusTTL:         time.Duration(cfg.Cache.StatusTTLSeconds) * time.Second,
		StatusNegativeTTL: time.Duration(cfg.Cache.StatusNegativeTTLSeconds) * time.Second,
		SessionTTL:        time.Duration(cfg.Cache.SessionTTLSeconds) * time.Second,
		SweepGrace:        time.Duration(cfg.Store.SweepGraceSeconds) * time.Second,
	})

	// setup routing and dependencies
	handler, err := configureServerRoutes(cfg, mgr)
	if err != nil {
		return fmt.Errorf("server routing configuration failed: %w", err)
	}

	if cfg.Store.SweepEnabled {
		go sweepExpiredCredentials(ctx, mgr,
			time.Duration(cfg.Store.SweepIntervalSeconds)*time.Second)
	}

	// start the server
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	httpServer.RegisterOnShutdown(func() {
		log.Info().Msg("telemetry: shutting down")
		if err := shutdownTelemetry(ctx); err != nil {
			log.Warn().Err(err).Msg("telemetry: shutdown failed")
		} else {
			log.Info().Msg("telemetry: shutdown complete")
		}
	})

	err = serveHTTP(cfg.Server, httpServer)

	shutdownHooks.Execute(ctx)

	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// configureCacheFamilies builds the three cache key families from the same
// configuration. Each family carries its own default TTL.
func configureCacheFamilies(ctx context.Context, cfg config.CacheConfig, aead tink.AEAD) (cache.Families, error) {
	tokenCache, err := cache.NewFromConfig[credential.Record](ctx, cfg,
		time.Duration(cfg.TokenTTLSeconds)*time.Second, aead)
	if err != nil {
		return cache.Families{}, fmt.Errorf("token cache: %w", err)
	}

	statusCache, err := cache.NewFromConfig[credential.Status](ctx, cfg,
		time.Duration(cfg.StatusTTLSeconds)*time.Second, aead)
	if err != nil {
		return cache.Families{}, fmt.Errorf("status cache: %w", err)
	}

	sessionCache, err := cache.NewFromConfig[json.RawMessage](ctx, cfg,
		time.Duration(cfg.SessionTTLSeconds)*time.Second, aead)
	if err != nil {
		return cache.Families{}, fmt.Errorf("session cache: %w", err)
	}

	return cache.Families{
		Token:   tokenCache,
		Status:  statusCache,
		Session: sessionCache,
	}, nil
}

func loadCapabilityPolicy(cfg config.CapabilityConfig) (credential.Policy, error) {
	if cfg.PolicyPath == "" {
		log.Warn().Msg("no capability policy configured; capability-scoped requests will be refused")
		return nil, nil
	}

	policy, err := credential.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return nil, err
	}

	log.Info().Int("capabilities", len(policy)).Str("path", cfg.PolicyPath).
		Msg("capability policy loaded")

	return policy, nil
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}

// sweepExpiredCredentials periodically removes records long past expiry.
// Housekeeping only: a failed sweep is logged and retried next interval.
func sweepExpiredCredentials(ctx context.Context, mgr *manager.Manager, interval time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			log.Info().Interface("recover", r).Msg("background sweep failed; will attempt to continue.")
		}
	}()

	for {
		select {
		case <-time.After(interval):
			// continue
		case <-ctx.Done():
			log.Info().Msg("sweep goroutine shutting down gracefully")
			return
		}

		removed, err := mgr.SweepExpired(ctx)
		if err != nil {
			log.Info().Err(err).Msg("credential sweep failed, continuing")
			continue
		}

		if removed > 0 {
			log.Info().Int64("removed", removed).Msg("expired credentials swept")
		}
	}
}
