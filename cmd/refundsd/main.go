// Command refundsd serves the refund status ledger over HTTP, with a gRPC
// health endpoint for orchestrators.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/api"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/auth"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/authority"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/config"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/metrics"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/refunds"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/security"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/store"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/pkg/audit"
)

const healthCheckInterval = 10 * time.Second

// backend is what the process needs from either store implementation.
type backend interface {
	refunds.Store
	auth.ClientStore
	Ping(ctx context.Context) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("refundsd stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, closeDB, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	keySet, err := loadKeys(cfg, logger)
	if err != nil {
		return err
	}

	authorityTLS, err := security.LoadClientTLSConfig(security.TLSConfig{
		CertFile: cfg.AuthorityTLSCert,
		KeyFile:  cfg.AuthorityTLSKey,
		CAFile:   cfg.AuthorityTLSCA,
	})
	if err != nil {
		return fmt.Errorf("failed to load authority TLS config: %w", err)
	}
	authorityClient, err := authority.New(authority.Config{
		BaseURL: cfg.AuthorityURL,
		Token:   cfg.AuthorityToken,
		Timeout: cfg.AuthorityTimeout,
		TLS:     authorityTLS,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	allowlist, err := security.ParseCIDRAllowlist(cfg.MetricsAllowedCIDRs)
	if err != nil {
		return fmt.Errorf("invalid METRICS_ALLOWED_CIDRS: %w", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	auditor := audit.NewChainLogger(audit.SlogSink{Logger: logger.With("component", "audit")})
	auditor.OnSinkError(func(err error) {
		logger.Error("audit sink failed", "error", err)
	})

	svc := refunds.NewService(refunds.ServiceDeps{
		Store:      db,
		Authority:  authorityClient,
		Reconciler: refunds.NewReconciler(refunds.WithLocation(cfg.Location)),
		Auditor:    auditor,
		Recorder:   m,
		Logger:     logger,
	})

	var rateLimiter *security.RedisTokenBucket
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		rateLimiter = &security.RedisTokenBucket{
			Redis:      rdb,
			Prefix:     "refundsd",
			Capacity:   cfg.RateLimitCapacity,
			RefillRate: cfg.RateLimitRefillPerSec,
		}
	} else {
		logger.Warn("REDIS_ADDR not set, rate limiting disabled")
	}

	router, err := api.NewRouter(api.Dependencies{
		Logger:           logger,
		OAuth:            &auth.OAuthServer{Store: db, Keys: keySet, Issuer: cfg.AuthIssuer, AccessTokenTTL: cfg.AccessTokenTTL},
		JWTValidator:     &auth.JWTValidator{KeySet: keySet, Issuer: cfg.AuthIssuer},
		Refunds:          svc,
		Auditor:          auditor,
		RateLimiter:      rateLimiter,
		MaxBodyBytes:     cfg.MaxBodyBytes,
		Instrument:       m.Middleware,
		MetricsHandler:   promhttp.Handler(),
		MetricsAllowlist: allowlist,
		Ready:            db.Ping,
	})
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverTLS := security.TLSConfig{CertFile: cfg.HTTPTLSCert, KeyFile: cfg.HTTPTLSKey}
	if serverTLS.Enabled() {
		if srv.TLSConfig, err = security.LoadServerTLSConfig(serverTLS); err != nil {
			return fmt.Errorf("failed to load TLS config: %w", err)
		}
	}

	var grpcOpts []grpc.ServerOption
	if srv.TLSConfig != nil {
		grpcOpts = append(grpcOpts, grpc.Creds(credentials.NewTLS(srv.TLSConfig.Clone())))
	}
	grpcServer := grpc.NewServer(grpcOpts...)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTPAddr, "tls", srv.TLSConfig != nil)
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
		}
		logger.Info("grpc health server listening", "addr", lis.Addr().String())
		return grpcServer.Serve(lis)
	})

	g.Go(func() error {
		watchHealth(ctx, db, healthServer, logger)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})

	return g.Wait()
}

func openBackend(ctx context.Context, cfg *config.Config) (backend, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pg, pool.Close, nil
	default:
		lite, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return lite, func() { _ = lite.Close() }, nil
	}
}

func loadKeys(cfg *config.Config, logger *slog.Logger) (*auth.KeySet, error) {
	if cfg.AuthSigningKeyPath != "" {
		return auth.LoadKeySet(cfg.AuthSigningKeyPath)
	}
	logger.Warn("AUTH_SIGNING_KEY_PATH not set, tokens will not survive a restart")
	return auth.NewKeySet()
}

// watchHealth mirrors store reachability into the gRPC health service.
func watchHealth(ctx context.Context, db backend, hs *health.Server, logger *slog.Logger) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		status := healthpb.HealthCheckResponse_SERVING
		if err := db.Ping(pingCtx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			if ctx.Err() == nil {
				logger.Warn("store unreachable", "error", err)
			}
		}
		cancel()

		if status != last {
			hs.SetServingStatus("", status)
			last = status
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
