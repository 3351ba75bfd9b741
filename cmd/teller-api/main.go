package main

import (
	"context"
	"crypto/tls"
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
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/example/teller-assist/internal/api"
	"github.com/example/teller-assist/internal/auth"
	"github.com/example/teller-assist/internal/charges"
	"github.com/example/teller-assist/internal/config"
	"github.com/example/teller-assist/internal/pricing"
	"github.com/example/teller-assist/internal/promotion"
	"github.com/example/teller-assist/internal/security"
	"github.com/example/teller-assist/pkg/audit"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("teller api stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		p, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("create postgres pool: %w", err)
		}
		defer p.Close()
		pool = p
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
	}

	auditor := audit.NewChainLogger(nil)
	if cfg.AuditLogFile != "" {
		f, err := os.OpenFile(cfg.AuditLogFile, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer f.Close()

		var existing []*audit.LogEntry
		auditor, existing, err = audit.Resume(f, f)
		if err != nil {
			return err
		}
		if !audit.VerifyChain(existing) {
			logger.Warn("existing audit log does not verify; continuing after its last entry", "path", cfg.AuditLogFile)
		}
		logger.Info("audit log opened", "path", cfg.AuditLogFile, "entries", len(existing))
	}

	store, closeStore, err := openPromotionStore(ctx, cfg, pool)
	if err != nil {
		return err
	}
	defer closeStore()

	prices, err := openPricing(ctx, cfg, pool, rdb, logger)
	if err != nil {
		return err
	}
	engine := charges.NewEngine(charges.DefaultMatrix())
	if err := engine.Reload(ctx, prices); err != nil {
		return fmt.Errorf("load fee matrix: %w", err)
	}
	logger.Info("fee matrix loaded", "source", cfg.PricingSource, "services", len(engine.Matrix()))

	suite, err := promotion.DefaultSuite(nil)
	if err != nil {
		return fmt.Errorf("build regression suite: %w", err)
	}
	svc, err := promotion.NewService(promotion.ServiceDeps{
		Store:   store,
		Runner:  suite,
		Logger:  logger,
		Auditor: auditor,
	})
	if err != nil {
		return err
	}

	clients, err := openClientStore(ctx, cfg, pool)
	if err != nil {
		return err
	}

	var keySet *auth.KeySet
	if cfg.OAuthSigningKeyFile != "" {
		keySet, err = auth.LoadKeySet(cfg.OAuthSigningKeyFile)
	} else {
		logger.Warn("no OAUTH_SIGNING_KEY_FILE, tokens will not survive a restart")
		keySet, err = auth.NewKeySet()
	}
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}

	allowlist, err := security.ParseCIDRAllowlist(cfg.IPAllowlist)
	if err != nil {
		return fmt.Errorf("invalid API_IP_ALLOWLIST: %w", err)
	}

	var limiter *security.RedisTokenBucket
	if rdb != nil && cfg.RateLimitCapacity > 0 {
		limiter = &security.RedisTokenBucket{
			Redis:      rdb,
			Prefix:     "teller_api",
			Capacity:   cfg.RateLimitCapacity,
			RefillRate: cfg.RateLimitRefillPerSec,
		}
	}

	router, err := api.NewRouter(api.Dependencies{
		Logger: logger,
		OAuth: &auth.OAuthServer{
			Store:          clients,
			Keys:           keySet,
			Issuer:         cfg.TokenIssuer,
			AccessTokenTTL: cfg.AccessTokenTTL,
		},
		JWTValidator: &auth.JWTValidator{KeySet: keySet, Issuer: cfg.TokenIssuer},
		Engine:       engine,
		Pricing:      prices,
		Promotion:    svc,
		Auditor:      auditor,
		RateLimiter:  limiter,
		IPAllowlist:  allowlist,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.APIAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if cfg.TLSCert != "" {
		tlsCfg, err := security.LoadServerTLSConfig(security.TLSConfig{
			CertFile:          cfg.TLSCert,
			KeyFile:           cfg.TLSKey,
			CAFile:            cfg.TLSCA,
			RequireClientAuth: cfg.TLSCA != "",
		})
		if err != nil {
			ln.Close()
			return fmt.Errorf("load TLS config: %w", err)
		}
		srv.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	} else {
		logger.Warn("serving plain HTTP", "env", cfg.Environment)
	}

	healthSrv := health.NewServer()
	var grpcSrv *grpc.Server
	if cfg.GRPCHealthAddr != "" {
		grpcLn, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("listen grpc health: %w", err)
		}
		grpcSrv = grpc.NewServer()
		grpc_health_v1.RegisterHealthServer(grpcSrv, healthSrv)
		reflection.Register(grpcSrv)
		go func() {
			if err := grpcSrv.Serve(grpcLn); err != nil {
				logger.Error("grpc health server error", "error", err)
			}
		}()
		logger.Info("grpc health listening", "addr", cfg.GRPCHealthAddr)
	}
	healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	go func() {
		<-ctx.Done()
		healthSrv.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
	}()

	logger.Info("teller api listening", "addr", cfg.APIAddr, "env", cfg.Environment, "store", cfg.StoreDriver)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func openPromotionStore(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (promotion.Store, func(), error) {
	if cfg.StoreDriver == config.DriverPostgres {
		s := promotion.NewPostgresStore(pool)
		if err := s.Migrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("migrate promotion store: %w", err)
		}
		return s, func() {}, nil
	}

	db, err := promotion.OpenSQLite(cfg.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := promotion.NewSQLiteStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate promotion store: %w", err)
	}
	return s, func() { db.Close() }, nil
}

// openPricing returns the configured pricing source, behind the Redis
// snapshot cache when Redis is available.
func openPricing(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, rdb *redis.Client, logger *slog.Logger) (pricing.Store, error) {
	var src pricing.Store
	switch cfg.PricingSource {
	case config.PricingFile:
		src = pricing.FileSource{Path: cfg.PricingFile}
	case config.PricingPostgres:
		ps := pricing.NewPostgresStore(pool)
		if err := ps.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate pricing store: %w", err)
		}
		seeded, err := ps.SeedIfEmpty(ctx, charges.DefaultMatrix(), "system")
		if err != nil {
			return nil, fmt.Errorf("seed pricing store: %w", err)
		}
		if seeded {
			logger.Info("pricing store seeded with default matrix")
		}
		src = ps
	default:
		src = pricing.NewStaticSource(nil)
	}

	if rdb == nil {
		return src, nil
	}
	return pricing.NewCache(rdb, src, cfg.PricingCacheTTL, logger), nil
}

func openClientStore(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (auth.ClientStore, error) {
	if cfg.OAuthClientsFile != "" {
		s, err := auth.LoadClientsFile(cfg.OAuthClientsFile)
		if err != nil {
			return nil, fmt.Errorf("load clients: %w", err)
		}
		return s, nil
	}
	s := &auth.PostgresClientStore{Pool: pool}
	if err := s.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate client store: %w", err)
	}
	return s, nil
}
