package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"veilmarket/auth"
	"veilmarket/chain"
	"veilmarket/config"
	"veilmarket/ledger"
	"veilmarket/listings"
	"veilmarket/middleware"
	"veilmarket/models"
	"veilmarket/observability/logging"
	"veilmarket/observability/metrics"
	"veilmarket/recon"
	"veilmarket/server"
	"veilmarket/settlement"
)

func main() {
	configPath := flag.String("config", "veilmarket.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup(logging.Options{
		Service:    "veilmarketd",
		Env:        cfg.Environment,
		FilePath:   cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})

	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	nonces, cleanup, err := buildNonceStore(cfg, db)
	if err != nil {
		log.Fatalf("nonce store error: %v", err)
	}
	defer cleanup()

	chainClient := chain.NewClient(chain.Config{
		URL:         cfg.ChainRPCURL,
		Timeout:     cfg.ChainTimeout.Duration,
		MaxAttempts: cfg.ChainMaxAttempts,
	})

	poolLedger := ledger.New(db, nil)
	registry := listings.New(db, nil)
	reconciler := recon.New(recon.Config{
		Reader:   chainClient,
		Registry: registry,
		DB:       db,
		Logger:   logger,
	})

	obs := middleware.NewObservability("veilmarket")
	settlementMetrics := metrics.NewSettlement(obs.Registry())

	coordinator := settlement.New(settlement.Config{
		DB:         db,
		Ledger:     poolLedger,
		Registry:   registry,
		Reconciler: reconciler,
		Writer:     chainClient,
		Logger:     logger,
		Metrics:    settlementMetrics,
	})

	rateLimiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"actions": {RequestsPerMinute: 60, Burst: 10},
		"reads":   {RequestsPerMinute: 600, Burst: 50},
	})
	operatorAuth := middleware.NewOperatorAuth(middleware.OperatorAuthConfig{
		Enabled:    strings.TrimSpace(cfg.OperatorJWTSecret) != "",
		HMACSecret: cfg.OperatorJWTSecret,
		Issuer:     cfg.OperatorJWTIssuer,
	}, logger)

	srv := server.New(server.Config{
		DB:            db,
		Ledger:        poolLedger,
		Registry:      registry,
		Reconciler:    reconciler,
		Coordinator:   coordinator,
		Authorizer:    auth.NewAuthorizer(nonces, nil),
		ChainWriter:   chainClient,
		ChainID:       cfg.ChainID,
		CollectionRef: cfg.CollectionRef,
		Logger:        logger,
		Observability: obs,
		RateLimiter:   rateLimiter,
		OperatorAuth:  operatorAuth,
	})

	scheduler := recon.NewScheduler(recon.SchedulerConfig{
		Reconciler: reconciler,
		Interval:   cfg.ReconInterval.Duration,
		Logger:     logger,
	})
	go scheduler.Start(context.Background())

	logger.Info("starting veilmarketd", "listen", cfg.ListenAddress)
	if err := http.ListenAndServe(cfg.ListenAddress, srv.Handler()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// openDatabase connects to postgres when a DSN is configured; otherwise it
// falls back to a local sqlite file for development.
func openDatabase(dsn string) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) != "" {
		return gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	}
	path := os.Getenv("VEILMARKET_SQLITE_PATH")
	if path == "" {
		path = "veilmarket.db"
	}
	return gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
}

func buildNonceStore(cfg *config.Config, db *gorm.DB) (auth.NonceStore, func(), error) {
	switch cfg.NonceBackend {
	case config.NonceBackendDB:
		return auth.NewDBNonceStore(db, cfg.RequestTTL.Duration, nil), func() {}, nil
	case config.NonceBackendLevelDB:
		store, err := auth.NewLevelDBNonceStore(cfg.NonceDataDir, cfg.RequestTTL.Duration, nil)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		store := auth.NewMemoryNonceStore(cfg.RequestTTL.Duration, cfg.SweepInterval.Duration, nil)
		return store, func() { _ = store.Close() }, nil
	}
}
