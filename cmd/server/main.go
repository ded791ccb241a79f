// Command server runs the provisioning API. It wires configuration, stores,
// provider clients and the pipeline, then serves HTTP until interrupted.
package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"didvault/internal/anchor"
	"didvault/internal/custody"
	"didvault/internal/didmint"
	"didvault/internal/platform/config"
	"didvault/internal/platform/httpserver"
	"didvault/internal/platform/logger"
	"didvault/internal/platform/metrics"
	"didvault/internal/platform/middleware"
	"didvault/internal/platform/postgres"
	platformredis "didvault/internal/platform/redis"
	"didvault/internal/provisioning"
	"didvault/internal/provisioning/lock"
	"didvault/internal/provisioning/queue"
	"didvault/internal/registrar"
	"didvault/internal/storage/ipfs"
	httptransport "didvault/internal/transport/http"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stores: postgres when configured, in-memory otherwise.
	var store provisioning.Store
	db, err := postgres.Open(cfg.Postgres)
	if err != nil {
		log.Error("postgres connection failed", "error", err.Error())
		os.Exit(1)
	}
	if db != nil {
		defer db.Close()
		pg := provisioning.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			log.Error("migration failed", "error", err.Error())
			os.Exit(1)
		}
		store = pg
		log.Info("using postgres store")
	} else {
		store = provisioning.NewInMemoryStore()
		log.Warn("DATABASE_URL not set, using in-memory store")
	}

	// Run lease: redis when configured, process-local otherwise.
	var lease lock.Lease
	rdb, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("redis connection failed", "error", err.Error())
		os.Exit(1)
	}
	if rdb != nil {
		defer rdb.Close()
		// The lease is extended between stages, so its TTL only needs to
		// outlive a single stage timeout.
		leaseTTL := cfg.Pipeline.LeaseTTL
		if leaseTTL < cfg.Pipeline.StageTimeout+time.Minute {
			leaseTTL = cfg.Pipeline.StageTimeout + time.Minute
		}
		lease = lock.NewRedisLease(rdb.Client, leaseTTL)
	} else {
		lease = lock.NewMemoryLease()
		log.Warn("REDIS_URL not set, run leases are process-local")
	}

	// Provider clients.
	custodyClient, err := custody.NewClient(cfg.Custody, log, m)
	if err != nil {
		log.Error("custody client setup failed", "error", err.Error())
		os.Exit(1)
	}
	provisioner := custody.NewProvisioner(custodyClient, custody.DefaultChainPlans(), log, m)
	pins := ipfs.NewClient(cfg.Storage)
	anchors := anchor.NewService(pins, log)
	minter := didmint.NewService(pins, store, log, true)

	var chainRegistrar provisioning.ChainRegistrar
	if cfg.Chain.RPCURL != "" && cfg.Chain.ContractAddress != "" && cfg.Chain.PrivateKeyHex != "" {
		eth, err := registrar.Dial(ctx, cfg.Chain.RPCURL)
		if err != nil {
			log.Error("chain rpc dial failed", "error", err.Error())
			os.Exit(1)
		}
		defer eth.Close()
		chainRegistrar, err = registrar.New(eth, cfg.Chain, log, m)
		if err != nil {
			log.Error("registrar setup failed", "error", err.Error())
			os.Exit(1)
		}
	} else {
		log.Warn("chain registry not configured, on-chain registration disabled")
	}

	orchestrator := provisioning.NewOrchestrator(
		store, store, store,
		provisioner, anchors, minter, chainRegistrar,
		lease, log, m, cfg.Pipeline.StageTimeout,
	)

	// Job queue: kafka when configured, otherwise async requests run inline.
	var enqueuer httptransport.Enqueuer
	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err := queue.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.JobsTopic, store, log, m)
		if err != nil {
			log.Error("kafka producer setup failed", "error", err.Error())
			os.Exit(1)
		}
		defer publisher.Close()
		if err := publisher.EnsureTopic(ctx, 6); err != nil {
			log.Error("topic setup failed", "topic", cfg.Kafka.JobsTopic, "error", err.Error())
			os.Exit(1)
		}
		enqueuer = publisher
	} else {
		log.Warn("KAFKA_BROKERS not set, async provisioning runs inline")
	}

	handler := httptransport.NewHandler(orchestrator, enqueuer, store, store, store, log)
	router := httptransport.NewRouter(httptransport.RouterConfig{
		Handler:        handler,
		Validator:      middleware.NewHMACValidator(cfg.Server.JWTSigningKey),
		Logger:         log,
		Metrics:        m,
		RequestTimeout: cfg.Pipeline.StageTimeout + time.Minute,
		Checks:         healthChecks(db, rdb),
	})

	srv := httpserver.New(cfg.Server.Addr, router)
	go func() {
		log.Info("server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err.Error())
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err.Error())
	}
}

type dbHealth struct{ db *sql.DB }

func (h dbHealth) Health(ctx context.Context) error { return h.db.PingContext(ctx) }

func healthChecks(db *sql.DB, rdb *platformredis.Client) map[string]httptransport.HealthChecker {
	checks := make(map[string]httptransport.HealthChecker)
	if db != nil {
		checks["postgres"] = dbHealth{db: db}
	}
	if rdb != nil {
		checks["redis"] = rdb
	}
	return checks
}
