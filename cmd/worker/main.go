// Command worker consumes provisioning jobs from Kafka and drives the
// pipeline. A reaper sweep requeues jobs orphaned by worker crashes.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"didvault/internal/anchor"
	"didvault/internal/custody"
	"didvault/internal/didmint"
	"didvault/internal/platform/config"
	"didvault/internal/platform/logger"
	"didvault/internal/platform/metrics"
	"didvault/internal/platform/postgres"
	platformredis "didvault/internal/platform/redis"
	"didvault/internal/provisioning"
	"didvault/internal/provisioning/lock"
	"didvault/internal/provisioning/queue"
	"didvault/internal/registrar"
	"didvault/internal/storage/ipfs"
)

func main() {
	cfg := config.FromEnv()
	log := logger.New()
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(cfg.Kafka.Brokers) == 0 {
		log.Error("KAFKA_BROKERS is required for the worker")
		os.Exit(1)
	}

	db, err := postgres.Open(cfg.Postgres)
	if err != nil {
		log.Error("postgres connection failed", "error", err.Error())
		os.Exit(1)
	}
	var store provisioning.Store
	if db != nil {
		defer db.Close()
		pg := provisioning.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			log.Error("migration failed", "error", err.Error())
			os.Exit(1)
		}
		store = pg
	} else {
		// A worker without shared storage cannot coordinate with the API.
		log.Error("DATABASE_URL is required for the worker")
		os.Exit(1)
	}

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

	reaper, err := queue.NewReaper(store, publisher, cfg.Pipeline.ReaperInterval, cfg.Pipeline.StuckAfter, log)
	if err != nil {
		log.Error("reaper setup failed", "error", err.Error())
		os.Exit(1)
	}
	if err := reaper.Start(ctx); err != nil {
		log.Error("reaper start failed", "error", err.Error())
		os.Exit(1)
	}
	defer func() {
		if err := reaper.Stop(); err != nil {
			log.Error("reaper stop failed", "error", err.Error())
		}
	}()

	worker, err := queue.NewWorker(
		cfg.Kafka.Brokers, cfg.Kafka.JobsTopic, cfg.Kafka.ConsumerGroup,
		store, orchestrator, cfg.Pipeline.MaxInFlight, log, m,
	)
	if err != nil {
		log.Error("kafka consumer setup failed", "error", err.Error())
		os.Exit(1)
	}
	defer worker.Close()

	log.Info("worker consuming",
		"topic", cfg.Kafka.JobsTopic,
		"group", cfg.Kafka.ConsumerGroup,
		"max_in_flight", cfg.Pipeline.MaxInFlight,
	)
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("worker stopped", "error", err.Error())
		os.Exit(1)
	}
	log.Info("worker shut down")
}
