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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"conclave/internal/audit"
	auditkafka "conclave/internal/audit/kafka"
	ceremonymetrics "conclave/internal/ceremony/metrics"
	"conclave/internal/ceremony/service"
	ceremonystore "conclave/internal/ceremony/store"
	"conclave/internal/hsm/softhsm"
	keysmodels "conclave/internal/keys/models"
	keystore "conclave/internal/keys/store"
	"conclave/internal/platform/config"
	"conclave/internal/platform/haltguard"
	"conclave/internal/platform/httpserver"
	"conclave/internal/platform/logger"
	platformredis "conclave/internal/platform/redis"
)

// activeKeyCacheTTL bounds staleness of the cached active-key lookup used
// on the witness verification path.
const activeKeyCacheTTL = time.Minute

// main wires the ceremony subsystem: stores, HSM, halt guard, audit
// pipeline, the orchestrator service, the timeout sweeper and the
// health/metrics listener. Business logic lives in internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	var db *sql.DB
	if cfg.PostgresURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			log.Error("open postgres", "error", err)
			os.Exit(1)
		}
		if err := db.Ping(); err != nil {
			log.Error("ping postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
	}

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("connect redis", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Ceremony repository and key registry: postgres when configured,
	// in-memory otherwise.
	var (
		repo         service.Repository
		baseRegistry keystore.Registry
	)
	if db != nil {
		repo = ceremonystore.NewPostgres(db)
		baseRegistry = keystore.NewPostgres(db)
	} else {
		repo = ceremonystore.NewInMemory()
		baseRegistry = keystore.NewInMemory()
	}
	var registry service.KeyRegistry = baseRegistry
	if redisClient != nil {
		registry = keystore.NewCachedRegistry(baseRegistry, redisClient.Client, activeKeyCacheTTL)
	}

	// Halt guard: shared Redis flag when available so every instance
	// observes the same halt, otherwise a process-local flag.
	var halt service.HaltGuard
	if redisClient != nil {
		halt = haltguard.NewRedis(redisClient.Client)
	} else {
		halt = haltguard.NewStatic()
	}

	hsm, err := softhsm.New(keysmodels.KeyAlgorithm(cfg.HSMAlgorithm))
	if err != nil {
		log.Error("init hsm", "error", err, "algorithm", cfg.HSMAlgorithm)
		os.Exit(1)
	}

	// Audit pipeline: postgres outbox (relayed to Kafka) or plain memory.
	var (
		auditStore audit.Store
		outbox     *audit.PostgresStore
	)
	if db != nil {
		outbox = audit.NewPostgresStore(db)
		auditStore = outbox
	} else {
		auditStore = audit.NewInMemoryStore()
	}
	publisher := audit.NewPublisher(auditStore)

	svc := service.New(repo, hsm, registry, halt, publisher,
		service.WithLogger(log),
		service.WithMetrics(ceremonymetrics.New()),
		service.WithBootstrapMode(cfg.BootstrapMode),
		service.WithCeremonyTimeout(cfg.CeremonyTimeout),
		service.WithExecutionGrace(cfg.ExecutionGrace),
	)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", healthHandler(db, redisClient))
	router.Handle("/metrics", promhttp.Handler())
	srv := httpserver.New(cfg.Addr, router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting conclave",
			"addr", cfg.Addr,
			"hsm_mode", hsm.Mode(),
			"bootstrap_mode", cfg.BootstrapMode,
			"postgres", db != nil,
			"redis", redisClient != nil,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	sweeper := service.NewSweeper(svc, cfg.SweepInterval, log)
	group.Go(func() error {
		if err := sweeper.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if len(cfg.KafkaBrokers) > 0 && outbox != nil {
		sink, err := auditkafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.Error("init kafka audit sink", "error", err)
			os.Exit(1)
		}
		defer sink.Close()

		relay := audit.NewRelay(outbox, sink, cfg.SweepInterval, log)
		group.Go(func() error {
			if err := relay.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		log.Error("shutdown with error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// healthHandler reports liveness plus the health of configured backends.
func healthHandler(db *sql.DB, redisClient *platformredis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		if redisClient != nil {
			if err := redisClient.Health(ctx); err != nil {
				http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
