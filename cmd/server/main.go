package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-vms/internal/api"
	"github.com/technosupport/ts-vms/internal/apikey"
	"github.com/technosupport/ts-vms/internal/audit"
	"github.com/technosupport/ts-vms/internal/auth"
	"github.com/technosupport/ts-vms/internal/config"
	"github.com/technosupport/ts-vms/internal/delivery"
	"github.com/technosupport/ts-vms/internal/metrics"
	"github.com/technosupport/ts-vms/internal/notify"
	"github.com/technosupport/ts-vms/internal/orchestrator"
	"github.com/technosupport/ts-vms/internal/platform/paths"
	"github.com/technosupport/ts-vms/internal/queue"
	"github.com/technosupport/ts-vms/internal/ratelimit"
	"github.com/technosupport/ts-vms/internal/tokens"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", "error", err)
		os.Exit(1)
	}
	dataRoot := cfg.DataDir
	if err := paths.EnsureDirs(dataRoot); err != nil {
		log.Error("data directory setup failed", "error", err)
		os.Exit(1)
	}

	journal, err := audit.Open(cfg.Audit.JournalPath)
	if err != nil {
		log.Error("audit journal open failed", "error", err)
		os.Exit(1)
	}
	defer journal.Close()

	queue.MaxSize = cfg.Queue.Capacity
	q, err := queue.Open(cfg.Queue.Path)
	if err != nil {
		log.Error("queue open failed", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	collector := metrics.NewCollector()

	apiKeyStore, err := apikey.NewStore(cfg.Auth.APIKeyStorePath)
	if err != nil {
		log.Error("api key store open failed", "error", err)
		os.Exit(1)
	}

	var verifier *tokens.Verifier
	if cfg.Auth.BearerPublicKeyPath != "" {
		verifier, err = tokens.NewVerifierFromPEM(cfg.Auth.BearerPublicKeyPath)
		if err != nil {
			log.Error("bearer verifier load failed", "error", err)
			os.Exit(1)
		}
	}

	authenticator, err := auth.New(verifier, apiKeyStore, cfg.Auth.BearerCacheSize)
	if err != nil {
		log.Error("authenticator init failed", "error", err)
		os.Exit(1)
	}

	ratelimit.PrincipalLimit = ratelimit.LimitConfig{
		Capacity:     cfg.RateLimit.PrincipalCapacity,
		RefillPerSec: cfg.RateLimit.PrincipalRefillPerSec,
	}
	ratelimit.IPLimit = ratelimit.LimitConfig{
		Capacity:     cfg.RateLimit.IPCapacity,
		RefillPerSec: cfg.RateLimit.IPRefillPerSec,
	}
	limiter := ratelimit.New()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go apiKeyStore.Watch(rootCtx, log)

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		overlay := auth.NewRevocationOverlay(redisClient, authenticator, apiKeyStore, log)
		go overlay.Run(rootCtx)
	}

	var publisher delivery.Notifier
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("cot-relay"))
		if err != nil {
			log.Warn("nats connect failed, operational notifications disabled", "error", err)
		} else {
			defer nc.Close()
			publisher = notify.NewPublisher(nc, cfg.NATS.Subject, log)
		}
	}

	var mirror *audit.Mirror
	if cfg.Postgres.DSN != "" {
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			log.Warn("audit mirror database open failed, mirror disabled", "error", err)
		} else if err := db.PingContext(rootCtx); err != nil {
			log.Warn("audit mirror database unreachable, mirror disabled", "error", err)
		} else {
			defer db.Close()
			spool, err := audit.NewSpool(cfg.Audit.SpoolDir, 64*1024*1024)
			if err != nil {
				log.Warn("audit spool init failed, mirror disabled", "error", err)
			} else {
				mirror = audit.NewMirror(db, spool, log)
				go runMirrorIndexer(rootCtx, journal, mirror, collector, log)
				go audit.StartReplayLoop(rootCtx, db, spool, log, 30*time.Second)
			}
		}
	}

	orch := orchestrator.New(journal, q, asOrchestratorNotifier(publisher), collector, log)

	worker := delivery.New(delivery.Config{
		TAKEndpoint:   cfg.TAK.EndpointURL,
		ProbeInterval: cfg.ProbeInterval(),
		Concurrency:   cfg.TAK.PushConcurrency,
	}, q, journal, publisher, collector, log)
	worker.Start(rootCtx)

	router := api.NewRouter(api.Deps{
		Authenticator: authenticator,
		Limiter:       limiter,
		Orchestrator:  orch,
		Journal:       journal,
		Mirror:        mirror,
		Queue:         q,
		Worker:        worker,
		Collector:     collector,
		Log:           log,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.RequestTimeout(),
		WriteTimeout:      cfg.RequestTimeout(),
	}

	go func() {
		log.Info("server starting", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrain())
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", "error", err)
	}
	worker.Stop()
	if redisClient != nil {
		redisClient.Close()
	}
	log.Info("shutdown complete")
}

// asOrchestratorNotifier adapts a possibly-nil delivery.Notifier to
// orchestrator.Notifier; both share the same Publish signature by
// convention, so nil is passed through for orchestrator.New to
// replace with its own no-op.
func asOrchestratorNotifier(n delivery.Notifier) orchestrator.Notifier {
	if n == nil {
		return nil
	}
	return n
}

// runMirrorIndexer polls the journal's tail and indexes every event
// newer than the last one it saw into the Postgres mirror. The journal
// remains the system of record; this loop only ever lags behind it.
func runMirrorIndexer(ctx context.Context, j *audit.Journal, m *audit.Mirror, collector *metrics.Collector, log *slog.Logger) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, err := j.Tail(0)
			if err != nil {
				log.Error("mirror indexer: tail journal failed", "error", err)
				continue
			}
			for _, ev := range events {
				if ev.Seq <= lastSeq {
					continue
				}
				if err := m.Index(ctx, ev); err != nil {
					log.Error("mirror indexer: index event failed", "seq", ev.Seq, "error", err)
					continue
				}
				lastSeq = ev.Seq
			}
			if lastSeq > 0 {
				collector.SetAuditSeq(lastSeq)
			}
		}
	}
}
