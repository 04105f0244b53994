package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"fleetflow/internal/api"
	"fleetflow/internal/config"
	"fleetflow/internal/deadletter"
	"fleetflow/internal/fleet"
	"fleetflow/internal/ledger"
	"fleetflow/internal/queue"
	"fleetflow/internal/scheduler"
	"fleetflow/internal/security"
	"fleetflow/internal/store"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML config path (optional)")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		debug   = flag.Bool("debug", false, "enable debug logging and pprof")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *debug {
		cfg.Debug = true
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if cfg.SigningKey == "" {
		// Ephemeral key: issued tokens will not survive a restart.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			log.Fatal().Err(err).Msg("generate signing key")
		}
		cfg.SigningKey = hex.EncodeToString(buf)
		log.Warn().Msg("no signing key configured, generated an ephemeral one")
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ldg := ledger.New(db)
	gateway := security.NewGateway(db, ldg, security.Options{
		SigningKey:       cfg.SigningKey,
		RateLimitMax:     cfg.RateLimitPerMin,
		RateLimitWindow:  time.Minute,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown(),
	})
	registry := fleet.NewRegistry(db, ldg)
	dlq := deadletter.NewManager(db, ldg)
	q := queue.New(db, ldg, dlq)
	dlq.Bind(q)
	schedStore := scheduler.NewStore(db, ldg)

	bootstrapAdminToken(ctx, db, gateway)

	// Reclaim leases orphaned by a previous crash before serving traffic.
	if n, err := q.ReclaimExpired(ctx, time.Now()); err != nil {
		log.Error().Err(err).Msg("reclaim expired leases")
	} else if n > 0 {
		log.Info().Int("reclaimed", n).Msg("reclaimed expired leases")
	}

	svc := scheduler.NewService(schedStore, q, cfg.TickInterval())
	go svc.Start(ctx)
	go sweepLoop(ctx, registry, q, cfg.SweepInterval(), cfg.HeartbeatTTL())

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServer(api.Deps{
		Queue:   q,
		Fleet:   registry,
		Sched:   schedStore,
		DLQ:     dlq,
		Ledger:  ldg,
		Gateway: gateway,
		Debug:   cfg.Debug,
	})}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	svc.Stop()
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

// bootstrapAdminToken issues a first admin credential when the token table is
// empty and logs its secret once. Without it there is no way to call
// /api/tokens at all.
func bootstrapAdminToken(ctx context.Context, db *sql.DB, gateway *security.Gateway) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tokens`).Scan(&n); err != nil {
		log.Error().Err(err).Msg("count tokens")
		return
	}
	if n > 0 {
		return
	}
	tok, secret, err := gateway.IssueToken(ctx, "bootstrap-admin",
		[]string{security.ScopeAdmin, security.ScopeOperator, security.ScopeRobot}, 365*24*time.Hour)
	if err != nil {
		log.Error().Err(err).Msg("issue bootstrap admin token")
		return
	}
	log.Warn().Str("token_id", tok.ID).Str("secret", secret).
		Msg("issued bootstrap admin token, store it now: it is shown only once")
}

func sweepLoop(ctx context.Context, registry *fleet.Registry, q *queue.Queue, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			swept, err := registry.SweepStale(ctx, ttl, now)
			if err != nil {
				log.Error().Err(err).Msg("stale robot sweep failed")
				continue
			}
			for _, robotID := range swept {
				if n, err := q.ReleaseRobotJobs(ctx, robotID, now); err != nil {
					log.Error().Err(err).Str("robot_id", robotID).Msg("release robot jobs failed")
				} else if n > 0 {
					log.Info().Int("released", n).Str("robot_id", robotID).Msg("released jobs of offline robot")
				}
			}
			if n, err := q.ReclaimExpired(ctx, now); err != nil {
				log.Error().Err(err).Msg("lease reclaim failed")
			} else if n > 0 {
				log.Info().Int("reclaimed", n).Msg("reclaimed expired leases")
			}
		}
	}
}
