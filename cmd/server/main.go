package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-practice/internal/backend"
	"github.com/stemsi/exstem-practice/internal/config"
	"github.com/stemsi/exstem-practice/internal/database"
	"github.com/stemsi/exstem-practice/internal/handler"
	"github.com/stemsi/exstem-practice/internal/logger"
	"github.com/stemsi/exstem-practice/internal/model"
	"github.com/stemsi/exstem-practice/internal/router"
	"github.com/stemsi/exstem-practice/internal/service"
	"github.com/stemsi/exstem-practice/internal/store"
	"github.com/stemsi/exstem-practice/internal/validator"
	"github.com/stemsi/exstem-practice/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("store", cfg.StoreDriver).
		Str("backend", cfg.BackendURL).
		Msg("Starting ExStem Practice Gateway")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps := make(map[string]handler.Pinger)

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	var pool *pgxpool.Pool
	if cfg.StoreDriver == "postgres" || cfg.ProctorLog {
		var err error
		pool, err = database.NewPostgresPool(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
		}
		defer pool.Close()
		deps["postgres"] = pool
	}

	// ─── Connect to Redis ──────────────────────────────────────────────
	var rdb *redis.Client
	if cfg.StoreDriver == "redis" || cfg.ProctorLog || cfg.TimeSyncQueued {
		var err error
		rdb, err = database.NewRedisClient(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
		deps["redis"] = handler.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	// ─── Durable Store ─────────────────────────────────────────────────
	var kv store.KV
	switch cfg.StoreDriver {
	case "redis":
		kv = store.NewRedis(rdb)
	case "postgres":
		kv = store.NewPostgres(pool)
	case "sqlite":
		db, err := database.NewSQLiteDB(ctx, cfg.SQLitePath, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open SQLite")
		}
		defer db.Close()
		kv, err = store.NewSQLite(ctx, db)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to prepare SQLite store")
		}
		deps["sqlite"] = sqlPinger{db}
	case "memory":
		log.Warn().Msg("Memory store selected, results are lost on restart")
		kv = store.NewMemory()
	default:
		log.Fatal().Str("driver", cfg.StoreDriver).Msg("Unknown STORE_DRIVER")
	}

	// ─── Upstream API ──────────────────────────────────────────────────
	api := backend.New(cfg.BackendURL, cfg.BackendTimeout)

	// ─── Background Workers ────────────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workersDone := make(chan struct{}, 2)
	workers := 0

	syncer := service.DirectSyncer(api)
	if cfg.TimeSyncQueued {
		syncer = worker.NewQueueSyncer(rdb)
	}

	var recorder service.Recorder
	if cfg.ProctorLog {
		recorder = worker.NewProctorRecorder(rdb, log)
		proctorWorker := worker.NewProctorWorker(pool, rdb, log)
		workers++
		go func() {
			proctorWorker.Start(workerCtx)
			workersDone <- struct{}{}
		}()
	} else {
		recorder = logRecorder{log: log.With().Str("component", "proctor").Logger()}
	}

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	practiceService := service.NewPracticeService(api, syncer, kv, recorder, service.PracticeOptions{
		SyncInterval:   cfg.TimeSyncInterval,
		RequestTimeout: cfg.FullscreenRequestTimeout,
	}, log)

	if cfg.TimeSyncQueued {
		// Tokens are looked up from live sessions, so the worker follows the service.
		timeSyncWorker := worker.NewTimeSyncWorker(rdb, api, practiceService, cfg.BackendTimeout, log)
		workers++
		go func() {
			timeSyncWorker.Start(workerCtx)
			workersDone <- struct{}{}
		}()
	}

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Module: handler.NewModuleHandler(practiceService),
		WS:     handler.NewWSHandler(practiceService, log, cfg.AllowedOrigins),
		System: handler.NewSystemHandler(deps, practiceService, log),
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop session timers and flush autosaves.
	practiceService.Shutdown()

	// 3. Stop background workers and wait for queues to drain.
	workerCancel()
	drainTimeout := time.After(10 * time.Second)
	for i := 0; i < workers; i++ {
		select {
		case <-workersDone:
		case <-drainTimeout:
			log.Warn().Msg("Workers did not drain in time")
			i = workers
		}
	}

	log.Info().Msg("Shutdown complete")
}

// sqlPinger adapts *sql.DB to the health check.
type sqlPinger struct{ db *sql.DB }

func (p sqlPinger) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// logRecorder keeps proctoring events in the log when the event table is off.
type logRecorder struct{ log zerolog.Logger }

func (r logRecorder) Record(_ context.Context, ev model.ProctorEvent) {
	r.log.Warn().
		Str("kind", string(ev.Kind)).
		Str("session_id", ev.SessionID).
		Str("module_id", ev.ModuleID).
		Int("student_id", ev.StudentID).
		Str("detail", ev.Detail).
		Msg("Proctor event")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
