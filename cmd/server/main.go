package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/bailops/api/internal/app"
	"github.com/bailops/api/internal/config"
	httpinfra "github.com/bailops/api/internal/infra/http"
	"github.com/bailops/api/internal/infra/http/handler"
	"github.com/bailops/api/internal/infra/http/middleware"
	"github.com/bailops/api/internal/infra/http/routes"
	"github.com/bailops/api/internal/infra/jobs"
	"github.com/bailops/api/internal/infra/postgres"
	"github.com/bailops/api/internal/infra/redis"
	"github.com/bailops/api/internal/infra/storage"
	"github.com/bailops/api/internal/tracing"
	"github.com/bailops/api/pkg/logger"
	"github.com/bailops/api/pkg/validator"
)

// version is injected at build time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log := logger.NewDefault()
		log.Error("failed to load configuration", "error", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		log := logger.NewDefault()
		log.Error("invalid configuration", "error", err)
		return 1
	}

	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	log.SetDefault()
	log.Info("starting application", "app", cfg.App.Name, "env", cfg.App.Env, "version", version)

	shutdownTracing, err := tracing.Setup(ctx, &cfg.Tracing, cfg.App.Name, version)
	if err != nil {
		log.Error("failed to initialize tracing", "error", err)
		return 1
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Error("failed to shut down tracing", "error", err)
		}
	}()

	redisClient, err := redis.New(&cfg.Redis, log)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		return 1
	}
	defer redisClient.Close()

	v := validator.New()

	rlPolicies, err := config.LoadRateLimitPolicies(cfg.RateLimit.PolicyFile, v)
	if err != nil {
		log.Error("failed to load rate limit policies", "error", err)
		return 1
	}
	uploadPolicies, err := config.LoadUploadPolicies(cfg.Upload.PolicyFile, v)
	if err != nil {
		log.Error("failed to load upload policies", "error", err)
		return 1
	}

	// Audit trail: enqueue on the request path, persist in the worker.
	var enqueuer app.Enqueuer
	var worker *jobs.Worker
	var db *postgres.DB
	if cfg.Jobs.Enabled {
		db, err = postgres.New(&cfg.Database)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			return 1
		}
		defer db.Close()
		log.Info("database connected")

		jobClient, err := jobs.NewClient(jobs.ClientConfig{
			RedisAddr:     cfg.Redis.Addr(),
			RedisPassword: cfg.Redis.Password,
			RedisDB:       cfg.Redis.DB,
		}, log)
		if err != nil {
			log.Error("failed to create job client", "error", err)
			return 1
		}
		defer jobClient.Close()
		enqueuer = jobClient

		worker, err = jobs.NewWorker(jobs.WorkerConfig{
			RedisAddr:     cfg.Redis.Addr(),
			RedisPassword: cfg.Redis.Password,
			RedisDB:       cfg.Redis.DB,
			Concurrency:   cfg.Jobs.Concurrency,
		}, postgres.NewAuditRepository(db), log)
		if err != nil {
			log.Error("failed to create job worker", "error", err)
			return 1
		}
	}

	audit := app.NewAuditService(enqueuer, log)

	counterStore, err := redis.NewCounterStore(redisClient)
	if err != nil {
		log.Error("failed to create counter store", "error", err)
		return 1
	}
	policyResolver, err := app.NewPolicyResolver(app.Policy{
		Attempts: cfg.RateLimit.DefaultAttempts,
		Window:   cfg.RateLimit.DefaultWindow,
	}, rlPolicies)
	if err != nil {
		log.Error("failed to build policy resolver", "error", err)
		return 1
	}
	rateLimiter, err := app.NewRateLimiter(counterStore, policyResolver, log)
	if err != nil {
		log.Error("failed to create rate limiter", "error", err)
		return 1
	}

	sessionStore, err := redis.NewSessionStore(redisClient)
	if err != nil {
		log.Error("failed to create session store", "error", err)
		return 1
	}
	sessionGuard, err := app.NewSessionGuard(sessionStore, audit, cfg.Session.MaxInactivity, cfg.Session.Lifetime, log)
	if err != nil {
		log.Error("failed to create session guard", "error", err)
		return 1
	}
	detector := app.NewSuspiciousDetector(sessionStore, cfg.Session.MaxDistinctIPs, cfg.Session.RapidSessions, cfg.Session.RapidWindow)

	uploadValidator := app.NewUploadValidator(uploadPolicies, cfg.Upload.MaxDecompressedBytes, log)

	var objects app.ObjectStore
	if cfg.Storage.Bucket != "" {
		s3Store, err := storage.NewS3Store(ctx, &cfg.Storage)
		if err != nil {
			log.Error("failed to initialize object storage", "error", err)
			return 1
		}
		objects = s3Store
	} else {
		log.Warn("object storage not configured, uploads will be rejected at storage")
		objects = storage.Disabled{}
	}
	secureStorage := app.NewSecureStorage(objects, log)

	authenticator, err := middleware.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, log)
	if err != nil {
		log.Error("failed to create authenticator", "error", err)
		return 1
	}

	var inProcess func(http.Handler) http.Handler
	var inProcessStop func()
	if cfg.RateLimit.Enabled && !cfg.RateLimit.Distributed {
		rl := middleware.NewInProcessRateLimiter(&cfg.RateLimit, log)
		inProcess = rl.Middleware()
		inProcessStop = rl.Stop
		defer inProcessStop()
	}

	router := routes.New(routes.Dependencies{
		Config:           cfg,
		Logger:           log,
		Authenticator:    authenticator,
		SessionGuard:     sessionGuard,
		RateLimiter:      rateLimiter,
		Health:           handler.NewHealthHandler(version, redisClient, dbPinger(db)),
		Sessions:         handler.NewSessionHandler(sessionGuard, detector, log),
		Uploads:          handler.NewUploadHandler(uploadValidator, secureStorage, audit, cfg.Upload.SniffLimit, log),
		InProcessLimiter: inProcess,
	})

	server := httpinfra.NewServer(cfg, router, log)

	scheduler, err := jobs.NewScheduler(sessionGuard, cfg.Session.CleanupSchedule, log)
	if err != nil {
		log.Error("failed to create scheduler", "error", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(server.Start)

	if worker != nil {
		g.Go(func() error {
			return worker.Start()
		})
	}

	scheduler.Start()

	g.Go(func() error {
		<-gctx.Done()

		scheduler.Stop()
		if worker != nil {
			worker.Stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("application terminated with error", "error", err)
		return 1
	}

	log.Info("application stopped")
	return 0
}

// dbPinger keeps the readiness probe's interface nil when the database is
// not part of this deployment.
func dbPinger(db *postgres.DB) handler.Pinger {
	if db == nil {
		return nil
	}
	return db
}
