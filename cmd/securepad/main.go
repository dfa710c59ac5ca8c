package main

import (
	"context"
	"encoding/base64"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"securepad/cfg"
	"securepad/pkg/kms"
	"securepad/svc/access"
	"securepad/svc/alert"
	"securepad/svc/api"
	"securepad/svc/auth"
	"securepad/svc/blob"
	"securepad/svc/cache"
	"securepad/svc/db"
	"securepad/svc/lim"
	"securepad/svc/retention"
	"securepad/svc/summary"
	"securepad/svc/svc"
	"securepad/svc/util"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthcheck())
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Str("environment", c.Environment).Msg("starting securepad")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kmsAdapter, err := kms.NewAdapter(ctx, kms.OptionsFromEnv())
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize KMS adapter")
	}
	util.Info().Str("provider", kmsAdapter.Name()).Msg("key management ready")

	pepper, err := loadPepper(ctx, c, kmsAdapter)
	if err != nil {
		util.Fatal().Err(err).Msg("CRITICAL: pepper unavailable")
	}
	hasher, err := auth.NewHasher(auth.Params{
		Time:        c.Argon2Time,
		Memory:      c.Argon2Memory,
		Parallelism: c.Argon2Parallelism,
		KeyLen:      c.Argon2KeyLen,
		VerifyFloor: c.VerifyFloor,
	}, pepper)
	util.Wipe(pepper)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize hasher")
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		util.Fatal().Err(err).Msg("failed to start hasher")
	}
	defer hasher.Stop()

	sqlDB, err := db.NewSQLite(c.DatabasePath, db.Options{
		MaxOpenConns:    c.DBMaxOpenConns,
		MaxIdleConns:    c.DBMaxIdleConns,
		QueryTimeout:    c.DBQueryTimeout,
		NormalizeTiming: true,
	})
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer sqlDB.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	var rdb *db.Redis
	var counter lim.RateCounter
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("CRITICAL: Redis required in production")
			}
			util.Warn().Err(err).Msg("redis unavailable, rate limits are per instance")
			rdb = nil
		} else {
			defer rdb.Close()
			counter = rdb
			util.Info().Msg("redis connected")
		}
	}

	limiter, err := lim.New(c.RateLimit.RPM, c.RateLimit.ConservativeLimit, counter, c.TrustedProxies)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize rate limiter")
	}
	defer limiter.Stop()

	headers, err := cache.NewHeaders(c.LRUCacheSize, c.DEKCacheTTL)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create header cache")
	}
	dekCache := kms.NewDEKCache(kmsAdapter, c.DEKCacheTTL)
	defer dekCache.Stop()
	envelope := kms.NewEnvelope(kmsAdapter, dekCache)

	blobs, err := blob.New(ctx, c.Blob)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize blob store")
	}
	util.Info().Str("backend", blobs.Name()).Msg("blob store ready")

	mailer, err := alert.NewMailer(c.SMTP, c.AppURL)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize mailer")
	}
	dispatcher := alert.NewDispatcher(mailer, c.SMTP.Workers, c.SMTP.QueueSize, c.SMTP.Cooldown)
	dispatcher.Start()

	recorder := access.NewRecorder(sqlDB, dispatcher)
	detector := access.NewDetector(sqlDB, recorder, c.BruteForce.Window, c.BruteForce.Threshold)
	pads := svc.NewPads(sqlDB, headers, hasher, envelope, recorder, summary.New(c.Summarizer), c)
	files := svc.NewFiles(sqlDB, blobs, envelope, recorder, c.MaxFileSize)
	verifier := access.NewVerifier(pads, hasher, recorder, detector)

	engine := retention.New(sqlDB, blobs, retention.Options{
		Interval:      c.Retention.Interval,
		BatchSize:     c.Retention.BatchSize,
		ContentExpiry: c.Retention.ContentExpiry,
	})

	server := api.NewServer(c, api.Deps{
		Pads:     pads,
		Files:    files,
		Verifier: verifier,
		Limiter:  limiter,
		DB:       sqlDB,
		Redis:    rdb,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return sqlDB.RunWALMaintenance(gctx, c.WALCheckpoint) })
	g.Go(func() error {
		<-gctx.Done()
		util.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			util.Error().Err(err).Msg("server shutdown error")
		}
		if err := dispatcher.Shutdown(shutdownCtx); err != nil {
			util.Warn().Err(err).Msg("pending alerts dropped")
		}
		return nil
	})
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		util.Error().Err(err).Msg("securepad stopped")
		return
	}
	util.Info().Msg("shutdown complete")
}

// loadPepper returns the Argon2 pepper from the key service or the
// environment. The caller wipes it.
func loadPepper(ctx context.Context, c *cfg.Cfg, adapter *kms.Adapter) ([]byte, error) {
	if !c.PepperFromKMS {
		return []byte(c.Pepper.Value()), nil
	}
	encoded, err := adapter.GetSecret(ctx, "ARGON2_PEPPER")
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func healthcheck() int {
	path := os.Getenv("DATABASE_PATH")
	if path == "" {
		path = "securepad.db"
	}
	sqlDB, err := db.NewSQLite(path, db.DefaultOptions())
	if err != nil {
		return 1
	}
	defer sqlDB.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sqlDB.Ping(ctx); err != nil {
		return 1
	}
	return 0
}
