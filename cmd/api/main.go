package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arvinnon/vecbook/internal/attendance"
	"github.com/arvinnon/vecbook/internal/attendance/postgres"
	"github.com/arvinnon/vecbook/internal/auth"
	"github.com/arvinnon/vecbook/internal/cloudinary"
	"github.com/arvinnon/vecbook/internal/config"
	"github.com/arvinnon/vecbook/internal/queue"
	"github.com/arvinnon/vecbook/internal/recognition"
	"github.com/arvinnon/vecbook/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func run(cfg config.App) error {
	ctx := context.Background()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	pg := postgres.New(db.Client)
	if err := pg.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := ensureDefaultAdmin(ctx, cfg, pg); err != nil {
		return err
	}

	redisClient := store.NewRedis(store.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.ReviewQueueKey)
	}
	notifier := queue.NewNotifier(q, log.Default())

	matcher := recognition.NewClient(cfg.FaceServiceURL, cfg.FaceSkip)
	debouncer := recognition.NewDebouncer(recognition.Config{
		Confirmations:   cfg.MatchConfirmations,
		NoMatchLimit:    cfg.NoMatchLimit,
		StrictThreshold: cfg.MatchStrictThreshold,
		TTL:             cfg.SessionTTL,
		Cooldown:        cfg.DuplicateCooldown,
	})

	engine := attendance.NewEngine(pg, attendance.EngineConfig{
		Policy:            cfg.Schedule,
		DuplicateCooldown: cfg.DuplicateCooldown,
		LogoutMode:        attendance.LogoutMode(cfg.LogoutMode),
	})

	closer := attendance.NewCloser(engine, cfg.SweepInterval, log.Default(), notifier)
	closer.Start(ctx)
	defer closer.Stop()

	var cdn *cloudinary.Client
	if cfg.CloudinaryCloudName != "" {
		cdn = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("cloudinary frame archival enabled:", cfg.CloudinaryCloudName)
	}

	srv := newServer(cfg, pg, engine, debouncer, matcher, q, redisClient, cdn, db)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      srv.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("listening on :%s", cfg.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("forced shutdown: %v", err)
	}
	return nil
}

// ensureDefaultAdmin seeds the admin user when a password is configured and
// the username is free.
func ensureDefaultAdmin(ctx context.Context, cfg config.App, pg *postgres.Store) error {
	if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
		return nil
	}
	hash, err := auth.HashPassword(cfg.AdminPassword)
	if err != nil {
		return err
	}
	return pg.CreateAdmin(ctx, cfg.AdminUsername, hash)
}
