package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/arvinnon/vecbook/internal/attendance"
	"github.com/arvinnon/vecbook/internal/attendance/postgres"
	"github.com/arvinnon/vecbook/internal/config"
	"github.com/arvinnon/vecbook/internal/queue"
	"github.com/arvinnon/vecbook/internal/store"
)

// Worker drains the review queue and cross-checks each notice against the
// audit log so operators see a durable, ordered review feed in the logs.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()
	pg := postgres.New(db.Client)

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

	notices, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("review worker started, waiting for notices...")
	for notice := range notices {
		logNotice(ctx, pg, notice)
	}
	log.Println("review worker stopped")
}

func logNotice(ctx context.Context, pg *postgres.Store, notice queue.ReviewNotice) {
	teacher := "unknown"
	if notice.TeacherID != nil {
		t, err := pg.TeacherByID(ctx, *notice.TeacherID)
		switch {
		case err == nil:
			teacher = t.FullName
		case errors.Is(err, attendance.ErrNotFound):
			teacher = "unenrolled"
		default:
			log.Printf("teacher lookup failed for notice %d: %v", notice.EventID, err)
		}
	}

	frame := ""
	if notice.FrameURL != "" {
		frame = " frame=" + notice.FrameURL
	}
	log.Printf("review: event=%d date=%s time=%s teacher=%s decision=%s source=%s%s message=%q",
		notice.EventID, notice.EventDate, notice.EventTime, teacher,
		notice.Decision, notice.Source, frame, notice.Message)
}
