package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/driftchat/drift/internal/matching"
	"github.com/driftchat/drift/internal/messaging"
	"github.com/driftchat/drift/internal/queue"
	"github.com/driftchat/drift/internal/report"
	"github.com/driftchat/drift/internal/session"
	"github.com/driftchat/drift/internal/sweeper"
)

func main() {
	log.Println("Starting Drift matcher...")

	// Redis setup.
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	pingCancel()

	// Postgres is optional here. Without DATABASE_URL the matcher still runs
	// matching and queue/session retention; report retention is skipped.
	var reports *report.Store
	var db *sql.DB
	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		var err error
		db, err = sql.Open("postgres", databaseURL)
		if err != nil {
			log.Fatalf("failed to open Postgres: %v", err)
		}
		if err := db.Ping(); err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		reports = report.NewStore(db)
	} else {
		log.Println("DATABASE_URL not set, report retention disabled")
	}

	// NATS setup.
	natsConfig := messaging.DefaultConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "drift-matcher"

	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	queueStore := queue.NewStore(rdb)
	sessionStore := session.NewStore(rdb)

	svc := matching.NewService(queueStore, sessionStore, natsClient)
	if err := svc.Start(); err != nil {
		log.Fatalf("failed to start matching service: %v", err)
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	go sweeper.New(queueStore, sessionStore, reports).Start(sweepCtx)

	log.Printf("Drift matcher running")
	log.Printf("  redis_addr: %s", redisAddr)
	log.Printf("  nats_url:   %s", natsConfig.URL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	sweepCancel()
	svc.Stop()
	natsClient.Close()
	if db != nil {
		if err := db.Close(); err != nil {
			log.Printf("postgres close: %v", err)
		}
	}
	if err := rdb.Close(); err != nil {
		log.Printf("redis close: %v", err)
	}
}
