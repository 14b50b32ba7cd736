package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/sitegov/governor/internal/audit"
	"github.com/sitegov/governor/internal/config"
	"github.com/sitegov/governor/internal/executor"
	"github.com/sitegov/governor/internal/governance"
	"github.com/sitegov/governor/internal/httpserver"
	"github.com/sitegov/governor/internal/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.Load()

	// Database (optional): without Postgres the service runs on the in-memory
	// store, which is fine for dev but loses everything on restart.
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		log.Println("connected to postgres")
	}

	var st store.Store
	if db != nil {
		st = store.NewPGStore(db)
	} else {
		st = store.NewMemoryStore()
		log.Println("no postgres configured; using in-memory store (dev only)")
	}

	// Executor: HTTP apply worker when configured, otherwise a static stub so
	// accepted proposals still reach a terminal state in dev.
	var exec executor.Executor
	if cfg.ExecutorURL != "" {
		client, err := executor.NewHTTPClient(executor.HTTPClientConfig{BaseURL: cfg.ExecutorURL})
		if err != nil {
			log.Fatalf("failed to initialize executor client: %v", err)
		}
		exec = client
		log.Printf("executor client configured (url=%s)", cfg.ExecutorURL)
	} else {
		exec = &executor.Static{Result: executor.Result{Success: true, Detail: "applied by static executor"}}
		log.Println("GOVERNOR_EXECUTOR_URL not set; using static executor (dev only)")
	}

	dispatcher := governance.NewDispatcher(cfg.ApplyTimeout)
	svc := governance.New(st, exec, dispatcher)

	// --- Audit streamer wiring (DB-first durable pipeline) ---
	var streamerCancel context.CancelFunc
	if db != nil && len(cfg.KafkaBrokers) > 0 && cfg.S3Bucket != "" {
		producer, err := audit.NewKafkaProducer(audit.KafkaProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("failed to initialize kafka producer: %v", err)
		}
		log.Printf("kafka producer initialized (brokers=%v topic=%s)", cfg.KafkaBrokers, cfg.KafkaTopic)

		archiver, err := audit.NewS3Archiver(context.Background(), cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatalf("failed to initialize s3 archiver: %v", err)
		}
		log.Printf("s3 archiver initialized (bucket=%s prefix=%s)", cfg.S3Bucket, cfg.S3Prefix)

		streamer := audit.NewStreamer(st.(*store.PGStore), producer, archiver, audit.StreamerConfig{})
		ctxStr, cancel := context.WithCancel(context.Background())
		streamerCancel = cancel
		go func() {
			if err := streamer.Run(ctxStr); err != nil && err != context.Canceled {
				log.Printf("[audit.streamer] exited with error: %v", err)
			}
			log.Printf("[audit.streamer] background runner stopped")
		}()
		log.Println("audit streamer started")
	} else {
		log.Println("audit streamer disabled: requires postgres, KAFKA_BROKERS and S3_BUCKET")
	}

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      httpserver.New(svc, st).Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting governor server on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}

	// Let in-flight background applies finish before closing anything under them.
	svc.Drain()

	if streamerCancel != nil {
		streamerCancel()
	}
	if db != nil {
		_ = db.Close()
	}
	log.Println("server stopped")
}
