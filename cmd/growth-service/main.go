package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/amplifyworks/growth-engine/internal/auth"
	"github.com/amplifyworks/growth-engine/internal/config"
	"github.com/amplifyworks/growth-engine/internal/httpserver"
	"github.com/amplifyworks/growth-engine/internal/service"
	"github.com/amplifyworks/growth-engine/internal/store"
	"github.com/amplifyworks/growth-engine/internal/stream"
	"github.com/amplifyworks/growth-engine/internal/viral"
)

func main() {
	runStreamer := flag.Bool("run-streamer", false, "start the analytics outbox streamer")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		log.Fatalf("db ping: %v", err)
	}

	st := store.NewPGStore(db)

	var svcOpts []service.Option
	if cfg.AssignmentSeed != 0 {
		svcOpts = append(svcOpts, service.WithRandSource(rand.NewSource(cfg.AssignmentSeed)))
	}
	svc := service.New(st, svcOpts...)
	tracker := viral.NewTracker(st, viral.WithTopContentLimit(cfg.TopContentLimit))

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		log.Fatalf("verifier init: %v", err)
	}

	server := httpserver.New(cfg, svc, tracker, st, verifier)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.StreamEnabled || *runStreamer {
		producer, err := stream.NewKafkaProducer(stream.KafkaProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka producer init: %v", err)
		}
		var archiver stream.Archiver
		if cfg.ArchiveBucket != "" {
			archiver, err = stream.NewS3Archiver(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix)
			if err != nil {
				log.Fatalf("s3 archiver init: %v", err)
			}
		}
		streamer := stream.NewStreamer(stream.NewPGQueue(db), producer, archiver, stream.StreamerConfig{})
		go func() {
			if err := streamer.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("[stream] run: %v", err)
			}
		}()
	}

	go func() {
		log.Printf("growth service listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer)
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
