package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"civictrack/api/internal/accounts"
	"civictrack/api/internal/app"
	"civictrack/api/internal/config"
	"civictrack/api/internal/email"
	"civictrack/api/internal/media"
	"civictrack/api/internal/search"
	"civictrack/api/internal/store"
	"civictrack/api/internal/timeline"
)

func main() {
	cfg := config.Load()
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	// Failed audit appends are parked on Redis when configured so they
	// survive a restart; otherwise retries live in process memory only.
	var retryQueue timeline.RetryQueue = timeline.NewMemoryQueue()
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("invalid REDIS_URL: %v", err)
		}
		redisClient := redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisClient.Close()
		retryQueue = timeline.NewRedisQueue(redisClient)
		log.Printf("Using Redis for audit retry queue")
	} else {
		log.Printf("Using in-memory audit retry queue")
	}
	recorder := timeline.NewRecorder(dataStore, retryQueue, log.Default())
	go recorder.Run(ctx)

	pgSearch := search.NewPgSearch(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgSearch)
	searchService.ReindexAllFromPG(ctx)

	var mediaService *media.Service
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		mediaService, err = media.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("object storage connection failed: %v", err)
		}
		if err := mediaService.EnsureBucket(ctx); err != nil {
			log.Printf("WARNING: photo bucket unavailable, uploads will fail: %v", err)
		}
	}

	service := app.NewService(dataStore, recorder, searchService, app.ServiceConfig{
		JWTSecret:          []byte(cfg.JWTSecret),
		AccessTTL:          cfg.AccessTTL,
		FreeTierIssueLimit: cfg.FreeTierIssueLimit,
	})
	if strings.TrimSpace(cfg.SMTPHost) != "" {
		service.SetNotifier(email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		}))
		log.Printf("Reporter mail notifications enabled")
	}
	accountsService := accounts.NewService(dataStore)

	httpServer := app.NewHTTPServer(service, accountsService, mediaService, searchService, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("CivicTrack API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
