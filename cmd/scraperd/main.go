// Package main wires together the scraper service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/vaibav03/resolute-ai/internal/api"
	"github.com/vaibav03/resolute-ai/internal/auth"
	"github.com/vaibav03/resolute-ai/internal/clock/system"
	"github.com/vaibav03/resolute-ai/internal/config"
	"github.com/vaibav03/resolute-ai/internal/dispatcher"
	collyfetcher "github.com/vaibav03/resolute-ai/internal/fetcher/colly"
	"github.com/vaibav03/resolute-ai/internal/id/uuid"
	"github.com/vaibav03/resolute-ai/internal/logging"
	memorypublisher "github.com/vaibav03/resolute-ai/internal/publisher/memory"
	pubsubpublisher "github.com/vaibav03/resolute-ai/internal/publisher/pubsub"
	queuememory "github.com/vaibav03/resolute-ai/internal/queue/memory"
	"github.com/vaibav03/resolute-ai/internal/registry"
	"github.com/vaibav03/resolute-ai/internal/scraper"
	storagememory "github.com/vaibav03/resolute-ai/internal/storage/memory"
	storagepostgres "github.com/vaibav03/resolute-ai/internal/storage/postgres"
	"github.com/vaibav03/resolute-ai/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()
	reg := registry.New(clock, logger.Named("registry"))
	queue := queuememory.NewQueue(cfg.Scraper.QueueDepth)

	var (
		users    scraper.UserStore
		metadata scraper.MetadataStore
	)
	switch cfg.Storage.Provider {
	case "postgres":
		store, err := storagepostgres.NewStore(ctx, storagepostgres.StoreConfig{
			DSN:           cfg.Storage.DSN,
			UsersTable:    cfg.Storage.UsersTable,
			MetadataTable: cfg.Storage.MetadataTable,
			MaxConns:      cfg.Storage.MaxConns,
			MinConns:      cfg.Storage.MinConns,
		})
		if err != nil {
			logger.Fatal("postgres init failed", zap.Error(err))
		}
		defer store.Close()
		users = store
		metadata = store
	default:
		users = storagememory.NewUserStore()
		metadata = storagememory.NewMetadataStore()
	}

	var publisher scraper.Publisher
	if cfg.PubSub.ProjectID != "" {
		client, err := gcppubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("pubsub client init failed", zap.Error(err))
		}
		defer client.Close()
		publisher = pubsubpublisher.New(client)
	} else {
		publisher = memorypublisher.New()
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Scraper.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	})

	authSvc := auth.NewService(users, idGen, clock, auth.Config{
		Secret:   cfg.Auth.Secret,
		TokenTTL: cfg.TokenTTL(),
	}, logger.Named("auth"))

	workerCfg := worker.Config{
		ItemConcurrency: cfg.Scraper.ItemConcurrency,
		MaxRetries:      cfg.Scraper.MaxRetries,
		RetryBase:       time.Duration(cfg.Scraper.BackoffInitialMs) * time.Millisecond,
		RetryMax:        time.Duration(cfg.Scraper.BackoffMaxMs) * time.Millisecond,
		Topic:           cfg.PubSub.TopicName,
		FetchTimeout:    cfg.FetchTimeout(),
	}
	var workers []*worker.Worker
	for i := 0; i < cfg.Scraper.Workers; i++ {
		workers = append(workers, worker.New(
			queue,
			reg,
			metadata,
			publisher,
			fetcher,
			idGen,
			clock,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(queue, workers)

	apiServer := api.NewServer(reg, metadata, authSvc, dispatch, idGen, clock, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started")
		dispatch.Run(ctx)
	}()

	go func() {
		logger.Info("registry janitor started")
		reg.Janitor(ctx, cfg.SweepInterval(), cfg.Retention())
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	logger.Info("shutdown complete")
}
