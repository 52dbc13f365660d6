package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/abduss/nullpath/internal/blob"
	"github.com/abduss/nullpath/internal/config"
	"github.com/abduss/nullpath/internal/file"
	"github.com/abduss/nullpath/internal/logger"
	"github.com/abduss/nullpath/internal/metrics"
	"github.com/abduss/nullpath/internal/server"
	"github.com/abduss/nullpath/internal/storage"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type metadataStore interface {
	Insert(ctx context.Context, rec file.Record) (file.Record, error)
	FindByStorageID(ctx context.Context, storageID string) (file.Record, error)
	FindByDeletionKey(ctx context.Context, deletionKey string) (file.Record, error)
	FindExpiredBefore(ctx context.Context, t time.Time) ([]file.Record, error)
	Delete(ctx context.Context, rec file.Record) (bool, error)
	Ping(ctx context.Context) error
}

type blobStore interface {
	Put(ctx context.Context, id string, r io.Reader, sizeHint int64) (int64, error)
	Open(ctx context.Context, id string) (io.ReadCloser, error)
	Delete(ctx context.Context, id string) (bool, error)
	Ping(ctx context.Context) error
}

func main() {
	_ = godotenv.Load()

	logg, err := logger.Init()
	if err != nil {
		panic("init logger: " + err.Error())
	}
	defer logg.Sync()

	cfg, err := config.Load()
	if err != nil {
		logg.Fatal("load config", zap.Error(err))
	}

	metrics.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeRepo, err := openMetadataStore(ctx, cfg, logg)
	if err != nil {
		logg.Fatal("open metadata store", zap.String("backend", cfg.Storage.MetadataBackend), zap.Error(err))
	}
	defer closeRepo()

	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		logg.Fatal("open blob store", zap.String("backend", cfg.Storage.BlobBackend), zap.Error(err))
	}

	fileService := file.NewService(repo, blobs, cfg.Storage.Retention(), logg)

	sweeper := file.NewSweeper(fileService, file.Schedule{
		Hour:     cfg.Sweep.Hour,
		Interval: cfg.Sweep.Interval,
	}, logg)
	sweeper.Start(ctx)

	router := server.NewRouter(server.Dependencies{
		Config: cfg,
		Files:  fileService,
		Checks: []server.Check{
			{Name: cfg.Storage.MetadataBackend, Pinger: repo},
			{Name: cfg.Storage.BlobBackend, Pinger: blobs},
		},
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      server.WithCORS(router, cfg.CORS.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logg.Info("NullPath API listening",
			zap.String("address", cfg.Server.Address()),
			zap.String("metadata_backend", cfg.Storage.MetadataBackend),
			zap.String("blob_backend", cfg.Storage.BlobBackend),
			zap.Duration("retention", cfg.Storage.Retention()),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logg.Info("shutting down gracefully")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logg.Error("shutdown error", zap.Error(err))
	}
	sweeper.Stop()
}

func openMetadataStore(ctx context.Context, cfg config.Config, logg *zap.Logger) (metadataStore, func(), error) {
	switch cfg.Storage.MetadataBackend {
	case config.MetadataBackendPostgres:
		if cfg.Postgres.Migrate {
			if err := storage.Migrate(cfg.Postgres.MigrationURL(), logg); err != nil {
				return nil, nil, err
			}
		}
		pool, err := storage.NewPostgresPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		return file.NewRepository(pool), pool.Close, nil

	case config.MetadataBackendRedis:
		client, err := storage.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, nil, err
		}
		return file.NewRedisRepository(client), func() { _ = client.Close() }, nil

	case config.MetadataBackendBolt:
		repo, err := file.OpenBoltRepository(cfg.Storage.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { _ = repo.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown metadata backend %q", cfg.Storage.MetadataBackend)
}

func openBlobStore(ctx context.Context, cfg config.Config) (blobStore, error) {
	switch cfg.Storage.BlobBackend {
	case config.BlobBackendMinIO:
		client, err := storage.NewMinIOClient(cfg.MinIO)
		if err != nil {
			return nil, err
		}
		if err := storage.EnsureBucket(ctx, client, cfg.MinIO); err != nil {
			return nil, err
		}
		return blob.NewMinIOStore(client, cfg.MinIO.Bucket), nil

	case config.BlobBackendFS:
		store, err := blob.NewFSStore(cfg.Storage.UploadDir)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown blob backend %q", cfg.Storage.BlobBackend)
}
