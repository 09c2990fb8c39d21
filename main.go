package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cppla/filebox/bucket"
	"github.com/cppla/filebox/config"
	"github.com/cppla/filebox/routes"
	"github.com/cppla/filebox/storage"
	"github.com/cppla/filebox/storage/gridfs"
	"github.com/cppla/filebox/storage/memory"
	"github.com/cppla/filebox/storage/s3store"
	"github.com/cppla/filebox/storage/sqlstore"
	"github.com/cppla/filebox/utils"
)

// openStore connects the blob store selected by StorageDriver.
func openStore(ctx context.Context, cfg config.AppConfig) (storage.Store, error) {
	chunkSize := cfg.ChunkSizeBytes()
	switch cfg.StorageDriver {
	case "mysql", "sqlite":
		db := config.InitDatabase(sqlstore.Models()...)
		return sqlstore.New(db, chunkSize), nil
	case "mongo":
		return gridfs.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, chunkSize)
	case "s3":
		return s3store.New(ctx, s3store.Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
			PathStyle: cfg.S3PathStyle,
		}, chunkSize)
	case "memory":
		return memory.New(chunkSize), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

func bucketNames(namespaces []bucket.Namespace) []string {
	names := make([]string, 0, len(namespaces))
	for _, ns := range namespaces {
		names = append(names, ns.Name)
	}
	return names
}

func main() {
	cfg := config.Load()

	// Initialize logger early
	if err := utils.InitLogger(cfg); err != nil {
		panic(err)
	}
	defer func() { _ = utils.Logger.Sync() }()

	namespaces, err := routes.Namespaces(cfg)
	if err != nil {
		utils.Sugar.Fatalf("invalid bucket configuration: %v", err)
	}

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 30*time.Second)
	raw, err := openStore(connectCtx, cfg)
	cancelConnect()
	if err != nil {
		utils.Logger.Fatal("storage unavailable", zap.String("driver", cfg.StorageDriver), zap.Error(err))
	}
	store := storage.Instrument(raw, utils.Logger)

	// Sweep abandoned uploads; the Redis lock keeps replicas from sweeping the same bucket
	rc := utils.NewRedisClient(cfg)
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	sweeper := utils.NewSweeper(store, bucketNames(namespaces),
		time.Duration(cfg.SweepIntervalMinutes)*time.Minute,
		time.Duration(cfg.SweepGraceMinutes)*time.Minute,
		rc,
	)
	sweepDone := sweeper.Start(sweepCtx)

	handler := routes.SetupRouter(cfg, store, utils.NewCache(rc), namespaces...)

	utils.Sugar.Infof("Starting server on port %s (graceful), storage=%s", cfg.AppPort, cfg.StorageDriver)
	err = utils.GraceServer(":"+cfg.AppPort, handler, func(ctx context.Context) {
		stopSweeper()
		select {
		case <-sweepDone:
		case <-ctx.Done():
		}
		if rc != nil {
			_ = rc.Close()
		}
		if cerr := store.Close(ctx); cerr != nil {
			utils.Logger.Warn("closing storage failed", zap.Error(cerr))
		}
	})
	if err != nil {
		utils.Sugar.Fatalf("server stopped with error: %v", err)
	}
}
