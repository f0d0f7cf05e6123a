package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gaole-2025/rizzify-sub001/internal/util"
	"github.com/gaole-2025/rizzify-sub001/pkg/cleanup"
	"github.com/gaole-2025/rizzify-sub001/pkg/domain"
	"github.com/gaole-2025/rizzify-sub001/pkg/queue"
	"github.com/gaole-2025/rizzify-sub001/pkg/render"
	"github.com/gaole-2025/rizzify-sub001/pkg/storage"
	"github.com/gaole-2025/rizzify-sub001/pkg/store"
	"github.com/gaole-2025/rizzify-sub001/services/worker/internal/app"
	"github.com/gaole-2025/rizzify-sub001/services/worker/internal/config"
	"github.com/gaole-2025/rizzify-sub001/services/worker/internal/server"
)

func main() {
	cfg, err := config.Load(os.Getenv("WORKER_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger("worker", cfg.LogLevel)

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}
	defer dataStore.Close()

	blobs, err := storage.NewMinioStore(storage.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		util.Fatal("failed to init blob store", "err", err)
	}

	jobQueue, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		Prefix:    cfg.QueuePrefix,
		Group:     cfg.QueueGroup,
		ClaimIdle: cfg.ClaimIdle,
	})
	if err != nil {
		util.Fatal("failed to init queue", "err", err)
	}

	plans := domain.DefaultPlanTable()
	if cfg.Plans.Free > 0 {
		plans.Quantity[domain.PlanFree] = cfg.Plans.Free
	}
	if cfg.Plans.Start > 0 {
		plans.Quantity[domain.PlanStart] = cfg.Plans.Start
	}
	if cfg.Plans.Pro > 0 {
		plans.Quantity[domain.PlanPro] = cfg.Plans.Pro
	}
	if cfg.Expiry.Free > 0 {
		plans.Expiry[domain.SectionFree] = cfg.Expiry.Free
	}
	if cfg.Expiry.Start > 0 {
		plans.Expiry[domain.SectionStart] = cfg.Expiry.Start
	}
	if cfg.Expiry.Pro > 0 {
		plans.Expiry[domain.SectionPro] = cfg.Expiry.Pro
	}

	pool := cleanup.NewPool(cleanup.Config{
		Workers:    cfg.CleanupWorkers,
		Buffer:     cfg.CleanupBuffer,
		Timeout:    cfg.CleanupTimeout,
		SubmitWait: cfg.CleanupSubmitWait,
	})

	appCore, err := app.New(app.Config{
		Store:           dataStore,
		Blobs:           blobs,
		Queue:           jobQueue,
		Renderer:        render.New(cfg.RenderMaxSide, cfg.RenderQuality),
		Cleanup:         cleanup.NewCascade(pool, blobs, dataStore),
		Plans:           plans,
		SecondsPerPhoto: cfg.SecondsPerPhoto,
		TeamSize:        cfg.TeamSize,
		RetryLimit:      cfg.RetryLimit,
		RetryDelay:      cfg.RetryDelay,
		RetryBackoff:    cfg.RetryBackoff,
		MaxRetryDelay:   cfg.MaxRetryDelay,
		SweepInterval:   cfg.SweepInterval,
		SweepBatch:      cfg.SweepBatch,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := appCore.Start(ctx); err != nil {
		util.Fatal("failed to start worker", "err", err)
	}

	httpServer := server.New(server.Config{
		App:           appCore,
		InternalToken: cfg.InternalToken,
		Health:        dataStore.Ping,
	})
	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		slog.Info("worker server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	if err := appCore.Stop(); err != nil {
		logger.Error("worker stop", "err", err)
	}
	if err := pool.Close(shutdownCtx); err != nil {
		logger.Warn("cleanup pool did not drain", "err", err)
	}
}
