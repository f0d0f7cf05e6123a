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

	"github.com/redis/go-redis/v9"

	"github.com/gaole-2025/rizzify-sub001/internal/ratelimit"
	"github.com/gaole-2025/rizzify-sub001/internal/usertoken"
	"github.com/gaole-2025/rizzify-sub001/internal/util"
	"github.com/gaole-2025/rizzify-sub001/pkg/cleanup"
	"github.com/gaole-2025/rizzify-sub001/pkg/domain"
	"github.com/gaole-2025/rizzify-sub001/pkg/queue"
	"github.com/gaole-2025/rizzify-sub001/pkg/storage"
	"github.com/gaole-2025/rizzify-sub001/pkg/store"
	"github.com/gaole-2025/rizzify-sub001/services/api/internal/app"
	"github.com/gaole-2025/rizzify-sub001/services/api/internal/config"
	"github.com/gaole-2025/rizzify-sub001/services/api/internal/server"
)

func main() {
	cfg, err := config.Load(os.Getenv("API_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger("api", cfg.LogLevel)

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

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer redisClient.Close()
	jobQueue := queue.NewRedisJobQueueWithClient(redisClient, queue.RedisQueueConfig{Prefix: cfg.QueuePrefix})
	defer jobQueue.Close()

	var quota app.QuotaGate
	switch cfg.QuotaBackend {
	case "postgres":
		quota = app.NewStoreQuota(dataStore, cfg.FreeDailyLimit)
	default:
		quota, err = ratelimit.NewDailyQuota(redisClient, cfg.QueuePrefix+":quota:daily", cfg.FreeDailyLimit)
		if err != nil {
			util.Fatal("failed to init daily quota", "err", err)
		}
	}

	var rsaPEM string
	if cfg.AuthRSAPublicKeyPath != "" {
		raw, err := os.ReadFile(cfg.AuthRSAPublicKeyPath)
		if err != nil {
			util.Fatal("failed to read auth public key", "path", cfg.AuthRSAPublicKeyPath, "err", err)
		}
		rsaPEM = string(raw)
	}
	verifier, err := usertoken.NewVerifier(usertoken.Config{
		HMACSecret:      cfg.AuthHMACSecret,
		RSAPublicKeyPEM: rsaPEM,
		Issuer:          cfg.AuthIssuer,
		Audience:        cfg.AuthAudience,
		Leeway:          cfg.AuthLeeway,
	})
	if err != nil {
		util.Fatal("failed to init token verifier", "err", err)
	}

	pool := cleanup.NewPool(cleanup.Config{
		Workers:    cfg.CleanupWorkers,
		Buffer:     cfg.CleanupBuffer,
		Timeout:    cfg.CleanupTimeout,
		SubmitWait: cfg.CleanupSubmitWait,
	})

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

	appCore, err := app.New(app.Config{
		Store:               dataStore,
		Blobs:               blobs,
		Queue:               jobQueue,
		Quota:               quota,
		Cleanup:             cleanup.NewCascade(pool, blobs, dataStore),
		Plans:               plans,
		PublicDomain:        cfg.PublicDomain,
		MaxUploadBytes:      cfg.MaxUploadBytes,
		AllowedContentTypes: cfg.AllowedContentTypes,
		SecondsPerPhoto:     cfg.SecondsPerPhoto,
		DefaultPageSize:     cfg.DefaultPageSize,
		MaxPageSize:         cfg.MaxPageSize,
		PreviewSize:         cfg.PreviewSize,
		SummaryConcurrency:  cfg.SummaryConcurrency,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer, err := server.New(server.Config{
		App:           appCore,
		TokenVerifier: verifier,
		CORSOrigins:   cfg.CORSOrigins,
		Health: func(ctx context.Context) error {
			if err := dataStore.Ping(ctx); err != nil {
				return err
			}
			return redisClient.Ping(ctx).Err()
		},
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		slog.Info("api server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	if err := pool.Close(shutdownCtx); err != nil {
		logger.Warn("cleanup pool did not drain", "err", err)
	}
}
