package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/digkill/astronote-billing/internal/backend"
	"github.com/digkill/astronote-billing/internal/cache"
	"github.com/digkill/astronote-billing/internal/config"
	"github.com/digkill/astronote-billing/internal/database"
	"github.com/digkill/astronote-billing/internal/repository"
	"github.com/digkill/astronote-billing/internal/service"
	"github.com/digkill/astronote-billing/internal/storage"
	"github.com/digkill/astronote-billing/internal/telegram"
	"github.com/digkill/astronote-billing/internal/web"
	"github.com/digkill/astronote-billing/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var attempts service.AttemptStore = repository.NewMemoryAttemptRepository()
	if cfg.MySQLDSN != "" {
		db, err := database.Connect(ctx, cfg.MySQLDSN)
		if err != nil {
			log.Fatalf("database connect: %v", err)
		}
		defer db.Close()
		if err := database.Migrate(ctx, db); err != nil {
			log.Fatalf("database migrate: %v", err)
		}
		attempts = repository.NewAttemptRepository(db)
	} else {
		logr.Warn("MYSQL_DSN not set, checkout attempts are kept in memory")
	}

	var store cache.Store = cache.NewMemoryStore()
	if cfg.RedisAddr != "" {
		redisStore, err := cache.NewRedisStore(ctx, cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer redisStore.Close()
		store = redisStore
	}

	var archiver service.Archiver
	if cfg.ArchiveEnabled() {
		receipts, err := storage.NewReceiptArchiver(storage.Config{
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Bucket:       cfg.S3Bucket,
			UsePathStyle: cfg.S3UsePathStyle,
			Prefix:       cfg.S3Prefix,
		})
		if err != nil {
			log.Fatalf("receipt archiver: %v", err)
		}
		archiver = receipts
	}

	var escalator service.Escalator
	if cfg.AlertsEnabled() {
		notifier, err := telegram.NewNotifier(cfg.TelegramBotToken, cfg.TelegramChatID, logr)
		if err != nil {
			log.Fatalf("telegram notifier: %v", err)
		}
		escalator = notifier
	}

	client := backend.NewClient(cfg, logr)
	plans := service.NewPlanService()
	checkout := service.NewCheckoutService(cfg, client, plans, logr)
	account := service.NewAccountService(client, store, cfg.CacheTTL, plans, cfg.MaxTopupCredits, logr)
	reconcile := service.NewReconcileService(service.ReconcileOptions{
		WebhookGrace: cfg.WebhookGrace,
		RecheckDelay: cfg.VerifyRecheck,
		MaxRechecks:  cfg.VerifyMaxRechecks,
	}, attempts, client, account, escalator, archiver, logr)
	defer reconcile.Close()

	server := web.NewServer(cfg.ListenAddr, logr, plans, checkout, account, reconcile)
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("http server stopped", "err", err)
	}
}
