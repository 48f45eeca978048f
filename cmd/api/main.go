package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ridgeline-contracting/billing-backend/config"
	"github.com/ridgeline-contracting/billing-backend/internal/billing/gateway"
	"github.com/ridgeline-contracting/billing-backend/internal/billing/repository"
	"github.com/ridgeline-contracting/billing-backend/internal/billing/service"
	"github.com/ridgeline-contracting/billing-backend/internal/bootstrap"
	"github.com/ridgeline-contracting/billing-backend/internal/dedupe"
	"github.com/ridgeline-contracting/billing-backend/internal/directory"
	"github.com/ridgeline-contracting/billing-backend/internal/logging"
	"github.com/ridgeline-contracting/billing-backend/internal/notify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.App.Environment, cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	bootstrap.SetGinMode(cfg.App.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := bootstrap.OpenDB(ctx, bootstrap.DBOptions{DSN: cfg.Database.DSN()})
	if err != nil {
		logger.Fatal("database unavailable", zap.Error(err))
	}
	defer db.Close()

	rdb, err := bootstrap.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("redis unavailable", zap.Error(err))
	}
	defer rdb.Close()

	var notifier notify.Notifier = notify.NopNotifier{}
	amqpNotifier, err := notify.NewAMQPNotifier(cfg.Notify.AMQPURL, cfg.Notify.Exchange, logger)
	if err != nil {
		logger.Warn("notification broker unavailable, notifications disabled", zap.Error(err))
	} else {
		notifier = amqpNotifier
		defer amqpNotifier.Close()
	}

	gw := gateway.NewStripeGateway(cfg.Stripe.APIKey, cfg.Stripe.Currency)
	resolver := directory.NewClient(cfg.Directory.BaseURL, cfg.Directory.APIKey)

	milestoneRepo := repository.NewMilestoneRepo(db)
	projectRepo := repository.NewProjectRepo(db)
	customerRepo := repository.NewCustomerLinkRepo(db)
	eventRepo := repository.NewWebhookEventRepo(db)

	lifecycle := service.NewLifecycleService(
		milestoneRepo, projectRepo, customerRepo,
		gw, resolver, notifier, logger, cfg.Stripe.CallTimeout,
	)
	reports := service.NewReportService(milestoneRepo, projectRepo, gw, logger, cfg.Stripe.CallTimeout)
	deduper := dedupe.New(rdb, 24*time.Hour, logger)

	router := bootstrap.BuildRouter(bootstrap.RouterDeps{
		ServiceName:   "billing-backend",
		Version:       cfg.App.Version,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		DB:            db,
		Redis:         rdb,
		Lifecycle:     lifecycle,
		Reports:       reports,
		EventLog:      eventRepo,
		Deduper:       deduper,
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
	}
}
