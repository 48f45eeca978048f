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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ridgeline-contracting/billing-backend/config"
	"github.com/ridgeline-contracting/billing-backend/internal/billing/gateway"
	"github.com/ridgeline-contracting/billing-backend/internal/billing/repository"
	"github.com/ridgeline-contracting/billing-backend/internal/billing/service"
	"github.com/ridgeline-contracting/billing-backend/internal/bootstrap"
	"github.com/ridgeline-contracting/billing-backend/internal/directory"
	"github.com/ridgeline-contracting/billing-backend/internal/logging"
	"github.com/ridgeline-contracting/billing-backend/internal/notify"
	"github.com/ridgeline-contracting/billing-backend/internal/recon"
)

// The worker runs the reconciliation job on a schedule and serves its
// metrics. It shares no process state with the API; both lean on the
// store's compare-and-set transitions, so overlap is harmless.
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := bootstrap.OpenDB(ctx, bootstrap.DBOptions{DSN: cfg.Database.DSN()})
	if err != nil {
		logger.Fatal("database unavailable", zap.Error(err))
	}
	defer db.Close()

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

	lifecycle := service.NewLifecycleService(
		milestoneRepo, projectRepo, customerRepo,
		gw, resolver, notifier, logger, cfg.Stripe.CallTimeout,
	)

	scheduler := recon.NewScheduler(lifecycle, projectRepo, cfg.Recon.Schedule, logger)
	if err := scheduler.Start(); err != nil {
		logger.Fatal("scheduler failed to start", zap.Error(err))
	}

	metricsSrv := &http.Server{
		Addr:              ":" + cfg.Recon.MetricsPort,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", zap.String("port", cfg.Recon.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}
