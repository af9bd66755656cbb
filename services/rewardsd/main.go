package rewardsd

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"rewardledger/observability/logging"
	telemetry "rewardledger/observability/otel"
	"rewardledger/services/rewardsd/commission"
	"rewardledger/services/rewardsd/export"
	"rewardledger/services/rewardsd/lease"
	"rewardledger/services/rewardsd/notify"
	"rewardledger/services/rewardsd/redistribution"
	"rewardledger/services/rewardsd/referral"
	"rewardledger/services/rewardsd/tokens"
)

const serviceName = "rewardsd"

// Main initialises and runs the rewards daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/rewardsd/config.yaml", "path to rewardsd configuration (.yaml or .toml)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logOpts := logging.Options{Level: logging.ParseLevel(cfg.Log.Level)}
	if cfg.Log.File != "" {
		logOpts.File = &logging.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		}
	}
	logger := logging.Setup(serviceName, cfg.Environment, logOpts)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	db, err := OpenDatabase(cfg.Database)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	defer sqlDB.Close()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildService(stopCtx, cfg, db, logger)
	if err != nil {
		return err
	}
	defer svc.close()

	auth, err := NewAuthenticator(cfg.Admin.BearerToken)
	if err != nil {
		return fmt.Errorf("admin auth: %w", err)
	}
	admin := NewAdminServer(AdminServerConfig{
		Distributor: svc.distributor,
		Manager:     svc.manager,
		Scheduler:   svc.scheduler,
		Metrics:     svc.metrics,
		Auth:        auth,
		Health:      sqlDB,
		Logger:      logger,
	})
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(admin, serviceName),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if !cfg.Schedule.Disabled {
		go svc.scheduler.Start(stopCtx)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("rewardsd listening", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

type service struct {
	distributor *commission.Distributor
	manager     *tokens.Manager
	scheduler   *Scheduler
	metrics     MetricsSource
	closers     []func() error
}

func (s *service) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

// buildService wires the domain components from configuration.
func buildService(ctx context.Context, cfg Config, db *gorm.DB, logger *slog.Logger) (*service, error) {
	redact := cfg.Log.RedactParticipants
	sched, err := cfg.Commission.schedule()
	if err != nil {
		return nil, err
	}
	svc := &service{metrics: SnapshotSource{Path: cfg.Metrics.SnapshotPath}}
	svc.distributor = commission.NewDistributor(db, referral.NewStore(db),
		commission.WithSchedule(sched),
		commission.WithLogger(logger),
		commission.WithRedaction(redact))
	svc.manager = tokens.NewManager(db, tokens.WithLogger(logger), tokens.WithRedaction(redact))

	var notifier tokens.Notifier = notify.LogNotifier{Logger: logger, Redact: redact}
	if cfg.Webhook.URL != "" {
		webhook, err := notify.NewWebhookNotifier(notify.WebhookConfig{
			URL:         cfg.Webhook.URL,
			Secret:      cfg.Webhook.Secret,
			RatePerSec:  cfg.Webhook.RatePerSec,
			Burst:       cfg.Webhook.Burst,
			MaxAttempts: cfg.Webhook.MaxAttempts,
			Timeout:     cfg.Webhook.Timeout.Duration,
		})
		if err != nil {
			return nil, err
		}
		notifier = webhook
	}

	var jobLease lease.Lease = lease.NewLocalLease()
	if cfg.Redis.Addr != "" {
		redisLease, err := lease.NewRedisLease(ctx, lease.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, redisLease.Close)
		jobLease = redisLease
	}

	var exporter *export.Exporter
	if cfg.Export.Dir != "" || cfg.Export.DryRun {
		exporter, err = export.NewExporter(export.Config{
			DB:        db,
			OutputDir: cfg.Export.Dir,
			DryRun:    cfg.Export.DryRun,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
	}

	svc.scheduler = NewScheduler(SchedulerConfig{
		Manager:            svc.manager,
		Warner:             tokens.NewWarner(svc.manager, notifier, logger),
		Redistribution:     redistribution.NewJob(svc.manager, redistribution.WithLogger(logger), redistribution.WithRedaction(redact)),
		Metrics:            svc.metrics,
		Exporter:           exporter,
		ExportWindow:       cfg.Export.Window.Duration,
		Lease:              jobLease,
		LeaseTTL:           cfg.Schedule.LeaseTTL.Duration,
		SweepInterval:      cfg.Schedule.SweepInterval.Duration,
		RedistributionDay:  cfg.Schedule.weekday,
		RedistributionHour: cfg.Schedule.RedistributionHour,
		Logger:             logger,
	})
	return svc, nil
}
