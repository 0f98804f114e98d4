package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rewired-gh/ratealert/internal/config"
	"github.com/rewired-gh/ratealert/internal/evaluator"
	"github.com/rewired-gh/ratealert/internal/frankfurter"
	"github.com/rewired-gh/ratealert/internal/lease"
	"github.com/rewired-gh/ratealert/internal/logger"
	"github.com/rewired-gh/ratealert/internal/metrics"
	"github.com/rewired-gh/ratealert/internal/notify"
	"github.com/rewired-gh/ratealert/internal/storage"
	"github.com/rewired-gh/ratealert/internal/telegram"
	"github.com/rewired-gh/ratealert/internal/tracing"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	once       = flag.Bool("once", false, "Run a single evaluation and exit (for external schedulers)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	defer logger.Sync()
	logger.Info("Configuration loaded from %s", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		logger.Fatal("Failed to initialize tracing: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("Failed to flush traces: %v", err)
		}
	}()

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.ListenAddr)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("Metrics server stopped: %v", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		logger.Info("Serving metrics on %s/metrics", cfg.Metrics.ListenAddr)
	}

	store, err := storage.New(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	rates := frankfurter.NewClient(
		cfg.Rates.BaseURL,
		cfg.Rates.Timeout,
		frankfurter.ClientConfig{
			MaxAttempts:         cfg.Rates.MaxAttempts,
			RetryDelayBase:      cfg.Rates.RetryDelayBase,
			MaxIdleConns:        cfg.Rates.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.Rates.MaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.Rates.IdleConnTimeout,
		},
	)

	var rdb *redis.Client
	if cfg.Lease.Backend == "redis" || cfg.Notify.RateLimitPerSecond > 0 {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}

	var telegramClient *telegram.Client
	if cfg.Notify.Channel == "telegram" || cfg.Telegram.OperatorChatID != "" {
		telegramClient, err = telegram.NewClient(telegram.Config{
			BotToken:       cfg.Telegram.BotToken,
			OperatorChatID: cfg.Telegram.OperatorChatID,
			APIEndpoint:    cfg.Telegram.APIEndpoint,
			Timeout:        cfg.Telegram.Timeout,
			MaxRetries:     cfg.Telegram.MaxRetries,
			RetryDelayBase: cfg.Telegram.RetryDelayBase,
		})
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		logger.Info("Telegram client initialized successfully")
	}

	var notifier notify.Notifier
	switch cfg.Notify.Channel {
	case "telegram":
		notifier = telegramClient
	default:
		notifier = notify.NewLog(nil)
		logger.Warn("Notification channel is %q: alerts are logged, not delivered", cfg.Notify.Channel)
	}
	if cfg.Notify.RateLimitPerSecond > 0 {
		notifier = notify.NewRateLimited(notifier, redis_rate.NewLimiter(rdb), "ratealert:notify", cfg.Notify.RateLimitPerSecond)
	}

	deps := evaluator.Deps{
		Rates:    rates,
		Alerts:   store,
		Contacts: store,
		Notifier: notifier,
	}
	switch cfg.Lease.Backend {
	case "redis":
		deps.Locker = lease.NewRedis(rdb)
	default:
		deps.Locker = lease.NewLocal()
	}

	job, err := evaluator.New(deps, evaluator.Config{
		BaseCurrency:      cfg.Rates.BaseCurrency,
		NotificationTitle: cfg.Notify.Title,
		Concurrency:       cfg.Job.Concurrency,
		OperationTimeout:  cfg.Job.OperationTimeout,
		DeletePolicy:      evaluator.DeletePolicy(cfg.Job.DeletePolicy),
		LeaseKey:          cfg.Job.LeaseKey,
		LeaseTTL:          cfg.Job.LeaseTTL,
	})
	if err != nil {
		logger.Fatal("Failed to create evaluation job: %v", err)
	}

	if *once {
		if err := runCycle(ctx, job); err != nil && !errors.Is(err, evaluator.ErrLeaseHeld) {
			logger.Error("Evaluation failed: %v", err)
			logger.Sync()
			os.Exit(1)
		}
		return
	}

	logger.Info("Starting alert evaluation service (interval: %v, base: %s, concurrency: %d, delete_policy: %s)",
		cfg.Job.Interval,
		cfg.Rates.BaseCurrency,
		cfg.Job.Concurrency,
		cfg.Job.DeletePolicy,
	)

	ticker := time.NewTicker(cfg.Job.Interval)
	defer ticker.Stop()

	consecutiveFailures := 0

	handleCycleResult := func(err error) {
		if errors.Is(err, evaluator.ErrLeaseHeld) {
			return
		}
		if err != nil {
			consecutiveFailures++
			logger.Error("Evaluation cycle failed: %v", err)
			if consecutiveFailures == 1 && telegramClient != nil {
				if sendErr := telegramClient.SendError(err); sendErr != nil {
					logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
				}
			}
			return
		}
		if consecutiveFailures > 0 && telegramClient != nil {
			if sendErr := telegramClient.SendRecovery(consecutiveFailures); sendErr != nil {
				logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
			}
		}
		consecutiveFailures = 0
	}

	logger.Debug("Running initial evaluation cycle")
	handleCycleResult(runCycle(ctx, job))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Service stopped")
			return

		case <-ticker.C:
			logger.Debug("Starting scheduled evaluation cycle")
			handleCycleResult(runCycle(ctx, job))
		}
	}
}

// runCycle runs the job once. Per-alert failures are logged but do not fail the cycle.
func runCycle(ctx context.Context, job *evaluator.Job) error {
	report, err := job.Run(ctx)
	if err != nil {
		return err
	}
	if perAlert := report.Err(); perAlert != nil {
		logger.Log.Warn("Evaluation cycle finished with per-alert failures",
			zap.String("run_id", report.RunID),
			zap.Int("failures", len(report.Errors)),
			zap.Error(perAlert),
		)
	}
	return nil
}
