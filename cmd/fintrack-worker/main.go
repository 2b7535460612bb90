package main

import (
	"context"
	"errors"
	"os"
	"time"

	"fintrack/internal/amqp"
	"fintrack/internal/cache"
	"fintrack/internal/cli"
	"fintrack/internal/config"
	"fintrack/internal/dispatch"
	"fintrack/internal/insights"
	"fintrack/internal/log"
	"fintrack/internal/middleware/trace"
	"fintrack/internal/notify"
	"fintrack/internal/services"
	"fintrack/internal/worker"
)

const (
	jobRecurring     = "recurring"
	jobBudgetAlerts  = "budget_alerts"
	jobMonthlyReport = "monthly_report"

	shutdownTimeout = 30 * time.Second
	jobTimeout      = 10 * time.Minute
)

// eventBus is the dispatch backend: it accepts events and delivers them to the router.
type eventBus struct {
	sender dispatch.Sender
	start  func(ctx context.Context) error
	stop   func(ctx context.Context)
}

func main() {
	cli.LoadEnvFile()

	cfg := config.Load()
	logger := cli.SetupLogger(cfg.LogLevel)
	cli.MustValidateConfig(logger, cfg)

	appLog := logger.WithComponent(log.ComponentApp)
	appLog.Info("Starting fintrack-worker",
		"dispatch_backend", cfg.DispatchBackend,
		"mail_backend", cfg.MailBackend)

	repo := cli.InitSQLite(logger.WithComponent(log.ComponentStorage), cfg.SQLiteDBPath)

	registry := dispatch.NewRegistry()
	limiter := dispatch.NewKeyedLimiter(dispatch.ThrottleConfig{
		Limit:   cfg.ThrottleLimit,
		Period:  cfg.ThrottlePeriod,
		MaxKeys: dispatch.DefaultThrottleConfig().MaxKeys,
	})
	router := dispatch.NewRouter(registry, limiter)
	tracer := trace.NewMiddleware()
	router.Use(tracer.Handler)

	policy := dispatch.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.DispatchMaxAttempts

	bus, err := newEventBus(cfg, router, policy, logger.WithComponent(log.ComponentDispatch))
	if err != nil {
		appLog.Error("Failed to initialize dispatch backend", log.FieldError, err)
		os.Exit(1)
	}

	setupCtx := context.Background()
	mailer, err := newMailer(setupCtx, cfg)
	if err != nil {
		appLog.Error("Failed to initialize mail sender", log.FieldError, err)
		os.Exit(1)
	}

	var generator insights.Generator
	if cfg.GoogleAPIKey != "" {
		g, err := insights.NewGeminiGenerator(setupCtx, cfg.GoogleAPIKey, cfg.GeminiModel)
		if err != nil {
			appLog.Warn("Insight generator unavailable, reports will use fallback insights", log.FieldError, err)
		} else {
			generator = g
		}
	}

	processor := services.NewRecurringProcessor(
		services.NewDueSelector(repo),
		services.NewMaterializer(repo),
		bus.sender,
	)
	processor.Register(registry)

	budgets := services.NewBudgetAlertChecker(repo, mailer, cfg.BudgetAlertThreshold)
	reporter := services.NewMonthlyReporter(repo, mailer, generator)

	runner := worker.NewRunner(worker.RunnerConfig{
		RunOnStart: cfg.RunOnStart,
		Timeout:    jobTimeout,
	})
	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context, now time.Time) (int, error)
	}{
		{jobRecurring, cfg.RecurringSchedule, processor.ProcessDueTransactions},
		{jobBudgetAlerts, cfg.BudgetAlertSchedule, budgets.CheckBudgets},
		{jobMonthlyReport, cfg.MonthlyReportSchedule, reporter.SendReports},
	}
	for _, j := range jobs {
		if err := runner.AddJob(j.name, j.spec, worker.Counted(j.name, j.run)); err != nil {
			appLog.Error("Failed to schedule job", log.FieldJob, j.name, log.FieldError, err)
			os.Exit(1)
		}
	}

	cacheManager := cache.NewManager()
	cacheManager.Register(limiter.Buckets())
	cacheManager.StartCleanup(cfg.ThrottlePeriod)

	ctx, done := cli.GracefulShutdown(logger, shutdownTimeout, func(ctx context.Context) {
		if err := runner.Stop(ctx); err != nil {
			appLog.Warn("Job runner did not stop cleanly", log.FieldError, err)
		}
		bus.stop(ctx)
		cacheManager.Stop()
		m := tracer.GetMetrics()
		appLog.Info("Event delivery totals",
			"deliveries", m.TotalDeliveries,
			"failed", m.FailedDeliveries,
			"avg_duration_us", m.AverageDuration)
		if err := repo.Close(); err != nil {
			appLog.Warn("Failed to close database", log.FieldError, err)
		}
	})

	if err := bus.start(ctx); err != nil {
		appLog.Error("Failed to start dispatch backend", log.FieldError, err)
		os.Exit(1)
	}
	if err := runner.Start(ctx); err != nil {
		appLog.Error("Failed to start job runner", log.FieldError, err)
		os.Exit(1)
	}

	appLog.Info("fintrack-worker running",
		"recurring_schedule", cfg.RecurringSchedule,
		"budget_alert_schedule", cfg.BudgetAlertSchedule,
		"monthly_report_schedule", cfg.MonthlyReportSchedule)

	cli.WaitForShutdown(ctx, done)
}

func newEventBus(cfg *config.Config, router *dispatch.Router, policy dispatch.RetryPolicy, logger *log.Logger) (*eventBus, error) {
	switch cfg.DispatchBackend {
	case config.BackendAMQP:
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, cfg.DispatchWorkers)
		if err != nil {
			return nil, err
		}
		consumed := make(chan struct{})
		return &eventBus{
			sender: client,
			start: func(ctx context.Context) error {
				go func() {
					defer close(consumed)
					err := client.Consume(ctx, router, policy, cfg.DispatchWorkers)
					if err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("AMQP consumer stopped", log.FieldError, err)
					}
				}()
				return nil
			},
			stop: func(ctx context.Context) {
				select {
				case <-consumed:
				case <-ctx.Done():
				}
				if err := client.Close(); err != nil {
					logger.Warn("Failed to close AMQP client", log.FieldError, err)
				}
			},
		}, nil

	default:
		queue := dispatch.NewQueue(router, dispatch.QueueConfig{
			Workers:    cfg.DispatchWorkers,
			BufferSize: cfg.DispatchBuffer,
			Retry:      policy,
		})
		return &eventBus{
			sender: queue,
			start:  queue.Start,
			stop:   func(context.Context) { queue.Stop() },
		}, nil
	}
}

func newMailer(ctx context.Context, cfg *config.Config) (notify.Sender, error) {
	if cfg.MailBackend == config.MailGmail {
		return notify.NewGmailSender(ctx, notify.GmailConfig{
			From:       cfg.MailFrom,
			ClientJSON: cfg.GmailOAuthClientJSON,
			ClientFile: cfg.GmailOAuthClientFile,
			TokenJSON:  cfg.GmailOAuthTokenJSON,
			TokenFile:  cfg.GmailOAuthTokenFile,
		})
	}
	return notify.LogSender{}, nil
}
