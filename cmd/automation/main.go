package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/lead-automation/internal/api"
	"github.com/LeventeLantos/lead-automation/internal/cache"
	"github.com/LeventeLantos/lead-automation/internal/client"
	"github.com/LeventeLantos/lead-automation/internal/config"
	"github.com/LeventeLantos/lead-automation/internal/consent"
	"github.com/LeventeLantos/lead-automation/internal/engine"
	"github.com/LeventeLantos/lead-automation/internal/events"
	"github.com/LeventeLantos/lead-automation/internal/killswitch"
	"github.com/LeventeLantos/lead-automation/internal/logging"
	"github.com/LeventeLantos/lead-automation/internal/repo"
	"github.com/LeventeLantos/lead-automation/internal/scheduler"
	"github.com/LeventeLantos/lead-automation/internal/service"
	"github.com/LeventeLantos/lead-automation/internal/telemetry"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	logCloser := logging.Setup(cfg.Log)

	if err := run(cfg); err != nil {
		slog.Error("lead automation stopped with error", "err", err)
		_ = logCloser.Close()
		os.Exit(1)
	}
	_ = logCloser.Close()
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("lead automation starting",
		"addr", cfg.Server.Address,
		"interval", cfg.Scheduler.Interval,
		"batch", cfg.Scheduler.BatchSize,
		"max_concurrent", cfg.Scheduler.MaxConcurrentSends,
		"redis", cfg.Redis.Enabled,
		"amqp", cfg.AMQP.Enabled,
		"tracing", cfg.Telemetry.Enabled,
	)

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(cfg.Telemetry)
		if err != nil {
			return err
		}
		defer shutdown(context.Background())
	}

	db, err := repo.Open(ctx, cfg.Database.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()

	var (
		schedules = repo.NewPostgresScheduleRepo(db)
		consents  = repo.NewPostgresConsentRepo(db)
		attempts  = repo.NewPostgresAttemptRepo(db)
		leads     = repo.NewPostgresLeadDirectory(db)
	)

	throttle, closeThrottle, err := newThrottle(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer closeThrottle()

	publisher := events.Fanout{events.NewStorePublisher(repo.NewPostgresAuditRepo(db)), events.LogPublisher{}}
	if cfg.AMQP.Enabled {
		rmq, err := events.NewRabbitMQPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			return err
		}
		defer rmq.Close()
		publisher = append(publisher, rmq)
	}

	eng, err := engine.New(engine.Policy{
		InitialDelay: cfg.Engine.InitialDelay,
		Intervals:    cfg.Engine.Intervals,
		RetryBase:    cfg.Engine.RetryBase,
		RetryCap:     cfg.Engine.RetryCap,
		MinRecheck:   cfg.Engine.MinRecheck,
		ReplyDelay:   cfg.Engine.ReplyDelay,
		MaxMessages:  cfg.Engine.MaxMessages,
		Window: engine.Window{
			StartHour: cfg.Engine.WindowStartHour,
			EndHour:   cfg.Engine.WindowEndHour,
			Location:  cfg.Engine.Location,
		},
	})
	if err != nil {
		return err
	}

	ks := killswitch.New(repo.NewPostgresKillSwitchRepo(db), publisher, cfg.KillSwitch.RefreshInterval)
	if err := ks.Refresh(ctx); err != nil {
		slog.Warn("kill switch not loaded at startup, sends blocked until it is", "err", err)
	}

	lifecycle := service.NewLifecycle(schedules, eng, publisher)
	gate := consent.NewGate(consents, consents, leads, lifecycle, publisher)
	inbound := service.NewInbound(schedules, attempts, leads, eng, gate)

	runner := service.NewRunner(
		schedules, attempts, leads, eng, gate, ks,
		client.NewGeneratorClient(cfg.Generator.URL, cfg.Generator.Token, cfg.Generator.Timeout),
		client.NewWebhookClient(cfg.Webhook.URL, cfg.Webhook.Token, cfg.Webhook.Timeout),
		throttle,
		service.RunnerConfig{
			BatchSize:       cfg.Scheduler.BatchSize,
			MaxConcurrent:   cfg.Scheduler.MaxConcurrentSends,
			DailyLimit:      cfg.Limits.DailyPerLead,
			ContentMax:      cfg.Webhook.ContentMax,
			GenerateTimeout: cfg.Generator.Timeout,
			SendTimeout:     cfg.Webhook.Timeout,
			ClaimTTL:        cfg.Scheduler.ClaimTTL,
			HistoryLimit:    cfg.Generator.HistoryLimit,
		},
	)
	monitor := service.NewMonitor(schedules, eng, lifecycle, service.MonitorConfig{
		StaleThreshold: cfg.Health.StaleThreshold,
		UnpauseAfter:   cfg.Health.UnpauseAfter,
		JitterWindow:   cfg.Health.JitterWindow,
		Penalty:        cfg.Health.Penalty,
		ScanLimit:      cfg.Health.ScanLimit,
	})

	runnerSched, err := scheduler.New("automation", cfg.Scheduler.Interval, func(ctx context.Context) error {
		_, err := runner.RunCycle(ctx, time.Now().UTC(), 0)
		return err
	})
	if err != nil {
		return err
	}
	monitorSched, err := scheduler.New("queue-health", cfg.Health.Interval, func(ctx context.Context) error {
		_, err := monitor.AuditAndRepair(ctx, time.Now().UTC())
		return err
	})
	if err != nil {
		return err
	}
	if cfg.Scheduler.AutoStart {
		runnerSched.Start()
		monitorSched.Start()
	}
	defer runnerSched.Stop()
	defer monitorSched.Stop()

	h := api.NewHandler(api.Deps{
		Schedulers: []*scheduler.Scheduler{runnerSched, monitorSched},
		Runner:     runner,
		Monitor:    monitor,
		KillSwitch: ks,
		Leads:      lifecycle,
		Inbound:    inbound,
		Consent:    gate,
		Attempts:   attempts,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(h)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newThrottle(ctx context.Context, cfg config.RedisConfig) (cache.Throttle, func(), error) {
	if !cfg.Enabled {
		slog.Warn("REDIS_ADDR not set, using in-process throttle; run a single instance only")
		return cache.NewMemoryCache(), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	return cache.NewRedisCache(rdb, cfg.TTL), func() { _ = rdb.Close() }, nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
