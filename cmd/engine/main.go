package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"flowsentry/internal/api"
	"flowsentry/internal/baseline"
	"flowsentry/internal/bus"
	"flowsentry/internal/config"
	"flowsentry/internal/crypto"
	"flowsentry/internal/dispatch"
	"flowsentry/internal/locks"
	"flowsentry/internal/metrics"
	"flowsentry/internal/notify"
	"flowsentry/internal/rules"
	"flowsentry/internal/runtime"
	"flowsentry/internal/scheduler"
	"flowsentry/internal/security"
	"flowsentry/internal/storage"
	"flowsentry/internal/stream"
	"flowsentry/internal/trigger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	ctx := context.Background()

	store, err := storage.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to db", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()
	repo := storage.NewRepository(store)

	encryptor, err := crypto.FromKey(cfg.EncryptionKey)
	if err != nil {
		logger.Error("failed to init encryptor", slog.String("error", err.Error()))
		os.Exit(1)
	}

	locker, err := locks.New(locks.Config{
		Backend:  cfg.LockBackend,
		Pool:     store.Pool,
		RedisURL: cfg.RedisURL,
		MySQLDSN: cfg.MySQLLockDSN,
		RedisTTL: cfg.RedisLockTTL,
	})
	if err != nil {
		logger.Error("failed to init lock backend", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer locker.Close()

	var baselines trigger.BaselineStore
	if cfg.RedisURL != "" {
		redisStore, err := baseline.Open(cfg.RedisURL)
		if err != nil {
			logger.Error("failed to connect to redis", slog.String("error", err.Error()))
			os.Exit(1)
		}
		baselines = redisStore
	} else {
		logger.Warn("no REDIS_URL configured, anomaly baselines disabled")
	}

	var fetcher trigger.Fetcher
	var caller dispatch.Caller
	if cfg.RuntimesPath != "" {
		runtimeCfg, err := runtime.LoadConfig(cfg.RuntimesPath)
		if err != nil {
			logger.Error("failed to load runtimes config", slog.String("error", err.Error()))
			os.Exit(1)
		}
		registry, err := runtimeCfg.BuildRegistry(&http.Client{Timeout: 15 * time.Second})
		if err != nil {
			logger.Error("failed to build runtime registry", slog.String("error", err.Error()))
			os.Exit(1)
		}
		fetcher = registry
		caller = registry
	} else {
		logger.Warn("no RUNTIMES_CONFIG_PATH configured, metric fetch and api_call disabled")
	}

	var scripts dispatch.ScriptRunner
	if cfg.ScriptSandboxURL != "" {
		scripts = dispatch.NewSandboxRunner(cfg.ScriptSandboxURL, nil)
	}

	guard := security.NewEgressGuard(cfg.AllowPrivateEgress)
	limits := security.DefaultLimits()
	limits.MaxConcurrentPolls = cfg.MaxConcurrentPolls

	engineMetrics := metrics.New(nil)
	broadcaster := stream.NewBroadcaster()
	evaluator := trigger.NewEvaluator(fetcher, baselines, logger)

	dispatcher := dispatch.NewDispatcher(dispatch.Deps{
		Rules:       repo,
		Logs:        repo,
		Evaluator:   evaluator,
		Locker:      locker,
		Caller:      caller,
		Scripts:     scripts,
		Guard:       guard,
		Client:      guard.Client(limits.ActionTimeout),
		Limiter:     rate.NewLimiter(rate.Limit(cfg.WebhookRatePerSec), cfg.WebhookRateBurst),
		Limits:      limits,
		Broadcaster: broadcaster,
		Metrics:     engineMetrics,
		Logger:      logger,
	})

	notifier := notify.NewEngine(notify.Deps{
		Store:       repo,
		Encryptor:   encryptor,
		Guard:       guard,
		Client:      guard.Client(limits.NotifyTimeout),
		Limits:      limits,
		Broadcaster: broadcaster,
		Metrics:     engineMetrics,
		Logger:      logger,
	})

	sched := scheduler.New(scheduler.Config{
		InstanceID:         cfg.InstanceID,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		FollowerInterval:   cfg.FollowerInterval,
		ScheduleInterval:   cfg.ScheduleInterval,
		MetricInterval:     cfg.MetricInterval,
		SnapshotInterval:   cfg.SnapshotInterval,
		NotifyInterval:     cfg.NotifyInterval,
		MaxConcurrentPolls: cfg.MaxConcurrentPolls,
	}, repo, locker, dispatcher, notifier, engineMetrics, logger)

	if cfg.NATSURL != "" {
		natsBus, err := bus.Connect(cfg.NATSURL)
		if err != nil {
			logger.Error("failed to connect to nats", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer natsBus.Close()
		if err := natsBus.MirrorBroadcaster(broadcaster, cfg.InstanceID, logger); err != nil {
			logger.Error("failed to mirror events over nats", slog.String("error", err.Error()))
			os.Exit(1)
		}
		if err := natsBus.SubscribeRuleEvents(func(subject string, evt bus.RuleEvent) {
			sched.InvalidateRule(evt.RuleID)
			logger.Info("rule cache invalidated",
				slog.String("subject", subject),
				slog.String("rule_id", evt.RuleID))
			if subject == "rule.created" || subject == "rule.updated" {
				warnOnInvalidSpec(repo, logger, evt.RuleID)
			}
		}); err != nil {
			logger.Error("failed to subscribe to rule events", slog.String("error", err.Error()))
			os.Exit(1)
		}
	} else {
		logger.Warn("no NATS_URL configured, running without cross-instance events")
	}

	sched.Start(ctx)

	summary := func(ctx context.Context) (any, error) {
		count, err := repo.CountUnacked(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"unacked_count": count}, nil
	}
	sse := stream.NewSSEHandler(broadcaster, summary, engineMetrics.SSEClients, logger)

	handler := &api.Handler{
		Repo:        repo,
		Dispatcher:  dispatcher,
		Engine:      sched,
		Stream:      sse,
		Metrics:     promhttp.Handler(),
		Broadcaster: broadcaster,
		Timeout:     30 * time.Second,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	handler.RegisterRoutes(r)

	// No WriteTimeout: the SSE stream writes for the lifetime of the client.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		logger.Info("shutting down")
		sched.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("engine listening",
		slog.String("addr", cfg.HTTPAddr),
		slog.String("instance_id", cfg.InstanceID),
		slog.String("lock_backend", cfg.LockBackend))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// warnOnInvalidSpec flags rules that would fail at dispatch time as soon as
// they change, so misconfigurations surface before the next tick does.
func warnOnInvalidSpec(repo *storage.Repository, logger *slog.Logger, ruleID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rule, err := repo.GetRule(ctx, ruleID)
	if err != nil {
		return
	}
	triggerSpec, err := rules.ParseTriggerSpec(rule.TriggerType, rule.TriggerSpec)
	if err != nil {
		logger.Warn("rule trigger spec unusable",
			slog.String("rule_id", ruleID),
			slog.String("error", err.Error()))
		return
	}
	if verr := rules.ValidateTriggerSpec(triggerSpec); verr != nil {
		logger.Warn("rule trigger spec invalid",
			slog.String("rule_id", ruleID),
			slog.String("error", verr.Error()),
			slog.Int("problems", len(verr.Details)))
	}
	actionSpec, err := rules.ParseActionSpec(rule.ActionSpec)
	if err != nil {
		logger.Warn("rule action spec unusable",
			slog.String("rule_id", ruleID),
			slog.String("error", err.Error()))
		return
	}
	if verr := rules.ValidateActionSpec(actionSpec); verr != nil {
		logger.Warn("rule action spec invalid",
			slog.String("rule_id", ruleID),
			slog.String("error", verr.Error()),
			slog.Int("problems", len(verr.Details)))
	}
}
