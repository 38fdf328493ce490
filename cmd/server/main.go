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

	"golang.org/x/sync/errgroup"

	"github.com/smedrec/smart-logs-sub000/internal/admin"
	"github.com/smedrec/smart-logs-sub000/internal/audit"
	"github.com/smedrec/smart-logs-sub000/internal/audit/deadletter"
	"github.com/smedrec/smart-logs-sub000/internal/audit/processor"
	"github.com/smedrec/smart-logs-sub000/internal/audit/queue"
	"github.com/smedrec/smart-logs-sub000/internal/audit/service"
	"github.com/smedrec/smart-logs-sub000/internal/audit/validator"
	"github.com/smedrec/smart-logs-sub000/internal/monitor"
	"github.com/smedrec/smart-logs-sub000/internal/platform/config"
	"github.com/smedrec/smart-logs-sub000/internal/platform/httpserver"
	"github.com/smedrec/smart-logs-sub000/internal/platform/logger"
	"github.com/smedrec/smart-logs-sub000/internal/platform/metrics"
	"github.com/smedrec/smart-logs-sub000/pkg/platform/circuit"
)

var version = "dev"

// main wires the pipeline: HTTP submission -> validator -> integrity unit ->
// queue -> processor -> storage, with the monitor fed from stored events.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("audit engine stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("audit engine stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	m := metrics.New(version)

	infra, err := openInfra(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer infra.Close()

	stores := buildStores(infra)

	unit, err := buildIntegrity(cfg.Integrity, log)
	if err != nil {
		return err
	}

	broker, err := buildBroker(ctx, cfg, infra, log)
	if err != nil {
		return err
	}

	alertHandlers, err := buildAlertHandlers(ctx, cfg, infra, log)
	if err != nil {
		return err
	}

	rules, err := loadRules(cfg.Monitor)
	if err != nil {
		return err
	}

	// The submission service closes the loop for events the engine raises
	// about itself, so components built before it record through this.
	var svc *service.Service
	recorder := audit.RecorderFunc(func(ctx context.Context, e *audit.Event) error {
		return svc.Record(ctx, e)
	})

	engine, err := monitor.New(stores.alerts, buildCooldown(infra),
		monitor.WithConfig(monitor.Config{
			Rules:         rules,
			CooldownTTL:   cfg.Monitor.CooldownTTL,
			WindowLimit:   monitor.DefaultConfig().WindowLimit,
			InboundBuffer: monitor.DefaultConfig().InboundBuffer,
		}),
		monitor.WithHandlers(alertHandlers...),
		monitor.WithRecorder(recorder),
		monitor.WithLogger(log.With("component", "monitor")),
		monitor.WithMetrics(monitor.NewMetrics(m.Registry)),
	)
	if err != nil {
		return fmt.Errorf("build monitor: %w", err)
	}

	proc, err := processor.New(stores.events, unit,
		processor.WithRecorder(recorder),
		processor.WithPublisher(engine),
		processor.WithAlerter(engine),
		processor.WithLogger(log.With("component", "processor")),
		processor.WithMetrics(processor.NewMetrics(m.Registry)),
	)
	if err != nil {
		return fmt.Errorf("build processor: %w", err)
	}

	queueMetrics := queue.NewMetrics(m.Registry)
	breaker := circuit.New("audit-processing",
		circuit.WithFailureThreshold(cfg.Breaker.FailureThreshold),
		circuit.WithSuccessThreshold(cfg.Breaker.SuccessThreshold),
		circuit.WithCooldown(cfg.Breaker.Cooldown),
		circuit.WithOnStateChange(func(name string, change circuit.StateChange) {
			log.Warn("circuit breaker state changed", "breaker", name, "from", change.From, "to", change.To)
		}),
	)
	q, err := queue.New(broker, proc, stores.deadLetters,
		queue.WithConfig(queue.Config{
			Workers:           cfg.Queue.Workers,
			BatchSize:         cfg.Queue.BatchSize,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			AttemptTimeout:    cfg.Queue.AttemptTimeout,
			PollInterval:      cfg.Queue.PollInterval,
			Retry: queue.RetryPolicy{
				MaxAttempts: cfg.Queue.MaxAttempts,
				BaseDelay:   cfg.Queue.BaseDelay,
				MaxDelay:    cfg.Queue.MaxDelay,
				Multiplier:  cfg.Queue.Multiplier,
				Jitter:      cfg.Queue.Jitter,
			},
		}),
		queue.WithBreaker(breaker),
		queue.WithDeadLetterObserver(engine),
		queue.WithLogger(log.With("component", "queue")),
		queue.WithMetrics(queueMetrics),
	)
	if err != nil {
		return fmt.Errorf("build queue: %w", err)
	}

	v := validator.New(validator.WithLimits(validator.Limits{
		MaxDetailsProperties: cfg.Validator.MaxDetailsProperties,
		MaxDetailsDepth:      cfg.Validator.MaxDetailsDepth,
		MaxDetailsBytes:      cfg.Validator.MaxDetailsBytes,
		MaxClockSkew:         cfg.Validator.MaxClockSkew,
	}))
	svc, err = service.New(v, unit, q, stores.events,
		service.WithAlerter(engine),
		service.WithLogger(log.With("component", "service")),
	)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}

	deadLetters, err := deadletter.NewManager(stores.deadLetters, q, recorder,
		deadletter.WithLogger(log.With("component", "deadletter")))
	if err != nil {
		return fmt.Errorf("build dead letter manager: %w", err)
	}

	handler := admin.New(svc, deadLetters, engine, log.With("component", "http"))
	router := admin.NewRouter(handler, admin.RouterConfig{
		AdminToken: cfg.Server.AdminToken,
		Gatherer:   m.Registry,
		Checks:     infra.healthChecks(),
		Logger:     log,
	})
	srv := httpserver.New(cfg.Server, router)

	log.Info("starting audit engine",
		"addr", cfg.Server.Addr,
		"broker", cfg.Broker,
		"hash_algorithm", unit.Algorithm(),
		"signing", unit.SigningEnabled(),
		"version", version,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})
	return g.Wait()
}
