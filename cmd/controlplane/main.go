package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/ghantakiran/ShieldOps-sub002/internal/api"
	"github.com/ghantakiran/ShieldOps-sub002/internal/approval"
	"github.com/ghantakiran/ShieldOps-sub002/internal/audit"
	"github.com/ghantakiran/ShieldOps-sub002/internal/config"
	"github.com/ghantakiran/ShieldOps-sub002/internal/connector"
	"github.com/ghantakiran/ShieldOps-sub002/internal/dispatch"
	"github.com/ghantakiran/ShieldOps-sub002/internal/ingest"
	"github.com/ghantakiran/ShieldOps-sub002/internal/lease"
	"github.com/ghantakiran/ShieldOps-sub002/internal/metrics"
	"github.com/ghantakiran/ShieldOps-sub002/internal/model"
	"github.com/ghantakiran/ShieldOps-sub002/internal/notify"
	"github.com/ghantakiran/ShieldOps-sub002/internal/policy"
	"github.com/ghantakiran/ShieldOps-sub002/internal/risk"
	"github.com/ghantakiran/ShieldOps-sub002/internal/snapshot"
	"github.com/ghantakiran/ShieldOps-sub002/internal/store"
	"github.com/ghantakiran/ShieldOps-sub002/internal/supervisor"
	"github.com/ghantakiran/ShieldOps-sub002/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)
	logger.Info("starting control plane",
		"http_addr", cfg.HTTPAddr,
		"nats_url", cfg.NATSURL,
		"postgres", cfg.PostgresDSN != "",
		"redis", cfg.RedisAddr != "")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable store: Postgres when configured, memory otherwise.
	var recordStore store.RecordStore
	if cfg.PostgresDSN != "" {
		pg, err := store.NewPostgresStore(cfg.PostgresDSN, logger)
		if err != nil {
			logger.Error("failed to open postgres store", "error", err)
			os.Exit(1)
		}
		recordStore = pg
	} else {
		logger.Warn("no postgres DSN configured, records will not survive restarts")
		recordStore = store.NewMemoryStore(logger)
	}
	defer recordStore.Close()

	// Message bus is optional; without it the HTTP ingress still works.
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			logger.Warn("NATS unavailable, continuing without the bus", "url", cfg.NATSURL, "error", err)
			nc = nil
		} else {
			defer nc.Close()
			logger.Info("connected to NATS", "url", cfg.NATSURL)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	notifier := notify.NewDispatcher(buildSenders(cfg, nc, logger), cfg.Notify.Timeout, logger, m)
	var auditPub audit.Publisher
	if nc != nil {
		auditPub = nc
	}
	trail := audit.NewTrail(recordStore, auditPub, "ops.audit.record", logger)

	policyClient := policy.NewClient(
		cfg.Policy.Endpoint,
		cfg.Policy.Timeout,
		cfg.Policy.FailureThreshold,
		cfg.Policy.CooldownBase,
		cfg.Policy.CooldownMax,
		logger,
		m,
	)
	classifier := risk.NewClassifier(cfg.Risk.DestructiveKeywords, cfg.Risk.BlastRadiusCeiling)
	approvals := approval.NewManager(recordStore, notifier, m, cfg.Approval.Timeout, cfg.Approval.CheckInterval, logger)

	// The connector boundary is an external collaborator; the built-in
	// fake serves development and single-node evaluation.
	conn := connector.NewFake()
	snapshots := snapshot.NewManager(recordStore, conn, cfg.Snapshot.Retention, logger)

	var leases lease.Manager
	if cfg.RedisAddr != "" {
		leases = lease.NewRedisManager(
			redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}),
			cfg.Workflow.LeaseTTL,
			logger,
		)
		logger.Info("using redis resource leases", "addr", cfg.RedisAddr)
	} else {
		leases = lease.NewMemoryManager(logger)
	}

	engine := workflow.NewEngine(workflow.Deps{
		Store:     recordStore,
		Policy:    policyClient,
		Risk:      classifier,
		Approvals: approvals,
		Snapshots: snapshots,
		Leases:    leases,
		Connector: conn,
		Notifier:  notifier,
		Trail:     trail,
		Metrics:   m,
		Logger:    logger,
	}, workflow.Options{
		ExecutionTimeout:  cfg.Workflow.ExecutionTimeout,
		ValidationTimeout: cfg.Workflow.ValidationTimeout,
		RollbackTimeout:   cfg.Workflow.RollbackTimeout,
		LeaseWait:         cfg.Workflow.LeaseWait,
		Chains:            chainsByRisk(cfg),
	})

	workers := dispatch.NewRegistry()
	workers.Register(model.WorkerRemediation, dispatch.NewRemediationWorker(engine, logger))
	if nc != nil {
		for _, t := range []model.WorkerType{
			model.WorkerInvestigation,
			model.WorkerSecurity,
			model.WorkerCost,
			model.WorkerLearning,
		} {
			workers.Register(t, dispatch.NewBusWorker(nc, "ops.workers."+string(t), cfg.Supervisor.DispatchTimeout))
		}
	}

	sup, err := supervisor.New(supervisor.Deps{
		Store:    recordStore,
		Registry: workers,
		Chainer:  engine,
		Notifier: notifier,
		Trail:    trail,
		Metrics:  m,
		Logger:   logger,
	}, supervisor.Options{
		AutoChainThreshold: cfg.Supervisor.AutoChainThreshold,
		EscalateBelow:      cfg.Supervisor.EscalateThreshold,
		DispatchTimeout:    cfg.Supervisor.DispatchTimeout,
		DedupeSize:         cfg.Supervisor.DedupeSize,
	})
	if err != nil {
		logger.Error("failed to build supervisor", "error", err)
		os.Exit(1)
	}

	// Recover whatever a previous process left in flight.
	if err := engine.Resume(ctx); err != nil {
		logger.Error("failed to resume in-flight records", "error", err)
		os.Exit(1)
	}

	go approvals.Run(ctx)
	snapshots.StartRetentionSweep(ctx, time.Hour)

	if nc != nil {
		consumer, err := ingest.NewConsumer(nc, sup, cfg.Supervisor.DispatchTimeout, logger)
		if err != nil {
			logger.Error("failed to build event consumer", "error", err)
			os.Exit(1)
		}
		if err := consumer.Start("ops.events.>", "controlplane"); err != nil {
			logger.Error("failed to start event consumer", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := consumer.Drain(); err != nil {
				logger.Warn("failed to drain event consumer", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.NewServer(engine, approvals, sup, recordStore, trail, registry, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}
	logger.Info("control plane stopped")
}

func buildSenders(cfg *config.Config, nc *nats.Conn, logger *slog.Logger) []notify.Sender {
	var senders []notify.Sender
	for _, ch := range cfg.Notify.Channels {
		switch ch.Kind {
		case "slack":
			senders = append(senders, notify.NewSlackSender(ch.WebhookURL))
		case "pagerduty":
			senders = append(senders, notify.NewPagerDutySender(ch.RoutingKey))
		case "nats":
			if nc != nil {
				senders = append(senders, notify.NewNATSSender(nc, ch.Subject))
			}
		case "log":
			senders = append(senders, notify.NewLogSender(logger))
		default:
			logger.Warn("unknown notification channel kind", "kind", ch.Kind, "name", ch.Name)
		}
	}
	if len(senders) == 0 {
		senders = append(senders, notify.NewLogSender(logger))
	}
	return senders
}

func chainsByRisk(cfg *config.Config) map[model.RiskLevel][]string {
	chains := make(map[model.RiskLevel][]string, len(cfg.Approval.Chains))
	for tier, chain := range cfg.Approval.Chains {
		chains[model.RiskLevel(tier)] = chain
	}
	return chains
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
