// Copyright 2026 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package app assembles the switchboard daemon: storage, connector
// registry, webhook ingestion, the execution queue and dispatcher, the
// trigger schedulers and both HTTP listeners, supervised as one unit.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/switchboard/internal/audit"
	"github.com/tombee/switchboard/internal/config"
	"github.com/tombee/switchboard/internal/credential"
	"github.com/tombee/switchboard/internal/dispatch"
	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/outbox"
	"github.com/tombee/switchboard/internal/poller"
	"github.com/tombee/switchboard/internal/queue"
	"github.com/tombee/switchboard/internal/quota"
	"github.com/tombee/switchboard/internal/registry"
	"github.com/tombee/switchboard/internal/runtime"
	"github.com/tombee/switchboard/internal/schedule"
	"github.com/tombee/switchboard/internal/secrets"
	"github.com/tombee/switchboard/internal/server"
	"github.com/tombee/switchboard/internal/store"
	"github.com/tombee/switchboard/internal/store/memory"
	"github.com/tombee/switchboard/internal/store/sqlite"
	"github.com/tombee/switchboard/internal/tracing"
	"github.com/tombee/switchboard/internal/webhook"
)

// quotaRolloverInterval is how often lapsed billing periods are swept.
// Rollover is idempotent so the tick is deliberately coarse.
const quotaRolloverInterval = time.Hour

// Options carries build-time identity.
type Options struct {
	Version string
	Commit  string
}

// App owns every daemon component and their shared dependencies.
type App struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store    store.Store
	provider *tracing.Provider
	registry *registry.Registry

	queue      *queue.Service
	engine     *runtime.Engine
	dispatcher *dispatch.Dispatcher
	replayer   *outbox.Replayer
	sweeper    *outbox.Sweeper
	poller     *poller.Poller
	scheduler  *schedule.Scheduler
	meter      *quota.Meter
	webhooks   *webhook.Service

	server *server.Server
	public *server.PublicServer
}

// New wires the daemon from configuration. Nothing is running until
// Run; construction only opens the store and loads the registry.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
	})

	provider, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:            cfg.Tracing.Enabled,
		ServiceName:        cfg.Tracing.ServiceName,
		ServiceVersion:     opts.Version,
		Exporter:           cfg.Tracing.Exporter,
		Endpoint:           cfg.Tracing.Endpoint,
		Insecure:           cfg.Tracing.Insecure,
		SampleRate:         cfg.Tracing.SampleRate,
		AlwaysSampleErrors: cfg.Tracing.AlwaysSampleErrors,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	metrics := provider.Metrics()

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	masterKey, err := secrets.ResolveMasterKey(secrets.Options{
		Provider:       cfg.Secrets.Provider,
		MasterKey:      cfg.Secrets.MasterKey,
		MasterKeyFile:  cfg.Secrets.MasterKeyFile,
		KeyringService: cfg.Secrets.KeyringService,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("resolving master key: %w", err)
	}
	sealer := secrets.NewSealer(masterKey)

	reg, err := registry.New(registry.Options{
		Dir:             cfg.Connectors.ManifestDir,
		GenericEnabled:  cfg.Connectors.GenericExecutorEnabled,
		AppsScriptFlags: cfg.Connectors.AppsScript,
		Recorder:        metrics,
		Logger:          logger,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("building connector registry: %w", err)
	}
	if err := reg.Load(); err != nil {
		st.Close()
		return nil, fmt.Errorf("loading connector manifests: %w", err)
	}

	creds := credential.NewResolver(st, sealer, logger)

	meter := quota.NewMeter(st, logger,
		quota.WithEmitter(quota.NewMemoryLedger()),
		quota.WithDefaultRegion(cfg.DefaultOrganizationRegion))

	driver, err := newQueueDriver(cfg.Queue, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("building queue driver: %w", err)
	}
	qsvc := queue.NewService(st, driver, logger,
		queue.WithUsageGate(meter),
		queue.WithRecorder(metrics),
		queue.WithNonDurable(cfg.Queue.AllowDevIgnore))

	engine := runtime.New(st, reg, creds, runtime.Options{
		NodeTimeout: cfg.Limits.DefaultNodeTimeout,
		Deadline:    cfg.Limits.DefaultExecutionTimeout,
	}, logger, runtime.WithRecorder(metrics))

	dispatcher := dispatch.New(st, driver, engine, dispatch.Options{
		Workers:       cfg.Dispatcher.Workers,
		LeaseDuration: cfg.Dispatcher.LeaseDuration,
		DrainTimeout:  cfg.Dispatcher.DrainTimeout,
		DeferralCap:   cfg.Queue.DeferralCap,
	}, logger, dispatch.WithMeter(meter), dispatch.WithRecorder(metrics))

	replayer := outbox.NewReplayer(st, enqueueOutbox(qsvc), outbox.Options{
		Interval:    cfg.Outbox.ReplayInterval,
		MaxAttempts: cfg.Outbox.MaxAttempts,
		BackoffBase: cfg.Outbox.BackoffBase,
		BackoffMax:  cfg.Outbox.BackoffMax,
	}, logger, outbox.WithRecorder(metrics))

	sweeper := outbox.NewSweeper(st, cfg.Outbox.Retention, cfg.Limits.WebhookLogRetention, logger)

	var pollsched *poller.Poller
	if cfg.Poller.Enabled {
		pollsched = poller.New(st, reg, creds, poller.Options{
			Partitions:      cfg.Poller.Partitions,
			Interval:        cfg.Poller.Interval,
			LeaseDuration:   cfg.Poller.LeaseDuration,
			BatchSize:       cfg.Poller.BatchSize,
			OutboxHighWater: cfg.Poller.OutboxHighWater,
		}, logger, poller.WithRecorder(metrics))
	}

	scheduler := schedule.New(st, logger)

	verifier := webhook.NewVerifier(
		webhook.WithInsecurePassthrough(cfg.Connectors.AllowInsecurePassthrough))
	webhooks := webhook.NewService(st, verifier, logger, webhook.WithRecorder(metrics))

	auditor := audit.NewService(st, logger)

	srv := server.New(cfg.Server, cfg.GitSHA, server.Deps{
		Store:      st,
		Queue:      qsvc,
		Runner:     engine,
		Connectors: reg,
		Exporter:   meter,
		Audit:      auditor,
		Metrics:    metricsHandler(cfg.Tracing, provider),
	}, logger)

	var public *server.PublicServer
	if cfg.PublicAPI.Enabled {
		public = server.NewPublic(cfg.PublicAPI, webhooks, cfg.Limits.MaxWebhookBodyBytes, logger)
	}

	return &App{
		cfg:        cfg,
		opts:       opts,
		logger:     log.WithComponent(logger, "app"),
		store:      st,
		provider:   provider,
		registry:   reg,
		queue:      qsvc,
		engine:     engine,
		dispatcher: dispatcher,
		replayer:   replayer,
		sweeper:    sweeper,
		poller:     pollsched,
		scheduler:  scheduler,
		meter:      meter,
		webhooks:   webhooks,
		server:     srv,
		public:     public,
	}, nil
}

// Run starts every component and blocks until the context is cancelled
// or one of them fails. Shutdown order is handled by each component's
// own drain logic; the dispatcher finishes in-flight executions before
// returning.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("switchboard starting",
		slog.String("version", a.opts.Version),
		slog.String("commit", a.opts.Commit),
		slog.String("listen", a.cfg.Server.Addr))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.server.Run(ctx) })
	if a.public != nil {
		g.Go(func() error { return a.public.Run(ctx) })
	}
	g.Go(func() error { return a.dispatcher.Run(ctx) })
	g.Go(func() error { return ignoreCancel(a.replayer.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(a.sweeper.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(a.scheduler.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(a.meter.Run(ctx, quotaRolloverInterval)) })
	if a.poller != nil {
		g.Go(func() error { return ignoreCancel(a.poller.Run(ctx)) })
	}
	if a.cfg.Connectors.Watch {
		g.Go(func() error { return ignoreCancel(a.registry.Watch(ctx, a.cfg.Connectors.WatchDebounce)) })
	}

	err := g.Wait()
	a.close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("switchboard stopped")
	return nil
}

func (a *App) close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.provider.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("telemetry shutdown failed", log.Error(err))
	}
	if err := a.registry.Close(); err != nil {
		a.logger.Error("closing registry failed", log.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("closing store failed", log.Error(err))
	}
}

// ignoreCancel maps context cancellation to a clean exit so background
// loops do not mask the real shutdown cause in the errgroup.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(), nil
	default:
		return sqlite.New(sqlite.Config{
			Path:         cfg.SQLite.Path,
			BusyTimeout:  cfg.SQLite.BusyTimeout,
			MaxOpenConns: cfg.SQLite.MaxOpenConns,
			MaxIdleConns: cfg.SQLite.MaxIdleConns,
		})
	}
}

func newQueueDriver(cfg config.QueueConfig, logger *slog.Logger) (queue.Driver, error) {
	switch cfg.Mode {
	case "memory":
		return queue.NewMemoryDriver(queue.MemoryOptions{
			BlockTimeout:      cfg.BlockTimeout,
			VisibilityTimeout: cfg.VisibilityTimeout,
		}), nil
	default:
		return queue.NewRedisDriver(queue.RedisOptions{
			URL:               cfg.RedisURL,
			Stream:            cfg.Stream,
			Group:             cfg.Group,
			BlockTimeout:      cfg.BlockTimeout,
			VisibilityTimeout: cfg.VisibilityTimeout,
		}, logger)
	}
}

// enqueueOutbox adapts the admission service into the outbox dispatch
// callback. Quota rejections surface as dispatch errors and consume a
// replay attempt, so an exhausted organization's backlog fails out
// instead of looping forever.
func enqueueOutbox(qsvc *queue.Service) outbox.Dispatch {
	return func(ctx context.Context, rec *store.OutboxRecord) error {
		req, err := queue.DecodeRunRequest(rec.Payload)
		if err != nil {
			return err
		}
		// Keys the enqueue on the record, so redelivery after a lost
		// mark-dispatched cannot admit a second execution.
		req.OutboxID = rec.ID
		_, err = qsvc.Enqueue(ctx, req)
		return err
	}
}

func metricsHandler(cfg config.TracingConfig, provider *tracing.Provider) http.Handler {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return provider.MetricsHandler()
}
