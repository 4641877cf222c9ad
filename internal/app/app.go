// Package app wires the broker's components together and owns their
// lifecycle.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"modelbroker/config"
	"modelbroker/internal/bench"
	"modelbroker/internal/broker"
	"modelbroker/internal/budget"
	"modelbroker/internal/chooser"
	"modelbroker/internal/core"
	"modelbroker/internal/diag"
	"modelbroker/internal/dispatch"
	"modelbroker/internal/kv"
	"modelbroker/internal/ledger"
	"modelbroker/internal/observability"
	"modelbroker/internal/perf"
	"modelbroker/internal/ratelimit"
	"modelbroker/internal/registry"
	"modelbroker/internal/retry"
	"modelbroker/internal/server"
	"modelbroker/internal/transport"
)

// App holds every initialized component. The caller must call Shutdown to
// release resources.
type App struct {
	config  *config.Config
	store   kv.Store
	broker  *broker.Broker
	sweeper *ledger.Sweeper
	drainer *broker.Drainer
	queue   *dispatch.Queue
	prober  *bench.Prober
	server  *server.Server

	loopCtx    context.Context
	loopCancel context.CancelFunc

	shutdownMu sync.Mutex
	shutdown   bool
}

// Version is stamped at build time.
var Version = "dev"

// New initializes the full dependency graph from configuration.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	store, err := kv.New(ctx, storageConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("initialize kv store: %w", err)
	}

	reg := registry.Build(registry.HeuristicOracle{})
	perfStore := perf.NewStore(store)
	benchStore := bench.NewStore(store)
	budgetStore := budget.NewStore(store)

	led := ledger.New(store)
	if cfg.Ledger.Lease > 0 {
		led.SetLease(cfg.Ledger.Lease)
	}

	queue := dispatch.New(store)
	if cfg.Dispatch.ActiveWeight > 0 {
		queue.SetActiveWeight(cfg.Dispatch.ActiveWeight)
	}

	metricsReg := prometheus.NewRegistry()
	metrics := observability.New(metricsReg)
	ring := diag.NewRing(diag.DefaultCapacity)

	httpTransport := transport.NewHTTP(nil)
	policy := retry.DefaultPolicy()
	limiter := ratelimit.New(cfg.Limiter.RPM, cfg.Limiter.TPM, 0)

	prober := bench.NewProber(benchStore, perfStore, probeFunc(httpTransport, cfg))

	// Background loops (sweeper, drainer, probe passes) share one context so
	// Shutdown reaches all of them.
	loopCtx, loopCancel := context.WithCancel(context.Background())

	ch := chooser.New(reg, perfStore, benchStore, store, func(specs []core.ModelSpec) {
		metrics.BenchRuns.Inc()
		go prober.Run(loopCtx, specs)
	})

	completions := broker.NewCompletionLog(store)
	brk := broker.New(broker.Config{
		Chooser:     ch,
		Ledger:      led,
		Limiter:     limiter,
		Budget:      budgetStore,
		Perf:        perfStore,
		Transport:   httpTransport,
		Completions: completions,
		Policy:      policy,
		Metrics:     metrics,
		Diag:        ring,
		BaseURL:     cfg.Upstream.BaseURL,
		APIKey:      cfg.Upstream.APIKey,
	})

	sweeper := ledger.NewSweeper(led, completions, requeuer{queue}, policy.MaxAttempts)
	if cfg.Ledger.SweepInterval > 0 {
		sweeper.SetInterval(cfg.Ledger.SweepInterval)
	}
	sweeper.OnAdopt(func(ledger.Record) { metrics.SweepAdoptions.Inc() })
	sweeper.OnRequeue(func(ledger.Record) { metrics.SweepRequeues.Inc() })
	sweeper.OnFail(func(ledger.Record) { metrics.SweepFailures.Inc() })

	drainer := broker.NewDrainer(brk, queue, led, metrics)

	handler := server.NewHandler(ch, budgetStore, queue, ring, reg, Version)
	srv := server.New(handler, &server.Config{
		MasterKey:      cfg.Server.MasterKey,
		MetricsEnabled: cfg.Server.MetricsEnabled,
	}, metricsReg)

	return &App{
		config:     cfg,
		store:      store,
		broker:     brk,
		sweeper:    sweeper,
		drainer:    drainer,
		queue:      queue,
		prober:     prober,
		server:     srv,
		loopCtx:    loopCtx,
		loopCancel: loopCancel,
	}, nil
}

// Broker returns the request orchestrator.
func (a *App) Broker() *broker.Broker {
	return a.broker
}

// Run starts the sweeper and drainer loops and serves HTTP until the
// server stops. http.ErrServerClosed from a graceful shutdown is not an
// error.
func (a *App) Run() error {
	go a.sweeper.Run(a.loopCtx)
	go a.drainer.Run(a.loopCtx)

	addr := ":" + a.config.Server.Port
	slog.Info("broker listening", "addr", addr, "storage", a.config.Storage.Type)

	if err := a.server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops components in reverse initialization order. Safe to call
// more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	defer a.shutdownMu.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	if a.loopCancel != nil {
		a.loopCancel()
	}
	return errors.Join(
		a.server.Shutdown(ctx),
		a.store.Close(),
	)
}

type requeuer struct {
	queue *dispatch.Queue
}

func (r requeuer) Requeue(ctx context.Context, rec ledger.Record) error {
	r.queue.Enqueue(ctx, dispatch.Job{
		ID:        rec.RequestID,
		TenantKey: rec.TenantKey,
		Priority:  dispatch.PriorityHigh,
		Reason:    "lease expired",
		Attempt:   rec.Attempt + 1,
	})
	return nil
}

func storageConfig(cfg *config.Config) kv.Config {
	kvCfg := kv.DefaultConfig()
	kvCfg.Type = cfg.Storage.Type
	switch cfg.Storage.Type {
	case kv.TypeSQLite:
		if cfg.Storage.DSN != "" {
			kvCfg.SQLite.Path = cfg.Storage.DSN
		}
	case kv.TypePostgreSQL:
		kvCfg.PostgreSQL.URL = cfg.Storage.DSN
	case kv.TypeMongoDB:
		kvCfg.MongoDB.URL = cfg.Storage.DSN
	case kv.TypeRedis:
		kvCfg.Redis.URL = cfg.Storage.DSN
	}
	return kvCfg
}

// probeFunc builds the tiny calibration call the prober runs against a
// model spec.
func probeFunc(t transport.Transport, cfg *config.Config) bench.ProbeFunc {
	return func(ctx context.Context, spec core.ModelSpec) (time.Duration, error) {
		payload := map[string]any{
			"model":             spec.ID,
			"input":             "ping",
			"max_output_tokens": 16,
		}
		if spec.Tier != core.TierStandard {
			payload["service_tier"] = string(spec.Tier)
		}
		body, _ := json.Marshal(payload)

		headers := http.Header{}
		if cfg.Upstream.APIKey != "" {
			headers.Set("Authorization", "Bearer "+cfg.Upstream.APIKey)
		}
		resp, err := t.Send(ctx, &transport.Request{
			Method:  http.MethodPost,
			URL:     cfg.Upstream.BaseURL + "/v1/responses",
			Headers: headers,
			Body:    body,
			Spec:    spec,
		})
		if err != nil {
			return 0, err
		}
		return resp.Latency, nil
	}
}
