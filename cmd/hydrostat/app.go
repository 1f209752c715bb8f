package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/hydrostat-io/hydrostat/analyze"
	"github.com/hydrostat-io/hydrostat/anomaly"
	"github.com/hydrostat-io/hydrostat/config"
	"github.com/hydrostat-io/hydrostat/execute"
	"github.com/hydrostat-io/hydrostat/ingest"
	"github.com/hydrostat-io/hydrostat/knowledge"
	"github.com/hydrostat-io/hydrostat/loop"
	"github.com/hydrostat-io/hydrostat/metric"
	"github.com/hydrostat-io/hydrostat/monitor"
	"github.com/hydrostat-io/hydrostat/plan"
)

// App is the main application that wires together all components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	store knowledge.Store

	catalog      *plan.Source
	metrics      *metric.Metrics
	orchestrator *loop.Orchestrator
	ingester     *ingest.Ingester

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// Start initializes and starts all components. Background work is tied to
// a context derived from ctx and stops when Shutdown is called.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	// Start NATS (embedded or connect to external)
	if err := a.startNATS(ctx); err != nil {
		cancel()
		return fmt.Errorf("start NATS: %w", err)
	}

	// Knowledge store over JetStream KV
	store, err := knowledge.NewKVStore(ctx, a.js)
	if err != nil {
		cancel()
		return fmt.Errorf("initialize knowledge store: %w", err)
	}
	a.store = store

	// Plan catalog with optional hot reload
	catalog, err := plan.NewSource(a.cfg.Catalog.Path, a.logger)
	if err != nil {
		cancel()
		return fmt.Errorf("load plan catalog: %w", err)
	}
	a.catalog = catalog
	if a.cfg.Catalog.Watch && a.cfg.Catalog.Path != "" {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := catalog.Watch(runCtx); err != nil {
				a.logger.Error("Catalog watcher stopped", "error", err)
			}
		}()
	}

	// Telemetry
	a.metrics = metric.New()
	if a.cfg.Metrics.Addr != "" {
		addr := a.cfg.Metrics.Addr
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.metrics.Serve(runCtx, addr, a.logger); err != nil {
				a.logger.Error("Metrics server stopped", "error", err)
			}
		}()
	}

	// Executor with per-node circuit breakers; breaker transitions feed
	// telemetry and the audit log
	breakers := execute.NewBreakerSet(execute.BreakerConfig{
		FailureThreshold: a.cfg.Executor.BreakerThreshold,
		Cooldown:         a.cfg.Executor.BreakerCooldown,
	}, a.onBreakerChange)

	commander := execute.NewNATSCommander(a.natsConn, a.cfg.NATS.CommandSubjectPrefix)
	executor := execute.New(commander, breakers, execute.Config{
		Retry: execute.RetryConfig{
			MaxAttempts:       a.cfg.Executor.MaxAttempts,
			BackoffBase:       a.cfg.Executor.BackoffBase,
			BackoffMultiplier: 2.0,
			MaxBackoff:        a.cfg.Executor.BackoffMax,
		},
		AttemptTimeout: a.cfg.Executor.AttemptTimeout,
	}, a.logger)

	// Analyzer and optional anomaly scorer
	critical := make(map[string]bool, len(a.cfg.Analyzer.CriticalParams))
	for _, p := range a.cfg.Analyzer.CriticalParams {
		critical[p] = true
	}
	analyzer := analyze.New(analyze.Options{
		CriticalParams:  critical,
		RequiredParams:  a.cfg.Analyzer.RequiredParams,
		AnomalyModerate: a.cfg.Analyzer.AnomalyModerate,
		AnomalyCritical: a.cfg.Analyzer.AnomalyCritical,
	})

	var scorer anomaly.Scorer
	if a.cfg.Analyzer.Scorer {
		scorer = anomaly.NewSigmaScorer(a.cfg.Analyzer.ScorerWindow, 0)
	}

	// Control loop orchestrator
	orchestrator, err := loop.New(loop.Config{
		Interval:      a.cfg.Loop.Interval,
		MaxConcurrent: a.cfg.Loop.MaxConcurrent,
		BackoffBase:   a.cfg.Loop.BackoffBase,
		BackoffMax:    a.cfg.Loop.BackoffMax,
		SilenceAfter:  a.cfg.Loop.SilenceAfter,
	}, loop.Deps{
		Store:    a.store,
		Analyzer: analyzer,
		Catalog:  catalog,
		Executor: executor,
		Scorer:   scorer,
		Metrics:  a.metrics,
		Logger:   a.logger,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("create orchestrator: %w", err)
	}
	a.orchestrator = orchestrator

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := orchestrator.Run(runCtx); err != nil && runCtx.Err() == nil {
			a.logger.Error("Orchestrator stopped", "error", err)
		}
	}()

	// Reading ingestion, nudging the loop on arrival
	mon := monitor.New(monitor.Config{
		MaxClockSkew: a.cfg.Monitor.MaxClockSkew,
		MaxStaleness: a.cfg.Monitor.MaxStaleness,
	})
	a.ingester = ingest.New(a.natsConn, a.cfg.NATS.ReadingSubject, mon, a.store, orchestrator, a.metrics, a.logger)
	if err := a.ingester.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start ingester: %w", err)
	}

	a.logger.Info("Components initialized")
	return nil
}

// onBreakerChange is invoked on every circuit breaker state transition.
func (a *App) onBreakerChange(nodeID string, from, to execute.BreakerState) {
	a.logger.Warn("Circuit breaker transition",
		"node_id", nodeID,
		"from", string(from),
		"to", string(to))

	if to == execute.BreakerOpen {
		a.metrics.BreakerTrips.Inc()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	event := fmt.Sprintf("circuit breaker %s -> %s", from, to)
	if err := a.store.RecordEvent(ctx, event, nodeID); err != nil {
		a.logger.Warn("Failed to record breaker event", "node_id", nodeID, "error", err)
	}
}

func (a *App) startNATS(ctx context.Context) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		// Connect to external NATS
		a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, js, err := connectNATS(a.cfg.NATS.URL)
		if err != nil {
			return err
		}
		a.natsConn = conn
		a.js = js
		return nil
	}

	// Start embedded NATS server
	a.logger.Info("Starting embedded NATS server")
	opts := &server.Options{
		Port:      -1, // Random available port
		JetStream: true,
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	// Wait for server to be ready
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return fmt.Errorf("embedded NATS server failed to start")
	}

	a.embeddedServer = ns

	conn, js, err := connectNATS(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return err
	}
	a.natsConn = conn
	a.js = js
	return nil
}

// connectNATS connects to a NATS server and opens a JetStream context.
func connectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	conn, err := nats.Connect(url,
		nats.Name(appName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("create JetStream context: %w", err)
	}

	return conn, js, nil
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown(timeout time.Duration) {
	a.logger.Info("Shutting down")

	if a.ingester != nil {
		a.ingester.Stop()
	}

	if a.cancel != nil {
		a.cancel()
	}

	// Wait for background work, bounded by the shutdown timeout
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		a.logger.Warn("Shutdown timeout exceeded, abandoning background work")
	}

	// Close NATS connection
	if a.natsConn != nil {
		_ = a.natsConn.Drain()
		a.natsConn.Close()
	}

	// Shutdown embedded server
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}
