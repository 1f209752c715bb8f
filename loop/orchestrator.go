// Package loop drives the per-node control cycle: monitor, analyze, plan,
// execute, knowledge update. Cycles for distinct nodes run concurrently
// under a worker-pool limit; one node's failure never blocks another's
// cycle.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hydrostat-io/hydrostat/analyze"
	"github.com/hydrostat-io/hydrostat/anomaly"
	"github.com/hydrostat-io/hydrostat/execute"
	"github.com/hydrostat-io/hydrostat/knowledge"
	"github.com/hydrostat-io/hydrostat/metric"
	"github.com/hydrostat-io/hydrostat/plan"
)

// errCircuitOpen marks a cycle whose execution was rejected by an open
// breaker; the node backs off before its next attempt.
var errCircuitOpen = errors.New("execution rejected by open circuit")

// Config configures the orchestrator.
type Config struct {
	// Interval is the fixed scheduling interval; every node is due once
	// per interval in addition to reading-arrival triggers.
	Interval time.Duration

	// MaxConcurrent caps concurrently running cycles, bounding outbound
	// connections.
	MaxConcurrent int64

	// BackoffBase is the initial per-node backoff after a failed cycle.
	BackoffBase time.Duration

	// BackoffMax caps the per-node backoff.
	BackoffMax time.Duration

	// SilenceAfter is how long a node may go without a reading before
	// its cycle raises the data_not_posting condition. Zero defaults to
	// three intervals.
	SilenceAfter time.Duration
}

// DefaultConfig returns sensible orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      60 * time.Second,
		MaxConcurrent: 8,
		BackoffBase:   5 * time.Second,
		BackoffMax:    5 * time.Minute,
	}
}

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	Store    knowledge.Store
	Analyzer *analyze.Analyzer
	Catalog  *plan.Source
	Executor *execute.Executor

	// Scorer is optional; without it analysis runs on thresholds alone.
	Scorer anomaly.Scorer

	Metrics *metric.Metrics
	Logger  *slog.Logger
}

// nodeState is the scheduler's per-node bookkeeping.
type nodeState struct {
	running     bool
	failures    int
	nextAttempt time.Time
}

// Orchestrator schedules and runs per-node control cycles.
type Orchestrator struct {
	config   Config
	store    knowledge.Store
	analyzer *analyze.Analyzer
	catalog  *plan.Source
	executor *execute.Executor
	scorer   anomaly.Scorer
	metrics  *metric.Metrics
	logger   *slog.Logger

	sem   *semaphore.Weighted
	nudge chan string

	mu    sync.Mutex
	nodes map[string]*nodeState
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Analyzer == nil {
		return nil, fmt.Errorf("analyzer is required")
	}
	if deps.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if deps.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.SilenceAfter <= 0 {
		cfg.SilenceAfter = 3 * cfg.Interval
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = metric.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		config:   cfg,
		store:    deps.Store,
		analyzer: deps.Analyzer,
		catalog:  deps.Catalog,
		executor: deps.Executor,
		scorer:   deps.Scorer,
		metrics:  metrics,
		logger:   logger,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		nudge:    make(chan string, 256),
		nodes:    make(map[string]*nodeState),
	}, nil
}

// Nudge requests an immediate cycle for the node, typically on reading
// arrival. It never blocks: a full queue is fine because the interval
// schedule covers every node anyway.
func (o *Orchestrator) Nudge(nodeID string) {
	select {
	case o.nudge <- nodeID:
	default:
	}
}

// Run schedules cycles until ctx is cancelled, then waits for in-progress
// cycles to finish. In-progress cycles observe the cancellation through
// their own ctx; knowledge writes stay atomic per record, so cancellation
// never corrupts the store.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.config.Interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	o.tick(ctx, &wg)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-ticker.C:
			o.tick(ctx, &wg)
		case nodeID := <-o.nudge:
			o.spawn(ctx, &wg, nodeID)
		}
	}
}

// tick schedules one cycle for every registered node. ListNodes returns
// nodes in stable order and every due node is offered to the pool each
// tick, so no node is starved indefinitely.
func (o *Orchestrator) tick(ctx context.Context, wg *sync.WaitGroup) {
	nodes, err := o.store.ListNodes(ctx)
	if err != nil {
		o.logger.Error("Listing nodes failed, skipping tick", "error", err)
		return
	}
	for _, node := range nodes {
		o.spawn(ctx, wg, node.NodeID)
	}
}

// spawn starts a cycle for the node unless one is already running or the
// node is backing off.
func (o *Orchestrator) spawn(ctx context.Context, wg *sync.WaitGroup, nodeID string) {
	now := time.Now()

	o.mu.Lock()
	state, ok := o.nodes[nodeID]
	if !ok {
		state = &nodeState{}
		o.nodes[nodeID] = state
	}
	if state.running || now.Before(state.nextAttempt) {
		o.mu.Unlock()
		return
	}
	state.running = true
	o.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := o.sem.Acquire(ctx, 1); err != nil {
			o.release(nodeID, nil, time.Time{})
			return
		}
		defer o.sem.Release(1)

		started := time.Now()
		err := o.cycle(ctx, nodeID)
		o.metrics.CycleDuration.Observe(time.Since(started).Seconds())
		o.release(nodeID, err, started)
	}()
}

// release finishes the node's cycle bookkeeping: failures escalate the
// node's backoff, success clears it. Every cycle failure is recorded as a
// knowledge event so no error escapes the loop unrecorded.
func (o *Orchestrator) release(nodeID string, err error, started time.Time) {
	o.mu.Lock()
	state := o.nodes[nodeID]
	state.running = false
	if err == nil {
		state.failures = 0
		state.nextAttempt = time.Time{}
	} else {
		state.failures++
		state.nextAttempt = time.Now().Add(o.backoff(state.failures))
	}
	failures := state.failures
	o.mu.Unlock()

	if err == nil || started.IsZero() {
		return
	}

	o.metrics.CyclesFailed.Inc()
	o.logger.Error("Cycle failed",
		"node", nodeID,
		"consecutive_failures", failures,
		"error", err)

	recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rerr := o.store.RecordEvent(recordCtx, fmt.Sprintf("cycle failed: %v", err), nodeID); rerr != nil {
		o.logger.Error("Recording cycle failure event failed", "node", nodeID, "error", rerr)
	}
}

func (o *Orchestrator) backoff(failures int) time.Duration {
	backoff := o.config.BackoffBase
	for i := 1; i < failures; i++ {
		backoff *= 2
		if backoff >= o.config.BackoffMax {
			return o.config.BackoffMax
		}
	}
	if backoff > o.config.BackoffMax {
		backoff = o.config.BackoffMax
	}
	return backoff
}

// cycle runs one node's Monitor, Analyze, Plan, Execute, Knowledge-update
// sequence. Any returned error aborts this node's cycle only.
func (o *Orchestrator) cycle(ctx context.Context, nodeID string) error {
	// Monitor stage: fetch the node's latest validated reading.
	reading, err := o.store.LatestReading(ctx, nodeID)
	silent := false
	switch {
	case errors.Is(err, knowledge.ErrNotFound):
		silent = true
	case err != nil:
		return fmt.Errorf("monitor: %w", err)
	case time.Since(reading.Timestamp) > o.config.SilenceAfter:
		silent = true
	}

	var result knowledge.AnalysisResult
	if silent {
		result = silentNodeResult(nodeID)
	} else {
		thresholds, err := o.store.GetThresholds(ctx, nodeID)
		if err != nil {
			return fmt.Errorf("load thresholds: %w", err)
		}

		var score *float64
		if o.scorer != nil {
			if s, ok := o.scorer.Score(reading); ok {
				score = &s
			}
		}

		result = o.analyzer.Analyze(reading, thresholds, score)
		for _, status := range result.Statuses {
			if status != knowledge.StatusOK {
				o.metrics.ViolationsDetected.Inc()
			}
		}
	}

	if err := o.store.RecordAnalysis(ctx, &result); err != nil {
		return fmt.Errorf("record analysis: %w", err)
	}
	o.logger.Debug("Reading analyzed",
		"node", nodeID,
		"system_state", result.SystemState,
		"violations", len(result.Violations()))

	// Plan stage: pure selection against the current catalog, with the
	// in-flight set fetched up front so the planner never suspends.
	inflight, err := o.store.InFlightPlans(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("load in-flight plans: %w", err)
	}
	selected, ok := plan.Select(result, o.catalog.Current(), inflight)
	if !ok {
		if result.SystemState != knowledge.StateNormal {
			if err := o.store.RecordEvent(ctx, "remediation suppressed: plan already in flight", nodeID); err != nil {
				return err
			}
		}
		return nil
	}

	if err := o.store.RecordEvent(ctx, fmt.Sprintf("plan selected: %s for %s", selected.PlanCode, result.SystemState), nodeID); err != nil {
		return err
	}

	// Claim the (node, plan) pair before dispatching; a concurrent cycle
	// losing this race simply stands down.
	if err := o.store.MarkInFlight(ctx, nodeID, selected.PlanCode); err != nil {
		if errors.Is(err, knowledge.ErrInFlight) {
			return nil
		}
		return fmt.Errorf("mark in-flight: %w", err)
	}
	execResult := o.executor.Execute(ctx, *selected, nodeID)

	// Clear the claim on every exit path, even under cancellation, with
	// its own deadline: an orphaned claim suppresses remediation until
	// the staleness guard expires it.
	clearCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clearErr := o.store.ClearInFlight(clearCtx, nodeID, selected.PlanCode)

	if err := o.store.RecordExecution(clearCtx, &execResult); err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	o.metrics.PlansExecuted.WithLabelValues(string(execResult.Status)).Inc()
	if err := o.store.RecordEvent(clearCtx, fmt.Sprintf("plan %s %s: %s", execResult.PlanCode, execResult.Status, execResult.Message), nodeID); err != nil {
		return err
	}
	if clearErr != nil {
		return fmt.Errorf("clear in-flight: %w", clearErr)
	}

	if execResult.Status == knowledge.ExecutionCircuitOpen {
		return fmt.Errorf("%w: node %s", errCircuitOpen, execResult.NodeID)
	}
	return nil
}

// silentNodeResult is the analysis of a node that stopped posting readings.
// The pseudo-parameter keeps the verdict expressible as an ordinary tagged
// record, so the planner can match the data_not_posting condition.
func silentNodeResult(nodeID string) knowledge.AnalysisResult {
	return knowledge.AnalysisResult{
		NodeID:    nodeID,
		Timestamp: time.Now(),
		Statuses: map[string]knowledge.ParameterStatus{
			"reporting": knowledge.StatusInvalid,
		},
		SystemState: knowledge.StateAlert,
	}
}
