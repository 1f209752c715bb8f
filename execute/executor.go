// Package execute dispatches remediation commands to nodes with bounded
// retry and a per-node circuit breaker, and produces the execution audit
// record for every dispatch.
package execute

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hydrostat-io/hydrostat/knowledge"
)

// RetryConfig holds retry configuration for command dispatch.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per execution.
	MaxAttempts int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64

	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns sensible retry defaults for command dispatch.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Second,
	}
}

// Config configures the Executor.
type Config struct {
	Retry RetryConfig

	// AttemptTimeout is the hard per-attempt deadline for one dispatch.
	AttemptTimeout time.Duration
}

// DefaultConfig returns sensible executor defaults.
func DefaultConfig() Config {
	return Config{
		Retry:          DefaultRetryConfig(),
		AttemptTimeout: 10 * time.Second,
	}
}

// Executor dispatches plans to nodes.
type Executor struct {
	commander Commander
	breakers  *BreakerSet
	config    Config
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Executor. The breaker set is shared so callers can observe
// breaker transitions; pass NewBreakerSet(DefaultBreakerConfig(), nil) when
// nothing needs to.
func New(commander Commander, breakers *BreakerSet, cfg Config, logger *slog.Logger) *Executor {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultConfig().AttemptTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		commander: commander,
		breakers:  breakers,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Execute dispatches the plan's command to its target node and returns the
// audit record. It never returns an error: every outcome, including a
// circuit-open rejection, is an ExecutionResult.
//
// The breaker counts whole executions, not individual retry attempts: one
// Execute call that exhausts its retries is one consecutive failure.
func (e *Executor) Execute(ctx context.Context, p knowledge.Plan, analyzedNode string) knowledge.ExecutionResult {
	started := e.now()
	target := p.Target(analyzedNode)
	result := knowledge.ExecutionResult{
		PlanCode:  p.PlanCode,
		NodeID:    target,
		StartedAt: started,
	}

	// log_alert is a local action: the audit record is the remediation.
	if p.Command == "log_alert" {
		e.logger.Warn("Unhandled condition alert",
			"node", analyzedNode,
			"plan", p.PlanCode,
			"parameters", p.Parameters)
		result.Status = knowledge.ExecutionSuccess
		result.Message = "alert logged"
		result.Duration = e.now().Sub(started)
		return result
	}

	breaker := e.breakers.For(target)
	if err := breaker.Allow(); err != nil {
		result.Status = knowledge.ExecutionCircuitOpen
		result.Message = err.Error()
		result.Duration = e.now().Sub(started)
		return result
	}

	if steps, param, ok := gradualSteps(p); ok {
		e.executeGradual(ctx, p, target, param, steps, &result)
	} else {
		e.executeSingle(ctx, p, target, &result)
	}

	switch {
	case result.Status == knowledge.ExecutionSuccess:
		breaker.MarkSuccess()
	case ctx.Err() != nil:
		// The caller cancelled mid-execution; that says nothing about
		// the node's health.
	default:
		breaker.MarkFailure()
	}
	result.Duration = e.now().Sub(started)
	return result
}

func (e *Executor) executeSingle(ctx context.Context, p knowledge.Plan, target string, result *knowledge.ExecutionResult) {
	ack, attempts, err := e.dispatch(ctx, knowledge.Command{
		NodeID:     target,
		Command:    p.Command,
		Parameters: p.Parameters,
	})
	result.Attempts = attempts
	if err != nil {
		result.Status = knowledge.ExecutionFailed
		result.Message = err.Error()
		return
	}
	result.Status = knowledge.ExecutionSuccess
	result.Message = ack.Detail
	if result.Message == "" {
		result.Message = "accepted"
	}
}

// executeGradual applies a stepped parameter adjustment. Steps are applied
// strictly in sequence and the remaining steps are abandoned on the first
// failure; the last successfully applied value is always recorded so the
// actuator's true state is never unrecorded.
func (e *Executor) executeGradual(ctx context.Context, p knowledge.Plan, target, param string, steps []float64, result *knowledge.ExecutionResult) {
	var lastApplied *float64
	for i, value := range steps {
		_, attempts, err := e.dispatch(ctx, knowledge.Command{
			NodeID:  target,
			Command: p.Command,
			Parameters: map[string]any{
				"parameter": param,
				"value":     value,
				"step":      i + 1,
				"steps":     len(steps),
			},
		})
		result.Attempts += attempts
		if err != nil {
			result.Status = knowledge.ExecutionFailed
			if lastApplied != nil {
				result.Message = fmt.Sprintf("step %d/%d failed, last applied %s=%v: %v",
					i+1, len(steps), param, *lastApplied, err)
			} else {
				result.Message = fmt.Sprintf("step %d/%d failed, no step applied: %v",
					i+1, len(steps), err)
			}
			return
		}
		applied := value
		lastApplied = &applied
	}
	result.Status = knowledge.ExecutionSuccess
	result.Message = fmt.Sprintf("applied %d steps, final %s=%v", len(steps), param, steps[len(steps)-1])
}

// dispatch attempts one command with retry logic and returns the attempt
// count. Only transient failures are retried; a permanent failure stops the
// loop immediately.
func (e *Executor) dispatch(ctx context.Context, cmd knowledge.Command) (*knowledge.Ack, int, error) {
	var lastErr error
	for attempt := 1; attempt <= e.config.Retry.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, e.config.AttemptTimeout)
		ack, err := e.commander.Send(attemptCtx, cmd)
		cancel()

		if err == nil {
			return ack, attempt, nil
		}
		lastErr = err

		if IsPermanent(err) {
			return nil, attempt, err
		}
		if attempt < e.config.Retry.MaxAttempts {
			backoff := e.calculateBackoff(attempt)
			e.logger.Warn("Command dispatch failed, backing off",
				"node", cmd.NodeID,
				"command", cmd.Command,
				"attempt", attempt,
				"max_attempts", e.config.Retry.MaxAttempts,
				"backoff", backoff,
				"error", err)
			select {
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, e.config.Retry.MaxAttempts, lastErr
}

// calculateBackoff computes the exponential backoff duration for a retry.
func (e *Executor) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= e.config.Retry.BackoffMultiplier
	}
	backoff := time.Duration(float64(e.config.Retry.BackoffBase) * multiplier)
	if backoff > e.config.Retry.MaxBackoff {
		backoff = e.config.Retry.MaxBackoff
	}
	return backoff
}

// gradualSteps extracts the step sequence of a gradual adjustment plan.
// A gradual plan carries "parameter", "start_value", "target_value" and a
// positive "step" in its parameters; anything else dispatches as a single
// command.
func gradualSteps(p knowledge.Plan) ([]float64, string, bool) {
	param, ok := p.Parameters["parameter"].(string)
	if !ok || param == "" {
		return nil, "", false
	}
	start, ok := floatParam(p.Parameters, "start_value")
	if !ok {
		return nil, "", false
	}
	target, ok := floatParam(p.Parameters, "target_value")
	if !ok {
		return nil, "", false
	}
	step, ok := floatParam(p.Parameters, "step")
	if !ok || step <= 0 {
		return nil, "", false
	}

	var steps []float64
	if target >= start {
		for v := start + step; v < target; v += step {
			steps = append(steps, v)
		}
	} else {
		for v := start - step; v > target; v -= step {
			steps = append(steps, v)
		}
	}
	steps = append(steps, target)
	return steps, param, true
}

func floatParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
