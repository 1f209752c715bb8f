package plan

import (
	"fmt"

	"github.com/hydrostat-io/hydrostat/knowledge"
)

// Select picks at most one plan for an analysis result.
//
// A normal result never yields a plan. Otherwise the catalog candidates
// whose trigger condition matches a derived violation tag and whose scope
// covers the node are ordered by priority, ties broken by lexical plan
// code, and the first candidate not suppressed by the in-flight set wins.
// A non-normal result with no matching candidate yields the synthesized
// log_alert fallback, so every non-normal state produces an auditable
// action. The fallback is suppressed like any other plan: when every
// candidate is already in flight, Select returns nothing rather than
// double-firing an actuator.
//
// Select is pure computation; the caller supplies the in-flight set.
func Select(result knowledge.AnalysisResult, catalog *Catalog, inflight map[string]bool) (*knowledge.Plan, bool) {
	if result.SystemState == knowledge.StateNormal {
		return nil, false
	}

	tags := Tags(result)
	for _, p := range catalog.plans {
		if !matches(p, result, tags) {
			continue
		}
		if inflight[p.PlanCode] {
			continue
		}
		selected := p
		return &selected, true
	}

	if inflight[FallbackPlanCode] {
		return nil, false
	}
	fallback := fallbackPlan(result)
	return &fallback, true
}

// fallbackPlan synthesizes the generic log_alert plan for a result nothing
// in the catalog handles.
func fallbackPlan(result knowledge.AnalysisResult) knowledge.Plan {
	return knowledge.Plan{
		PlanCode: FallbackPlanCode,
		Scope:    result.NodeID,
		Command:  "log_alert",
		Parameters: map[string]any{
			"system_state": string(result.SystemState),
		},
		Priority:         99,
		TriggerCondition: "unhandled_condition",
		Description:      fmt.Sprintf("Log unhandled %s condition on %s", result.SystemState, result.NodeID),
	}
}
