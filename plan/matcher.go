package plan

import (
	"sort"

	"github.com/hydrostat-io/hydrostat/knowledge"
)

// anomalyTagCutoff is the anomaly score at which a result carries the
// sensor_abnormal tag. Matches the analyzer's moderate cutoff.
const anomalyTagCutoff = 0.5

// Tags derives the violation tags a plan's trigger_condition can match from
// an analysis result. Tags are returned sorted, so matching is independent
// of map iteration order.
//
// Per parameter: "<parameter>_low", "<parameter>_high" or
// "<parameter>_invalid". An emergency additionally carries
// "safety_threshold_exceeded", and a result whose severity was raised by
// the anomaly score carries "sensor_abnormal".
func Tags(result knowledge.AnalysisResult) []string {
	set := make(map[string]bool)

	for param, status := range result.Statuses {
		switch status {
		case knowledge.StatusLow:
			set[param+"_low"] = true
		case knowledge.StatusHigh:
			set[param+"_high"] = true
		case knowledge.StatusInvalid:
			set[param+"_invalid"] = true
		}
	}

	if result.SystemState == knowledge.StateEmergency {
		set["safety_threshold_exceeded"] = true
	}
	// The loop marks a silent node with the "reporting" pseudo-parameter.
	if set["reporting_invalid"] {
		set["data_not_posting"] = true
	}
	if result.AnomalyScore != nil && *result.AnomalyScore >= anomalyTagCutoff {
		set["sensor_abnormal"] = true
	}

	tags := make([]string, 0, len(set))
	for tag := range set {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// matches reports whether the plan is a candidate for the result: its
// trigger condition is one of the result's tags and its scope covers the
// analyzed node.
func matches(p knowledge.Plan, result knowledge.AnalysisResult, tags []string) bool {
	if !scopeMatches(p.Scope, result.NodeID) {
		return false
	}
	for _, tag := range tags {
		if tag == p.TriggerCondition {
			return true
		}
	}
	return false
}
