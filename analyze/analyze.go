// Package analyze evaluates readings against thresholds and anomaly scores.
// Analysis is pure computation: identical inputs always yield an identical
// result, and nothing here touches the knowledge store.
package analyze

import (
	"sort"

	"github.com/hydrostat-io/hydrostat/knowledge"
)

// Default anomaly cutoffs. A score at or above the moderate cutoff raises
// severity to alert; at or above the critical cutoff, to emergency.
const (
	DefaultAnomalyModerate = 0.5
	DefaultAnomalyCritical = 0.8
)

// Options configures severity aggregation.
type Options struct {
	// CriticalParams marks parameters whose violation alone is an
	// emergency (e.g. a motor overvoltage).
	CriticalParams map[string]bool

	// RequiredParams must be present in every reading and carry a
	// threshold; otherwise their status is invalid.
	RequiredParams []string

	// AnomalyModerate is the score at which severity rises to alert.
	AnomalyModerate float64

	// AnomalyCritical is the score at which severity rises to emergency.
	AnomalyCritical float64
}

// DefaultOptions returns sensible aggregation defaults.
func DefaultOptions() Options {
	return Options{
		AnomalyModerate: DefaultAnomalyModerate,
		AnomalyCritical: DefaultAnomalyCritical,
	}
}

// Analyzer evaluates readings. It holds only configuration and is safe for
// concurrent use.
type Analyzer struct {
	opts Options
}

// New creates an Analyzer with the given options.
func New(opts Options) *Analyzer {
	if opts.AnomalyModerate <= 0 {
		opts.AnomalyModerate = DefaultAnomalyModerate
	}
	if opts.AnomalyCritical <= 0 {
		opts.AnomalyCritical = DefaultAnomalyCritical
	}
	return &Analyzer{opts: opts}
}

// Analyze evaluates one reading against the node's active thresholds and an
// optional anomaly score.
//
// Per parameter with a matching threshold: low if value < min, high if
// value > max, else ok. Parameters without a threshold are ignored unless
// required, in which case their status is invalid. Threshold verdicts and
// the anomaly score combine via conservative OR: either signal alone can
// raise severity. A reading with no applicable threshold at all yields
// system_state=unknown rather than an error.
func (a *Analyzer) Analyze(reading *knowledge.Reading, thresholds map[string]knowledge.Threshold, anomalyScore *float64) knowledge.AnalysisResult {
	result := knowledge.AnalysisResult{
		NodeID:       reading.NodeID,
		Timestamp:    reading.Timestamp,
		Statuses:     make(map[string]knowledge.ParameterStatus),
		AnomalyScore: anomalyScore,
	}

	// Evaluate parameters in sorted order; the verdict must not depend on
	// map iteration order.
	params := make([]string, 0, len(reading.Values))
	for param := range reading.Values {
		params = append(params, param)
	}
	sort.Strings(params)

	applicable := 0
	violations := 0
	criticalViolated := false

	for _, param := range params {
		value := reading.Values[param]
		threshold, ok := thresholds[param]
		if !ok {
			if a.isRequired(param) {
				result.Statuses[param] = knowledge.StatusInvalid
				violations++
			}
			continue
		}
		applicable++

		switch {
		case value < threshold.Min:
			result.Statuses[param] = knowledge.StatusLow
			violations++
		case value > threshold.Max:
			result.Statuses[param] = knowledge.StatusHigh
			violations++
		default:
			result.Statuses[param] = knowledge.StatusOK
		}

		if result.Statuses[param] != knowledge.StatusOK && a.opts.CriticalParams[param] {
			criticalViolated = true
		}
	}

	// Required parameters absent from the reading entirely.
	for _, param := range a.requiredSorted() {
		if _, present := reading.Values[param]; !present {
			result.Statuses[param] = knowledge.StatusInvalid
			violations++
		}
	}

	thresholdState := aggregateState(applicable, violations, criticalViolated)
	result.SystemState = knowledge.MaxState(thresholdState, a.anomalyState(anomalyScore))
	return result
}

// aggregateState folds the per-parameter verdicts into one system state.
func aggregateState(applicable, violations int, criticalViolated bool) knowledge.SystemState {
	switch {
	case applicable == 0 && violations == 0:
		// Missing configuration is not an ingestion failure.
		return knowledge.StateUnknown
	case criticalViolated || violations >= 2:
		return knowledge.StateEmergency
	case violations == 1:
		return knowledge.StateAlert
	default:
		return knowledge.StateNormal
	}
}

// anomalyState maps an anomaly score to the severity it alone justifies.
// Scores below the moderate cutoff contribute nothing, so a quiet model
// never masks a missing-threshold unknown.
func (a *Analyzer) anomalyState(score *float64) knowledge.SystemState {
	if score == nil {
		return knowledge.StateUnknown
	}
	switch {
	case *score >= a.opts.AnomalyCritical:
		return knowledge.StateEmergency
	case *score >= a.opts.AnomalyModerate:
		return knowledge.StateAlert
	default:
		return knowledge.StateUnknown
	}
}

func (a *Analyzer) isRequired(param string) bool {
	for _, p := range a.opts.RequiredParams {
		if p == param {
			return true
		}
	}
	return false
}

func (a *Analyzer) requiredSorted() []string {
	out := make([]string, len(a.opts.RequiredParams))
	copy(out, a.opts.RequiredParams)
	sort.Strings(out)
	return out
}
