// Package anomaly scores readings for deviation from a node's recent
// behavior. The loop consumes scorers through a narrow interface; the
// statistical model behind a score is not its concern.
package anomaly

import (
	"math"
	"sync"

	"github.com/hydrostat-io/hydrostat/knowledge"
)

// Scorer predicts how anomalous a reading is on a 0..1 scale. Score reports
// ok=false when it has no verdict (e.g. not enough history), in which case
// the analysis proceeds without an anomaly signal.
type Scorer interface {
	Score(r *knowledge.Reading) (score float64, ok bool)
}

// Default sigma scorer tuning.
const (
	DefaultWindow     = 32
	DefaultMinSamples = 10
)

// SigmaScorer scores a reading by its worst per-parameter z-score over a
// rolling window. A 3-sigma deviation maps to 0.5 and the score saturates
// at 1.0 around 6 sigma, so the analyzer's moderate cutoff lines up with
// the classic 3-sigma outlier rule.
type SigmaScorer struct {
	window     int
	minSamples int

	mu      sync.Mutex
	history map[string][]float64 // keyed by node/parameter
}

// NewSigmaScorer creates a SigmaScorer with the given window size.
func NewSigmaScorer(window, minSamples int) *SigmaScorer {
	if window <= 0 {
		window = DefaultWindow
	}
	if minSamples <= 1 {
		minSamples = DefaultMinSamples
	}
	return &SigmaScorer{
		window:     window,
		minSamples: minSamples,
		history:    make(map[string][]float64),
	}
}

// Score computes the reading's anomaly score against the history observed
// so far, then folds the reading into the window.
func (s *SigmaScorer) Score(r *knowledge.Reading) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	worst := 0.0
	scored := false
	for param, value := range r.Values {
		key := r.NodeID + "/" + param
		window := s.history[key]
		if len(window) >= s.minSamples {
			if z, ok := zScore(value, window); ok {
				scored = true
				if z > worst {
					worst = z
				}
			}
		}
		s.history[key] = appendBounded(window, value, s.window)
	}
	if !scored {
		return 0, false
	}
	return math.Min(worst/6.0, 1.0), true
}

// zScore returns |value-mean|/stddev over the window. A flat window has no
// spread to measure against, so it yields no verdict rather than infinity.
func zScore(value float64, window []float64) (float64, bool) {
	mean := 0.0
	for _, v := range window {
		mean += v
	}
	mean /= float64(len(window))

	variance := 0.0
	for _, v := range window {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(window))
	if variance == 0 {
		return 0, false
	}
	return math.Abs(value-mean) / math.Sqrt(variance), true
}

func appendBounded(window []float64, value float64, max int) []float64 {
	window = append(window, value)
	if len(window) > max {
		window = window[len(window)-max:]
	}
	return window
}
