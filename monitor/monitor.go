// Package monitor converts raw sensor input into validated, typed readings.
// It is a pure transform: nothing here writes to the knowledge store.
package monitor

import (
	"fmt"
	"sort"
	"time"

	"github.com/hydrostat-io/hydrostat/knowledge"
)

// RawReading is the unvalidated input submitted at the ingestion boundary.
type RawReading struct {
	NodeID    string             `json:"node_id"`
	Values    map[string]float64 `json:"values"`
	Timestamp time.Time          `json:"timestamp"`
	Source    string             `json:"source,omitempty"`
}

// ValidationError reports why a raw reading was rejected. Rejected readings
// are dropped and logged; they never abort the loop.
type ValidationError struct {
	NodeID string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid reading from %q: %s: %s", e.NodeID, e.Field, e.Reason)
}

// physicalRange bounds a parameter to values the sensor can physically
// produce. Values outside the range indicate a broken sensor or corrupt
// input, not a threshold violation.
type physicalRange struct {
	min, max float64
}

// Physical limits per parameter, from the deployed sensor hardware.
var physicalRanges = map[string]physicalRange{
	"water_level":       {0, 500},  // cm
	"temperature":       {-10, 60}, // °C
	"tds_voltage":       {0, 5},    // V
	"uncompensated_tds": {0, 2000}, // ppm
	"compensated_tds":   {0, 2000}, // ppm
	"flowrate":          {0, 100},  // L/min
	"total_flow":        {0, 1e9},  // L
	"pressure":          {0, 16},   // bar
	"pressure_voltage":  {0, 5},    // V
	"voltage":           {0, 500},  // V
	"current":           {0, 100},  // A
	"power":             {0, 50000},
	"energy":            {0, 1e9},
	"frequency":         {0, 120}, // Hz
	"power_factor":      {0, 1},
	"status":            {0, 1},
}

// Config bounds the timestamps a reading may carry.
type Config struct {
	// MaxClockSkew is how far in the future a reading's timestamp may be
	// before it is rejected as clock drift.
	MaxClockSkew time.Duration

	// MaxStaleness is how old a reading may be before it is rejected.
	MaxStaleness time.Duration
}

// DefaultConfig returns sensible defaults for reading validation.
func DefaultConfig() Config {
	return Config{
		MaxClockSkew: 30 * time.Second,
		MaxStaleness: 5 * time.Minute,
	}
}

// Monitor validates raw readings.
type Monitor struct {
	config Config
	now    func() time.Time
}

// New creates a Monitor with the given config.
func New(cfg Config) *Monitor {
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = DefaultConfig().MaxClockSkew
	}
	if cfg.MaxStaleness <= 0 {
		cfg.MaxStaleness = DefaultConfig().MaxStaleness
	}
	return &Monitor{config: cfg, now: time.Now}
}

// Ingest validates a raw reading and returns the typed Reading. It fails
// with a ValidationError when required fields are missing, a value is
// physically impossible, or the timestamp is in the future or too stale.
func (m *Monitor) Ingest(raw RawReading) (*knowledge.Reading, error) {
	if raw.NodeID == "" {
		return nil, &ValidationError{NodeID: raw.NodeID, Field: "node_id", Reason: "required"}
	}
	if !knowledge.ValidNodeID(raw.NodeID) {
		return nil, &ValidationError{NodeID: raw.NodeID, Field: "node_id", Reason: "contains a reserved character"}
	}
	if len(raw.Values) == 0 {
		return nil, &ValidationError{NodeID: raw.NodeID, Field: "values", Reason: "at least one parameter is required"}
	}
	if raw.Timestamp.IsZero() {
		return nil, &ValidationError{NodeID: raw.NodeID, Field: "timestamp", Reason: "required"}
	}

	now := m.now()
	if raw.Timestamp.After(now.Add(m.config.MaxClockSkew)) {
		return nil, &ValidationError{NodeID: raw.NodeID, Field: "timestamp", Reason: "in the future"}
	}
	if now.Sub(raw.Timestamp) > m.config.MaxStaleness {
		return nil, &ValidationError{
			NodeID: raw.NodeID,
			Field:  "timestamp",
			Reason: fmt.Sprintf("stale by %s", now.Sub(raw.Timestamp).Round(time.Second)),
		}
	}

	// Validate parameters in sorted order so the reported field is stable.
	params := make([]string, 0, len(raw.Values))
	for param := range raw.Values {
		params = append(params, param)
	}
	sort.Strings(params)

	values := make(map[string]float64, len(raw.Values))
	for _, param := range params {
		value := raw.Values[param]
		if r, ok := physicalRanges[param]; ok {
			if value < r.min || value > r.max {
				return nil, &ValidationError{
					NodeID: raw.NodeID,
					Field:  param,
					Reason: fmt.Sprintf("value %v outside physical range [%v, %v]", value, r.min, r.max),
				}
			}
		}
		values[param] = value
	}

	return &knowledge.Reading{
		NodeID:    raw.NodeID,
		Values:    values,
		Timestamp: raw.Timestamp,
		Source:    raw.Source,
	}, nil
}
