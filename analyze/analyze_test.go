package analyze

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrostat-io/hydrostat/knowledge"
)

func reading(nodeID string, values map[string]float64) *knowledge.Reading {
	return &knowledge.Reading{
		NodeID:    nodeID,
		Values:    values,
		Timestamp: time.Now(),
	}
}

func threshold(nodeID, param string, min, max float64) knowledge.Threshold {
	return knowledge.Threshold{NodeID: nodeID, Parameter: param, Min: min, Max: max}
}

func score(v float64) *float64 { return &v }

func TestAnalyzeNormal(t *testing.T) {
	a := New(DefaultOptions())

	result := a.Analyze(
		reading("water_level_1", map[string]float64{"water_level": 150}),
		map[string]knowledge.Threshold{
			"water_level": threshold("water_level_1", "water_level", 100, 300),
		},
		nil,
	)

	assert.Equal(t, knowledge.StateNormal, result.SystemState)
	assert.Equal(t, knowledge.StatusOK, result.Statuses["water_level"])
	assert.Empty(t, result.Violations())
}

func TestAnalyzeSingleViolationIsAlert(t *testing.T) {
	a := New(DefaultOptions())

	t.Run("below min is low", func(t *testing.T) {
		result := a.Analyze(
			reading("water_level_1", map[string]float64{"water_level": 50}),
			map[string]knowledge.Threshold{
				"water_level": threshold("water_level_1", "water_level", 100, 300),
			},
			nil,
		)
		assert.Equal(t, knowledge.StateAlert, result.SystemState)
		assert.Equal(t, knowledge.StatusLow, result.Statuses["water_level"])
	})

	t.Run("above max is high", func(t *testing.T) {
		result := a.Analyze(
			reading("water_level_1", map[string]float64{"water_level": 350}),
			map[string]knowledge.Threshold{
				"water_level": threshold("water_level_1", "water_level", 100, 300),
			},
			nil,
		)
		assert.Equal(t, knowledge.StateAlert, result.SystemState)
		assert.Equal(t, knowledge.StatusHigh, result.Statuses["water_level"])
	})

	t.Run("boundary values are ok", func(t *testing.T) {
		for _, v := range []float64{100, 300} {
			result := a.Analyze(
				reading("water_level_1", map[string]float64{"water_level": v}),
				map[string]knowledge.Threshold{
					"water_level": threshold("water_level_1", "water_level", 100, 300),
				},
				nil,
			)
			assert.Equal(t, knowledge.StateNormal, result.SystemState, "value %v", v)
		}
	})
}

func TestAnalyzeMultipleViolationsEscalate(t *testing.T) {
	a := New(DefaultOptions())

	result := a.Analyze(
		reading("water_quality_1", map[string]float64{
			"tds_voltage": 4.9,
			"temperature": 55,
			"flowrate":    20,
		}),
		map[string]knowledge.Threshold{
			"tds_voltage": threshold("water_quality_1", "tds_voltage", 0.5, 3.5),
			"temperature": threshold("water_quality_1", "temperature", 5, 40),
			"flowrate":    threshold("water_quality_1", "flowrate", 0, 60),
		},
		nil,
	)

	assert.Equal(t, knowledge.StateEmergency, result.SystemState)
	assert.Len(t, result.Violations(), 2)
}

func TestAnalyzeCriticalParamViolationIsEmergency(t *testing.T) {
	a := New(Options{CriticalParams: map[string]bool{"voltage": true}})

	result := a.Analyze(
		reading("motor_1", map[string]float64{"voltage": 260, "current": 10}),
		map[string]knowledge.Threshold{
			"voltage": threshold("motor_1", "voltage", 200, 250),
			"current": threshold("motor_1", "current", 0, 50),
		},
		nil,
	)

	assert.Equal(t, knowledge.StateEmergency, result.SystemState)
}

func TestAnalyzeNoThresholdsIsUnknown(t *testing.T) {
	a := New(DefaultOptions())

	result := a.Analyze(
		reading("water_level_9", map[string]float64{"water_level": 150}),
		map[string]knowledge.Threshold{},
		nil,
	)

	assert.Equal(t, knowledge.StateUnknown, result.SystemState)
	assert.Empty(t, result.Statuses)
}

func TestAnalyzeRequiredParams(t *testing.T) {
	a := New(Options{RequiredParams: []string{"water_level"}})

	t.Run("required param without threshold is invalid", func(t *testing.T) {
		result := a.Analyze(
			reading("water_level_1", map[string]float64{"water_level": 150}),
			map[string]knowledge.Threshold{},
			nil,
		)
		assert.Equal(t, knowledge.StatusInvalid, result.Statuses["water_level"])
		assert.Equal(t, knowledge.StateAlert, result.SystemState)
	})

	t.Run("required param absent from reading is invalid", func(t *testing.T) {
		result := a.Analyze(
			reading("water_level_1", map[string]float64{"temperature": 20}),
			map[string]knowledge.Threshold{
				"temperature": threshold("water_level_1", "temperature", 5, 40),
			},
			nil,
		)
		assert.Equal(t, knowledge.StatusInvalid, result.Statuses["water_level"])
		assert.Equal(t, knowledge.StateAlert, result.SystemState)
	})
}

func TestAnalyzeAnomalyScoreRaisesSeverity(t *testing.T) {
	a := New(DefaultOptions())
	thresholds := map[string]knowledge.Threshold{
		"water_level": threshold("water_level_1", "water_level", 100, 300),
	}
	inRange := map[string]float64{"water_level": 150}

	t.Run("low score leaves verdict alone", func(t *testing.T) {
		result := a.Analyze(reading("water_level_1", inRange), thresholds, score(0.2))
		assert.Equal(t, knowledge.StateNormal, result.SystemState)
	})

	t.Run("moderate score raises normal to alert", func(t *testing.T) {
		result := a.Analyze(reading("water_level_1", inRange), thresholds, score(0.6))
		assert.Equal(t, knowledge.StateAlert, result.SystemState)
		require.NotNil(t, result.AnomalyScore)
		assert.InDelta(t, 0.6, *result.AnomalyScore, 1e-9)
	})

	t.Run("critical score raises normal to emergency", func(t *testing.T) {
		result := a.Analyze(reading("water_level_1", inRange), thresholds, score(0.9))
		assert.Equal(t, knowledge.StateEmergency, result.SystemState)
	})

	t.Run("threshold violation is never masked by a quiet score", func(t *testing.T) {
		result := a.Analyze(
			reading("water_level_1", map[string]float64{"water_level": 50}),
			thresholds,
			score(0.1),
		)
		assert.Equal(t, knowledge.StateAlert, result.SystemState)
	})

	t.Run("either signal alone can escalate", func(t *testing.T) {
		result := a.Analyze(
			reading("water_level_1", map[string]float64{"water_level": 50}),
			thresholds,
			score(0.9),
		)
		assert.Equal(t, knowledge.StateEmergency, result.SystemState)
	})
}

func TestAnalyzeIsPure(t *testing.T) {
	a := New(DefaultOptions())
	r := reading("water_level_1", map[string]float64{"water_level": 50})
	thresholds := map[string]knowledge.Threshold{
		"water_level": threshold("water_level_1", "water_level", 100, 300),
	}

	first := a.Analyze(r, thresholds, nil)
	second := a.Analyze(r, thresholds, nil)

	assert.Equal(t, first.SystemState, second.SystemState)
	assert.Equal(t, first.Statuses, second.Statuses)
	// Inputs are untouched.
	assert.Equal(t, 50.0, r.Values["water_level"])
	assert.Equal(t, 100.0, thresholds["water_level"].Min)
}
