package knowledge

import (
	"testing"
)

func TestEntityID(t *testing.T) {
	t.Run("NewEntityID generates valid ID", func(t *testing.T) {
		id := NewEntityID(EntityTypeReading)
		if id.Type != EntityTypeReading {
			t.Errorf("expected type %s, got %s", EntityTypeReading, id.Type)
		}
		if id.ID == "" {
			t.Error("expected non-empty ID")
		}
	})

	t.Run("String returns correct format", func(t *testing.T) {
		id := EntityID{Type: EntityTypeAnalysis, ID: "abc123"}
		expected := "analysis:abc123"
		if id.String() != expected {
			t.Errorf("expected %s, got %s", expected, id.String())
		}
	})

	t.Run("ParseEntityID handles all types", func(t *testing.T) {
		tests := []struct {
			input    string
			expected EntityType
		}{
			{"reading:123", EntityTypeReading},
			{"analysis:456", EntityTypeAnalysis},
			{"execution:789", EntityTypeExecution},
			{"event:abc", EntityTypeEvent},
		}

		for _, tc := range tests {
			id, err := ParseEntityID(tc.input)
			if err != nil {
				t.Errorf("unexpected error for %s: %v", tc.input, err)
				continue
			}
			if id.Type != tc.expected {
				t.Errorf("for %s: expected type %s, got %s", tc.input, tc.expected, id.Type)
			}
		}
	})

	t.Run("ParseEntityID rejects invalid format", func(t *testing.T) {
		invalidIDs := []string{
			"invalid",
			"no-colon",
			"",
			"unknown:123",
		}

		for _, input := range invalidIDs {
			_, err := ParseEntityID(input)
			if err == nil {
				t.Errorf("expected error for %q, got nil", input)
			}
		}
	})

	t.Run("Round trip ID conversion", func(t *testing.T) {
		original := NewEntityID(EntityTypeExecution)
		str := original.String()
		parsed, err := ParseEntityID(str)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if parsed != original {
			t.Errorf("round trip mismatch: got %v, want %v", parsed, original)
		}
	})
}

func TestValidNodeID(t *testing.T) {
	valid := []string{"water_level_1", "motor_2", "gateway-7", "pump_a3"}
	for _, id := range valid {
		if !ValidNodeID(id) {
			t.Errorf("expected %q to be valid", id)
		}
	}

	invalid := []string{
		"",
		"water_level_1.rogue",
		"motor_*",
		"motor_>",
		"motor 1",
		"motor\t1",
		"motor/1",
	}
	for _, id := range invalid {
		if ValidNodeID(id) {
			t.Errorf("expected %q to be invalid", id)
		}
	}
}

func TestSensorTypeFromNodeID(t *testing.T) {
	tests := []struct {
		nodeID   string
		expected SensorType
	}{
		{"water_level_1", SensorWaterLevel},
		{"water_flow_2", SensorWaterFlow},
		{"water_quality_1", SensorWaterQuality},
		{"motor_1", SensorMotor},
		{"gateway_1", SensorUnknown},
		{"", SensorUnknown},
	}

	for _, tc := range tests {
		if got := SensorTypeFromNodeID(tc.nodeID); got != tc.expected {
			t.Errorf("SensorTypeFromNodeID(%q) = %s, want %s", tc.nodeID, got, tc.expected)
		}
	}
}

func TestSystemStateSeverity(t *testing.T) {
	t.Run("Severity orders states", func(t *testing.T) {
		order := []SystemState{StateUnknown, StateNormal, StateAlert, StateEmergency}
		for i := 1; i < len(order); i++ {
			if order[i].Severity() <= order[i-1].Severity() {
				t.Errorf("expected %s to outrank %s", order[i], order[i-1])
			}
		}
	})

	t.Run("MaxState returns the more severe state", func(t *testing.T) {
		tests := []struct {
			a, b, expected SystemState
		}{
			{StateNormal, StateAlert, StateAlert},
			{StateAlert, StateNormal, StateAlert},
			{StateEmergency, StateAlert, StateEmergency},
			{StateUnknown, StateNormal, StateNormal},
			{StateNormal, StateNormal, StateNormal},
		}
		for _, tc := range tests {
			if got := MaxState(tc.a, tc.b); got != tc.expected {
				t.Errorf("MaxState(%s, %s) = %s, want %s", tc.a, tc.b, got, tc.expected)
			}
		}
	})
}

func TestAnalysisResultViolations(t *testing.T) {
	result := AnalysisResult{
		Statuses: map[string]ParameterStatus{
			"water_level": StatusLow,
			"temperature": StatusOK,
			"tds_voltage": StatusHigh,
			"reporting":   StatusInvalid,
		},
	}

	violations := result.Violations()
	if len(violations) != 3 {
		t.Fatalf("expected 3 violations, got %d", len(violations))
	}
	if violations["water_level"] != StatusLow {
		t.Errorf("expected water_level low, got %s", violations["water_level"])
	}
	if _, ok := violations["temperature"]; ok {
		t.Error("ok parameter must not appear in violations")
	}
}

func TestPlanTarget(t *testing.T) {
	t.Run("explicit target node wins", func(t *testing.T) {
		p := Plan{PlanCode: "WL001", TargetNode: "motor_1"}
		if got := p.Target("water_level_1"); got != "motor_1" {
			t.Errorf("expected motor_1, got %s", got)
		}
	})

	t.Run("empty target resolves to analyzed node", func(t *testing.T) {
		p := Plan{PlanCode: "SH001"}
		if got := p.Target("water_level_1"); got != "water_level_1" {
			t.Errorf("expected water_level_1, got %s", got)
		}
	})
}
