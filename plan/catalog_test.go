package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydrostat-io/hydrostat/knowledge"
)

func TestNewCatalogSortsBySelectionOrder(t *testing.T) {
	c, err := NewCatalog([]knowledge.Plan{
		{PlanCode: "ZZ900", Scope: "*", Command: "noop", Priority: 50, TriggerCondition: "x"},
		{PlanCode: "AB002", Scope: "*", Command: "noop", Priority: 10, TriggerCondition: "x"},
		{PlanCode: "AB001", Scope: "*", Command: "noop", Priority: 10, TriggerCondition: "x"},
	})
	require.NoError(t, err)

	plans := c.Plans()
	require.Len(t, plans, 3)
	// Priority first, lexical plan code breaks ties.
	assert.Equal(t, "AB001", plans[0].PlanCode)
	assert.Equal(t, "AB002", plans[1].PlanCode)
	assert.Equal(t, "ZZ900", plans[2].PlanCode)
}

func TestNewCatalogValidation(t *testing.T) {
	tests := []struct {
		name  string
		plans []knowledge.Plan
	}{
		{
			name:  "missing plan code",
			plans: []knowledge.Plan{{Scope: "*", Command: "noop", TriggerCondition: "x"}},
		},
		{
			name: "duplicate plan code",
			plans: []knowledge.Plan{
				{PlanCode: "WL001", Scope: "*", Command: "noop", TriggerCondition: "x"},
				{PlanCode: "WL001", Scope: "*", Command: "noop", TriggerCondition: "y"},
			},
		},
		{
			name:  "missing command",
			plans: []knowledge.Plan{{PlanCode: "WL001", Scope: "*", TriggerCondition: "x"}},
		},
		{
			name:  "missing trigger condition",
			plans: []knowledge.Plan{{PlanCode: "WL001", Scope: "*", Command: "noop"}},
		},
		{
			name:  "missing scope",
			plans: []knowledge.Plan{{PlanCode: "WL001", Command: "noop", TriggerCondition: "x"}},
		},
		{
			name:  "reserved fallback code",
			plans: []knowledge.Plan{{PlanCode: FallbackPlanCode, Scope: "*", Command: "noop", TriggerCondition: "x"}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewCatalog(tc.plans)
			assert.Error(t, err)
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	t.Run("loads a valid catalog file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "catalog.yaml")
		data := `plans:
  - plan_code: WL001
    scope: "water_level_*"
    target_node: motor_1
    command: turn_on_motor
    priority: 10
    trigger_condition: water_level_low
    description: Turn on the pump motor
  - plan_code: SH001
    scope: "*"
    command: reboot_node
    priority: 20
    trigger_condition: data_not_posting
`
		require.NoError(t, os.WriteFile(path, []byte(data), 0644))

		c, err := LoadCatalog(path)
		require.NoError(t, err)
		require.Equal(t, 2, c.Len())

		plans := c.Plans()
		assert.Equal(t, "WL001", plans[0].PlanCode)
		assert.Equal(t, "motor_1", plans[0].TargetNode)
		assert.Equal(t, "water_level_low", plans[0].TriggerCondition)
	})

	t.Run("rejects malformed YAML", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "catalog.yaml")
		require.NoError(t, os.WriteFile(path, []byte("plans: [broken"), 0644))

		_, err := LoadCatalog(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadCatalog(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestScopeMatches(t *testing.T) {
	tests := []struct {
		scope   string
		nodeID  string
		matches bool
	}{
		{"*", "water_level_1", true},
		{"water_level_*", "water_level_1", true},
		{"water_level_*", "water_level_42", true},
		{"water_level_*", "motor_1", false},
		{"motor_1", "motor_1", true},
		{"motor_1", "motor_12", false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.matches, scopeMatches(tc.scope, tc.nodeID),
			"scope %q vs node %q", tc.scope, tc.nodeID)
	}
}

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()
	require.Equal(t, 7, c.Len())

	// The emergency stop must always be the first candidate considered.
	plans := c.Plans()
	assert.Equal(t, "WL003", plans[0].PlanCode)
	assert.Equal(t, "safety_threshold_exceeded", plans[0].TriggerCondition)

	codes := make(map[string]knowledge.Plan, c.Len())
	for _, p := range plans {
		codes[p.PlanCode] = p
	}
	assert.Equal(t, "turn_on_motor", codes["WL001"].Command)
	assert.Equal(t, "turn_off_motor", codes["WL002"].Command)
	assert.Equal(t, "reboot_node", codes["SH001"].Command)
	assert.Equal(t, "restart_node", codes["SH002"].Command)
	assert.Equal(t, "restart_service", codes["SH003"].Command)
	assert.Equal(t, "calibrate_sensor", codes["CM001"].Command)
}
