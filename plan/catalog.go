// Package plan matches analysis results against the remediation plan
// catalog and selects at most one plan per cycle.
package plan

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hydrostat-io/hydrostat/knowledge"
)

// FallbackPlanCode identifies the synthesized log_alert plan emitted when a
// non-normal state matches no catalog entry.
const FallbackPlanCode = "LOG001"

// Catalog is the set of administratively loaded remediation plans, kept
// sorted by (priority, plan_code) so selection is deterministic.
type Catalog struct {
	plans []knowledge.Plan
}

// catalogFile is the YAML document format for a plan catalog.
type catalogFile struct {
	Plans []knowledge.Plan `yaml:"plans"`
}

// NewCatalog builds a catalog from the given plans.
func NewCatalog(plans []knowledge.Plan) (*Catalog, error) {
	c := &Catalog{plans: make([]knowledge.Plan, len(plans))}
	copy(c.plans, plans)
	sort.Slice(c.plans, func(i, j int) bool {
		if c.plans[i].Priority != c.plans[j].Priority {
			return c.plans[i].Priority < c.plans[j].Priority
		}
		return c.plans[i].PlanCode < c.plans[j].PlanCode
	})
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadCatalog reads a plan catalog from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog file: %w", err)
	}
	return NewCatalog(file.Plans)
}

func (c *Catalog) validate() error {
	seen := make(map[string]bool, len(c.plans))
	for _, p := range c.plans {
		if p.PlanCode == "" {
			return fmt.Errorf("plan is missing plan_code")
		}
		if seen[p.PlanCode] {
			return fmt.Errorf("duplicate plan_code %q", p.PlanCode)
		}
		seen[p.PlanCode] = true
		if p.Command == "" {
			return fmt.Errorf("plan %s is missing command", p.PlanCode)
		}
		if p.TriggerCondition == "" {
			return fmt.Errorf("plan %s is missing trigger_condition", p.PlanCode)
		}
		if p.Scope == "" {
			return fmt.Errorf("plan %s is missing scope", p.PlanCode)
		}
		if p.PlanCode == FallbackPlanCode {
			return fmt.Errorf("plan_code %s is reserved for the fallback plan", FallbackPlanCode)
		}
	}
	return nil
}

// Plans returns the catalog entries in selection order.
func (c *Catalog) Plans() []knowledge.Plan {
	out := make([]knowledge.Plan, len(c.plans))
	copy(out, c.plans)
	return out
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int {
	return len(c.plans)
}

// scopeMatches reports whether a plan scope covers the analyzed node.
// Scopes are an exact node ID, a prefix glob like "water_level_*", or "*".
func scopeMatches(scope, nodeID string) bool {
	if scope == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(scope, "*"); ok {
		return strings.HasPrefix(nodeID, prefix)
	}
	return scope == nodeID
}

// DefaultCatalog returns the built-in water utility catalog, used when no
// catalog file is configured.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog([]knowledge.Plan{
		{
			PlanCode:         "WL003",
			Scope:            "*",
			TargetNode:       "motor_1",
			Command:          "emergency_stop",
			Priority:         1,
			TriggerCondition: "safety_threshold_exceeded",
			Description:      "Emergency stop of the pump motor on a critical violation",
		},
		{
			PlanCode:         "WL001",
			Scope:            "water_level_*",
			TargetNode:       "motor_1",
			Command:          "turn_on_motor",
			Priority:         10,
			TriggerCondition: "water_level_low",
			Description:      "Turn on the pump motor to refill the tank",
		},
		{
			PlanCode:         "WL002",
			Scope:            "water_level_*",
			TargetNode:       "motor_1",
			Command:          "turn_off_motor",
			Priority:         10,
			TriggerCondition: "water_level_high",
			Description:      "Turn off the pump motor to stop refilling",
		},
		{
			PlanCode:         "SH001",
			Scope:            "*",
			Command:          "reboot_node",
			Priority:         20,
			TriggerCondition: "data_not_posting",
			Description:      "Reboot a node that stopped posting readings",
		},
		{
			PlanCode:         "SH002",
			Scope:            "*",
			Command:          "restart_node",
			Priority:         20,
			TriggerCondition: "sensor_abnormal",
			Description:      "Restart a node whose readings look anomalous",
		},
		{
			PlanCode:         "SH003",
			Scope:            "*",
			Command:          "restart_service",
			Priority:         30,
			TriggerCondition: "service_unhealthy",
			Description:      "Restart the node's sensor service",
		},
		{
			PlanCode:         "CM001",
			Scope:            "*",
			Command:          "calibrate_sensor",
			Priority:         40,
			TriggerCondition: "calibration_due",
			Description:      "Run the node's sensor calibration routine",
		},
	})
	if err != nil {
		panic(err) // static catalog, validated by tests
	}
	return c
}
