// Package knowledge provides the shared knowledge base for the control loop
// using NATS KV: node registry, thresholds, readings, analysis and execution
// records, and the audit event trail.
package knowledge

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityType represents the type of entity stored in KV.
type EntityType string

const (
	EntityTypeReading   EntityType = "reading"
	EntityTypeAnalysis  EntityType = "analysis"
	EntityTypeExecution EntityType = "execution"
	EntityTypeEvent     EntityType = "event"
)

// Bucket names for each entity type.
const (
	BucketNodes      = "HYDROSTAT_NODES"
	BucketReadings   = "HYDROSTAT_READINGS"
	BucketThresholds = "HYDROSTAT_THRESHOLDS"
	BucketAnalyses   = "HYDROSTAT_ANALYSES"
	BucketExecutions = "HYDROSTAT_EXECUTIONS"
	BucketEvents     = "HYDROSTAT_EVENTS"
	BucketInFlight   = "HYDROSTAT_INFLIGHT"
)

// EntityID represents a typed entity identifier.
type EntityID struct {
	Type EntityType
	ID   string
}

// String returns the string representation of the entity ID.
func (e EntityID) String() string {
	return fmt.Sprintf("%s:%s", e.Type, e.ID)
}

// ParseEntityID parses an entity ID string into its components.
func ParseEntityID(s string) (EntityID, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return EntityID{}, fmt.Errorf("invalid entity ID format: %s", s)
	}
	entityType := EntityType(parts[0])
	switch entityType {
	case EntityTypeReading, EntityTypeAnalysis, EntityTypeExecution, EntityTypeEvent:
		return EntityID{Type: entityType, ID: parts[1]}, nil
	default:
		return EntityID{}, fmt.Errorf("unknown entity type: %s", parts[0])
	}
}

// NewEntityID generates a new unique entity ID for the given type.
func NewEntityID(t EntityType) EntityID {
	return EntityID{
		Type: t,
		ID:   uuid.New().String(),
	}
}

// nodeIDReserved are the characters a node ID must not contain. Dots and
// slashes are key separators in the store, '*' and '>' are NATS wildcards,
// and whitespace breaks both keys and subjects.
const nodeIDReserved = ".*>/ \t\n\r"

// ValidNodeID reports whether id is safe to use in store keys and command
// subjects.
func ValidNodeID(id string) bool {
	return id != "" && !strings.ContainsAny(id, nodeIDReserved)
}

// SensorType classifies a node by the kind of sensor or actuator it carries.
type SensorType string

const (
	SensorWaterLevel   SensorType = "water_level"
	SensorWaterFlow    SensorType = "water_flow"
	SensorWaterQuality SensorType = "water_quality"
	SensorMotor        SensorType = "motor"
	SensorUnknown      SensorType = "unknown"
)

// SensorTypeFromNodeID infers the sensor type from the node ID naming
// convention used by the fleet ("water_level_1", "motor_2", ...).
func SensorTypeFromNodeID(nodeID string) SensorType {
	switch {
	case strings.HasPrefix(nodeID, "water_level"):
		return SensorWaterLevel
	case strings.HasPrefix(nodeID, "water_flow"):
		return SensorWaterFlow
	case strings.HasPrefix(nodeID, "water_quality"):
		return SensorWaterQuality
	case strings.HasPrefix(nodeID, "motor"):
		return SensorMotor
	default:
		return SensorUnknown
	}
}

// Node is a registered sensor or actuator endpoint. Nodes are created on
// first reading and never deleted so every stored record stays attributable.
type Node struct {
	NodeID       string     `json:"node_id"`
	SensorType   SensorType `json:"sensor_type"`
	RegisteredAt time.Time  `json:"registered_at"`
	LastSeen     time.Time  `json:"last_seen,omitempty"`
}

// Reading is one validated sensor reading. Readings are append-only and
// immutable once stored.
type Reading struct {
	ID        string             `json:"id"`
	NodeID    string             `json:"node_id"`
	Values    map[string]float64 `json:"values"`
	Timestamp time.Time          `json:"timestamp"`
	Source    string             `json:"source,omitempty"`
}

// Threshold is the acceptable range for one parameter of one node. Updates
// supersede rather than overwrite: history is retained in the KV bucket and
// the latest revision wins for evaluation.
type Threshold struct {
	NodeID     string     `json:"node_id"`
	SensorType SensorType `json:"sensor_type"`
	Parameter  string     `json:"parameter"`
	Min        float64    `json:"min"`
	Max        float64    `json:"max"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ParameterStatus is the per-parameter verdict of one analysis.
type ParameterStatus string

const (
	StatusOK      ParameterStatus = "ok"
	StatusLow     ParameterStatus = "low"
	StatusHigh    ParameterStatus = "high"
	StatusInvalid ParameterStatus = "invalid"
)

// SystemState is the aggregate severity classification for one reading.
type SystemState string

const (
	StateNormal    SystemState = "normal"
	StateAlert     SystemState = "alert"
	StateEmergency SystemState = "emergency"
	StateUnknown   SystemState = "unknown"
)

// severityRank orders system states: emergency > alert > normal > unknown.
var severityRank = map[SystemState]int{
	StateUnknown:   0,
	StateNormal:    1,
	StateAlert:     2,
	StateEmergency: 3,
}

// Severity returns the total-order rank of a system state.
func (s SystemState) Severity() int {
	return severityRank[s]
}

// MaxState returns the more severe of two system states.
func MaxState(a, b SystemState) SystemState {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// AnalysisResult is the immutable outcome of analyzing one reading.
type AnalysisResult struct {
	ID           string                     `json:"id"`
	NodeID       string                     `json:"node_id"`
	Timestamp    time.Time                  `json:"timestamp"`
	Statuses     map[string]ParameterStatus `json:"statuses"`
	AnomalyScore *float64                   `json:"anomaly_score,omitempty"`
	SystemState  SystemState                `json:"system_state"`
}

// Violations returns the parameters whose status is not ok, sorted is left
// to the caller; map iteration order must never influence the verdict.
func (r AnalysisResult) Violations() map[string]ParameterStatus {
	out := make(map[string]ParameterStatus)
	for param, status := range r.Statuses {
		if status != StatusOK {
			out[param] = status
		}
	}
	return out
}

// Plan is one catalog entry mapping a trigger condition to a remediation
// command. Catalog entries are administratively loaded and mostly static.
type Plan struct {
	// PlanCode uniquely identifies the catalog entry (e.g. "WL001").
	PlanCode string `json:"plan_code" yaml:"plan_code"`

	// Scope selects which analyzed nodes the plan applies to: an exact
	// node ID, a prefix glob like "water_level_*", or "*".
	Scope string `json:"scope" yaml:"scope"`

	// TargetNode is the node the command is dispatched to. Empty means
	// the analyzed node itself (a low water level on water_level_1 can
	// trigger a command to motor_1).
	TargetNode string `json:"target_node,omitempty" yaml:"target_node,omitempty"`

	// Command is the remediation command name (e.g. "turn_on_motor").
	Command string `json:"command" yaml:"command"`

	// Parameters are passed to the node verbatim.
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// Priority orders candidate plans; lower is more urgent.
	Priority int `json:"priority" yaml:"priority"`

	// TriggerCondition is the dynamic matching key (e.g. "water_level_low").
	TriggerCondition string `json:"trigger_condition" yaml:"trigger_condition"`

	// Description is static metadata for operators.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Target resolves the node the plan's command is dispatched to.
func (p Plan) Target(analyzedNode string) string {
	if p.TargetNode != "" {
		return p.TargetNode
	}
	return analyzedNode
}

// ExecutionStatus is the terminal status of one plan execution.
type ExecutionStatus string

const (
	ExecutionSuccess     ExecutionStatus = "success"
	ExecutionFailed      ExecutionStatus = "failed"
	ExecutionCircuitOpen ExecutionStatus = "circuit_open"
)

// ExecutionResult is the append-only audit record of one plan execution.
type ExecutionResult struct {
	ID        string          `json:"id"`
	PlanCode  string          `json:"plan_code"`
	NodeID    string          `json:"node_id"`
	Status    ExecutionStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
	Attempts  int             `json:"attempts"`
}

// KnowledgeEvent is one free-form audit trail entry tying the loop's
// decisions together.
type KnowledgeEvent struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Command is the wire-level instruction sent to a node.
type Command struct {
	NodeID     string         `json:"node_id"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Ack is the node's response to a command.
type Ack struct {
	Accepted bool   `json:"accepted"`
	Detail   string `json:"detail,omitempty"`
}
