package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Store is the knowledge base consumed by the control loop. Implementations
// must make every write durable before returning; a reported write failure
// aborts the caller's cycle rather than being silently dropped.
type Store interface {
	// RegisterNode creates the node on first contact and refreshes its
	// liveness metadata on subsequent calls. Nodes are never deleted.
	RegisterNode(ctx context.Context, nodeID string) (*Node, error)
	GetNode(ctx context.Context, nodeID string) (*Node, error)
	ListNodes(ctx context.Context) ([]*Node, error)

	RecordReading(ctx context.Context, r *Reading) error
	LatestReading(ctx context.Context, nodeID string) (*Reading, error)
	// RecentReadings returns up to limit readings for the node, newest
	// first.
	RecentReadings(ctx context.Context, nodeID string, limit int) ([]*Reading, error)

	// SetThreshold supersedes the active threshold for the (node,
	// parameter) pair. Earlier revisions are retained in history.
	SetThreshold(ctx context.Context, t *Threshold) error
	GetThreshold(ctx context.Context, nodeID, parameter string) (*Threshold, error)
	// GetThresholds returns the active threshold per parameter for the
	// node.
	GetThresholds(ctx context.Context, nodeID string) (map[string]Threshold, error)

	RecordAnalysis(ctx context.Context, r *AnalysisResult) error
	RecordExecution(ctx context.Context, r *ExecutionResult) error
	RecordEvent(ctx context.Context, event, nodeID string) error

	// MarkInFlight atomically claims the (node, plan_code) pair. Returns
	// ErrInFlight if another cycle already holds the claim.
	MarkInFlight(ctx context.Context, nodeID, planCode string) error
	ClearInFlight(ctx context.Context, nodeID, planCode string) error
	HasInFlightPlan(ctx context.Context, nodeID, planCode string) (bool, error)
	// InFlightPlans returns the set of plan codes currently in flight for
	// the node.
	InFlightPlans(ctx context.Context, nodeID string) (map[string]bool, error)
}

// readingHistory is how many readings per node the KV bucket retains;
// recent readings feed the anomaly scorer.
const readingHistory = 64

// thresholdHistory is how many superseded threshold revisions are kept.
const thresholdHistory = 16

// maxInFlightAge guards against in-flight markers orphaned by a crash: a
// marker older than this is treated as cleared.
const maxInFlightAge = 10 * time.Minute

// inFlightMarker is the stored value of one in-flight claim.
type inFlightMarker struct {
	NodeID    string    `json:"node_id"`
	PlanCode  string    `json:"plan_code"`
	StartedAt time.Time `json:"started_at"`
}

// KVStore provides knowledge storage backed by NATS KV buckets.
type KVStore struct {
	nodes      jetstream.KeyValue
	readings   jetstream.KeyValue
	thresholds jetstream.KeyValue
	analyses   jetstream.KeyValue
	executions jetstream.KeyValue
	events     jetstream.KeyValue
	inflight   jetstream.KeyValue
}

// compile-time interface check
var _ Store = (*KVStore)(nil)

// NewKVStore creates a KVStore with the given JetStream context, creating
// the KV buckets if they don't exist.
func NewKVStore(ctx context.Context, js jetstream.JetStream) (*KVStore, error) {
	s := &KVStore{}
	buckets := []struct {
		name    string
		history uint8
		target  *jetstream.KeyValue
	}{
		{BucketNodes, 1, &s.nodes},
		{BucketReadings, readingHistory, &s.readings},
		{BucketThresholds, thresholdHistory, &s.thresholds},
		{BucketAnalyses, 1, &s.analyses},
		{BucketExecutions, 1, &s.executions},
		{BucketEvents, 1, &s.events},
		{BucketInFlight, 1, &s.inflight},
	}
	for _, b := range buckets {
		kv, err := getOrCreateBucket(ctx, js, b.name, b.history)
		if err != nil {
			return nil, fmt.Errorf("create %s bucket: %w", strings.ToLower(b.name), err)
		}
		*b.target = kv
	}
	return s, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string, history uint8) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Hydrostat %s storage", strings.ToLower(name)),
		History:     history,
	})
}

// RegisterNode creates the node on first contact, inferring its sensor type
// from the node ID. On later calls it only refreshes LastSeen.
func (s *KVStore) RegisterNode(ctx context.Context, nodeID string) (*Node, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("node ID is required")
	}
	if !ValidNodeID(nodeID) {
		return nil, fmt.Errorf("invalid node ID %q", nodeID)
	}

	entry, err := s.nodes.Get(ctx, nodeID)
	if err == nil {
		var node Node
		if uerr := json.Unmarshal(entry.Value(), &node); uerr != nil {
			return nil, fmt.Errorf("unmarshal node: %w", uerr)
		}
		node.LastSeen = time.Now()
		data, merr := json.Marshal(&node)
		if merr != nil {
			return nil, fmt.Errorf("marshal node: %w", merr)
		}
		if _, perr := s.nodes.Put(ctx, nodeID, data); perr != nil {
			return nil, NewWriteError("node liveness", perr)
		}
		return &node, nil
	}
	if !isNotFound(err) {
		return nil, fmt.Errorf("get node: %w", err)
	}

	node := &Node{
		NodeID:       nodeID,
		SensorType:   SensorTypeFromNodeID(nodeID),
		RegisteredAt: time.Now(),
		LastSeen:     time.Now(),
	}
	data, err := json.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("marshal node: %w", err)
	}
	if _, err := s.nodes.Create(ctx, nodeID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			// Lost the race to a concurrent registration; the winner's
			// record is authoritative.
			return s.GetNode(ctx, nodeID)
		}
		return nil, NewWriteError("node registration", err)
	}
	return node, nil
}

// GetNode retrieves a node by ID.
func (s *KVStore) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	entry, err := s.nodes.Get(ctx, nodeID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get node: %w", err)
	}
	var node Node
	if err := json.Unmarshal(entry.Value(), &node); err != nil {
		return nil, fmt.Errorf("unmarshal node: %w", err)
	}
	return &node, nil
}

// ListNodes returns all registered nodes sorted by node ID.
func (s *KVStore) ListNodes(ctx context.Context) ([]*Node, error) {
	keys, err := s.nodes.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list node keys: %w", err)
	}
	sort.Strings(keys)

	nodes := make([]*Node, 0, len(keys))
	for _, key := range keys {
		entry, err := s.nodes.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var node Node
		if err := json.Unmarshal(entry.Value(), &node); err != nil {
			continue
		}
		nodes = append(nodes, &node)
	}
	return nodes, nil
}

// RecordReading stores a reading. The readings bucket keeps per-node history
// so the latest value and the recent window are both served from one key.
func (s *KVStore) RecordReading(ctx context.Context, r *Reading) error {
	if r.ID == "" {
		r.ID = NewEntityID(EntityTypeReading).String()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}
	if _, err := s.readings.Put(ctx, r.NodeID, data); err != nil {
		return NewWriteError("reading", err)
	}
	return nil
}

// LatestReading returns the most recent reading for the node.
func (s *KVStore) LatestReading(ctx context.Context, nodeID string) (*Reading, error) {
	entry, err := s.readings.Get(ctx, nodeID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get reading: %w", err)
	}
	var r Reading
	if err := json.Unmarshal(entry.Value(), &r); err != nil {
		return nil, fmt.Errorf("unmarshal reading: %w", err)
	}
	return &r, nil
}

// RecentReadings returns up to limit readings for the node, newest first.
func (s *KVStore) RecentReadings(ctx context.Context, nodeID string, limit int) ([]*Reading, error) {
	entries, err := s.readings.History(ctx, nodeID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading history: %w", err)
	}

	readings := make([]*Reading, 0, limit)
	// History is oldest first; walk backwards.
	for i := len(entries) - 1; i >= 0 && len(readings) < limit; i-- {
		if entries[i].Operation() != jetstream.KeyValuePut {
			continue
		}
		var r Reading
		if err := json.Unmarshal(entries[i].Value(), &r); err != nil {
			continue
		}
		readings = append(readings, &r)
	}
	return readings, nil
}

// thresholdKey builds the KV key for one (node, parameter) pair. ValidNodeID
// keeps dots out of node IDs, so the dot separator keeps prefixes unambiguous.
func thresholdKey(nodeID, parameter string) string {
	return fmt.Sprintf("%s.%s", nodeID, parameter)
}

// SetThreshold stores a threshold revision; the KV bucket retains the
// superseded revisions and the latest one wins for evaluation.
func (s *KVStore) SetThreshold(ctx context.Context, t *Threshold) error {
	if !ValidNodeID(t.NodeID) {
		return fmt.Errorf("invalid node ID %q", t.NodeID)
	}
	if t.Parameter == "" {
		return fmt.Errorf("threshold parameter is required")
	}
	if t.Min > t.Max {
		return fmt.Errorf("threshold min %v exceeds max %v", t.Min, t.Max)
	}
	if t.SensorType == "" {
		t.SensorType = SensorTypeFromNodeID(t.NodeID)
	}
	t.UpdatedAt = time.Now()

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal threshold: %w", err)
	}
	if _, err := s.thresholds.Put(ctx, thresholdKey(t.NodeID, t.Parameter), data); err != nil {
		return NewWriteError("threshold", err)
	}
	return nil
}

// GetThreshold returns the active threshold for the (node, parameter) pair.
func (s *KVStore) GetThreshold(ctx context.Context, nodeID, parameter string) (*Threshold, error) {
	entry, err := s.thresholds.Get(ctx, thresholdKey(nodeID, parameter))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get threshold: %w", err)
	}
	var t Threshold
	if err := json.Unmarshal(entry.Value(), &t); err != nil {
		return nil, fmt.Errorf("unmarshal threshold: %w", err)
	}
	return &t, nil
}

// GetThresholds returns the active threshold per parameter for the node.
// A node with no thresholds yields an empty map, not an error: missing
// configuration is an analysis concern, not a storage failure.
func (s *KVStore) GetThresholds(ctx context.Context, nodeID string) (map[string]Threshold, error) {
	keys, err := s.thresholds.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return map[string]Threshold{}, nil
		}
		return nil, fmt.Errorf("list threshold keys: %w", err)
	}

	prefix := nodeID + "."
	out := make(map[string]Threshold)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.thresholds.Get(ctx, key)
		if err != nil {
			continue
		}
		var t Threshold
		if err := json.Unmarshal(entry.Value(), &t); err != nil {
			continue
		}
		out[t.Parameter] = t
	}
	return out, nil
}

// RecordAnalysis stores an analysis result as an append-only record.
func (s *KVStore) RecordAnalysis(ctx context.Context, r *AnalysisResult) error {
	if r.ID == "" {
		r.ID = NewEntityID(EntityTypeAnalysis).String()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	key := fmt.Sprintf("%s.%d", r.NodeID, r.Timestamp.UnixNano())
	if _, err := s.analyses.Put(ctx, key, data); err != nil {
		return NewWriteError("analysis", err)
	}
	return nil
}

// RecordExecution stores an execution result as an append-only audit record.
func (s *KVStore) RecordExecution(ctx context.Context, r *ExecutionResult) error {
	if r.ID == "" {
		r.ID = NewEntityID(EntityTypeExecution).String()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	key := fmt.Sprintf("%s.%d", r.NodeID, r.StartedAt.UnixNano())
	if _, err := s.executions.Put(ctx, key, data); err != nil {
		return NewWriteError("execution", err)
	}
	return nil
}

// RecordEvent appends a knowledge event to the audit trail.
func (s *KVStore) RecordEvent(ctx context.Context, event, nodeID string) error {
	ev := &KnowledgeEvent{
		ID:        NewEntityID(EntityTypeEvent).String(),
		Event:     event,
		NodeID:    nodeID,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := fmt.Sprintf("%s.%d", nodeID, ev.Timestamp.UnixNano())
	if _, err := s.events.Put(ctx, key, data); err != nil {
		return NewWriteError("event", err)
	}
	return nil
}

func inFlightKey(nodeID, planCode string) string {
	return fmt.Sprintf("%s.%s", nodeID, planCode)
}

// MarkInFlight atomically claims the (node, plan_code) pair. KV Create is
// first-wins, which serializes concurrent claims on the same node.
func (s *KVStore) MarkInFlight(ctx context.Context, nodeID, planCode string) error {
	marker := inFlightMarker{
		NodeID:    nodeID,
		PlanCode:  planCode,
		StartedAt: time.Now(),
	}
	data, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("marshal in-flight marker: %w", err)
	}
	if _, err := s.inflight.Create(ctx, inFlightKey(nodeID, planCode), data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return ErrInFlight
		}
		return NewWriteError("in-flight marker", err)
	}
	return nil
}

// ClearInFlight releases the claim on the (node, plan_code) pair. Clearing
// a marker that is already gone is not an error: the operation is
// idempotent so a cancelled cycle can always release on its exit path.
func (s *KVStore) ClearInFlight(ctx context.Context, nodeID, planCode string) error {
	err := s.inflight.Delete(ctx, inFlightKey(nodeID, planCode))
	if err != nil && !isNotFound(err) {
		return NewWriteError("clear in-flight marker", err)
	}
	return nil
}

// HasInFlightPlan reports whether an execution for the (node, plan_code)
// pair is still in flight. Markers older than maxInFlightAge are treated as
// orphaned by a crash and purged.
func (s *KVStore) HasInFlightPlan(ctx context.Context, nodeID, planCode string) (bool, error) {
	entry, err := s.inflight.Get(ctx, inFlightKey(nodeID, planCode))
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("get in-flight marker: %w", err)
	}
	var marker inFlightMarker
	if err := json.Unmarshal(entry.Value(), &marker); err != nil {
		return false, fmt.Errorf("unmarshal in-flight marker: %w", err)
	}
	if time.Since(marker.StartedAt) > maxInFlightAge {
		_ = s.inflight.Delete(ctx, inFlightKey(nodeID, planCode))
		return false, nil
	}
	return true, nil
}

// InFlightPlans returns the set of plan codes currently in flight for the
// node.
func (s *KVStore) InFlightPlans(ctx context.Context, nodeID string) (map[string]bool, error) {
	keys, err := s.inflight.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return map[string]bool{}, nil
		}
		return nil, fmt.Errorf("list in-flight keys: %w", err)
	}

	prefix := nodeID + "."
	out := make(map[string]bool)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		planCode := strings.TrimPrefix(key, prefix)
		ok, err := s.HasInFlightPlan(ctx, nodeID, planCode)
		if err != nil {
			return nil, err
		}
		if ok {
			out[planCode] = true
		}
	}
	return out, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}
