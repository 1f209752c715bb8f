//go:build integration

package knowledge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// newTestStore starts an embedded JetStream server and opens a KVStore
// against it. The server and connection are torn down with the test.
func newTestStore(t *testing.T) *KVStore {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		t.Fatalf("create embedded NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS server failed to start")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(conn.Close)

	js, err := jetstream.New(conn)
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}

	store, err := NewKVStore(context.Background(), js)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return store
}

func TestRegisterNode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("first contact creates the node", func(t *testing.T) {
		node, err := store.RegisterNode(ctx, "water_level_1")
		if err != nil {
			t.Fatalf("RegisterNode() error = %v", err)
		}
		if node.SensorType != SensorWaterLevel {
			t.Errorf("sensor type = %s, want %s", node.SensorType, SensorWaterLevel)
		}
		if node.RegisteredAt.IsZero() {
			t.Error("expected RegisteredAt to be set")
		}
	})

	t.Run("re-registration keeps the original record", func(t *testing.T) {
		first, err := store.GetNode(ctx, "water_level_1")
		if err != nil {
			t.Fatalf("GetNode() error = %v", err)
		}

		node, err := store.RegisterNode(ctx, "water_level_1")
		if err != nil {
			t.Fatalf("RegisterNode() error = %v", err)
		}
		if !node.RegisteredAt.Equal(first.RegisteredAt) {
			t.Error("re-registration must not reset RegisteredAt")
		}
		if !node.LastSeen.After(first.RegisteredAt) && node.LastSeen.Equal(first.LastSeen) {
			t.Error("expected LastSeen to be refreshed")
		}
	})

	t.Run("empty node ID is rejected", func(t *testing.T) {
		if _, err := store.RegisterNode(ctx, ""); err == nil {
			t.Error("expected error for empty node ID")
		}
	})

	t.Run("reserved characters are rejected", func(t *testing.T) {
		for _, id := range []string{"water_level_1.rogue", "motor_*", "motor 1"} {
			if _, err := store.RegisterNode(ctx, id); err == nil {
				t.Errorf("expected error for node ID %q", id)
			}
		}
	})

	t.Run("ListNodes returns nodes sorted", func(t *testing.T) {
		if _, err := store.RegisterNode(ctx, "motor_1"); err != nil {
			t.Fatalf("RegisterNode() error = %v", err)
		}
		nodes, err := store.ListNodes(ctx)
		if err != nil {
			t.Fatalf("ListNodes() error = %v", err)
		}
		if len(nodes) != 2 {
			t.Fatalf("expected 2 nodes, got %d", len(nodes))
		}
		if nodes[0].NodeID != "motor_1" || nodes[1].NodeID != "water_level_1" {
			t.Errorf("unexpected order: %s, %s", nodes[0].NodeID, nodes[1].NodeID)
		}
	})
}

func TestReadings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("latest reading without any reading", func(t *testing.T) {
		_, err := store.LatestReading(ctx, "water_level_1")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("record and fetch latest", func(t *testing.T) {
		for _, v := range []float64{100, 110, 120} {
			err := store.RecordReading(ctx, &Reading{
				NodeID:    "water_level_1",
				Values:    map[string]float64{"water_level": v},
				Timestamp: time.Now(),
			})
			if err != nil {
				t.Fatalf("RecordReading() error = %v", err)
			}
		}

		latest, err := store.LatestReading(ctx, "water_level_1")
		if err != nil {
			t.Fatalf("LatestReading() error = %v", err)
		}
		if latest.Values["water_level"] != 120 {
			t.Errorf("latest value = %v, want 120", latest.Values["water_level"])
		}
		if latest.ID == "" {
			t.Error("expected reading ID to be assigned")
		}
	})

	t.Run("recent readings are newest first", func(t *testing.T) {
		readings, err := store.RecentReadings(ctx, "water_level_1", 2)
		if err != nil {
			t.Fatalf("RecentReadings() error = %v", err)
		}
		if len(readings) != 2 {
			t.Fatalf("expected 2 readings, got %d", len(readings))
		}
		if readings[0].Values["water_level"] != 120 || readings[1].Values["water_level"] != 110 {
			t.Errorf("unexpected order: %v, %v",
				readings[0].Values["water_level"], readings[1].Values["water_level"])
		}
	})
}

func TestThresholds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("set and get", func(t *testing.T) {
		err := store.SetThreshold(ctx, &Threshold{
			NodeID:    "water_level_1",
			Parameter: "water_level",
			Min:       100,
			Max:       300,
		})
		if err != nil {
			t.Fatalf("SetThreshold() error = %v", err)
		}

		got, err := store.GetThreshold(ctx, "water_level_1", "water_level")
		if err != nil {
			t.Fatalf("GetThreshold() error = %v", err)
		}
		if got.Min != 100 || got.Max != 300 {
			t.Errorf("threshold = [%v, %v], want [100, 300]", got.Min, got.Max)
		}
		if got.SensorType != SensorWaterLevel {
			t.Errorf("sensor type = %s, want inferred %s", got.SensorType, SensorWaterLevel)
		}
	})

	t.Run("update supersedes", func(t *testing.T) {
		err := store.SetThreshold(ctx, &Threshold{
			NodeID:    "water_level_1",
			Parameter: "water_level",
			Min:       120,
			Max:       280,
		})
		if err != nil {
			t.Fatalf("SetThreshold() error = %v", err)
		}
		got, err := store.GetThreshold(ctx, "water_level_1", "water_level")
		if err != nil {
			t.Fatalf("GetThreshold() error = %v", err)
		}
		if got.Min != 120 {
			t.Errorf("expected the latest revision to win, got min %v", got.Min)
		}
	})

	t.Run("inverted range is rejected", func(t *testing.T) {
		err := store.SetThreshold(ctx, &Threshold{
			NodeID:    "water_level_1",
			Parameter: "water_level",
			Min:       300,
			Max:       100,
		})
		if err == nil {
			t.Error("expected error for min > max")
		}
	})

	t.Run("GetThresholds is scoped to the node", func(t *testing.T) {
		// A node whose ID is a prefix of another node's ID must not see
		// its thresholds.
		err := store.SetThreshold(ctx, &Threshold{
			NodeID:    "water_level_10",
			Parameter: "temperature",
			Min:       5,
			Max:       40,
		})
		if err != nil {
			t.Fatalf("SetThreshold() error = %v", err)
		}

		thresholds, err := store.GetThresholds(ctx, "water_level_1")
		if err != nil {
			t.Fatalf("GetThresholds() error = %v", err)
		}
		if len(thresholds) != 1 {
			t.Fatalf("expected 1 threshold, got %d", len(thresholds))
		}
		if _, ok := thresholds["temperature"]; ok {
			t.Error("water_level_10's threshold leaked into water_level_1")
		}
	})

	t.Run("dotted node ID is rejected", func(t *testing.T) {
		// A dot in the node ID would make the threshold key ambiguous:
		// "water_level_1.rogue" + "water_level" reads back as node
		// "water_level_1", parameter "rogue.water_level".
		err := store.SetThreshold(ctx, &Threshold{
			NodeID:    "water_level_1.rogue",
			Parameter: "water_level",
			Min:       0,
			Max:       100,
		})
		if err == nil {
			t.Fatal("expected error for dotted node ID")
		}

		thresholds, err := store.GetThresholds(ctx, "water_level_1")
		if err != nil {
			t.Fatalf("GetThresholds() error = %v", err)
		}
		for param, th := range thresholds {
			if th.NodeID != "water_level_1" {
				t.Errorf("threshold %s attributed to %s", param, th.NodeID)
			}
		}
	})

	t.Run("no thresholds yields an empty map", func(t *testing.T) {
		thresholds, err := store.GetThresholds(ctx, "motor_1")
		if err != nil {
			t.Fatalf("GetThresholds() error = %v", err)
		}
		if len(thresholds) != 0 {
			t.Errorf("expected empty map, got %v", thresholds)
		}
	})
}

func TestInFlight(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("first claim wins", func(t *testing.T) {
		if err := store.MarkInFlight(ctx, "water_level_1", "WL001"); err != nil {
			t.Fatalf("MarkInFlight() error = %v", err)
		}
		err := store.MarkInFlight(ctx, "water_level_1", "WL001")
		if !errors.Is(err, ErrInFlight) {
			t.Errorf("expected ErrInFlight, got %v", err)
		}
	})

	t.Run("claims are per plan and node", func(t *testing.T) {
		if err := store.MarkInFlight(ctx, "water_level_1", "WL002"); err != nil {
			t.Errorf("unexpected error for another plan: %v", err)
		}
		if err := store.MarkInFlight(ctx, "water_level_2", "WL001"); err != nil {
			t.Errorf("unexpected error for another node: %v", err)
		}
	})

	t.Run("InFlightPlans lists active claims", func(t *testing.T) {
		plans, err := store.InFlightPlans(ctx, "water_level_1")
		if err != nil {
			t.Fatalf("InFlightPlans() error = %v", err)
		}
		if !plans["WL001"] || !plans["WL002"] {
			t.Errorf("expected WL001 and WL002 in flight, got %v", plans)
		}
		if len(plans) != 2 {
			t.Errorf("expected 2 claims, got %d", len(plans))
		}
	})

	t.Run("clear releases the claim", func(t *testing.T) {
		if err := store.ClearInFlight(ctx, "water_level_1", "WL001"); err != nil {
			t.Fatalf("ClearInFlight() error = %v", err)
		}
		ok, err := store.HasInFlightPlan(ctx, "water_level_1", "WL001")
		if err != nil {
			t.Fatalf("HasInFlightPlan() error = %v", err)
		}
		if ok {
			t.Error("expected claim to be released")
		}
		// Reclaim succeeds after release.
		if err := store.MarkInFlight(ctx, "water_level_1", "WL001"); err != nil {
			t.Errorf("reclaim after clear failed: %v", err)
		}
	})

	t.Run("clear is idempotent", func(t *testing.T) {
		if err := store.ClearInFlight(ctx, "water_level_1", "NEVER"); err != nil {
			t.Errorf("clearing an absent claim must not fail: %v", err)
		}
	})
}

func TestAuditRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	analysis := &AnalysisResult{
		NodeID:      "water_level_1",
		Timestamp:   time.Now(),
		Statuses:    map[string]ParameterStatus{"water_level": StatusLow},
		SystemState: StateAlert,
	}
	if err := store.RecordAnalysis(ctx, analysis); err != nil {
		t.Fatalf("RecordAnalysis() error = %v", err)
	}
	if analysis.ID == "" {
		t.Error("expected analysis ID to be assigned")
	}

	execution := &ExecutionResult{
		PlanCode:  "WL001",
		NodeID:    "motor_1",
		Status:    ExecutionSuccess,
		StartedAt: time.Now(),
		Attempts:  1,
	}
	if err := store.RecordExecution(ctx, execution); err != nil {
		t.Fatalf("RecordExecution() error = %v", err)
	}
	if execution.ID == "" {
		t.Error("expected execution ID to be assigned")
	}

	if err := store.RecordEvent(ctx, "plan selected: WL001 for alert", "water_level_1"); err != nil {
		t.Fatalf("RecordEvent() error = %v", err)
	}
}
