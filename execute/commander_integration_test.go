//go:build integration

package execute

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/hydrostat-io/hydrostat/knowledge"
)

func newTestConn(t *testing.T) *nats.Conn {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
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
	return conn
}

// respond installs a node-side command handler for the test.
func respond(t *testing.T, nc *nats.Conn, nodeID string, handler func(cmd knowledge.Command) []byte) {
	t.Helper()
	sub, err := nc.Subscribe("hydrostat.node."+nodeID+".command", func(msg *nats.Msg) {
		var cmd knowledge.Command
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			t.Errorf("malformed command payload: %v", err)
			return
		}
		_ = msg.Respond(handler(cmd))
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
}

func TestNATSCommanderAcceptedCommand(t *testing.T) {
	nc := newTestConn(t)
	respond(t, nc, "motor_1", func(cmd knowledge.Command) []byte {
		if cmd.Command != "turn_on_motor" {
			t.Errorf("unexpected command %s", cmd.Command)
		}
		data, _ := json.Marshal(knowledge.Ack{Accepted: true, Detail: "motor running"})
		return data
	})

	commander := NewNATSCommander(nc, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ack, err := commander.Send(ctx, knowledge.Command{NodeID: "motor_1", Command: "turn_on_motor"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !ack.Accepted {
		t.Error("expected accepted ack")
	}
	if ack.Detail != "motor running" {
		t.Errorf("detail = %q, want %q", ack.Detail, "motor running")
	}
}

func TestNATSCommanderRejectedCommandIsPermanent(t *testing.T) {
	nc := newTestConn(t)
	respond(t, nc, "motor_1", func(cmd knowledge.Command) []byte {
		data, _ := json.Marshal(knowledge.Ack{Accepted: false, Detail: "unknown actuator"})
		return data
	})

	commander := NewNATSCommander(nc, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := commander.Send(ctx, knowledge.Command{NodeID: "motor_1", Command: "explode"})
	if err == nil {
		t.Fatal("expected error for rejected command")
	}
	if !IsPermanent(err) {
		t.Errorf("a node-refused command must be permanent, got %v", err)
	}
}

func TestNATSCommanderUnreachableNodeIsTransient(t *testing.T) {
	nc := newTestConn(t)
	// No responder for motor_9.

	commander := NewNATSCommander(nc, "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := commander.Send(ctx, knowledge.Command{NodeID: "motor_9", Command: "turn_on_motor"})
	if err == nil {
		t.Fatal("expected error for unreachable node")
	}
	if !IsTransient(err) {
		t.Errorf("an unreachable node must be transient, got %v", err)
	}
}

func TestNATSCommanderAmbiguousAckIsTransient(t *testing.T) {
	nc := newTestConn(t)

	tests := []struct {
		name string
		ack  []byte
	}{
		{"empty ack", nil},
		{"malformed ack", []byte("not-json")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			nodeID := "motor_ambiguous"
			respond(t, nc, nodeID, func(cmd knowledge.Command) []byte { return tc.ack })

			commander := NewNATSCommander(nc, "")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_, err := commander.Send(ctx, knowledge.Command{NodeID: nodeID, Command: "turn_on_motor"})
			if err == nil {
				t.Fatal("an ambiguous acknowledgement is never success")
			}
			if !IsTransient(err) {
				t.Errorf("expected transient, got %v", err)
			}
		})
	}
}
