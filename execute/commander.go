package execute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/hydrostat-io/hydrostat/knowledge"
)

// DefaultCommandSubjectPrefix is the prefix for per-node command subjects.
const DefaultCommandSubjectPrefix = "hydrostat.node"

// Commander dispatches a command to a node over an abstract transport.
// Errors are classified as transient or permanent via the wrappers in this
// package; anything else is treated as transient.
type Commander interface {
	Send(ctx context.Context, cmd knowledge.Command) (*knowledge.Ack, error)
}

// NATSCommander dispatches commands as NATS request/reply on
// "<prefix>.<node_id>.command".
type NATSCommander struct {
	nc            *nats.Conn
	subjectPrefix string
}

// NewNATSCommander creates a Commander over the given NATS connection.
func NewNATSCommander(nc *nats.Conn, subjectPrefix string) *NATSCommander {
	if subjectPrefix == "" {
		subjectPrefix = DefaultCommandSubjectPrefix
	}
	return &NATSCommander{nc: nc, subjectPrefix: subjectPrefix}
}

// Send dispatches the command and waits for the node's acknowledgement
// within the context deadline.
//
// Transport failures and timeouts are transient. A well-formed ack with
// accepted=false is permanent: the node saw the command and refused it. A
// malformed or empty ack is ambiguous and therefore a transient failure; an
// ambiguous acknowledgement is never success.
func (c *NATSCommander) Send(ctx context.Context, cmd knowledge.Command) (*knowledge.Ack, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, NewPermanentError(fmt.Errorf("marshal command: %w", err))
	}

	subject := fmt.Sprintf("%s.%s.command", c.subjectPrefix, cmd.NodeID)
	msg, err := c.nc.RequestWithContext(ctx, subject, payload)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, NewTransientError(fmt.Errorf("node %s unreachable: %w", cmd.NodeID, err))
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, NewTransientError(fmt.Errorf("node %s timed out: %w", cmd.NodeID, err))
		}
		return nil, NewTransientError(fmt.Errorf("dispatch to node %s: %w", cmd.NodeID, err))
	}

	if len(msg.Data) == 0 {
		return nil, NewTransientError(fmt.Errorf("node %s returned an empty acknowledgement", cmd.NodeID))
	}
	var ack knowledge.Ack
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		return nil, NewTransientError(fmt.Errorf("node %s returned a malformed acknowledgement: %w", cmd.NodeID, err))
	}
	if !ack.Accepted {
		return &ack, NewPermanentError(fmt.Errorf("node %s rejected command %s: %s", cmd.NodeID, cmd.Command, ack.Detail))
	}
	return &ack, nil
}
