// Package ingest accepts raw readings at the NATS boundary, validates them
// through the monitor, and records them for the control loop.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/hydrostat-io/hydrostat/knowledge"
	"github.com/hydrostat-io/hydrostat/metric"
	"github.com/hydrostat-io/hydrostat/monitor"
)

// DefaultReadingSubject is the subject nodes publish readings to.
const DefaultReadingSubject = "hydrostat.reading"

// ingestQueue is the queue group name; multiple instances share the
// subscription.
const ingestQueue = "hydrostat-ingest"

// Nudger is the loop's reading-arrival trigger.
type Nudger interface {
	Nudge(nodeID string)
}

// Ingester validates and records submitted readings.
type Ingester struct {
	nc      *nats.Conn
	subject string
	monitor *monitor.Monitor
	store   knowledge.Store
	nudger  Nudger
	metrics *metric.Metrics
	logger  *slog.Logger

	sub *nats.Subscription
}

// New creates an Ingester. The nudger is optional; without it readings are
// only picked up on the next scheduled cycle.
func New(nc *nats.Conn, subject string, mon *monitor.Monitor, store knowledge.Store, nudger Nudger, metrics *metric.Metrics, logger *slog.Logger) *Ingester {
	if subject == "" {
		subject = DefaultReadingSubject
	}
	if metrics == nil {
		metrics = metric.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		nc:      nc,
		subject: subject,
		monitor: mon,
		store:   store,
		nudger:  nudger,
		metrics: metrics,
		logger:  logger,
	}
}

// Submit validates one raw reading, registers its node on first contact,
// and records the reading. A ValidationError drops the reading: it is
// logged and counted, never fatal to the loop.
func (i *Ingester) Submit(ctx context.Context, raw monitor.RawReading) (*knowledge.Reading, error) {
	reading, err := i.monitor.Ingest(raw)
	if err != nil {
		i.metrics.ReadingsRejected.Inc()
		var verr *monitor.ValidationError
		if errors.As(err, &verr) {
			i.logger.Warn("Reading rejected",
				"node", verr.NodeID,
				"field", verr.Field,
				"reason", verr.Reason)
			// Best effort: a rejection on an unregistered node has no
			// audit anchor yet.
			if verr.NodeID != "" {
				_ = i.store.RecordEvent(ctx, fmt.Sprintf("reading rejected: %s: %s", verr.Field, verr.Reason), verr.NodeID)
			}
		}
		return nil, err
	}

	if _, err := i.store.RegisterNode(ctx, reading.NodeID); err != nil {
		return nil, fmt.Errorf("register node: %w", err)
	}
	if err := i.store.RecordReading(ctx, reading); err != nil {
		return nil, fmt.Errorf("record reading: %w", err)
	}

	i.metrics.ReadingsProcessed.Inc()
	if i.nudger != nil {
		i.nudger.Nudge(reading.NodeID)
	}
	return reading, nil
}

// Start subscribes to the reading subject. Handlers answer request-style
// submissions with a JSON ack when a reply subject is set.
func (i *Ingester) Start(ctx context.Context) error {
	sub, err := i.nc.QueueSubscribe(i.subject, ingestQueue, func(msg *nats.Msg) {
		var raw monitor.RawReading
		if err := json.Unmarshal(msg.Data, &raw); err != nil {
			i.metrics.ReadingsRejected.Inc()
			i.logger.Warn("Discarding malformed reading payload", "error", err)
			i.reply(msg, false, "malformed payload")
			return
		}

		if _, err := i.Submit(ctx, raw); err != nil {
			i.reply(msg, false, err.Error())
			return
		}
		i.reply(msg, true, "recorded")
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", i.subject, err)
	}
	i.sub = sub
	i.logger.Info("Ingestion boundary listening", "subject", i.subject)
	return nil
}

// Stop unsubscribes from the reading subject.
func (i *Ingester) Stop() {
	if i.sub != nil {
		_ = i.sub.Unsubscribe()
	}
}

func (i *Ingester) reply(msg *nats.Msg, accepted bool, detail string) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(knowledge.Ack{Accepted: accepted, Detail: detail})
	if err != nil {
		return
	}
	_ = msg.Respond(data)
}
