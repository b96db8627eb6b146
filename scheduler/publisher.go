package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
)

// Publisher emits the two terminal lifecycle events. A taskGraphFinished
// event is published at most once per graph; a taskGraphBlocked event at
// most once per running→blocked transition, modulo broker-induced
// redelivery duplicates downstream consumers are expected to tolerate.
type Publisher interface {
	PublishBlocked(ctx context.Context, status GraphStatus, blockingTaskID string) error
	PublishFinished(ctx context.Context, status GraphStatus) error
}

// NATSPublisher publishes lifecycle events to JetStream subjects suffixed
// with the graph's routing value — NATS has no AMQP-style routing keys, so
// subject hierarchy is the idiomatic equivalent, matching every teacher
// output port's "subject.<suffix>" convention (e.g. task-dispatcher's
// workflow.result.task-dispatcher.<subject>).
type NATSPublisher struct {
	client           *natsclient.Client
	source           string
	blockedSubject   string
	finishedSubject  string
}

// NewNATSPublisher constructs a Publisher bound to the given base subjects.
// The graph's routing value is appended as a further subject token.
func NewNATSPublisher(client *natsclient.Client, source, blockedSubject, finishedSubject string) *NATSPublisher {
	return &NATSPublisher{
		client:          client,
		source:          source,
		blockedSubject:  blockedSubject,
		finishedSubject: finishedSubject,
	}
}

// PublishBlocked implements Publisher.
func (p *NATSPublisher) PublishBlocked(ctx context.Context, status GraphStatus, blockingTaskID string) error {
	payload := &GraphBlockedPayload{Status: status, TaskID: blockingTaskID}
	return p.publish(ctx, p.blockedSubject, status.Routing, payload)
}

// PublishFinished implements Publisher.
func (p *NATSPublisher) PublishFinished(ctx context.Context, status GraphStatus) error {
	payload := &GraphFinishedPayload{Status: status}
	return p.publish(ctx, p.finishedSubject, status.Routing, payload)
}

func (p *NATSPublisher) publish(ctx context.Context, baseSubject, routing string, payload any) error {
	baseMsg := message.NewBaseMessage(schemaOf(payload), payload, p.source)
	data, err := json.Marshal(baseMsg)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}

	subject := baseSubject
	if routing != "" {
		subject = baseSubject + "." + routing
	}

	if err := p.client.PublishToStream(ctx, subject, data); err != nil {
		return fmt.Errorf("publish lifecycle event to %s: %w", subject, err)
	}
	return nil
}

type schemaProvider interface {
	Schema() message.Type
}

func schemaOf(payload any) message.Type {
	if sp, ok := payload.(schemaProvider); ok {
		return sp.Schema()
	}
	return message.Type{}
}
