package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/soyaya/metagauge/services/indexer-service/internal/domain"
	"github.com/soyaya/metagauge/shared/logging"
	"github.com/soyaya/metagauge/shared/messaging"
)

const (
	sessionEventPrefix = "indexer.sessions"
	eventSchemaV1      = "metagauge.indexer.v1"
)

// Publisher is the ProgressSink handed to sessions. Every event goes to the
// in-process broker; terminal events are additionally fanned out over AMQP
// when a bridge is configured.
type Publisher struct {
	broker *Broker
	amqp   *messaging.RabbitMQ
	chain  domain.ChainID
	logger *logging.Logger
}

// NewPublisher creates a publisher; amqp may be nil to disable the bridge
func NewPublisher(broker *Broker, amqp *messaging.RabbitMQ, chain domain.ChainID, logger *logging.Logger) *Publisher {
	return &Publisher{
		broker: broker,
		amqp:   amqp,
		chain:  chain,
		logger: logger,
	}
}

// PublishProgress delivers a non-terminal event to the session's subscribers
func (p *Publisher) PublishProgress(event *domain.ProgressEvent) {
	p.broker.Publish(event)
}

// PublishTerminal delivers the final event and bridges it to AMQP
func (p *Publisher) PublishTerminal(event *domain.ProgressEvent) {
	p.broker.Publish(event)

	if p.amqp == nil {
		return
	}

	body, err := json.Marshal(struct {
		Schema string `json:"schema"`
		*domain.ProgressEvent
	}{Schema: eventSchemaV1, ProgressEvent: event})
	if err != nil {
		p.logger.WithError(err).Error("failed to marshal terminal event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	routingKey := fmt.Sprintf("%s.%s.%s", sessionEventPrefix, event.Kind, p.chain)
	err = p.amqp.Publish(ctx, &messaging.Message{
		RoutingKey: routingKey,
		Body:       body,
		MessageID:  event.SessionID,
		Timestamp:  event.TS,
		Headers: map[string]interface{}{
			"kind":       string(event.Kind),
			"session_id": event.SessionID,
			"chain":      string(p.chain),
		},
	})
	if err != nil {
		p.logger.WithError(err).WithField("session_id", event.SessionID).
			Warn("failed to bridge terminal event to AMQP")
	}
}
