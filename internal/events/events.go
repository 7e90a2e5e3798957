// Package events delivers wallet events to notification and realtime subscribers after a
// unit of work commits. Delivery is best effort: callers log failures and move on.
package events

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Event names. The name doubles as the RabbitMQ routing key.
const (
	NameTransferCompleted   = "transfer.completed"
	NameCreditApplied       = "credit.applied"
	NameSessionStarted      = "session.started"
	NameSessionEnded        = "session.ended"
	NameSessionCancelled    = "session.cancelled"
	NameSessionExpired      = "session.expired"
	NamePayoutRequested     = "payout.requested"
	NamePayoutStatusChanged = "payout.status_changed"
	NameGoalCompleted       = "goal.completed"
)

// Event is the payload published to every channel.
type Event struct {
	Name          string            `json:"name"`
	OccurredAt    time.Time         `json:"occurredAt"`
	UserIDs       []string          `json:"userIds"`
	Amount        int64             `json:"amount,omitempty"`
	TransactionID string            `json:"transactionId,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// Publisher delivers events to one destination.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NoopPublisher drops events. It stands in when no broker is configured.
type NoopPublisher struct {
	logger *zap.Logger
}

// NewNoopPublisher returns a publisher that only logs at debug level.
func NewNoopPublisher(logger *zap.Logger) *NoopPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NoopPublisher{logger: logger}
}

// Publish implements Publisher.
func (publisher *NoopPublisher) Publish(_ context.Context, event Event) error {
	publisher.logger.Debug("event publish skipped", zap.String("event", event.Name))
	return nil
}

// Fanout publishes every event to all of its publishers and joins their errors.
type Fanout struct {
	publishers []Publisher
}

// NewFanout skips nil publishers.
func NewFanout(publishers ...Publisher) *Fanout {
	fanout := &Fanout{}
	for _, publisher := range publishers {
		if publisher != nil {
			fanout.publishers = append(fanout.publishers, publisher)
		}
	}
	return fanout
}

// Publish implements Publisher. One failing destination does not stop the others.
func (fanout *Fanout) Publish(ctx context.Context, event Event) error {
	var publishErrors []error
	for _, publisher := range fanout.publishers {
		if err := publisher.Publish(ctx, event); err != nil {
			publishErrors = append(publishErrors, err)
		}
	}
	return errors.Join(publishErrors...)
}
