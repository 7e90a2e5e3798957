package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	exchangeKindTopic      = "topic"
	contentTypeJSON        = "application/json"
	defaultAMQPDialTimeout = 10 * time.Second
)

var errInvalidAMQPURL = errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// RabbitPublisher sends events to a durable topic exchange for the notification dispatcher.
type RabbitPublisher struct {
	mu         sync.Mutex
	connection *amqp091.Connection
	channel    amqpChannel
	reopen     func() (amqpChannel, error)
	exchange   string
	logger     *zap.Logger
}

// DialRabbit connects with a bounded dial timeout and declares the exchange.
func DialRabbit(rawURL string, exchange string, logger *zap.Logger) (*RabbitPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(rawURL)
	if err != nil {
		return nil, err
	}
	connection, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(defaultAMQPDialTimeout)})
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	channel, err := connection.Channel()
	if err != nil {
		_ = connection.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	reopen := func() (amqpChannel, error) {
		return connection.Channel()
	}
	publisher, err := newRabbitPublisher(channel, exchange, reopen, logger)
	if err != nil {
		_ = connection.Close()
		return nil, err
	}
	publisher.connection = connection
	return publisher, nil
}

func newRabbitPublisher(channel amqpChannel, exchange string, reopen func() (amqpChannel, error), logger *zap.Logger) (*RabbitPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		return nil, errors.New("amqp exchange is required")
	}
	if err := declareExchange(channel, exchange); err != nil {
		return nil, err
	}
	return &RabbitPublisher{channel: channel, reopen: reopen, exchange: exchange, logger: logger}, nil
}

// Publish implements Publisher. A failed publish reopens the channel once and retries.
func (publisher *RabbitPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("amqp marshal %s: %w", event.Name, err)
	}
	message := amqp091.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    event.OccurredAt,
		Body:         body,
	}
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	err = publisher.channel.PublishWithContext(ctx, publisher.exchange, event.Name, false, false, message)
	if err == nil {
		return nil
	}
	if publisher.reopen == nil {
		return fmt.Errorf("amqp publish %s: %w", event.Name, err)
	}
	publisher.logger.Warn("amqp publish failed; reopening channel", zap.String("event", event.Name), zap.Error(err))
	channel, reopenErr := publisher.reopen()
	if reopenErr != nil {
		return fmt.Errorf("amqp reopen channel: %w", reopenErr)
	}
	if err := declareExchange(channel, publisher.exchange); err != nil {
		_ = channel.Close()
		return err
	}
	_ = publisher.channel.Close()
	publisher.channel = channel
	if err := channel.PublishWithContext(ctx, publisher.exchange, event.Name, false, false, message); err != nil {
		return fmt.Errorf("amqp publish %s: %w", event.Name, err)
	}
	return nil
}

// Close releases the channel and connection.
func (publisher *RabbitPublisher) Close() error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	var closeErrors []error
	if publisher.channel != nil {
		closeErrors = append(closeErrors, publisher.channel.Close())
	}
	if publisher.connection != nil {
		closeErrors = append(closeErrors, publisher.connection.Close())
	}
	return errors.Join(closeErrors...)
}

func declareExchange(channel amqpChannel, exchange string) error {
	if err := channel.ExchangeDeclare(exchange, exchangeKindTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp declare exchange %s: %w", exchange, err)
	}
	return nil
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", errInvalidAMQPURL
	}
	return clean, nil
}
