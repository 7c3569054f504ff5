// Package rabbitmq provides the RabbitMQ/AMQP transport for the event bus.
// All services publish to one durable topic exchange; each service consumes
// from its own durable queue bound to the exchange with routing-key patterns.
package rabbitmq

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/medtrack/eventbus/internal/runtime/errors"
	"github.com/medtrack/eventbus/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

func init() {
	Register()
}

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// Register registers the RabbitMQ transport with the default registry.
// This should be called from an init() function in an importing package,
// or explicitly before using the transport.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a new RabbitMQ transport. The connection is attempted up to
// GetConnectRetries()+1 times with a fixed delay; once established, the
// underlying library reconnects on its own.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()
	amqpConfig := buildAMQPConfig(cfg)

	conn, err := connect(ctx, url, cfg.GetConnectRetries(), cfg.GetConnectRetryDelay(), logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, wrapTopologyError(cfg.GetExchange(), cfg.GetQueue(), err)
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, wrapTopologyError(cfg.GetExchange(), cfg.GetQueue(), err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// connect dials the broker with bounded retries. Exhausting the attempts
// yields a ConnectionError so callers can crash loudly instead of starting
// half-connected.
func connect(ctx context.Context, url string, retries int, delay time.Duration, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	attempts := retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := ConnectionFactory(amqp.ConnectionConfig{
			AmqpURI:   url,
			TLSConfig: nil,
			Reconnect: amqp.DefaultReconnectConfig(),
		}, logger)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		logger.Info("Broker connect failed", watermill.LogFields{
			"attempt":      attempt,
			"max_attempts": attempts,
			"error":        err.Error(),
		})

		if attempt == attempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &errors.ConnectionError{Addr: url, Attempts: attempt, Err: ctx.Err()}
		}
	}

	return nil, &errors.ConnectionError{Addr: url, Attempts: attempts, Err: lastErr}
}

// buildAMQPConfig maps the event bus topology onto the watermill AMQP config:
// a single durable topic exchange, a durable per-service queue, routing keys
// equal to the publish topic, and prefetch bounding in-flight deliveries.
// Nacked deliveries are requeued by the broker.
func buildAMQPConfig(cfg transport.Config) amqp.Config {
	exchangeName := cfg.GetExchange()
	queueName := cfg.GetQueue()

	return amqp.Config{
		Connection: amqp.ConnectionConfig{
			AmqpURI: cfg.GetRabbitMQURL(),
		},

		Marshaler: amqp.DefaultMarshaler{},

		Exchange: amqp.ExchangeConfig{
			GenerateName: func(topic string) string {
				return exchangeName
			},
			Type:    "topic",
			Durable: true,
		},

		Queue: amqp.QueueConfig{
			GenerateName: func(topic string) string {
				if queueName != "" {
					return queueName
				}
				return topic
			},
			Durable: true,
		},

		QueueBind: amqp.QueueBindConfig{
			GenerateRoutingKey: func(topic string) string {
				return topic
			},
		},

		Publish: amqp.PublishConfig{
			GenerateRoutingKey: func(topic string) string {
				return topic
			},
		},

		Consume: amqp.ConsumeConfig{
			Qos: amqp.QosConfig{
				PrefetchCount: cfg.GetPrefetchCount(),
			},
		},

		TopologyBuilder: &topicTopologyBuilder{
			bindings: cfg.GetBindings(),
		},
	}
}

// topicTopologyBuilder declares the shared topic exchange and binds the
// consumer queue once per configured routing-key pattern. Without configured
// bindings the queue is bound to its own name, so direct publishes to the
// queue name still arrive.
type topicTopologyBuilder struct {
	bindings []string
}

var _ amqp.TopologyBuilder = (*topicTopologyBuilder)(nil)

func (b *topicTopologyBuilder) ExchangeDeclare(channel *amqp091.Channel, exchangeName string, config amqp.Config) error {
	return channel.ExchangeDeclare(
		exchangeName,
		config.Exchange.Type,
		config.Exchange.Durable,
		config.Exchange.AutoDeleted,
		config.Exchange.Internal,
		config.Exchange.NoWait,
		config.Exchange.Arguments,
	)
}

func (b *topicTopologyBuilder) BuildTopology(channel *amqp091.Channel, params amqp.BuildTopologyParams, config amqp.Config, logger watermill.LoggerAdapter) error {
	queueName := params.QueueName
	exchangeName := params.ExchangeName

	if _, err := channel.QueueDeclare(
		queueName,
		config.Queue.Durable,
		config.Queue.AutoDelete,
		config.Queue.Exclusive,
		config.Queue.NoWait,
		config.Queue.Arguments,
	); err != nil {
		return wrapTopologyError(exchangeName, queueName, err)
	}

	if exchangeName == "" {
		return nil
	}

	if err := b.ExchangeDeclare(channel, exchangeName, config); err != nil {
		return wrapTopologyError(exchangeName, queueName, err)
	}

	patterns := b.bindings
	if len(patterns) == 0 {
		patterns = []string{queueName}
	}

	for _, pattern := range patterns {
		logger.Debug("Binding queue", watermill.LogFields{
			"queue":    queueName,
			"exchange": exchangeName,
			"pattern":  pattern,
		})
		if err := channel.QueueBind(
			queueName,
			pattern,
			exchangeName,
			config.QueueBind.NoWait,
			config.QueueBind.Arguments,
		); err != nil {
			return wrapTopologyError(exchangeName, queueName, err)
		}
	}

	return nil
}

// wrapTopologyError converts an AMQP precondition failure (code 406, declare
// parameters conflicting with existing broker state) into a
// TopologyConflictError. Other errors pass through unchanged.
func wrapTopologyError(exchange, queue string, err error) error {
	if err == nil {
		return nil
	}
	var amqpErr *amqp091.Error
	if stderrors.As(err, &amqpErr) && amqpErr.Code == amqp091.PreconditionFailed {
		return &errors.TopologyConflictError{Exchange: exchange, Queue: queue, Err: err}
	}
	return err
}
