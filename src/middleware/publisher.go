package middleware

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const publishTimeout = 5 * time.Second

// Message is one publication.
type Message struct {
	ID          string
	ContentType string
	Type        string
	Body        []byte
}

// PublisherInterface is what batch sinks publish through.
type PublisherInterface interface {
	Publish(exchangeName, routingKey string, msg Message) error
	Close()
}

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher represents a RabbitMQ publisher with its own confirming channel
type Publisher struct {
	channel       channel
	confirms_chan <-chan amqp.Confirmation
	maxRetries    int
	logger        *logrus.Logger
}

// NewPublisher creates a new publisher using an existing connection
func NewPublisher(conn *amqp.Connection, maxRetries int, logger *logrus.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	confirms_chan := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return newPublisher(ch, confirms_chan, maxRetries, logger), nil
}

func newPublisher(ch channel, confirms <-chan amqp.Confirmation, maxRetries int, logger *logrus.Logger) *Publisher {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Publisher{
		channel:       ch,
		confirms_chan: confirms,
		maxRetries:    maxRetries,
		logger:        logger,
	}
}

// Publish sends msg and waits for the broker to confirm it, retrying nacks and
// publish errors up to maxRetries times.
func (p *Publisher) Publish(exchangeName, routingKey string, msg Message) error {
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := p.channel.PublishWithContext(
			ctx,
			exchangeName,
			routingKey,
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				ContentType:  msg.ContentType,
				Type:         msg.Type,
				Timestamp:    time.Now(),
				Body:         msg.Body,
			},
		)
		cancel()

		if err != nil {
			p.logger.WithFields(logrus.Fields{
				"routing_key": routingKey,
				"exchange":    exchangeName,
				"attempt":     attempt,
				"error":       err.Error(),
			}).Error("Failed to publish message to exchange")
			continue
		}

		confirmed, ok := <-p.confirms_chan
		if !ok {
			return fmt.Errorf("confirmation channel closed while publishing to %s", exchangeName)
		}
		if !confirmed.Ack {
			p.logger.WithFields(logrus.Fields{
				"routing_key":  routingKey,
				"exchange":     exchangeName,
				"attempt":      attempt,
				"delivery_tag": confirmed.DeliveryTag,
			}).Error("Broker rejected message")
			continue
		}

		p.logger.WithFields(logrus.Fields{
			"routing_key": routingKey,
			"exchange":    exchangeName,
			"message_id":  msg.ID,
		}).Debug("Published message to exchange")
		return nil
	}
	return fmt.Errorf("failed to publish message to exchange %s after %d attempts", exchangeName, p.maxRetries)
}

// Close closes only the channel, not the connection
func (p *Publisher) Close() {
	if err := p.channel.Close(); err != nil {
		p.logger.WithError(err).Warn("Failed to close publisher channel")
	}
}
