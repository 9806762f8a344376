package middleware

import (
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/simfabric/sample-dispatcher/src/config"
	"github.com/sirupsen/logrus"
)

const (
	connectionName = "sample-dispatcher"
	heartbeat      = 10 * time.Second
	dialBackoff    = time.Second

	// Tap queues keep at most this many messages, dropping the oldest, so a
	// coordinator running without consumers cannot fill the broker.
	tapQueueMaxLength = 10000
)

// MiddlewareInterface defines the contract for middleware operations
type MiddlewareInterface interface {
	SetupTopology() error
	DeclareExchange(exchangeName string, exchangeType string) error
	DeclareTapQueue(exchangeName string, binding Binding) error
	Close()
	Conn() *amqp.Connection
}

// Binding routes one routing key of the batches exchange to a queue.
type Binding struct {
	Queue      string
	RoutingKey string
}

// Topology is what the coordinator declares on the broker: a topic exchange
// for batches and round summaries, plus one bounded tap queue per routing key
// so that samples published before a trainer attaches are kept.
type Topology struct {
	Exchange string
	Taps     []Binding
}

// DefaultTopology taps both the batch and the round summary streams.
func DefaultTopology() Topology {
	exchange := config.SAMPLE_BATCHES_EXCHANGE
	return Topology{
		Exchange: exchange,
		Taps: []Binding{
			{Queue: exchange + "." + config.BATCH_ROUTING_KEY, RoutingKey: config.BATCH_ROUTING_KEY},
			{Queue: exchange + "." + config.STATS_ROUTING_KEY, RoutingKey: config.STATS_ROUTING_KEY},
		},
	}
}

// topologyChannel is the part of *amqp.Channel used to declare the topology.
type topologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Close() error
}

// Middleware owns the broker connection batches are published over.
type Middleware struct {
	conn      *amqp.Connection
	channel   topologyChannel
	topology  Topology
	logger    *logrus.Logger
	mu        sync.Mutex
	closeOnce sync.Once
}

// NewMiddleware dials RabbitMQ, retrying up to the configured number of times
// while the broker is still starting.
func NewMiddleware(cfg *config.MiddlewareConfig, logger *logrus.Logger) (*Middleware, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d/",
		cfg.GetUsername(), cfg.GetPassword(), cfg.GetHost(), cfg.GetPort())

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(connectionName)

	attempts := max(cfg.GetMaxRetries(), 1)
	var (
		conn *amqp.Connection
		err  error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err = amqp.DialConfig(url, amqp.Config{Properties: props, Heartbeat: heartbeat})
		if err == nil {
			break
		}
		logger.WithFields(logrus.Fields{
			"host":    cfg.GetHost(),
			"attempt": attempt,
			"error":   err.Error(),
		}).Warn("Failed to connect to RabbitMQ")
		if attempt < attempts {
			time.Sleep(time.Duration(attempt) * dialBackoff)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"host": cfg.GetHost(),
		"port": cfg.GetPort(),
		"user": cfg.GetUsername(),
	}).Info("Connected to RabbitMQ")

	m := newMiddleware(ch, DefaultTopology(), logger)
	m.conn = conn
	return m, nil
}

func newMiddleware(ch topologyChannel, topology Topology, logger *logrus.Logger) *Middleware {
	return &Middleware{
		channel:  ch,
		topology: topology,
		logger:   logger,
	}
}

// SetupTopology declares the batches exchange and its tap queues.
func (m *Middleware) SetupTopology() error {
	exchangeName := m.topology.Exchange

	if err := m.DeclareExchange(exchangeName, amqp.ExchangeTopic); err != nil {
		return fmt.Errorf("failed to declare exchange '%s': %w", exchangeName, err)
	}
	for _, b := range m.topology.Taps {
		if err := m.DeclareTapQueue(exchangeName, b); err != nil {
			return err
		}
	}

	m.logger.WithFields(logrus.Fields{
		"exchange": exchangeName,
		"taps":     len(m.topology.Taps),
	}).Info("Topology declared successfully")
	return nil
}

func (m *Middleware) DeclareExchange(exchangeName string, exchangeType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.channel.ExchangeDeclare(
		exchangeName,
		exchangeType,
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,   // arguments
	)
}

// DeclareTapQueue declares a bounded durable queue and binds it to the
// exchange.
func (m *Middleware) DeclareTapQueue(exchangeName string, b Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	args := amqp.Table{
		"x-max-length": int32(tapQueueMaxLength),
		"x-overflow":   "drop-head",
	}
	if _, err := m.channel.QueueDeclare(b.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue '%s': %w", b.Queue, err)
	}
	if err := m.channel.QueueBind(b.Queue, b.RoutingKey, exchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue '%s' to '%s' with key '%s': %w", b.Queue, exchangeName, b.RoutingKey, err)
	}
	return nil
}

func (m *Middleware) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.channel != nil {
			if err := m.channel.Close(); err != nil && (m.conn == nil || !m.conn.IsClosed()) {
				m.logger.WithError(err).Warn("Failed to close RabbitMQ channel")
			}
		}
		if m.conn != nil && !m.conn.IsClosed() {
			if err := m.conn.Close(); err != nil {
				m.logger.WithError(err).Warn("Failed to close RabbitMQ connection")
			}
		}
		m.logger.Info("RabbitMQ connection closed")
	})
}

// Conn returns the underlying connection, which the publisher opens its own
// confirming channel on.
func (m *Middleware) Conn() *amqp.Connection {
	return m.conn
}
