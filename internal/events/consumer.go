package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/bookstore/services/circulation/internal/db"
	"github.com/bookstore/services/circulation/internal/repo"
)

const handleTimeout = 10 * time.Second

// CapacityLedger is the part of the availability ledger driven by catalog
// events
type CapacityLedger interface {
	Register(ctx context.Context, bookID string, total int) (bool, error)
	SetTotalCopies(ctx context.Context, bookID string, total int) (*db.BookAvailability, error)
}

type disposition int

const (
	ack disposition = iota
	drop
	requeue
)

// Consumer applies catalog events to the availability ledger
type Consumer struct {
	conn        *amqp.Connection
	channel     *amqp.Channel
	serviceName string
	ledger      CapacityLedger
	log         *zap.Logger
}

// NewConsumer creates a consumer without a broker connection. Call Connect
// before Start.
func NewConsumer(serviceName string, ledger CapacityLedger, log *zap.Logger) *Consumer {
	return &Consumer{
		serviceName: serviceName,
		ledger:      ledger,
		log:         log,
	}
}

// Connect dials RabbitMQ and declares the exchange
func (c *Consumer) Connect(url string) error {
	conn, err := amqp.Dial(url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareExchange(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	c.conn = conn
	c.channel = ch
	c.log.Info("Consumer connected to RabbitMQ", zap.String("exchange", exchangeName))
	return nil
}

// Start declares the service queue, binds the catalog routing keys and
// processes deliveries until ctx is done or the channel closes
func (c *Consumer) Start(ctx context.Context) error {
	if c.channel == nil {
		return errors.New("consumer is not connected")
	}

	queueName := fmt.Sprintf("%s.catalog.queue", c.serviceName)

	queue, err := c.channel.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	routingKeys := []string{
		EventTypeCatalogCreated,
		EventTypeCatalogCopiesChanged,
		EventTypeCatalogDeleted,
	}

	for _, key := range routingKeys {
		if err := c.channel.QueueBind(
			queue.Name,
			key,
			exchangeName,
			false,
			nil,
		); err != nil {
			return fmt.Errorf("failed to bind queue to %s: %w", key, err)
		}
		c.log.Info("Listening for events", zap.String("routing_key", key))
	}

	msgs, err := c.channel.Consume(
		queue.Name,
		c.serviceName, // consumer tag
		false,         // auto-ack
		false,         // exclusive
		false,         // no-local
		false,         // no-wait
		nil,           // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handleMessage(ctx, msg)
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, msg amqp.Delivery) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	var err error
	switch c.handle(ctx, msg.RoutingKey, msg.Body) {
	case ack:
		err = msg.Ack(false)
	case drop:
		err = msg.Nack(false, false)
	case requeue:
		err = msg.Nack(false, true)
	}
	if err != nil {
		c.log.Error("Failed to settle delivery",
			zap.String("routing_key", msg.RoutingKey),
			zap.Error(err),
		)
	}
}

func (c *Consumer) handle(ctx context.Context, routingKey string, body []byte) disposition {
	c.log.Debug("Received event", zap.String("routing_key", routingKey))

	var event CatalogEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.log.Warn("Failed to unmarshal catalog event",
			zap.String("routing_key", routingKey),
			zap.Error(err),
		)
		return drop
	}
	if event.Payload.SKU == "" {
		c.log.Warn("Catalog event without sku", zap.String("event_id", event.EventID))
		return drop
	}

	switch routingKey {
	case EventTypeCatalogCreated:
		return c.handleCatalogCreated(ctx, event)
	case EventTypeCatalogCopiesChanged:
		return c.handleCopiesChanged(ctx, event)
	case EventTypeCatalogDeleted:
		return c.handleCatalogDeleted(ctx, event)
	default:
		c.log.Warn("Unknown event type", zap.String("routing_key", routingKey))
		return drop
	}
}

func (c *Consumer) handleCatalogCreated(ctx context.Context, event CatalogEvent) disposition {
	total := 1
	if event.Payload.TotalCopies != nil {
		total = *event.Payload.TotalCopies
	}

	created, err := c.ledger.Register(ctx, event.Payload.SKU, total)
	if errors.Is(err, repo.ErrInvalidCapacity) {
		c.log.Warn("Rejected catalog.created", zap.String("sku", event.Payload.SKU), zap.Int("total_copies", total))
		return drop
	}
	if err != nil {
		c.log.Error("Failed to register book", zap.String("sku", event.Payload.SKU), zap.Error(err))
		return requeue
	}

	c.log.Info("Book registered",
		zap.String("sku", event.Payload.SKU),
		zap.Int("total_copies", total),
		zap.Bool("created", created),
	)
	return ack
}

func (c *Consumer) handleCopiesChanged(ctx context.Context, event CatalogEvent) disposition {
	if event.Payload.TotalCopies == nil {
		c.log.Warn("catalog.copies_changed without total_copies", zap.String("sku", event.Payload.SKU))
		return drop
	}
	return c.resize(ctx, event.Payload.SKU, *event.Payload.TotalCopies)
}

func (c *Consumer) handleCatalogDeleted(ctx context.Context, event CatalogEvent) disposition {
	return c.resize(ctx, event.Payload.SKU, 0)
}

func (c *Consumer) resize(ctx context.Context, sku string, total int) disposition {
	_, err := c.ledger.SetTotalCopies(ctx, sku, total)
	switch {
	case err == nil:
		return ack
	case errors.Is(err, repo.ErrInvalidCapacity):
		c.log.Warn("Rejected copy count", zap.String("sku", sku), zap.Int("total_copies", total))
		return drop
	case errors.Is(err, repo.ErrCapacityBelowOpenLoans):
		// Copies still out on loan; the catalog has to retry once they return.
		c.log.Warn("Copy count below open loans, ignoring",
			zap.String("sku", sku),
			zap.Int("total_copies", total),
		)
		return drop
	default:
		c.log.Error("Failed to resize book", zap.String("sku", sku), zap.Error(err))
		return requeue
	}
}

// IsHealthy checks if the consumer connection is healthy
func (c *Consumer) IsHealthy() bool {
	return c.conn != nil && !c.conn.IsClosed()
}

// Close closes the consumer connection
func (c *Consumer) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
