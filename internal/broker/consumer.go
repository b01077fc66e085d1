package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-sync-queue/internal/models"
	"github.com/Guizzs26/go-sync-queue/internal/syncerr"
	"github.com/Guizzs26/go-sync-queue/pkg/infra"
	"github.com/Guizzs26/go-sync-queue/pkg/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	IngestQueue      = "syncqueue.ingest.requests"
	IngestDeadLetter = "syncqueue.ingest.dlq"
)

// Enqueuer accepts ingestion requests
type Enqueuer interface {
	Enqueue(ctx context.Context, req models.EnqueueRequest) (*models.QueueItem, models.Outcome, error)
}

// Delivery is the part of amqp.Delivery the consumer acts on
type Delivery interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// RabbitMQConsumer feeds enqueue requests published by devices into the queue
type RabbitMQConsumer struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	enqueuer Enqueuer
	logger   *slog.Logger
	// requeueDelay throttles redeliveries of requests that failed for infrastructure reasons
	requeueDelay time.Duration
}

func NewRabbitMQConsumer(url string, enqueuer Enqueuer, logger *slog.Logger) (*RabbitMQConsumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %v", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %v", err)
	}

	// QoS: Prefetch 1 keeps per-device ingestion in publish order
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %v", err)
	}

	return &RabbitMQConsumer{
		conn:         conn,
		channel:      ch,
		enqueuer:     enqueuer,
		logger:       logger,
		requeueDelay: 5 * time.Second,
	}, nil
}

// setupTopology declares the ingest exchange, the work queue and its dead-letter queue
func (c *RabbitMQConsumer) setupTopology() error {
	if err := c.channel.ExchangeDeclare(IngestExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare ingest exchange: %v", err)
	}
	if _, err := c.channel.QueueDeclare(IngestDeadLetter, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead letter queue: %v", err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": IngestDeadLetter,
	}
	if _, err := c.channel.QueueDeclare(IngestQueue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue: %v", err)
	}
	if err := c.channel.QueueBind(IngestQueue, "syncqueue.ingest.#", IngestExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %v", err)
	}
	return nil
}

// Listen starts the consumption loop. It returns nil on shutdown and an error when the
// delivery channel closes so the caller can reconnect.
func (c *RabbitMQConsumer) Listen(ctx context.Context) error {
	if err := c.setupTopology(); err != nil {
		return err
	}

	msgs, err := c.channel.Consume(IngestQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %v", err)
	}

	c.logger.Info("Consumer is online and waiting for enqueue requests", "queue", IngestQueue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}
			c.handle(ctx, d.Body, &d)
		}
	}
}

// handle settles one delivery. Malformed or rejected requests are dead-lettered; only
// infrastructure failures are requeued.
func (c *RabbitMQConsumer) handle(ctx context.Context, body []byte, d Delivery) {
	var req models.EnqueueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.logger.Error("Failed to unmarshal enqueue request", "error", err)
		metrics.ConsumerMessages.WithLabelValues("malformed").Inc()
		d.Nack(false, false)
		return
	}

	l := c.logger.With("owner_id", req.OwnerID, "entity_type", req.EntityType, "operation", req.Operation)

	item, out, err := c.enqueuer.Enqueue(ctx, req)
	if err != nil {
		switch syncerr.KindOf(err) {
		case syncerr.KindBadRequest, syncerr.KindValidation:
			l.Warn("Enqueue request rejected, dead-lettering", "error", err)
			metrics.ConsumerMessages.WithLabelValues("rejected").Inc()
			d.Nack(false, false)
		default:
			l.Error("Enqueue failed, requeueing", "error", err)
			metrics.ConsumerMessages.WithLabelValues("error").Inc()
			if c.requeueDelay > 0 {
				_ = infra.Sleep(ctx, c.requeueDelay) // throttle redelivery
			}
			d.Nack(false, true)
		}
		return
	}

	// Manual Ack: only after the item is durable in the queue store
	if err := d.Ack(false); err != nil {
		l.Error("Failed to Ack message", "item_id", item.ID, "error", err)
	}
	metrics.ConsumerMessages.WithLabelValues("enqueued").Inc()
	l.Info("Enqueue request accepted", "item_id", item.ID, "status", out.Status)
}

// Close gracefully terminates RabbitMQ resources
func (c *RabbitMQConsumer) Close() {
	c.logger.Info("Shutting down RabbitMQ consumer")
	c.channel.Close()
	c.conn.Close()
}
