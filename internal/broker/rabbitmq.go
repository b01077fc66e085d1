package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Guizzs26/go-sync-queue/internal/models"
	"github.com/Guizzs26/go-sync-queue/pkg/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// EventsExchange receives one message per queue item outcome
	EventsExchange = "syncqueue.events"
	// IngestExchange carries enqueue requests from devices and upstream systems
	IngestExchange = "syncqueue.ingest"
)

// RoutingKey builds the topic for an outcome event: syncqueue.<owner>.<entity>.<status>
func RoutingKey(e models.ItemEvent) string {
	return fmt.Sprintf("syncqueue.%s.%s.%s",
		topicSegment(e.OwnerID),
		topicSegment(e.EntityType),
		strings.ToLower(string(e.Status)),
	)
}

// topicSegment keeps user-supplied ids from breaking the dot-separated topic structure
func topicSegment(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", "#", "_").Replace(s)
}

// RabbitMQClient publishes outcome events with publisher confirms enabled
type RabbitMQClient struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	logger     *slog.Logger
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	closeOnce  sync.Once
	mu         sync.Mutex
	healthy    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// confirmTimeout bounds how long a publisher waits for the broker ACK
const confirmTimeout = 10 * time.Second

// NewRabbitMQClient dials the broker, declares the events exchange and puts the channel
// in confirm mode. The client flips to unhealthy as soon as the connection or channel drops.
func NewRabbitMQClient(url string, l *slog.Logger) (*RabbitMQClient, error) {
	conn, ch, err := dialEvents(url)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &RabbitMQClient{
		conn:       conn,
		channel:    ch,
		logger:     l,
		connClosed: conn.NotifyClose(make(chan *amqp.Error, 1)),
		chanClosed: ch.NotifyClose(make(chan *amqp.Error, 1)),
		ctx:        ctx,
		cancel:     cancel,
	}
	client.setHealthy(true)

	go client.watch()

	l.Info("Connected to RabbitMQ events exchange", "exchange", EventsExchange)
	return client, nil
}

func dialEvents(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	fail := func(step string, err error) (*amqp.Connection, *amqp.Channel, error) {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to %s: %w", step, err)
	}
	if err := ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil); err != nil {
		return fail("declare events exchange", err)
	}
	if err := ch.Confirm(false); err != nil {
		return fail("activate publisher confirms", err)
	}
	return conn, ch, nil
}

// watch marks the client unhealthy on the first close notification
func (r *RabbitMQClient) watch() {
	select {
	case err := <-r.connClosed:
		r.setHealthy(false)
		r.logger.Warn("RabbitMQ connection closed", "error", err)
	case err := <-r.chanClosed:
		r.setHealthy(false)
		r.logger.Warn("RabbitMQ channel closed", "error", err)
	case <-r.ctx.Done():
	}
}

func (r *RabbitMQClient) setHealthy(ok bool) {
	r.healthy.Store(ok)
	if ok {
		metrics.HealthStatus.Set(1)
	} else {
		metrics.HealthStatus.Set(0)
	}
}

// PublishEvent sends an outcome event and blocks until a confirmation (ACK/NACK) is received
func (r *RabbitMQClient) PublishEvent(ctx context.Context, event models.ItemEvent) error {
	if !r.IsHealthy() {
		return fmt.Errorf("broker connection is closed")
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	routingKey := RoutingKey(event)
	// Confirms are tracked per channel; serialize publishers sharing it
	r.mu.Lock()
	defer r.mu.Unlock()

	deferred, err := r.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		EventsExchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			Headers:      amqp.Table{"item_id": event.ItemID, "owner_id": event.OwnerID},
			MessageId:    event.EventID,
			Timestamp:    event.Timestamp,
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		r.logger.Error("Failed to publish event", "item_id", event.ItemID, "routing_key", routingKey, "error", err)
		return fmt.Errorf("publish call failed: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return fmt.Errorf("broker nacked event %s", event.EventID)
		}
		return nil
	case <-time.After(confirmTimeout):
		return fmt.Errorf("no publisher confirm for event %s after %s", event.EventID, confirmTimeout)
	}
}

// Close gracefully shuts down the RabbitMQ resources
func (r *RabbitMQClient) Close() error {
	r.closeOnce.Do(func() {
		r.logger.Info("Terminating RabbitMQ client")
		r.cancel()
		if r.channel != nil {
			r.channel.Close()
		}
		if r.conn != nil {
			r.conn.Close()
		}
	})
	return nil
}

// IsHealthy returns true if the connection and channel are active
func (r *RabbitMQClient) IsHealthy() bool {
	return r.healthy.Load()
}
