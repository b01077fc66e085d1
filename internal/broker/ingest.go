package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Guizzs26/go-sync-queue/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
)

// SubmitEnqueueRequest publishes one enqueue request on the ingest exchange over a
// short-lived connection and waits for the broker to confirm it reached disk.
func SubmitEnqueueRequest(ctx context.Context, url string, req models.EnqueueRequest) error {
	conn, err := amqp.Dial(url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open RabbitMQ channel: %v", err)
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to activate Publisher Confirms: %v", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	if err := ch.ExchangeDeclare(IngestExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare ingest exchange: %v", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to serialize request: %v", err)
	}

	routingKey := "syncqueue.ingest." + topicSegment(req.OwnerID)
	if err := ch.PublishWithContext(ctx, IngestExchange, routingKey, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Timestamp:    time.Now(),
		Body:         body,
	}); err != nil {
		return fmt.Errorf("publish call failed: %v", err)
	}

	select {
	case confirmed := <-confirms:
		if !confirmed.Ack {
			return fmt.Errorf("RabbitMQ NACK received: request not persisted")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
