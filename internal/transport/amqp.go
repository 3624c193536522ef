package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// ErrBrokerNack is returned when the broker refuses a payload.
var ErrBrokerNack = errors.New("broker rejected message")

// AMQPTransport hands payloads to the provider gateway through a durable
// queue per channel. A payload counts as accepted once the broker confirms
// it; the message id doubles as provider id for later receipts.
type AMQPTransport struct {
	mu       sync.Mutex
	ch       *amqp.Channel
	queue    string
	confirms chan amqp.Confirmation
	seq      uint64
}

// NewAMQPTransport opens a confirm-mode channel on conn publishing to queue.
func NewAMQPTransport(conn *amqp.Connection, queue string) (*AMQPTransport, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	return &AMQPTransport{
		ch:       ch,
		queue:    queue,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 64)),
	}, nil
}

func (t *AMQPTransport) Send(ctx context.Context, p Payload) (Ack, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Ack{}, fmt.Errorf("encode payload: %w", err)
	}
	providerID := uuid.NewString()

	t.mu.Lock()
	defer t.mu.Unlock()

	err = t.ch.Publish("", t.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    providerID,
		Body:         body,
	})
	if err != nil {
		return Ack{}, fmt.Errorf("publish: %w", err)
	}
	t.seq++
	tag := t.seq

	// Confirmations of earlier sends that gave up waiting may still be
	// buffered; skip them.
	for {
		select {
		case <-ctx.Done():
			return Ack{}, ctx.Err()
		case c, ok := <-t.confirms:
			if !ok {
				return Ack{}, errors.New("confirm channel closed")
			}
			if c.DeliveryTag < tag {
				continue
			}
			if !c.Ack {
				return Ack{}, ErrBrokerNack
			}
			return Ack{ProviderID: providerID}, nil
		}
	}
}

func (t *AMQPTransport) Close() error {
	return t.ch.Close()
}
