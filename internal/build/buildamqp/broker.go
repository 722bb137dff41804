// Package buildamqp carries build messages over RabbitMQ.
package buildamqp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/Zivotu/git-Clean2-sub005/internal/amqputil"
	"github.com/Zivotu/git-Clean2-sub005/internal/build"
)

const (
	QueueBuildCreated  = "build.created"
	ExchangeBuildEvent = "build.events"
)

var (
	_ build.Broker         = (*Broker)(nil)
	_ build.EventPublisher = (*EventPublisher)(nil)
)

// NewBuildCreatedClient returns the client of the durable work queue.
func NewBuildCreatedClient(connectionString string) *amqputil.Client {
	return amqputil.NewClient(connectionString, &amqputil.QueueDeclareParams{
		Name:    QueueBuildCreated,
		Durable: true,
	})
}

// NewBuildEventClient returns the client of the event fanout exchange.
func NewBuildEventClient(connectionString string) *amqputil.Client {
	return amqputil.NewExchangeClient(connectionString, &amqputil.ExchangeDeclareParams{
		Name: ExchangeBuildEvent,
		Kind: amqp091.ExchangeFanout,
	})
}

type Broker struct {
	client *amqputil.Client // required
}

func NewBroker(client *amqputil.Client) *Broker {
	return &Broker{client: client}
}

type buildCreatedMessage struct {
	ID *uuid.UUID `json:"id"`
}

// SendBuildCreated implements build.Broker.
func (b *Broker) SendBuildCreated(ctx context.Context, id uuid.UUID) error {
	body, err := json.Marshal(&buildCreatedMessage{ID: &id})
	if err != nil {
		return fmt.Errorf("send build created: %w", err)
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Body:         body,
	}
	if err := b.client.Publish(ctx, msg); err != nil {
		return fmt.Errorf("send build created: %w", err)
	}
	return nil
}

// DecodeBuildCreated returns the build id of a build.created message.
func DecodeBuildCreated(body []byte) (uuid.UUID, error) {
	var msg buildCreatedMessage
	if err := decodeStrict(body, &msg); err != nil {
		return uuid.UUID{}, fmt.Errorf("invalid body: %w", err)
	}
	if msg.ID == nil {
		return uuid.UUID{}, errors.New("missing id body field")
	}
	return *msg.ID, nil
}

type EventPublisher struct {
	client *amqputil.Client // required
}

func NewEventPublisher(client *amqputil.Client) *EventPublisher {
	return &EventPublisher{client: client}
}

// PublishEvent implements build.EventPublisher.
func (p *EventPublisher) PublishEvent(ctx context.Context, e *build.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	msg := amqp091.Publishing{
		ContentType: "application/json",
		Body:        body,
	}
	if err := p.client.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// DecodeEvent decodes a build.events message.
func DecodeEvent(body []byte) (*build.Event, error) {
	var e build.Event
	if err := decodeStrict(body, &e); err != nil {
		return nil, fmt.Errorf("invalid body: %w", err)
	}
	if e.BuildID == uuid.Nil {
		return nil, errors.New("missing buildId body field")
	}
	return &e, nil
}

func decodeStrict(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("multiple top-level values")
	}
	return nil
}
