// Package amqputil wraps RabbitMQ connections for publishing and consuming.
package amqputil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

var ErrDeliveriesClosed = errors.New("delivery channel is closed")

type QueueDeclareParams struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool
	Args       amqp091.Table
}

type ExchangeDeclareParams struct {
	Name    string
	Kind    string // e.g. amqp091.ExchangeFanout
	Durable bool
}

// Client publishes to and consumes from either a queue or an exchange.
// The connection is opened lazily and reopened after it closes.
type Client struct {
	connectionString string
	queue            *QueueDeclareParams
	exchange         *ExchangeDeclareParams

	mu   sync.Mutex
	conn *amqp091.Connection
}

// NewClient returns a client for a work queue.
func NewClient(connectionString string, queueDeclareParams *QueueDeclareParams) *Client {
	return &Client{
		connectionString: connectionString,
		queue:            queueDeclareParams,
	}
}

// NewExchangeClient returns a client for an exchange. Each consumer gets
// its own exclusive queue bound to the exchange.
func NewExchangeClient(connectionString string, exchangeDeclareParams *ExchangeDeclareParams) *Client {
	return &Client{
		connectionString: connectionString,
		exchange:         exchangeDeclareParams,
	}
}

func (cli *Client) connection() (*amqp091.Connection, error) {
	cli.mu.Lock()
	defer cli.mu.Unlock()
	if cli.conn != nil && !cli.conn.IsClosed() {
		return cli.conn, nil
	}
	conn, err := amqp091.Dial(cli.connectionString)
	if err != nil {
		return nil, err
	}
	cli.conn = conn
	return conn, nil
}

func (cli *Client) declare(ch *amqp091.Channel) error {
	if cli.exchange != nil {
		return ch.ExchangeDeclare(cli.exchange.Name, cli.exchange.Kind, cli.exchange.Durable, false, false, false, nil)
	}
	_, err := ch.QueueDeclare(
		cli.queue.Name,
		cli.queue.Durable,
		cli.queue.AutoDelete,
		cli.queue.Exclusive,
		cli.queue.NoWait,
		cli.queue.Args,
	)
	return err
}

// Publish sends msg to the client's queue or exchange.
func (cli *Client) Publish(ctx context.Context, msg amqp091.Publishing) error {
	conn, err := cli.connection()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := cli.declare(ch); err != nil {
		return err
	}

	if cli.exchange != nil {
		return ch.PublishWithContext(ctx, cli.exchange.Name, "", false, false, msg)
	}
	return ch.PublishWithContext(ctx, "", cli.queue.Name, false, false, msg)
}

// Consume calls handle for every delivery until ctx ends or the delivery
// channel closes. Queue deliveries are prefetched one at a time and must be
// acknowledged by handle; exchange deliveries are acknowledged
// automatically.
func (cli *Client) Consume(ctx context.Context, handle func(m amqp091.Delivery)) error {
	conn, err := amqp091.Dial(cli.connectionString)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := cli.declare(ch); err != nil {
		return err
	}

	queueName, autoAck := "", false
	if cli.exchange != nil {
		q, err := ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return err
		}
		if err := ch.QueueBind(q.Name, "", cli.exchange.Name, false, nil); err != nil {
			return err
		}
		queueName, autoAck = q.Name, true
	} else {
		if err := ch.Qos(1, 0, false); err != nil {
			return err
		}
		queueName = cli.queue.Name
	}

	messages, err := ch.Consume(queueName, "", autoAck, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case m, ok := <-messages:
			if !ok {
				return ErrDeliveriesClosed
			}
			handle(m)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ConsumeWithRetry runs Consume until ctx ends, reconnecting with backoff
// whenever it fails.
func (cli *Client) ConsumeWithRetry(ctx context.Context, handle func(m amqp091.Delivery)) error {
	log := slog.With("component", "amqputil")
	retries := 0
	for {
		consumeErr := cli.Consume(ctx, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error("didn't consume", "error", consumeErr)

		retries++
		select {
		case <-time.After(RetryWaitDuration(retries - 1)):
		case <-ctx.Done():
			return ctx.Err()
		}
		log.Info("retrying", "retries", retries)
	}
}

// Close closes the publishing connection, if open.
func (cli *Client) Close() error {
	cli.mu.Lock()
	defer cli.mu.Unlock()
	if cli.conn == nil || cli.conn.IsClosed() {
		return nil
	}
	if err := cli.conn.Close(); err != nil {
		return fmt.Errorf("amqputil.Client: %w", err)
	}
	return nil
}

// RetryWaitDuration calculates the wait duration for a retry.
// It is calculated using exponential backoff with jitter.
// It grows with each retry and stops growing after thirteenth retry
// where it is chosen from the the interval (32.4s, 97.4s).
// The first retry number is 0, the thirteenth is 12.
func RetryWaitDuration(retry int) time.Duration {
	n := min(retry, 12)
	second := int(time.Second)

	// start with 0.5s
	duration := second / 2

	// multiply by 1.5 to the power of n
	for i := 0; i < n; i++ {
		duration /= 2
		duration *= 3
	}

	// add or subtract up to 50%
	jitter := rand.IntN(duration) - duration/2
	duration += jitter

	return time.Duration(duration)
}
