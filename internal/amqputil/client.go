package amqputil

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rabbitmq/amqp091-go"
)

type QueueDeclareParams struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool
	Args       amqp091.Table
}

type Client struct {
	connectionString   string
	queueDeclareParams *QueueDeclareParams

	// maxElapsedTime bounds the retries of a single publish.
	maxElapsedTime time.Duration
}

func NewClient(connectionString string, queueDeclareParams *QueueDeclareParams) *Client {
	return &Client{
		connectionString:   connectionString,
		queueDeclareParams: queueDeclareParams,
		maxElapsedTime:     30 * time.Second,
	}
}

// Publish proxies [amqp091.Channel.PublishWithContext].
// It retries with exponential backoff until ctx is done or the retries are exhausted.
func (cli *Client) Publish(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = cli.maxElapsedTime

	return backoff.Retry(func() error {
		return cli.publishOnce(ctx, exchange, key, mandatory, immediate, msg)
	}, backoff.WithContext(b, ctx))
}

// PublishJSON publishes v encoded as JSON to the declared queue using the default exchange.
func (cli *Client) PublishJSON(ctx context.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("publish json: %w", err)
	}

	return cli.Publish(ctx, "", cli.queueDeclareParams.Name, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (cli *Client) publishOnce(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	conn, err := amqp091.Dial(cli.connectionString)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	_, err = ch.QueueDeclare(
		cli.queueDeclareParams.Name,
		cli.queueDeclareParams.Durable,
		cli.queueDeclareParams.AutoDelete,
		cli.queueDeclareParams.Exclusive,
		cli.queueDeclareParams.NoWait,
		cli.queueDeclareParams.Args,
	)
	if err != nil {
		return err
	}

	return ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}
