package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rabbitmq/amqp091-go"
)

// deploymentRequestedQueue is the queue deployment requests are consumed from.
const deploymentRequestedQueue = "deployment.requested"

// Consumer feeds deployment requests to the handler one at a time.
// It reconnects with backoff when the connection is lost.
type Consumer struct {
	URL     string       // required
	Handler *Handler     // required
	Logger  *slog.Logger // required
}

func (c *Consumer) Run(ctx context.Context) error {
	b := newRetryBackOff()
	retries := 0
	for {
		consumeErr := func() error {
			conn, err := amqp091.Dial(c.URL)
			if err != nil {
				return err
			}
			defer conn.Close()

			ch, err := conn.Channel()
			if err != nil {
				return err
			}
			defer ch.Close()

			q, err := ch.QueueDeclare(deploymentRequestedQueue, true, false, false, false, nil)
			if err != nil {
				return err
			}

			if err = ch.Qos(1, 0, false); err != nil {
				return err
			}

			messages, err := ch.Consume(q.Name, "", false, false, false, false, nil)
			if err != nil {
				return err
			}

			c.Logger.Info("starting consuming", "queue", q.Name)
			for {
				var m amqp091.Delivery
				var ok bool
				select {
				case m, ok = <-messages:
				case <-ctx.Done():
					return ctx.Err()
				}
				if !ok {
					return errors.New("delivery channel is closed")
				}

				c.Logger.Info("received message")
				c.Handler.Run(ctx, m)
				c.Logger.Info("handled message")
				if retries > 0 && !ch.IsClosed() {
					c.Logger.Info("recovered", "retries", retries)
					retries = 0
					b.Reset()
				}
			}
		}()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.Logger.Error("didn't consume", "error", consumeErr)

		retries++
		select {
		case <-time.After(b.NextBackOff()):
		case <-ctx.Done():
			return ctx.Err()
		}
		c.Logger.Info("retrying", "retries", retries)
	}
}

// newRetryBackOff returns the reconnect backoff. It starts at 0.5s, grows by
// 1.5 with up to 50% jitter and stops growing at 65s. It never gives up.
func newRetryBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.Multiplier = 1.5
	b.RandomizationFactor = 0.5
	b.MaxInterval = 65 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
