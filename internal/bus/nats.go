// internal/bus/nats.go
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tendant/tom-education/pkg/schema"
)

type Client struct {
	nc     *nats.Conn
	logger *slog.Logger
}

func Connect(url, name string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Client{nc: nc, logger: logger}, nil
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

func (c *Client) Conn() *nats.Conn { return c.nc }

func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

// QueueSubscribeJSON delivers each message to one member of queue. Every
// delivery gets its own context bounded by timeout.
func (c *Client) QueueSubscribeJSON(subject, queue string, timeout time.Duration, handler func(ctx context.Context, data []byte)) (*nats.Subscription, error) {
	return c.nc.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		handler(ctx, msg.Data)
	})
}

// Queue publishes submitted records for workers.
type Queue struct {
	client  *Client
	subject string
}

func NewQueue(c *Client, subject string) *Queue {
	return &Queue{client: c, subject: subject}
}

func (q *Queue) Enqueue(_ context.Context, msg schema.JobRequested) error {
	if err := q.client.PublishJSON(q.subject, msg); err != nil {
		return fmt.Errorf("publish %s: %w", q.subject, err)
	}
	return nil
}

// ServeJobs runs exec for every JobRequested delivered to this queue group.
func (c *Client) ServeJobs(subject, queue string, timeout time.Duration, exec func(ctx context.Context, identifier string) error) (*nats.Subscription, error) {
	return c.QueueSubscribeJSON(subject, queue, timeout, func(ctx context.Context, data []byte) {
		msg, err := DecodeJob(data)
		if err != nil {
			c.logger.Warn("discarding job message", "subject", subject, "err", err)
			return
		}
		logger := c.logger.With("identifier", msg.Identifier, "job_type", msg.JobType)
		logger.Info("job received")
		if err := exec(ctx, msg.Identifier); err != nil {
			logger.Error("job execution failed", "err", err)
		}
	})
}

func DecodeJob(data []byte) (schema.JobRequested, error) {
	var msg schema.JobRequested
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode job: %w", err)
	}
	if msg.Identifier == "" {
		return msg, fmt.Errorf("decode job: missing identifier")
	}
	return msg, nil
}

// Events publishes lifecycle events on <subject>.<stage>.
type Events struct {
	client  *Client
	subject string
}

func NewEvents(c *Client, subject string) *Events {
	return &Events{client: c, subject: subject}
}

func (e *Events) PublishEvent(_ context.Context, evt schema.ProcessLifecycleEvent) error {
	return e.client.PublishJSON(EventSubject(e.subject, evt.Stage), evt)
}

func EventSubject(base string, stage schema.ProcessingStage) string {
	return base + "." + string(stage)
}
