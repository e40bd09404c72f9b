// Package bus wraps the NATS connection shared by the task queue and the
// notification channel.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
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
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &Client{nc: nc, logger: logger}, nil
}

// NewClient wraps an existing connection.
func NewClient(nc *nats.Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{nc: nc, logger: logger}
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

func (c *Client) Conn() *nats.Conn { return c.nc }

// JetStream returns a JetStream context on the same connection.
func (c *Client) JetStream() (jetstream.JetStream, error) {
	return jetstream.New(c.nc)
}

// PublishJSON is a core NATS publish: nothing is stored and there are no
// acknowledgments.
func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	return c.nc.Publish(subject, b)
}

// Healthy reports whether the connection is currently usable.
func (c *Client) Healthy() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Watch forwards payloads on subject to fn until stop is called.
func (c *Client) Watch(subject string, fn func(data []byte)) (stop func(), err error) {
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) { fn(msg.Data) })
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}
