// Package nats wraps the NATS connection used for notification events.
package nats

import (
	"context"
	"fmt"
	"time"

	natsio "github.com/nats-io/nats.go"
)

// Config holds connection settings.
type Config struct {
	URL  string
	Name string // connection name shown in monitoring
}

// Client is a thin wrapper over a NATS connection.
type Client struct {
	conn *natsio.Conn
}

// Connect dials the NATS server with retrying reconnects.
func Connect(cfg Config) (*Client, error) {
	opts := []natsio.Option{
		natsio.Name(cfg.Name),
		natsio.Timeout(5 * time.Second),
		natsio.RetryOnFailedConnect(true),
		natsio.MaxReconnects(-1),
		natsio.ReconnectWait(2 * time.Second),
	}

	conn, err := natsio.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Publish sends data to a subject. Honors context cancellation before
// handing off to the connection's async buffer.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.Publish(subject, data)
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	_ = c.conn.Drain()
}
