package natsbus

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// Client is a connection to the embedded bus.
type Client struct {
	conn *nats.Conn
}

func NewClient(bus *Bus) (*Client, error) {
	conn, err := nats.Connect(bus.ClientURL(),
		nats.Name("nergal"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Publish(topic string, data []byte) error {
	return c.conn.Publish(topic, data)
}

func (c *Client) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.conn.Publish(topic, data)
}

func (c *Client) Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(topic, handler)
}

// SubscribeEvents delivers every event published under topic together
// with its type tag. Payloads without a tag are dropped.
func (c *Client) SubscribeEvents(topic string, handler func(eventType string, data []byte)) (*nats.Subscription, error) {
	return c.conn.Subscribe(topic, func(msg *nats.Msg) {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg.Data, &head); err != nil || head.Type == "" {
			slog.Warn("invalid event payload", "topic", msg.Subject, "error", err)
			return
		}
		handler(head.Type, msg.Data)
	})
}

func (c *Client) Flush() error {
	return c.conn.Flush()
}

// Close drains pending messages before closing the connection.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}
