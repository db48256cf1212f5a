package natsbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// EventStream retains published events for replay.
const EventStream = "ARABLE_EVENTS"

// Event is the envelope published on events.* subjects.
type Event struct {
	Type      string         `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent stamps an Event with the current time.
func NewEvent(eventType, runID string, data map[string]any) Event {
	return Event{
		Type:      eventType,
		RunID:     runID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      data,
	}
}

// Publisher is the subset of Client used by event producers.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

type Client struct {
	conn *nats.Conn
}

func NewClient(bus *Bus) (*Client, error) {
	return NewClientFromURL(bus.ClientURL())
}

func NewClientFromURL(url string) (*Client, error) {
	conn, err := nats.Connect(url, nats.Name("arable"))
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

func (c *Client) PublishEvent(topic, eventType, runID string, data map[string]any) error {
	return c.PublishJSON(topic, NewEvent(eventType, runID, data))
}

func (c *Client) Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(topic, handler)
}

// SubscribeEvents decodes Event payloads on topic. Malformed messages are
// dropped.
func (c *Client) SubscribeEvents(topic string, handler func(Event)) (*nats.Subscription, error) {
	return c.conn.Subscribe(topic, decodeEvents(handler))
}

// EnsureEventStream creates, or updates, the stream that retains every
// events.* message for retention (zero keeps them until the disk limit).
func (c *Client) EnsureEventStream(retention time.Duration) error {
	js, err := c.conn.JetStream()
	if err != nil {
		return fmt.Errorf("jetstream: %w", err)
	}
	cfg := &nats.StreamConfig{
		Name:     EventStream,
		Subjects: []string{TopicEventsAll},
		Storage:  nats.FileStorage,
		MaxAge:   retention,
	}
	_, err = js.StreamInfo(EventStream)
	switch {
	case err == nil:
		_, err = js.UpdateStream(cfg)
	case errors.Is(err, nats.ErrStreamNotFound):
		_, err = js.AddStream(cfg)
	}
	if err != nil {
		return fmt.Errorf("event stream: %w", err)
	}
	return nil
}

// ReplayEvents delivers the retained events on topic, oldest first, and
// then follows new ones.
func (c *Client) ReplayEvents(topic string, handler func(Event)) (*nats.Subscription, error) {
	js, err := c.conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return js.Subscribe(topic, decodeEvents(handler), nats.OrderedConsumer(), nats.DeliverAll())
}

func decodeEvents(handler func(Event)) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		handler(ev)
	}
}

func (c *Client) Flush() error {
	return c.conn.Flush()
}

func (c *Client) Close() {
	c.conn.Close()
}
