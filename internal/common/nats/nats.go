// Package nats carries order events over NATS JetStream.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"payrecon/internal/common/events"
)

// Config holds NATS configuration
type Config struct {
	Enabled        bool          `envconfig:"NATS_ENABLED" default:"false"`
	URL            string        `envconfig:"NATS_URL" default:"nats://localhost:4222"`
	Name           string        `envconfig:"NATS_CLIENT_NAME" default:"payrecon"`
	Stream         string        `envconfig:"NATS_STREAM" default:"ORDERS"`
	StreamMaxAge   time.Duration `envconfig:"NATS_STREAM_MAX_AGE" default:"168h"`
	DedupWindow    time.Duration `envconfig:"NATS_DEDUP_WINDOW" default:"2m"`
	PublishTimeout time.Duration `envconfig:"NATS_PUBLISH_TIMEOUT" default:"2s"`
	MaxReconnects  int           `envconfig:"NATS_MAX_RECONNECTS" default:"10"`
	ReconnectWait  time.Duration `envconfig:"NATS_RECONNECT_WAIT" default:"2s"`
}

// SubjectPrefix is prepended to every event type to form its subject
const SubjectPrefix = "events."

// OrderSubjects matches every order lifecycle subject.
const OrderSubjects = SubjectPrefix + "order.>"

// Message headers set on every published event.
const (
	HeaderEventType     = "Payrecon-Event-Type"
	HeaderReference     = "Payrecon-Order-Reference"
	HeaderCorrelationID = "Payrecon-Correlation-Id"
)

// Client is a NATS connection with a JetStream context.
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	cfg    Config
	logger *slog.Logger
}

// New connects to NATS. The connection reconnects on its own; disconnects
// are logged.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	logger.Info("NATS connection established", "url", conn.ConnectedUrl())
	return &Client{conn: conn, js: js, cfg: cfg, logger: logger}, nil
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}

// EnsureStream creates or updates the order events stream. Its duplicate
// window absorbs republished events with the same id.
func (c *Client) EnsureStream(ctx context.Context) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, streamConfig(c.cfg))
	if err != nil {
		return nil, fmt.Errorf("creating/updating stream %s: %w", c.cfg.Stream, err)
	}
	c.logger.Info("stream ensured", "name", c.cfg.Stream, "subjects", OrderSubjects)
	return stream, nil
}

func streamConfig(cfg Config) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "payment order lifecycle events",
		Subjects:    []string{OrderSubjects},
		MaxAge:      cfg.StreamMaxAge,
		Duplicates:  cfg.DedupWindow,
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	}
}

// HealthCheck reports whether the connection is up.
func (c *Client) HealthCheck() error {
	if !c.conn.IsConnected() {
		return fmt.Errorf("NATS not connected, status %s", c.conn.Status())
	}
	return nil
}

// Publisher publishes order events to JetStream.
type Publisher struct {
	client *Client
	logger *slog.Logger
}

var _ events.Publisher = (*Publisher)(nil)

// NewPublisher creates a new event publisher
func NewPublisher(client *Client, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// Publish sends the event on "events.<type>" and waits for the stream's
// ack, bounded by the configured publish timeout. The event ID is the
// JetStream message ID.
func (p *Publisher) Publish(ctx context.Context, event *events.Event) error {
	msg, err := eventMsg(event)
	if err != nil {
		return err
	}

	if timeout := p.client.cfg.PublishTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ack, err := p.client.js.PublishMsg(ctx, msg,
		jetstream.WithMsgID(event.ID),
		jetstream.WithExpectStream(p.client.cfg.Stream),
	)
	if err != nil {
		return fmt.Errorf("publishing %s: %w", event.Type, err)
	}

	p.logger.Debug("event published",
		"event_id", event.ID,
		"type", event.Type,
		"reference", event.AggregateID,
		"seq", ack.Sequence,
		"duplicate", ack.Duplicate,
	)
	return nil
}

// Subject returns the subject an event type is published on
func Subject(eventType string) string {
	return SubjectPrefix + eventType
}

func eventMsg(event *events.Event) (*nats.Msg, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshaling event: %w", err)
	}

	msg := nats.NewMsg(Subject(event.Type))
	msg.Data = data
	msg.Header.Set(HeaderEventType, event.Type)
	msg.Header.Set(HeaderReference, event.AggregateID)
	if event.CorrelationID != "" {
		msg.Header.Set(HeaderCorrelationID, event.CorrelationID)
	}
	return msg, nil
}

// DecodeEvent parses a message body published by Publisher.
func DecodeEvent(data []byte) (*events.Event, error) {
	var event events.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, errors.New("decoding event: missing id or type")
	}
	return &event, nil
}

// Tail delivers order events to handle in stream order until ctx is done
// or handle returns an error. A zero since starts at new events only.
func (c *Client) Tail(ctx context.Context, since time.Time, handle func(*events.Event) error) error {
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{OrderSubjects},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	}
	if !since.IsZero() {
		cfg.DeliverPolicy = jetstream.DeliverByStartTimePolicy
		cfg.OptStartTime = &since
	}

	cons, err := c.js.OrderedConsumer(ctx, c.cfg.Stream, cfg)
	if err != nil {
		return fmt.Errorf("creating consumer on %s: %w", c.cfg.Stream, err)
	}
	it, err := cons.Messages()
	if err != nil {
		return fmt.Errorf("opening message iterator: %w", err)
	}
	defer it.Stop()
	stop := context.AfterFunc(ctx, it.Stop)
	defer stop()

	for {
		msg, err := it.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				return nil
			}
			return fmt.Errorf("reading events: %w", err)
		}

		event, err := DecodeEvent(msg.Data())
		if err != nil {
			c.logger.Warn("skipping undecodable event", "subject", msg.Subject(), "error", err)
			continue
		}
		if err := handle(event); err != nil {
			return err
		}
	}
}
