// Package pubsub publishes status events to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/pagecache/internal/scrape"
)

// Attribute keys set on every message.
const (
	AttrEvent   = "event"
	AttrJobID   = "job_id"
	AttrStatus  = "status"
	AttrURLHash = "url_hash"
)

// ErrNotConfigured is returned when no topic publisher was supplied.
var ErrNotConfigured = errors.New("pubsub publisher is not configured")

// Publisher sends JSON messages through a topic publisher.
type Publisher struct {
	topic    *pubsub.Publisher
	ordering bool
}

var _ scrape.Publisher = (*Publisher)(nil)

// Option configures a Publisher.
type Option func(*Publisher)

// WithOrdering keys status events by URL hash so transitions for one URL
// arrive in order. The topic publisher must have message ordering enabled.
func WithOrdering() Option {
	return func(p *Publisher) {
		p.ordering = true
		if p.topic != nil {
			p.topic.EnableMessageOrdering = true
		}
	}
}

// New wraps topic.
func New(topic *pubsub.Publisher, opts ...Option) *Publisher {
	p := &Publisher{topic: topic}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish marshals payload and waits for the server-assigned message id.
// Status events get job attributes so subscriptions can filter on them.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.topic == nil {
		return "", ErrNotConfigured
	}
	msg, err := p.message(topic, payload)
	if err != nil {
		return "", err
	}
	otel.GetTextMapPropagator().Inject(ctx, attrCarrier(msg.Attributes))

	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		if msg.OrderingKey != "" {
			p.topic.ResumePublish(msg.OrderingKey)
		}
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

func (p *Publisher) message(topic string, payload any) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: map[string]string{}}
	if topic != "" {
		msg.Attributes[AttrEvent] = topic
	}
	var ev *scrape.StatusEvent
	switch v := payload.(type) {
	case scrape.StatusEvent:
		ev = &v
	case *scrape.StatusEvent:
		ev = v
	}
	if ev != nil {
		msg.Attributes[AttrJobID] = ev.JobID
		msg.Attributes[AttrStatus] = string(ev.Status)
		if ev.URLHash != "" {
			msg.Attributes[AttrURLHash] = ev.URLHash
			if p.ordering {
				msg.OrderingKey = ev.URLHash
			}
		}
	}
	return msg, nil
}

// attrCarrier adapts message attributes to propagation.TextMapCarrier.
type attrCarrier map[string]string

func (c attrCarrier) Get(key string) string { return c[key] }

func (c attrCarrier) Set(key, value string) { c[key] = value }

func (c attrCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
