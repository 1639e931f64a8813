// Package pubsub implements a Google Cloud Pub/Sub publisher for
// stored-image events.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
)

// Publisher wraps a Pub/Sub client and publishes JSON payloads. Topic
// handles are cached per topic name.
type Publisher struct {
	client *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New creates a Publisher backed by the given client.
func New(client *pubsub.Client) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	return &Publisher{client: client, topics: make(map[string]*pubsub.Topic)}, nil
}

// Publish marshals the payload to JSON and publishes it, returning the
// server-assigned message ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	result := p.topicHandle(topic).Publish(ctx, &pubsub.Message{Data: data})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

// Close stops all cached topic publishers.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = make(map[string]*pubsub.Topic)
}

func (p *Publisher) topicHandle(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}
