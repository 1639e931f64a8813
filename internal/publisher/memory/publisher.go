// Package memory contains an in-memory publisher for development and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// PublishedMessage captures one publish call. Data holds the JSON-encoded
// payload exactly as a real broker would receive it.
type PublishedMessage struct {
	Topic string
	Data  []byte
}

// Publisher stores published messages for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// New returns an empty memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes the payload, records it, and returns a pseudo message ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Data: data})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
