// Package memory contains an in-memory publisher for tests and single-binary
// runs without a Pub/Sub project.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher stores published payloads per topic for inspection.
type Publisher struct {
	mu      sync.RWMutex
	seq     int
	byTopic map[string][]any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{byTopic: make(map[string][]any)}
}

// Publish records the payload under the topic and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.byTopic[topic] = append(p.byTopic[topic], payload)
	return fmt.Sprintf("memory-%d", p.seq), nil
}

// Messages returns the payloads recorded for a topic.
func (p *Publisher) Messages(topic string) []any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]any, len(p.byTopic[topic]))
	copy(out, p.byTopic[topic])
	return out
}
