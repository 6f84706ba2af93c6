// Package memory records published run events in-process.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/crawler"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	// Err, when set, fails every publish.
	Err error
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return "", p.Err
	}
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Summaries returns the run summaries published so far, oldest first.
func (p *Publisher) Summaries() []crawler.RunSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []crawler.RunSummary
	for _, m := range p.messages {
		if s, ok := m.Payload.(crawler.RunSummary); ok {
			out = append(out, s)
		}
	}
	return out
}
