// Package memory records published events in process. Tests use it to
// assert on notifications.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/pagecache/internal/scrape"
)

// Message is one recorded Publish call.
type Message struct {
	Topic   string
	Payload any
}

// Publisher keeps every message in publish order.
type Publisher struct {
	mu   sync.RWMutex
	log  []Message
	fail error
}

var _ scrape.Publisher = (*Publisher)(nil)

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes every later Publish return err. Pass nil to reset.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.fail = err
	p.mu.Unlock()
}

// Publish records the message and returns its 1-based sequence as the id.
// Failed publishes are not recorded.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return "", p.fail
	}
	p.log = append(p.log, Message{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.log)), nil
}

// Messages returns a copy of the log.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Message(nil), p.log...)
}

// Events returns the status events in the log.
func (p *Publisher) Events() []scrape.StatusEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []scrape.StatusEvent
	for _, m := range p.log {
		switch ev := m.Payload.(type) {
		case scrape.StatusEvent:
			out = append(out, ev)
		case *scrape.StatusEvent:
			out = append(out, *ev)
		}
	}
	return out
}

// Statuses lists the transitions published for jobID, or for every job
// when jobID is empty.
func (p *Publisher) Statuses(jobID string) []scrape.Status {
	var out []scrape.Status
	for _, ev := range p.Events() {
		if jobID == "" || ev.JobID == jobID {
			out = append(out, ev.Status)
		}
	}
	return out
}

// Reset drops the log.
func (p *Publisher) Reset() {
	p.mu.Lock()
	p.log = nil
	p.mu.Unlock()
}
