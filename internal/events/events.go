// Package events carries domain events to whatever relays them to clients.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	TypeStockLow        = "stock.low"
	TypeAuditDeviation  = "audit.deviation"
	TypeAuditClosed     = "audit.closed"
	TypeDepletionFailed = "depletion.failed"
	TypeOrderRestocked  = "order.restocked"
)

type Event struct {
	Type       string         `json:"type"`
	TenantID   string         `json:"tenant_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type LogPublisher struct {
	logger *logrus.Logger
}

func NewLogPublisher(logger *logrus.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, event Event) error {
	entry := p.logger.WithFields(logrus.Fields{
		"module":    "events",
		"event":     event.Type,
		"tenant_id": event.TenantID,
	})
	for k, v := range event.Payload {
		entry = entry.WithField(k, v)
	}
	if event.Type == TypeDepletionFailed {
		entry.Warn("domain event")
		return nil
	}
	entry.Info("domain event")
	return nil
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) OfType(eventType string) []Event {
	out := make([]Event, 0)
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
