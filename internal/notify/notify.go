// Package notify hands domain events to the notification collaborator.
// Publishing is fire-and-forget: callers never wait on delivery.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mmynk/partypay/internal/models"
)

// Publisher delivers domain events.
type Publisher interface {
	Publish(ctx context.Context, event models.Event)
}

// LogPublisher writes events to the structured log.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, event models.Event) {
	slog.InfoContext(ctx, "Domain event",
		"type", event.Type,
		"user_id", event.UserID,
		"amount", event.Amount,
		"reference_id", event.ReferenceID,
	)
}

// Multi fans an event out to several publishers.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event models.Event) {
	for _, p := range m {
		p.Publish(ctx, event)
	}
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *Recorder) Publish(_ context.Context, event models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns the recorded events in publish order.
func (r *Recorder) Events() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

// OfType returns the recorded events of one type.
func (r *Recorder) OfType(t models.EventType) []models.Event {
	var out []models.Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
