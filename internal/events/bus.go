package events

import (
	"context"
	"sync"
	"time"

	"onboarding-crm/internal/common/logger"
	"onboarding-crm/internal/common/metrics"
)

// Publisher accepts committed events. Publishing never fails the caller.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Sink consumes events delivered by the bus.
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
}

// Bus fans each event out to every sink on its own goroutine. Sinks get a
// context detached from the request with a per-delivery timeout.
type Bus struct {
	sinks   []Sink
	timeout time.Duration
	logger  logger.Logger
	wg      sync.WaitGroup
}

// NewBus creates a bus that gives each sink timeout to handle an event.
func NewBus(timeout time.Duration, log logger.Logger, sinks ...Sink) *Bus {
	return &Bus{
		sinks:   sinks,
		timeout: timeout,
		logger:  log.WithFields(map[string]interface{}{"component": "event-bus"}),
	}
}

// Register adds sinks. It must be called before the first Publish.
func (b *Bus) Register(sinks ...Sink) {
	b.sinks = append(b.sinks, sinks...)
}

// Publish hands the event to every sink without blocking the caller.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	base := context.WithoutCancel(ctx)

	for _, sink := range b.sinks {
		b.wg.Add(1)
		go func(sink Sink) {
			defer b.wg.Done()

			sctx, cancel := context.WithTimeout(base, b.timeout)
			defer cancel()

			if err := sink.Handle(sctx, ev); err != nil {
				metrics.EventsDelivered.WithLabelValues(sink.Name(), "failed").Inc()
				b.logger.Error("Event delivery failed", map[string]interface{}{
					"sink":          sink.Name(),
					"eventType":     string(ev.Type),
					"environment":   ev.Environment,
					"applicationId": ev.ApplicationID(),
					"error":         err.Error(),
				})
				return
			}
			metrics.EventsDelivered.WithLabelValues(sink.Name(), "delivered").Inc()
		}(sink)
	}
}

// Wait blocks until all in-flight deliveries finish.
func (b *Bus) Wait() {
	b.wg.Wait()
}
