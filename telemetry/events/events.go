// Package events fans task notifications out to local observers (the
// agent facade, diagnostics tooling). Delivery is strictly non-blocking:
// a slow subscriber loses events, counted per subscriber, rather than
// stalling a task loop.
package events

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"ecowatt/telemetry/metrics"
	"ecowatt/telemetry/tracing"
)

const (
	CategoryPipeline = "pipeline"
	CategoryUpload   = "upload"
	CategoryConfig   = "config_change"
	CategoryCommand  = "command"
	CategoryOTA      = "ota"
	CategorySecurity = "security"
	CategoryWatchdog = "watchdog"
	CategoryHealth   = "health"
	CategoryError    = "error"
)

type Event struct {
	Time     time.Time              `json:"time"`
	Category string                 `json:"category"`
	Type     string                 `json:"type"`
	Severity string                 `json:"severity,omitempty"`
	TraceID  string                 `json:"trace_id,omitempty"`
	SpanID   string                 `json:"span_id,omitempty"`
	Labels   map[string]string      `json:"labels,omitempty"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// BusStats is a diagnostics snapshot.
type BusStats struct {
	Subscribers        int64
	Published          uint64
	Dropped            uint64
	PerSubscriberDrops map[int64]uint64
}

// Bus is the in-process event hub. There is exactly one implementation on
// the device, so Bus is a concrete type rather than an interface; a nil
// *Bus field in a task simply means events are off.
type Bus struct {
	mu        sync.RWMutex
	subs      map[int64]*Subscription
	nextID    int64
	published atomic.Uint64
	dropped   atomic.Uint64

	mPublished metrics.Counter
	mDropped   metrics.Counter
}

func NewBus(provider metrics.Provider) *Bus {
	b := &Bus{subs: make(map[int64]*Subscription)}
	if provider != nil {
		b.mPublished = provider.NewCounter(metrics.Opts{Subsystem: "events", Name: "published_total", Help: "Total events published"})
		// The subscriber label makes a backlog attributable: it names which
		// consumer is falling behind.
		b.mDropped = provider.NewCounter(metrics.Opts{Subsystem: "events", Name: "dropped_total", Help: "Events dropped due to backpressure", Labels: []string{"subscriber"}})
	}
	return b
}

// Publish delivers ev to every subscriber that has buffer room and counts
// the ones that do not. The event time is stamped here if the producer
// left it zero.
func (b *Bus) Publish(ev Event) error {
	if ev.Category == "" {
		return errors.New("event missing category")
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	b.published.Add(1)
	if b.mPublished != nil {
		b.mPublished.Inc(1)
	}
	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
			if b.mDropped != nil {
				b.mDropped.Inc(1, s.label)
			}
		}
	}
	return nil
}

// PublishCtx stamps trace correlation from ctx before publishing.
func (b *Bus) PublishCtx(ctx context.Context, ev Event) error {
	if ev.TraceID == "" && ev.SpanID == "" {
		if traceID, spanID := tracing.ExtractIDs(ctx); traceID != "" || spanID != "" {
			ev.TraceID = traceID
			ev.SpanID = spanID
		}
	}
	return b.Publish(ev)
}

// Subscribe registers a buffered consumer. A non-positive buffer gets the
// default depth.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	id := atomic.AddInt64(&b.nextID, 1)
	sub := &Subscription{
		id:    id,
		label: strconv.FormatInt(id, 10),
		ch:    make(chan Event, buffer),
		bus:   b,
	}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches sub and closes its channel. Safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	s, ok := b.subs[sub.id]
	delete(b.subs, sub.id)
	b.mu.Unlock()
	if ok {
		close(s.ch)
	}
}

// Stats returns a diagnostics snapshot including per-subscriber drops.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := BusStats{
		Subscribers:        int64(len(b.subs)),
		Published:          b.published.Load(),
		Dropped:            b.dropped.Load(),
		PerSubscriberDrops: make(map[int64]uint64, len(b.subs)),
	}
	for id, s := range b.subs {
		stats.PerSubscriberDrops[id] = s.dropped.Load()
	}
	return stats
}

// Subscription is one consumer's attachment to the bus.
type Subscription struct {
	id      int64
	label   string
	ch      chan Event
	bus     *Bus
	dropped atomic.Uint64
}

// C is the receive channel; it closes on Unsubscribe.
func (s *Subscription) C() <-chan Event { return s.ch }

// ID identifies the subscription in BusStats.
func (s *Subscription) ID() int64 { return s.id }

// Close detaches from the bus.
func (s *Subscription) Close() { s.bus.Unsubscribe(s) }
