package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/trading-core/internal/domain"
	"github.com/aristath/trading-core/internal/metrics"
)

// Handler receives events from the dispatcher goroutine.
type Handler func(domain.SystemEvent)

// EmergencyCallback is invoked synchronously from Publish when a
// MUST_DELIVER event cannot be enqueued. It must not publish back into
// the bus.
type EmergencyCallback func(domain.SystemEvent)

// drainGrace is how long Stop waits for in-flight dispatch to finish.
const drainGrace = 5 * time.Second

// Bus is a bounded FIFO of system events between producers (any
// goroutine) and subscribers. Publish never blocks: it performs a single
// non-blocking enqueue and reports whether the event was queued.
type Bus struct {
	queue    chan domain.SystemEvent
	fallback *FallbackLog
	log      zerolog.Logger

	mu          sync.Mutex
	subscribers []Handler
	emergency   EmergencyCallback
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}

	dropCount atomic.Uint64
}

// New creates a bus with the given queue capacity. fallbackPath receives
// one JSON line per dropped event; an empty path disables the fallback
// log.
func New(queueSize int, fallbackPath string, log zerolog.Logger) *Bus {
	return &Bus{
		queue:    make(chan domain.SystemEvent, queueSize),
		fallback: NewFallbackLog(fallbackPath, log),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler. Handlers registered after Start still
// receive subsequent events; delivery order across subscribers follows
// registration order.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, h)
}

// RegisterEmergencyCallback sets the callback invoked synchronously when
// a MUST_DELIVER event is dropped.
func (b *Bus) RegisterEmergencyCallback(cb EmergencyCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emergency = cb
}

// Publish enqueues the event without blocking. It returns false when the
// queue is full; the event is then counted, appended to the fallback log
// best-effort, and, for MUST_DELIVER reason codes only, the emergency
// callback fires before Publish returns.
func (b *Bus) Publish(ev domain.SystemEvent) bool {
	select {
	case b.queue <- ev:
		metrics.EventsPublished.Inc()
		return true
	default:
	}

	b.dropCount.Add(1)
	metrics.EventsDropped.Inc()
	b.fallback.Append(ev)

	if ev.Reason.MustDeliver() {
		b.mu.Lock()
		cb := b.emergency
		b.mu.Unlock()
		if cb != nil {
			b.log.Error().
				Str("reason", string(ev.Reason)).
				Str("source", string(ev.Source)).
				Msg("Critical event dropped, invoking emergency degrade")
			cb(ev)
		}
	} else {
		b.log.Warn().
			Str("event_type", string(ev.Type)).
			Str("source", string(ev.Source)).
			Msg("Event dropped, queue full")
	}

	return false
}

// DropCount returns the number of events dropped so far.
func (b *Bus) DropCount() uint64 {
	return b.dropCount.Load()
}

// Start spawns the dispatcher goroutine. Calling Start on a running bus
// is a no-op.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true

	go b.dispatch(ctx)
	b.log.Info().Int("capacity", cap(b.queue)).Msg("Event bus started")
}

// Stop cancels the dispatcher and waits up to the drain grace period for
// in-flight delivery to finish. Stopping twice is a no-op.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	done := b.done
	b.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(drainGrace):
		b.log.Warn().Msg("Event bus dispatcher did not drain in time")
	}
	b.fallback.Close()
	b.log.Info().Uint64("dropped", b.dropCount.Load()).Msg("Event bus stopped")
}

// dispatch drains the queue and delivers each event to every subscriber.
// A panicking subscriber is logged and isolated; it never blocks the
// others.
func (b *Bus) dispatch(ctx context.Context) {
	defer close(b.done)

	for {
		select {
		case ev := <-b.queue:
			b.deliver(ev)
		case <-ctx.Done():
			// Drain whatever is already queued before exiting.
			for {
				select {
				case ev := <-b.queue:
					b.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(ev domain.SystemEvent) {
	b.mu.Lock()
	subs := make([]Handler, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()

	for _, h := range subs {
		b.callSafely(h, ev)
	}
}

func (b *Bus) callSafely(h Handler, ev domain.SystemEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("event_type", string(ev.Type)).
				Msg("Subscriber panicked")
		}
	}()
	h(ev)
}
