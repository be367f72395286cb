package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// EventsPublished counts events accepted by the bus.
	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "trading_core",
		Subsystem: "event_bus",
		Name:      "events_published_total",
		Help:      "Events successfully enqueued on the event bus.",
	})

	// EventsDropped counts events rejected by a full queue.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "trading_core",
		Subsystem: "event_bus",
		Name:      "events_dropped_total",
		Help:      "Events dropped because the bus queue was full.",
	})

	// BreakerTrips counts breaker trips per component.
	BreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trading_core",
		Subsystem: "breakers",
		Name:      "trips_total",
		Help:      "Circuit breaker trips by component source.",
	}, []string{"source"})

	// ModeTransitions counts mode changes by destination mode.
	ModeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trading_core",
		Subsystem: "state",
		Name:      "mode_transitions_total",
		Help:      "System mode transitions by target mode.",
	}, []string{"to_mode"})

	// GateDenials counts permission denials by action.
	GateDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trading_core",
		Subsystem: "gate",
		Name:      "denials_total",
		Help:      "Trading gate permission denials by action.",
	}, []string{"action"})

	// OutboxDispatched counts outbox processing outcomes.
	OutboxDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trading_core",
		Subsystem: "outbox",
		Name:      "dispatched_total",
		Help:      "Outbox events processed, by result (done, failed, dead).",
	}, []string{"result"})

	// BufferEntries tracks the current DB buffer occupancy.
	BufferEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "trading_core",
		Subsystem: "db_buffer",
		Name:      "entries",
		Help:      "Entries currently held in the degraded-mode DB buffer.",
	})

	// BufferBytes tracks the current DB buffer payload size.
	BufferBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "trading_core",
		Subsystem: "db_buffer",
		Name:      "bytes",
		Help:      "Serialized payload bytes currently held in the DB buffer.",
	})
)

// Serve starts the metrics listener. It never returns except on listener
// failure, so callers run it in a goroutine.
func Serve(addr string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("Metrics listener started")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics listener failed")
	}
}
