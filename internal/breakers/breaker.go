package breakers

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/trading-core/internal/clock"
	"github.com/aristath/trading-core/internal/domain"
	"github.com/aristath/trading-core/internal/metrics"
)

// Publisher is the slice of the event bus a breaker needs.
type Publisher interface {
	Publish(domain.SystemEvent) bool
}

// Config supplies breaker hysteresis thresholds.
type Config struct {
	FailThresholdCount   int
	FailThresholdSeconds float64
}

// Breaker watches one component source. Repeated or sustained failures
// move it HEALTHY -> UNSTABLE -> TRIPPED, emitting events at each edge;
// any success resets it to HEALTHY.
type Breaker struct {
	source         domain.ComponentSource
	tripReason     domain.ReasonCode
	recoveryReason domain.ReasonCode
	cfg            Config
	clk            clock.Clock
	pub            Publisher
	log            zerolog.Logger

	mu               sync.Mutex
	level            domain.SystemLevel
	failureCount     int
	firstFailureMono time.Duration
	hasFirstFailure  bool
	lastSuccessMono  time.Duration
}

// New creates a breaker for the given source with the given trip and
// recovery reason codes.
func New(source domain.ComponentSource, tripReason, recoveryReason domain.ReasonCode, cfg Config, clk clock.Clock, pub Publisher, log zerolog.Logger) *Breaker {
	return &Breaker{
		source:         source,
		tripReason:     tripReason,
		recoveryReason: recoveryReason,
		cfg:            cfg,
		clk:            clk,
		pub:            pub,
		log:            log.With().Str("component", "breaker").Str("source", string(source)).Logger(),
	}
}

// Specialised breakers differ only in reason codes.

func NewBroker(cfg Config, clk clock.Clock, pub Publisher, log zerolog.Logger) *Breaker {
	return New(domain.SourceBroker, domain.ReasonBrokerDisconnect, domain.ReasonBrokerReconnected, cfg, clk, pub, log)
}

func NewMarketData(cfg Config, clk clock.Clock, pub Publisher, log zerolog.Logger) *Breaker {
	return New(domain.SourceMarketData, domain.ReasonMDStale, domain.ReasonMDRecovered, cfg, clk, pub, log)
}

func NewRisk(cfg Config, clk clock.Clock, pub Publisher, log zerolog.Logger) *Breaker {
	return New(domain.SourceRisk, domain.ReasonRiskTimeout, domain.ReasonRiskRecovered, cfg, clk, pub, log)
}

func NewDB(cfg Config, clk clock.Clock, pub Publisher, log zerolog.Logger) *Breaker {
	return New(domain.SourceDB, domain.ReasonDBWriteFail, domain.ReasonDBRecovered, cfg, clk, pub, log)
}

// RecordFailure registers one failure observation. The first failure
// moves the breaker to UNSTABLE; further failures trip it once the
// consecutive count or the sustained duration threshold is met.
func (b *Breaker) RecordFailure(details map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Mono()
	b.failureCount++
	if !b.hasFirstFailure {
		b.firstFailureMono = now
		b.hasFirstFailure = true
	}

	switch b.level {
	case domain.LevelHealthy:
		b.level = domain.LevelUnstable
		b.emit(domain.EventQualityDegraded, domain.SeverityWarning, b.tripReason, details)
		b.log.Warn().Int("failures", b.failureCount).Msg("Component unstable")

	case domain.LevelUnstable:
		sustained := now-b.firstFailureMono >= b.thresholdDuration()
		if b.failureCount >= b.cfg.FailThresholdCount || sustained {
			b.level = domain.LevelTripped
			metrics.BreakerTrips.WithLabelValues(string(b.source)).Inc()
			b.emit(domain.EventFailCrit, domain.SeverityCritical, b.tripReason, details)
			b.log.Error().
				Int("failures", b.failureCount).
				Bool("sustained", sustained).
				Msg("Component tripped")
		}

	case domain.LevelTripped:
		// Already tripped, nothing more to report.
	}
}

// RecordSuccess resets the breaker. A RECOVERED event is emitted only
// when the breaker was not already HEALTHY.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasUnhealthy := b.level != domain.LevelHealthy
	b.level = domain.LevelHealthy
	b.failureCount = 0
	b.hasFirstFailure = false
	b.lastSuccessMono = b.clk.Mono()

	if wasUnhealthy {
		b.emit(domain.EventRecovered, domain.SeverityInfo, b.recoveryReason, nil)
		b.log.Info().Msg("Component recovered")
	}
}

// Level returns the breaker's local level.
func (b *Breaker) Level() domain.SystemLevel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.level
}

// EffectiveLevel merges the local level with the centrally-computed one.
// Local protection can only tighten: the stricter of the two wins.
func (b *Breaker) EffectiveLevel(central domain.SystemLevel) domain.SystemLevel {
	return domain.MaxLevel(b.Level(), central)
}

// FailureCount returns the current consecutive failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

func (b *Breaker) thresholdDuration() time.Duration {
	return time.Duration(b.cfg.FailThresholdSeconds * float64(time.Second))
}

func (b *Breaker) emit(t domain.EventType, sev domain.Severity, reason domain.ReasonCode, details map[string]interface{}) {
	if b.pub == nil {
		return
	}
	b.pub.Publish(domain.SystemEvent{
		Type:     t,
		Source:   b.source,
		Severity: sev,
		Reason:   reason,
		WallTime: b.clk.Wall(),
		MonoTime: b.clk.Mono(),
		Details:  details,
	})
}
