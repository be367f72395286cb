package breakers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/trading-core/internal/clock"
	"github.com/aristath/trading-core/internal/domain"
	"github.com/aristath/trading-core/pkg/logger"
)

type capturingBus struct {
	events []domain.SystemEvent
}

func (c *capturingBus) Publish(ev domain.SystemEvent) bool {
	c.events = append(c.events, ev)
	return true
}

func newTestBreaker(clk clock.Clock, bus *capturingBus) *Breaker {
	cfg := Config{FailThresholdCount: 3, FailThresholdSeconds: 10}
	return NewBroker(cfg, clk, bus, logger.Nop())
}

func TestBreakerTripsOnConsecutiveFailures(t *testing.T) {
	clk := clock.NewFake(time.Now())
	bus := &capturingBus{}
	b := newTestBreaker(clk, bus)

	b.RecordFailure(nil)
	assert.Equal(t, domain.LevelUnstable, b.Level())

	b.RecordFailure(nil)
	assert.Equal(t, domain.LevelUnstable, b.Level())

	b.RecordFailure(nil)
	assert.Equal(t, domain.LevelTripped, b.Level())

	require.Len(t, bus.events, 2)
	assert.Equal(t, domain.EventQualityDegraded, bus.events[0].Type)
	assert.Equal(t, domain.SeverityWarning, bus.events[0].Severity)
	assert.Equal(t, domain.EventFailCrit, bus.events[1].Type)
	assert.Equal(t, domain.SeverityCritical, bus.events[1].Severity)
	assert.Equal(t, domain.ReasonBrokerDisconnect, bus.events[1].Reason)
}

func TestBreakerTripsOnSustainedFailure(t *testing.T) {
	clk := clock.NewFake(time.Now())
	bus := &capturingBus{}
	b := newTestBreaker(clk, bus)

	b.RecordFailure(nil)
	assert.Equal(t, domain.LevelUnstable, b.Level())

	// Two failures only, but ten seconds apart: the sustained threshold
	// trips the breaker even below the count threshold.
	clk.Advance(10 * time.Second)
	b.RecordFailure(nil)
	assert.Equal(t, domain.LevelTripped, b.Level())
}

func TestBreakerTrippedIsTerminalUntilSuccess(t *testing.T) {
	clk := clock.NewFake(time.Now())
	bus := &capturingBus{}
	b := newTestBreaker(clk, bus)

	for i := 0; i < 5; i++ {
		b.RecordFailure(nil)
	}
	assert.Equal(t, domain.LevelTripped, b.Level())
	// One QUALITY_DEGRADED and one FAIL_CRIT, nothing more.
	assert.Len(t, bus.events, 2)
}

func TestRecordSuccessResetsAndEmitsRecovered(t *testing.T) {
	clk := clock.NewFake(time.Now())
	bus := &capturingBus{}
	b := newTestBreaker(clk, bus)

	for i := 0; i < 3; i++ {
		b.RecordFailure(nil)
	}
	require.Equal(t, domain.LevelTripped, b.Level())

	b.RecordSuccess()
	assert.Equal(t, domain.LevelHealthy, b.Level())
	assert.Equal(t, 0, b.FailureCount())

	last := bus.events[len(bus.events)-1]
	assert.Equal(t, domain.EventRecovered, last.Type)
	assert.Equal(t, domain.ReasonBrokerReconnected, last.Reason)
}

func TestRecordSuccessWhenHealthyIsSilent(t *testing.T) {
	clk := clock.NewFake(time.Now())
	bus := &capturingBus{}
	b := newTestBreaker(clk, bus)

	b.RecordSuccess()
	b.RecordSuccess()
	assert.Empty(t, bus.events)
}

func TestEffectiveLevelTakesStricter(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := newTestBreaker(clk, &capturingBus{})

	// Local HEALTHY, central TRIPPED: central wins.
	assert.Equal(t, domain.LevelTripped, b.EffectiveLevel(domain.LevelTripped))

	// Local UNSTABLE, central HEALTHY: local wins. Local protection can
	// only tighten, never loosen.
	b.RecordFailure(nil)
	assert.Equal(t, domain.LevelUnstable, b.EffectiveLevel(domain.LevelHealthy))
}
