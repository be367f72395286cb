package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/trading-core/internal/clock"
	"github.com/aristath/trading-core/internal/domain"
	"github.com/aristath/trading-core/internal/gate"
	"github.com/aristath/trading-core/internal/state"
	"github.com/aristath/trading-core/pkg/logger"
)

// syncBus delivers events to subscribers in order, synchronously,
// mirroring the production subscription order: state first, then the
// orchestrator.
type syncBus struct {
	subs []func(domain.SystemEvent)
}

func (b *syncBus) Publish(ev domain.SystemEvent) bool {
	for _, fn := range b.subs {
		fn(ev)
	}
	return true
}

// completeRun walks the three probe stages and the READY dwell for the
// currently active run.
func completeRun(t *testing.T, o *Orchestrator, clk *clock.Fake) {
	t.Helper()
	ctx := context.Background()

	runID, _, active := o.CurrentRun()
	require.True(t, active)
	require.True(t, o.AdvanceStage(ctx, runID))
	require.True(t, o.AdvanceStage(ctx, runID))
	require.True(t, o.AdvanceStage(ctx, runID))
	clk.Advance(30 * time.Second)
	require.True(t, o.AdvanceStage(ctx, runID))
}

func TestBrokerReconnectRunsStagedRecovery(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC))
	g := gate.New(logger.Nop())
	svc := state.New(state.Config{MinSafeModeSeconds: 60}, g, clk, logger.Nop())
	probe := &stubProbe{healthy: true}
	bus := &syncBus{}
	o := New(Config{StableSeconds: 30, MaxStageRetries: 5},
		svc, bus, probe, probe, probe, clk, logger.Nop())
	bus.subs = []func(domain.SystemEvent){svc.HandleEvent, o.HandleEvent}

	// Cold start walks to NORMAL first.
	_, err := o.StartRecovery(TriggerColdStart, "")
	require.NoError(t, err)
	completeRun(t, o, clk)
	require.Equal(t, domain.ModeNormal, svc.Mode())
	require.NoError(t, g.Require(domain.ActionOpen))

	// The broker drops: local-query-only posture.
	bus.Publish(domain.SystemEvent{
		Type:     domain.EventFailCrit,
		Source:   domain.SourceBroker,
		Severity: domain.SeverityCritical,
		Reason:   domain.ReasonBrokerDisconnect,
		WallTime: clk.Wall(),
		MonoTime: clk.Mono(),
	})
	require.Equal(t, domain.ModeSafeModeDisconnected, svc.Mode())
	assert.Error(t, g.Require(domain.ActionOpen))

	// Reconnect opens staged recovery, never a straight jump to NORMAL.
	bus.Publish(domain.SystemEvent{
		Type:     domain.EventRecovered,
		Source:   domain.SourceBroker,
		Severity: domain.SeverityInfo,
		Reason:   domain.ReasonBrokerReconnected,
		WallTime: clk.Wall(),
		MonoTime: clk.Mono(),
	})

	require.Equal(t, domain.ModeRecovering, svc.Mode())
	_, stage, active := o.CurrentRun()
	require.True(t, active, "reconnect must start an automatic run")
	assert.Equal(t, domain.StageConnectBroker, stage)
	require.NotNil(t, svc.Stage())
	assert.Equal(t, domain.StageConnectBroker, *svc.Stage())
	assert.Error(t, g.Require(domain.ActionOpen))

	// Only the completed run resolves to NORMAL and reopens the gate.
	completeRun(t, o, clk)
	assert.Equal(t, domain.ModeNormal, svc.Mode())
	assert.NoError(t, g.Require(domain.ActionOpen))

	hist := svc.History()
	for _, tr := range hist {
		if tr.From == domain.ModeSafeModeDisconnected {
			assert.Equal(t, domain.ModeRecovering, tr.To,
				"a disconnected safe mode must resolve through RECOVERING")
		}
	}
}
