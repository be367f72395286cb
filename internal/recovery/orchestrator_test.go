package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/trading-core/internal/breakers"
	"github.com/aristath/trading-core/internal/clock"
	"github.com/aristath/trading-core/internal/domain"
	"github.com/aristath/trading-core/pkg/logger"
)

type stubProbe struct {
	healthy bool
}

func (p *stubProbe) HealthCheck(ctx context.Context) breakers.HealthResult {
	return breakers.HealthResult{Healthy: p.healthy}
}
func (p *stubProbe) EnsureReady(ctx context.Context) bool { return p.healthy }
func (p *stubProbe) LastUpdateMono() time.Duration        { return 0 }

type stubState struct {
	mode     domain.SystemMode
	beginErr error
	began    []string
	stages   []domain.RecoveryStage
	aborted  []string
}

func (s *stubState) BeginRecovery(runID, operatorID string) error {
	if s.beginErr != nil {
		return s.beginErr
	}
	s.began = append(s.began, runID)
	s.mode = domain.ModeRecovering
	return nil
}

func (s *stubState) SetRecoveryStage(stage domain.RecoveryStage) error {
	s.stages = append(s.stages, stage)
	return nil
}

func (s *stubState) AbortToSafeMode(reason string) {
	s.aborted = append(s.aborted, reason)
	s.mode = domain.ModeSafeMode
}

func (s *stubState) Mode() domain.SystemMode { return s.mode }

type stubPublisher struct {
	events []domain.SystemEvent
}

func (p *stubPublisher) Publish(ev domain.SystemEvent) bool {
	p.events = append(p.events, ev)
	return true
}

func newTestOrchestrator(healthy bool, maxRetries int) (*Orchestrator, *stubState, *stubPublisher, *clock.Fake, *stubProbe) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC))
	st := &stubState{mode: domain.ModeRecovering}
	pub := &stubPublisher{}
	probe := &stubProbe{healthy: healthy}
	o := New(Config{StableSeconds: 30, MaxStageRetries: maxRetries},
		st, pub, probe, probe, probe, clk, logger.Nop())
	return o, st, pub, clk, probe
}

func TestRunWalksAllStagesThenCompletes(t *testing.T) {
	o, st, pub, clk, _ := newTestOrchestrator(true, 5)
	ctx := context.Background()

	runID, err := o.StartRecovery(TriggerColdStart, "")
	require.NoError(t, err)
	require.Equal(t, []string{runID}, st.began)

	// CONNECT_BROKER, CATCHUP_MARKET_DATA and VERIFY_RISK pass straight
	// through with healthy probes.
	assert.True(t, o.AdvanceStage(ctx, runID))
	assert.True(t, o.AdvanceStage(ctx, runID))
	assert.True(t, o.AdvanceStage(ctx, runID))
	assert.Equal(t, []domain.RecoveryStage{
		domain.StageCatchupMarketData,
		domain.StageVerifyRisk,
		domain.StageReady,
	}, st.stages)

	// READY is a strict dwell: no elapsed time, no completion.
	assert.False(t, o.AdvanceStage(ctx, runID))
	_, stage, active := o.CurrentRun()
	assert.True(t, active)
	assert.Equal(t, domain.StageReady, stage)

	clk.Advance(30 * time.Second)
	assert.True(t, o.AdvanceStage(ctx, runID))

	_, _, active = o.CurrentRun()
	assert.False(t, active, "run must close after completion")

	require.Len(t, pub.events, 1)
	assert.Equal(t, domain.EventAllHealthy, pub.events[0].Type)
	assert.Equal(t, domain.ReasonAllHealthy, pub.events[0].Reason)
	assert.Equal(t, runID, pub.events[0].Details["run_id"])
}

func TestCriticalEventResetsReadyWindow(t *testing.T) {
	o, _, _, clk, _ := newTestOrchestrator(true, 5)
	ctx := context.Background()

	runID, err := o.StartRecovery(TriggerAuto, "")
	require.NoError(t, err)
	require.True(t, o.AdvanceStage(ctx, runID))
	require.True(t, o.AdvanceStage(ctx, runID))
	require.True(t, o.AdvanceStage(ctx, runID))

	clk.Advance(20 * time.Second)
	o.HandleEvent(domain.SystemEvent{
		Type:     domain.EventFailCrit,
		Source:   domain.SourceMarketData,
		Severity: domain.SeverityCritical,
		Reason:   domain.ReasonMDStale,
		MonoTime: clk.Mono(),
	})

	// 29s after the critical event: the window restarted, still unstable.
	clk.Advance(29 * time.Second)
	assert.False(t, o.AdvanceStage(ctx, runID))

	clk.Advance(time.Second)
	assert.True(t, o.AdvanceStage(ctx, runID))
}

func TestStaleRunIDRefused(t *testing.T) {
	o, st, _, _, _ := newTestOrchestrator(true, 5)
	ctx := context.Background()

	run1, err := o.StartRecovery(TriggerManual, "op-1")
	require.NoError(t, err)
	run2, err := o.StartRecovery(TriggerManual, "op-2")
	require.NoError(t, err)
	require.NotEqual(t, run1, run2)

	stagesBefore := len(st.stages)
	assert.False(t, o.AdvanceStage(ctx, run1), "a replaced run id must be refused")
	assert.Len(t, st.stages, stagesBefore, "a stale advance must not touch state")

	assert.True(t, o.AdvanceStage(ctx, run2))
}

func TestAbortRecovery(t *testing.T) {
	o, st, _, _, _ := newTestOrchestrator(true, 5)

	runID, err := o.StartRecovery(TriggerManual, "op-1")
	require.NoError(t, err)

	require.NoError(t, o.AbortRecovery(runID, "operator abort"))
	assert.Equal(t, []string{"operator abort"}, st.aborted)

	assert.Error(t, o.AbortRecovery(runID, "again"), "aborting a dead run is an error")
}

func TestStageFailureAbortsAfterMaxRetries(t *testing.T) {
	o, st, _, _, _ := newTestOrchestrator(false, 2)
	ctx := context.Background()

	runID, err := o.StartRecovery(TriggerAuto, "")
	require.NoError(t, err)

	assert.False(t, o.AdvanceStage(ctx, runID))
	assert.False(t, o.AdvanceStage(ctx, runID))
	assert.False(t, o.AdvanceStage(ctx, runID))

	assert.NotEmpty(t, st.aborted)
	_, _, active := o.CurrentRun()
	assert.False(t, active)
}

func TestAdvanceAbandonsRunWhenModeLeavesRecovering(t *testing.T) {
	o, st, _, _, _ := newTestOrchestrator(true, 5)
	ctx := context.Background()

	runID, err := o.StartRecovery(TriggerAuto, "")
	require.NoError(t, err)

	// A mid-run failure moved the system elsewhere.
	st.mode = domain.ModeSafeModeDisconnected

	assert.False(t, o.AdvanceStage(ctx, runID))
	_, _, active := o.CurrentRun()
	assert.False(t, active)
}

func TestAutoStartOnBrokerReconnect(t *testing.T) {
	o, st, _, clk, _ := newTestOrchestrator(true, 5)

	st.mode = domain.ModeSafeModeDisconnected
	o.HandleEvent(domain.SystemEvent{
		Type:     domain.EventRecovered,
		Source:   domain.SourceBroker,
		Severity: domain.SeverityInfo,
		Reason:   domain.ReasonBrokerReconnected,
		MonoTime: clk.Mono(),
	})
	assert.Len(t, st.began, 1, "reconnect in SAFE_MODE_DISCONNECTED starts a run")
}

func TestNoAutoStartOutsideSafeModes(t *testing.T) {
	o, st, _, clk, _ := newTestOrchestrator(true, 5)

	st.mode = domain.ModeNormal
	o.HandleEvent(domain.SystemEvent{
		Type:     domain.EventRecovered,
		Source:   domain.SourceBroker,
		Severity: domain.SeverityInfo,
		Reason:   domain.ReasonBrokerReconnected,
		MonoTime: clk.Mono(),
	})
	assert.Empty(t, st.began)
}

func TestAutoStartWhileRecoveringWithoutActiveRun(t *testing.T) {
	o, st, _, clk, _ := newTestOrchestrator(true, 5)

	// A recovery event already moved the state service to RECOVERING,
	// but no run is driving it yet.
	st.mode = domain.ModeRecovering
	o.HandleEvent(domain.SystemEvent{
		Type:     domain.EventRecovered,
		Source:   domain.SourceDB,
		Severity: domain.SeverityInfo,
		Reason:   domain.ReasonDBRecovered,
		MonoTime: clk.Mono(),
	})
	assert.Len(t, st.began, 1)
}

func TestAutoStartDoesNotReplaceActiveRun(t *testing.T) {
	o, st, _, clk, _ := newTestOrchestrator(true, 5)

	_, err := o.StartRecovery(TriggerManual, "op-1")
	require.NoError(t, err)
	require.Len(t, st.began, 1)

	o.HandleEvent(domain.SystemEvent{
		Type:     domain.EventRecovered,
		Source:   domain.SourceBroker,
		Severity: domain.SeverityInfo,
		Reason:   domain.ReasonBrokerReconnected,
		MonoTime: clk.Mono(),
	})
	assert.Len(t, st.began, 1, "a recovered event must not restart an in-flight run")
}

func TestAutoStartRetriesAfterDwellRefusal(t *testing.T) {
	o, st, _, clk, _ := newTestOrchestrator(true, 5)

	// The dwell floor refuses the first attempt.
	st.mode = domain.ModeSafeMode
	st.beginErr = errors.New("mode SAFE_MODE dwell in effect, recovery deferred")
	o.HandleEvent(domain.SystemEvent{
		Type:     domain.EventRecovered,
		Source:   domain.SourceBroker,
		Severity: domain.SeverityInfo,
		Reason:   domain.ReasonBrokerReconnected,
		MonoTime: clk.Mono(),
	})
	require.Empty(t, st.began)

	// The driver keeps retrying; once the dwell lapses the run starts.
	o.retryPendingStart()
	assert.Empty(t, st.began)

	st.beginErr = nil
	o.retryPendingStart()
	assert.Len(t, st.began, 1, "the refused auto start must not be lost")

	// The pending flag is consumed by the successful start.
	o.retryPendingStart()
	assert.Len(t, st.began, 1)
}
