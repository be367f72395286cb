package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/aristath/trading-core/internal/breakers"
	"github.com/aristath/trading-core/internal/clock"
	"github.com/aristath/trading-core/internal/domain"
)

// Trigger names what initiated a recovery run.
type Trigger string

const (
	TriggerAuto      Trigger = "AUTO"
	TriggerManual    Trigger = "MANUAL"
	TriggerColdStart Trigger = "COLD_START"
)

// Config holds orchestrator tunables.
type Config struct {
	// StableSeconds is the READY dwell: the run completes only after
	// this much monotonic time with no new critical events.
	StableSeconds float64
	// MaxStageRetries aborts the run after this many consecutive
	// failed checks of one stage.
	MaxStageRetries int
}

// StateControl is the slice of the state service the orchestrator
// drives.
type StateControl interface {
	BeginRecovery(runID, operatorID string) error
	SetRecoveryStage(stage domain.RecoveryStage) error
	AbortToSafeMode(reason string)
	Mode() domain.SystemMode
}

// Publisher emits the synthetic completion event.
type Publisher interface {
	Publish(domain.SystemEvent) bool
}

// Orchestrator drives the system from a degraded or safe state back to
// NORMAL through explicit stages. Each invocation is a run identified
// by a fresh run ID; starting a new run replaces any in-flight one.
type Orchestrator struct {
	cfg    Config
	clk    clock.Clock
	log    zerolog.Logger
	state  StateControl
	pub    Publisher
	broker breakers.Probe
	md     breakers.Probe
	risk   breakers.Probe

	mu                  sync.Mutex
	runID               string
	stage               domain.RecoveryStage
	active              bool
	pendingAuto         bool
	stageRetries        int
	readyEnteredMono    time.Duration
	lastCriticalMono    time.Duration
	hasCriticalObserved bool
}

// New constructs the orchestrator.
func New(cfg Config, state StateControl, pub Publisher, brokerProbe, mdProbe, riskProbe breakers.Probe, clk clock.Clock, log zerolog.Logger) *Orchestrator {
	if cfg.MaxStageRetries <= 0 {
		cfg.MaxStageRetries = 5
	}
	return &Orchestrator{
		cfg:    cfg,
		clk:    clk,
		log:    log.With().Str("component", "recovery").Logger(),
		state:  state,
		pub:    pub,
		broker: brokerProbe,
		md:     mdProbe,
		risk:   riskProbe,
	}
}

// HandleEvent is the orchestrator's bus subscription. Critical events
// reset the READY stability window; a RECOVERED event while the system
// sits in a failure or recovering mode starts an automatic run. The
// state service is subscribed ahead of the orchestrator, so by the time
// a RECOVERED event lands here the mode already reflects it.
func (o *Orchestrator) HandleEvent(ev domain.SystemEvent) {
	if ev.Severity == domain.SeverityCritical {
		o.mu.Lock()
		o.lastCriticalMono = ev.MonoTime
		o.hasCriticalObserved = true
		o.mu.Unlock()
	}

	if ev.Type != domain.EventRecovered {
		return
	}

	o.mu.Lock()
	active := o.active
	o.mu.Unlock()
	if active {
		return
	}

	switch o.state.Mode() {
	case domain.ModeRecovering, domain.ModeSafeMode, domain.ModeSafeModeDisconnected:
		if _, err := o.StartRecovery(TriggerAuto, ""); err != nil {
			o.log.Warn().Err(err).Msg("Automatic recovery start refused, will retry")
			o.mu.Lock()
			o.pendingAuto = true
			o.mu.Unlock()
		}
	}
}

// StartRecovery begins a new run at CONNECT_BROKER. Any in-flight run
// is cancelled: its run ID becomes stale and AdvanceStage refuses it.
func (o *Orchestrator) StartRecovery(trigger Trigger, operatorID string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	runID := uuid.NewString()
	if o.active {
		o.log.Info().
			Str("old_run_id", o.runID).
			Str("new_run_id", runID).
			Msg("Replacing in-flight recovery run")
	}

	if err := o.state.BeginRecovery(runID, operatorID); err != nil {
		return "", fmt.Errorf("cannot start recovery: %w", err)
	}

	o.runID = runID
	o.stage = domain.StageConnectBroker
	o.active = true
	o.pendingAuto = false
	o.stageRetries = 0
	o.readyEnteredMono = 0

	o.log.Info().
		Str("run_id", runID).
		Str("trigger", string(trigger)).
		Str("operator", operatorID).
		Msg("Recovery run started")
	return runID, nil
}

// AdvanceStage runs the current stage's readiness check and moves to
// the next stage on success, completing the run past READY. It refuses
// stale run IDs and reports false without touching state.
func (o *Orchestrator) AdvanceStage(ctx context.Context, runID string) bool {
	o.mu.Lock()
	if !o.active || runID != o.runID {
		o.mu.Unlock()
		o.log.Warn().Str("run_id", runID).Msg("advance_stage with stale or unknown run id")
		return false
	}
	stage := o.stage
	o.mu.Unlock()

	if o.state.Mode() != domain.ModeRecovering {
		// A failure mid-run moved the system elsewhere; the run is dead.
		o.log.Warn().Str("run_id", runID).Msg("System left RECOVERING, run abandoned")
		o.clearRun(runID)
		return false
	}

	if !o.checkStage(ctx, stage) {
		o.onStageFailure(runID, stage)
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.active || runID != o.runID {
		return false
	}
	o.stageRetries = 0

	if stage == domain.StageReady {
		o.completeLocked()
		return true
	}

	next := stage + 1
	o.stage = next
	if next == domain.StageReady {
		o.readyEnteredMono = o.clk.Mono()
	}
	if err := o.state.SetRecoveryStage(next); err != nil {
		o.log.Error().Err(err).Msg("Cannot publish recovery stage")
		return false
	}
	return true
}

// AbortRecovery clears run state and forces SAFE_MODE. A stale run ID
// is an error and leaves state unchanged.
func (o *Orchestrator) AbortRecovery(runID, reason string) error {
	o.mu.Lock()
	if !o.active || runID != o.runID {
		o.mu.Unlock()
		return fmt.Errorf("stale or unknown run id %q", runID)
	}
	o.active = false
	o.runID = ""
	o.mu.Unlock()

	o.log.Warn().Str("run_id", runID).Str("reason", reason).Msg("Recovery aborted")
	o.state.AbortToSafeMode(reason)
	return nil
}

// CurrentRun returns the active run ID and stage, if any.
func (o *Orchestrator) CurrentRun() (string, domain.RecoveryStage, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runID, o.stage, o.active
}

// Run is the driver loop. It advances whatever run is active, retrying
// stage checks with exponential backoff, and picks up automatic starts
// that were refused by the safe-mode dwell. It returns when ctx is
// cancelled, aborting any in-flight run.
func (o *Orchestrator) Run(ctx context.Context) {
	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		o.retryPendingStart()

		runID, _, active := o.CurrentRun()
		if active && o.AdvanceStage(ctx, runID) {
			b.Reset()
			continue
		}
		if !active {
			b.Reset()
		}

		select {
		case <-ctx.Done():
			if runID, _, active := o.CurrentRun(); active {
				_ = o.AbortRecovery(runID, "recovery cancelled")
			}
			return
		case <-time.After(b.Duration()):
		}
	}
}

// retryPendingStart re-attempts an automatic start that the dwell floor
// refused earlier. The pending flag survives until a start succeeds, so
// a reconnect during the dwell window is never lost.
func (o *Orchestrator) retryPendingStart() {
	o.mu.Lock()
	pending := o.pendingAuto && !o.active
	o.mu.Unlock()
	if !pending {
		return
	}
	if _, err := o.StartRecovery(TriggerAuto, ""); err != nil {
		o.log.Debug().Err(err).Msg("Pending automatic recovery start still refused")
	}
}

// checkStage evaluates the stage predicate against the relevant probe.
func (o *Orchestrator) checkStage(ctx context.Context, stage domain.RecoveryStage) bool {
	switch stage {
	case domain.StageConnectBroker:
		if o.broker.HealthCheck(ctx).Healthy {
			return true
		}
		return o.broker.EnsureReady(ctx)

	case domain.StageCatchupMarketData:
		if o.md.HealthCheck(ctx).Healthy {
			return true
		}
		return o.md.EnsureReady(ctx)

	case domain.StageVerifyRisk:
		return o.risk.HealthCheck(ctx).Healthy

	case domain.StageReady:
		return o.readyStable()

	default:
		return false
	}
}

// readyStable requires a full stable window in READY with no new
// critical events. The dwell is strict: insufficient elapsed time never
// passes.
func (o *Orchestrator) readyStable() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	stable := time.Duration(o.cfg.StableSeconds * float64(time.Second))
	now := o.clk.Mono()

	since := o.readyEnteredMono
	if o.hasCriticalObserved && o.lastCriticalMono > since {
		since = o.lastCriticalMono
	}
	return now-since >= stable
}

func (o *Orchestrator) onStageFailure(runID string, stage domain.RecoveryStage) {
	o.mu.Lock()
	if !o.active || runID != o.runID {
		o.mu.Unlock()
		return
	}
	o.stageRetries++
	retries := o.stageRetries
	o.mu.Unlock()

	o.log.Debug().
		Str("run_id", runID).
		Str("stage", stage.String()).
		Int("retries", retries).
		Msg("Stage check failed")

	if retries > o.cfg.MaxStageRetries {
		_ = o.AbortRecovery(runID, fmt.Sprintf("stage %s failed %d times", stage, retries))
	}
}

func (o *Orchestrator) clearRun(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runID == runID {
		o.active = false
		o.runID = ""
	}
}

// completeLocked finishes the run and emits the synthetic ALL_HEALTHY
// event the state service resolves to NORMAL, unless a component-driven
// mode is still in effect.
func (o *Orchestrator) completeLocked() {
	runID := o.runID
	o.active = false
	o.runID = ""
	o.stageRetries = 0

	o.log.Info().Str("run_id", runID).Msg("Recovery completed")
	o.pub.Publish(domain.SystemEvent{
		Type:     domain.EventAllHealthy,
		Source:   domain.SourceSystem,
		Severity: domain.SeverityInfo,
		Reason:   domain.ReasonAllHealthy,
		WallTime: o.clk.Wall(),
		MonoTime: o.clk.Mono(),
		Details:  map[string]interface{}{"run_id": runID},
	})
}
