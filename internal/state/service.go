package state

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/trading-core/internal/clock"
	"github.com/aristath/trading-core/internal/domain"
	"github.com/aristath/trading-core/internal/gate"
	"github.com/aristath/trading-core/internal/metrics"
)

// Config holds state service tunables.
type Config struct {
	// MinSafeModeSeconds is the dwell floor: once in SAFE_MODE or HALT,
	// lower-severity transitions are deferred until it elapses.
	MinSafeModeSeconds float64
}

// decisionMatrix maps each mode-driving reason code to the mode it
// implies. Reasons missing from the table never move the system mode.
var decisionMatrix = map[domain.ReasonCode]domain.SystemMode{
	domain.ReasonBrokerDisconnect:     domain.ModeSafeModeDisconnected,
	domain.ReasonPositionTruthUnknown: domain.ModeHalt,
	domain.ReasonRiskBreachHard:       domain.ModeHalt,
	domain.ReasonBrokerReportMismatch: domain.ModeSafeMode,
	domain.ReasonDBWriteFail:          domain.ModeDegraded,
	domain.ReasonMDStale:              domain.ModeDegraded,
	domain.ReasonRiskTimeout:          domain.ModeDegraded,
	domain.ReasonDBBufferOverflow:     domain.ModeDegraded,
}

type override struct {
	mode           domain.SystemMode
	expiresMono    time.Duration
	operatorID     string
	reason         string
	allowDowngrade bool
}

type deferredTarget struct {
	mode   domain.SystemMode
	reason domain.ReasonCode
	source domain.ComponentSource
}

// Snapshot is a point-in-time copy of the service state.
type Snapshot struct {
	Mode       domain.SystemMode
	Stage      *domain.RecoveryStage
	Components map[domain.ComponentSource]domain.ComponentStatus
}

// Service is the single source of truth for the system mode. It
// subscribes to every bus event, tracks per-component status, and
// resolves the target mode through the decision matrix, operator
// overrides and the dwell floor. All event handling is serialized by
// one mutex so compute-target, append-transition and update-gate are
// atomic.
type Service struct {
	clk  clock.Clock
	log  zerolog.Logger
	gate *gate.Gate
	cfg  Config

	mu              sync.Mutex
	mode            domain.SystemMode
	stage           *domain.RecoveryStage
	recovering      bool
	components      map[domain.ComponentSource]*domain.ComponentStatus
	history         []domain.ModeTransition
	override        *override
	overrideLapsed  bool
	modeByOverride  bool
	deferred        *deferredTarget
	modeEnteredMono time.Duration
	audit           *TransitionLog
}

// New constructs the service in its cold-start posture (RECOVERING at
// CONNECT_BROKER), matching the gate.
func New(cfg Config, g *gate.Gate, clk clock.Clock, log zerolog.Logger) *Service {
	stage := domain.StageConnectBroker
	return &Service{
		clk:        clk,
		log:        log.With().Str("component", "system_state").Logger(),
		gate:       g,
		cfg:        cfg,
		mode:       domain.ModeRecovering,
		stage:      &stage,
		recovering: true,
		components: make(map[domain.ComponentSource]*domain.ComponentStatus),
	}
}

// SetAudit installs the durable transition log. Transitions recorded
// before the audit sink is installed live only in the in-memory
// history.
func (s *Service) SetAudit(a *TransitionLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = a
}

// HandleEvent is the bus subscriber entry point.
func (s *Service) HandleEvent(ev domain.SystemEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Mono()
	st := s.componentLocked(ev.Source)

	switch ev.Type {
	case domain.EventFailCrit, domain.EventDBBufferOverflow:
		// A buffer overflow means writes are being lost right now, so it
		// trips the component the same way a critical failure does.
		st.Level = domain.LevelTripped
		st.ConsecutiveFailures++
		if st.UnstableSinceMono == nil {
			t := now
			st.UnstableSinceMono = &t
		}

	case domain.EventQualityDegraded:
		if st.Level < domain.LevelUnstable {
			st.Level = domain.LevelUnstable
			t := now
			st.UnstableSinceMono = &t
		}
		st.ConsecutiveFailures++

	case domain.EventRecovered:
		st.Level = domain.LevelHealthy
		st.ConsecutiveFailures = 0
		st.UnstableSinceMono = nil

	case domain.EventAllHealthy:
		// Recovery completed. Live failures, if any, keep their say in
		// the recompute below.
		s.recovering = false
	}

	evCopy := ev
	st.LastEvent = &evCopy
	st.LastUpdateMono = now

	s.reevaluateLocked()
}

// Mode returns the current system mode.
func (s *Service) Mode() domain.SystemMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Stage returns the current recovery stage, nil outside RECOVERING.
func (s *Service) Stage() *domain.RecoveryStage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage == nil {
		return nil
	}
	st := *s.stage
	return &st
}

// Snapshot returns a copy of mode, stage and all component statuses.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Mode:       s.mode,
		Components: make(map[domain.ComponentSource]domain.ComponentStatus, len(s.components)),
	}
	if s.stage != nil {
		st := *s.stage
		snap.Stage = &st
	}
	for src, c := range s.components {
		snap.Components[src] = *c
	}
	return snap
}

// History returns a copy of the append-only transition history.
func (s *Service) History() []domain.ModeTransition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ModeTransition, len(s.history))
	copy(out, s.history)
	return out
}

// ForceMode installs an operator override for ttlSeconds, measured on
// the monotonic clock. Overrides only tighten unless the reason carries
// the override_downgrade flag. On expiry the service re-evaluates and
// transitions if necessary.
func (s *Service) ForceMode(mode domain.SystemMode, ttlSeconds float64, operatorID, reason string) error {
	if ttlSeconds <= 0 {
		return fmt.Errorf("override ttl must be positive, got %v", ttlSeconds)
	}
	if mode == domain.ModeRecovering {
		return fmt.Errorf("RECOVERING cannot be forced; use the recovery orchestrator")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ttl := time.Duration(ttlSeconds * float64(time.Second))
	s.override = &override{
		mode:           mode,
		expiresMono:    s.clk.Mono() + ttl,
		operatorID:     operatorID,
		reason:         reason,
		allowDowngrade: strings.Contains(reason, "override_downgrade"),
	}

	s.log.Warn().
		Str("mode", mode.String()).
		Str("operator", operatorID).
		Str("reason", reason).
		Float64("ttl_seconds", ttlSeconds).
		Msg("Operator override installed")

	s.reevaluateLocked()
	return nil
}

// Tick resolves time-driven state: override expiry, dwell-deferred
// targets, and event TTLs. Setup drives it from a one-second ticker so
// these resolve even when no new event arrives.
func (s *Service) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Mono()

	for _, st := range s.components {
		if st.LastEvent == nil || st.LastEvent.TTLSeconds <= 0 || st.Level == domain.LevelHealthy {
			continue
		}
		ttl := time.Duration(st.LastEvent.TTLSeconds * float64(time.Second))
		if now-st.LastUpdateMono >= ttl {
			s.log.Info().
				Str("source", string(st.Source)).
				Str("reason", string(st.LastEvent.Reason)).
				Msg("Component event TTL expired, resetting to healthy")
			st.Level = domain.LevelHealthy
			st.ConsecutiveFailures = 0
			st.UnstableSinceMono = nil
		}
	}

	s.reevaluateLocked()
}

// BeginRecovery transitions into RECOVERING at CONNECT_BROKER on behalf
// of the orchestrator. Refused while the dwell floor is in effect.
func (s *Service) BeginRecovery(runID, operatorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dwellActiveLocked() && domain.ModeRecovering.Priority() < s.mode.Priority() {
		return fmt.Errorf("mode %s dwell in effect, recovery deferred", s.mode)
	}

	s.recovering = true
	stage := domain.StageConnectBroker
	s.stage = &stage
	s.transitionLocked(domain.ModeRecovering, domain.ReasonRecoveryStarted, domain.SourceSystem, operatorID, 0)
	s.log.Info().Str("run_id", runID).Msg("Recovery run started")
	return nil
}

// SetRecoveryStage advances the published stage while in RECOVERING.
func (s *Service) SetRecoveryStage(stage domain.RecoveryStage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode != domain.ModeRecovering {
		return fmt.Errorf("cannot set recovery stage in mode %s", s.mode)
	}
	s.stage = &stage
	st := stage
	if err := s.gate.UpdateMode(domain.ModeRecovering, &st); err != nil {
		return err
	}
	s.log.Info().Str("stage", stage.String()).Msg("Recovery stage advanced")
	return nil
}

// AbortToSafeMode forces SAFE_MODE on a failed or cancelled recovery
// run; the dwell floor applies from this moment.
func (s *Service) AbortToSafeMode(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recovering = false
	s.stage = nil
	s.log.Warn().Str("reason", reason).Msg("Recovery aborted, forcing SAFE_MODE")
	s.transitionLocked(domain.ModeSafeMode, domain.ReasonRecoveryAborted, domain.SourceSystem, "", 0)
}

// componentLocked fetches or creates the status record for a source.
func (s *Service) componentLocked(src domain.ComponentSource) *domain.ComponentStatus {
	st, ok := s.components[src]
	if !ok {
		st = &domain.ComponentStatus{Source: src, Level: domain.LevelHealthy}
		s.components[src] = st
	}
	return st
}

// computedTargetLocked maps every tripped component through the
// decision matrix and merges by priority.
func (s *Service) computedTargetLocked() (domain.SystemMode, domain.ReasonCode, domain.ComponentSource) {
	target := domain.ModeNormal
	reason := domain.ReasonAllHealthy
	source := domain.SourceSystem

	for _, st := range s.components {
		if st.Level != domain.LevelTripped || st.LastEvent == nil {
			continue
		}
		m, ok := decisionMatrix[st.LastEvent.Reason]
		if !ok {
			continue
		}
		if m.Priority() > target.Priority() {
			target = m
			reason = st.LastEvent.Reason
			source = st.Source
		}
	}
	return target, reason, source
}

func (s *Service) dwellActiveLocked() bool {
	if s.mode != domain.ModeSafeMode && s.mode != domain.ModeHalt {
		return false
	}
	// A mode held only by an operator override releases the moment the
	// TTL lapses; the dwell floor protects against component flapping,
	// not against the operator's own expiry.
	if s.modeByOverride {
		return false
	}
	dwell := time.Duration(s.cfg.MinSafeModeSeconds * float64(time.Second))
	return s.clk.Mono()-s.modeEnteredMono < dwell
}

// reevaluateLocked recomputes the target mode and transitions when it
// differs from the current one. Lower-severity targets arriving during
// the dwell window are deferred, not dropped.
func (s *Service) reevaluateLocked() {
	now := s.clk.Mono()

	if s.override != nil && now >= s.override.expiresMono {
		s.log.Info().Str("operator", s.override.operatorID).Msg("Operator override expired")
		s.override = nil
		s.overrideLapsed = true
		s.reevaluateLocked()
		s.overrideLapsed = false
		return
	}

	target, reason, source := s.computedTargetLocked()
	operatorID := ""
	var overrideTTL time.Duration

	// NORMAL is never entered directly from a failure mode: when every
	// component reads healthy again the system moves to RECOVERING and
	// the orchestrator walks the staged checks; only its ALL_HEALTHY
	// completion resolves to NORMAL. A mode held purely by an operator
	// override is exempt, since nothing failed underneath it.
	if target == domain.ModeNormal && s.mode != domain.ModeNormal && !s.modeByOverride {
		if s.mode != domain.ModeRecovering || s.recovering {
			target = domain.ModeRecovering
			reason = domain.ReasonRecoveryStarted
			source = domain.SourceSystem
		}
	}

	if s.override != nil {
		if s.override.mode.Priority() >= target.Priority() || s.override.allowDowngrade {
			target = s.override.mode
			reason = domain.ReasonOperatorOverride
			source = domain.SourceSystem
			operatorID = s.override.operatorID
			overrideTTL = s.override.expiresMono - now
		}
	}

	if target == s.mode {
		s.deferred = nil
		return
	}

	if s.dwellActiveLocked() && target.Priority() < s.mode.Priority() {
		s.deferred = &deferredTarget{mode: target, reason: reason, source: source}
		s.log.Info().
			Str("target", target.String()).
			Str("current", s.mode.String()).
			Msg("Lower-severity target deferred by dwell")
		return
	}

	s.transitionLocked(target, reason, source, operatorID, overrideTTL)
}

// transitionLocked appends to history and pushes the new mode into the
// gate. It is the only place the mode changes.
func (s *Service) transitionLocked(to domain.SystemMode, reason domain.ReasonCode, source domain.ComponentSource, operatorID string, overrideTTL time.Duration) {
	if s.overrideLapsed {
		reason = domain.ReasonOverrideExpired
	}

	from := s.mode
	s.mode = to
	s.modeEnteredMono = s.clk.Mono()
	s.deferred = nil
	s.modeByOverride = reason == domain.ReasonOperatorOverride

	if to != domain.ModeRecovering {
		s.stage = nil
		s.recovering = false
	} else {
		s.recovering = true
		if s.stage == nil {
			stage := domain.StageConnectBroker
			s.stage = &stage
		}
	}

	t := domain.ModeTransition{
		From:          from,
		To:            to,
		Reason:        reason,
		Source:        source,
		TimestampWall: s.clk.Wall(),
		TimestampMono: s.modeEnteredMono,
		OperatorID:    operatorID,
		OverrideTTL:   overrideTTL,
	}
	s.history = append(s.history, t)
	metrics.ModeTransitions.WithLabelValues(to.String()).Inc()

	if s.audit != nil {
		if err := s.audit.Record(t); err != nil {
			s.log.Error().Err(err).Msg("Mode transition audit write failed")
		}
	}

	var stagePtr *domain.RecoveryStage
	if s.stage != nil {
		st := *s.stage
		stagePtr = &st
	}
	if err := s.gate.UpdateMode(to, stagePtr); err != nil {
		s.log.Error().Err(err).Msg("Gate update failed")
	}

	s.log.Warn().
		Str("from", from.String()).
		Str("to", to.String()).
		Str("reason", string(reason)).
		Str("source", string(source)).
		Msg("System mode transition")
}
