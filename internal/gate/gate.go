package gate

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/trading-core/internal/domain"
	"github.com/aristath/trading-core/internal/metrics"
)

// Decision is the result of one permission check.
type Decision struct {
	Allowed    bool
	Restricted bool
	Warning    string
	LocalOnly  bool
}

// PermissionError is the structured refusal returned when a gate denies
// an action: it carries the current mode/stage and the denied action so
// callers never fail silently.
type PermissionError struct {
	Mode   domain.SystemMode
	Stage  *domain.RecoveryStage
	Action domain.ActionType
}

func (e *PermissionError) Error() string {
	if e.Stage != nil {
		return fmt.Sprintf("action %s denied in mode %s stage %s", e.Action, e.Mode, *e.Stage)
	}
	return fmt.Sprintf("action %s denied in mode %s", e.Action, e.Mode)
}

// modeMatrix maps mode x action to a decision. RECOVERING is resolved
// through the stage sub-matrix instead.
var modeMatrix = map[domain.SystemMode]map[domain.ActionType]Decision{
	domain.ModeNormal: {
		domain.ActionOpen:       {Allowed: true},
		domain.ActionSend:       {Allowed: true},
		domain.ActionAmend:      {Allowed: true},
		domain.ActionCancel:     {Allowed: true},
		domain.ActionReduceOnly: {Allowed: true},
		domain.ActionQuery:      {Allowed: true},
	},
	domain.ModeDegraded: {
		domain.ActionOpen:       {Allowed: true, Restricted: true},
		domain.ActionSend:       {Allowed: true},
		domain.ActionAmend:      {Allowed: true},
		domain.ActionCancel:     {Allowed: true},
		domain.ActionReduceOnly: {Allowed: true},
		domain.ActionQuery:      {Allowed: true},
	},
	domain.ModeSafeMode: {
		domain.ActionCancel:     {Allowed: true, Warning: "cancel is best-effort in SAFE_MODE"},
		domain.ActionReduceOnly: {Allowed: true},
		domain.ActionQuery:      {Allowed: true},
	},
	domain.ModeSafeModeDisconnected: {
		domain.ActionQuery: {Allowed: true, LocalOnly: true},
	},
	domain.ModeHalt: {
		domain.ActionQuery: {Allowed: true},
	},
}

// stageMatrix supersedes the mode row while recovering.
var stageMatrix = map[domain.RecoveryStage]map[domain.ActionType]Decision{
	domain.StageConnectBroker: {
		domain.ActionQuery: {Allowed: true},
	},
	domain.StageCatchupMarketData: {
		domain.ActionQuery: {Allowed: true},
	},
	domain.StageVerifyRisk: {
		domain.ActionQuery:  {Allowed: true},
		domain.ActionCancel: {Allowed: true},
	},
	domain.StageReady: {
		domain.ActionQuery:      {Allowed: true},
		domain.ActionCancel:     {Allowed: true},
		domain.ActionReduceOnly: {Allowed: true},
	},
}

// Gate is the single O(1) permission check every trading call site
// passes through. No business logic, no I/O. One writer, many
// concurrent readers.
type Gate struct {
	mu    sync.RWMutex
	mode  domain.SystemMode
	stage *domain.RecoveryStage
	log   zerolog.Logger
}

// New constructs the gate in its cold-start posture: RECOVERING at
// CONNECT_BROKER, so nothing but QUERY is permitted until the recovery
// orchestrator walks the stages.
func New(log zerolog.Logger) *Gate {
	stage := domain.StageConnectBroker
	return &Gate{
		mode:  domain.ModeRecovering,
		stage: &stage,
		log:   log.With().Str("component", "trading_gate").Logger(),
	}
}

// CheckPermission resolves the current decision for an action.
func (g *Gate) CheckPermission(action domain.ActionType) Decision {
	g.mu.RLock()
	mode := g.mode
	stage := g.stage
	g.mu.RUnlock()

	var d Decision
	if mode == domain.ModeRecovering && stage != nil {
		d = stageMatrix[*stage][action]
	} else {
		d = modeMatrix[mode][action]
	}
	if !d.Allowed {
		metrics.GateDenials.WithLabelValues(string(action)).Inc()
	}
	return d
}

// Allows is the boolean shortcut over CheckPermission.
func (g *Gate) Allows(action domain.ActionType) bool {
	return g.CheckPermission(action).Allowed
}

// Require returns a structured PermissionError when the action is
// denied, nil otherwise.
func (g *Gate) Require(action domain.ActionType) error {
	if g.CheckPermission(action).Allowed {
		return nil
	}
	mode, stage := g.ModeStage()
	return &PermissionError{Mode: mode, Stage: stage, Action: action}
}

// UpdateMode installs a new mode. stage must be present iff the mode is
// RECOVERING.
func (g *Gate) UpdateMode(mode domain.SystemMode, stage *domain.RecoveryStage) error {
	if mode == domain.ModeRecovering && stage == nil {
		return fmt.Errorf("RECOVERING requires a stage")
	}
	if mode != domain.ModeRecovering && stage != nil {
		return fmt.Errorf("stage %s is only valid in RECOVERING, got mode %s", *stage, mode)
	}

	g.mu.Lock()
	g.mode = mode
	if stage != nil {
		s := *stage
		g.stage = &s
	} else {
		g.stage = nil
	}
	g.mu.Unlock()

	ev := g.log.Info().Str("mode", mode.String())
	if stage != nil {
		ev = ev.Str("stage", stage.String())
	}
	ev.Msg("Gate mode updated")
	return nil
}

// ModeStage returns the current mode and, while recovering, the stage.
func (g *Gate) ModeStage() (domain.SystemMode, *domain.RecoveryStage) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.stage == nil {
		return g.mode, nil
	}
	s := *g.stage
	return g.mode, &s
}
