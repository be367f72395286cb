package domain

import (
	"time"
)

// SystemMode is the operating mode of the whole trading system, ordered
// by severity. The numeric value is used only for "take the more severe"
// merging of simultaneous failure targets.
type SystemMode int

const (
	ModeNormal SystemMode = iota
	ModeRecovering
	ModeDegraded
	ModeSafeMode
	ModeSafeModeDisconnected
	ModeHalt
)

// Priority returns the severity rank used when merging targets.
func (m SystemMode) Priority() int { return int(m) }

func (m SystemMode) String() string {
	switch m {
	case ModeNormal:
		return "NORMAL"
	case ModeRecovering:
		return "RECOVERING"
	case ModeDegraded:
		return "DEGRADED"
	case ModeSafeMode:
		return "SAFE_MODE"
	case ModeSafeModeDisconnected:
		return "SAFE_MODE_DISCONNECTED"
	case ModeHalt:
		return "HALT"
	default:
		return "UNKNOWN"
	}
}

// MaxMode returns the more severe of two modes.
func MaxMode(a, b SystemMode) SystemMode {
	if b.Priority() > a.Priority() {
		return b
	}
	return a
}

// SystemLevel is the per-component health level used for hysteresis
// before a component event is allowed to move the system mode.
type SystemLevel int

const (
	LevelHealthy SystemLevel = iota
	LevelUnstable
	LevelTripped
)

func (l SystemLevel) String() string {
	switch l {
	case LevelHealthy:
		return "HEALTHY"
	case LevelUnstable:
		return "UNSTABLE"
	case LevelTripped:
		return "TRIPPED"
	default:
		return "UNKNOWN"
	}
}

// MaxLevel returns the stricter of two levels. Local protection may only
// tighten the central level, never widen it.
func MaxLevel(a, b SystemLevel) SystemLevel {
	if b > a {
		return b
	}
	return a
}

// RecoveryStage is the position inside a staged recovery run.
type RecoveryStage int

const (
	StageConnectBroker RecoveryStage = iota
	StageCatchupMarketData
	StageVerifyRisk
	StageReady
)

func (s RecoveryStage) String() string {
	switch s {
	case StageConnectBroker:
		return "CONNECT_BROKER"
	case StageCatchupMarketData:
		return "CATCHUP_MARKETDATA"
	case StageVerifyRisk:
		return "VERIFY_RISK"
	case StageReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// ComponentSource identifies which subsystem produced an event.
type ComponentSource string

const (
	SourceBroker     ComponentSource = "BROKER"
	SourceMarketData ComponentSource = "MARKET_DATA"
	SourceRisk       ComponentSource = "RISK"
	SourceDB         ComponentSource = "DB"
	SourceAlerts     ComponentSource = "ALERTS"
	SourceSystem     ComponentSource = "SYSTEM"
)

// ActionType is a trading action checked against the permission gate.
type ActionType string

const (
	ActionOpen       ActionType = "OPEN"
	ActionSend       ActionType = "SEND"
	ActionAmend      ActionType = "AMEND"
	ActionCancel     ActionType = "CANCEL"
	ActionReduceOnly ActionType = "REDUCE_ONLY"
	ActionQuery      ActionType = "QUERY"
)

// Severity of a system event.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// EventType classifies system events.
type EventType string

const (
	EventFailCrit         EventType = "FAIL_CRIT"
	EventQualityDegraded  EventType = "QUALITY_DEGRADED"
	EventRecovered        EventType = "RECOVERED"
	EventAllHealthy       EventType = "ALL_HEALTHY"
	EventModeChanged      EventType = "MODE_CHANGED"
	EventInvariantBreach  EventType = "INVARIANT_BREACH"
	EventDBBufferOverflow EventType = "DB_BUFFER_OVERFLOW"
)

// ReasonCode is a closed enumeration naming why a component reported a
// failure or recovery.
type ReasonCode string

const (
	ReasonBrokerDisconnect     ReasonCode = "BROKER_DISCONNECT"
	ReasonBrokerReconnected    ReasonCode = "BROKER_RECONNECTED"
	ReasonBrokerReportMismatch ReasonCode = "BROKER_REPORT_MISMATCH"
	ReasonPositionTruthUnknown ReasonCode = "POSITION_TRUTH_UNKNOWN"
	ReasonMDStale              ReasonCode = "MD_STALE"
	ReasonMDRecovered          ReasonCode = "MD_RECOVERED"
	ReasonRiskTimeout          ReasonCode = "RISK_TIMEOUT"
	ReasonRiskRecovered        ReasonCode = "RISK_RECOVERED"
	ReasonRiskBreachHard       ReasonCode = "RISK_BREACH_HARD"
	ReasonDBWriteFail          ReasonCode = "DB_WRITE_FAIL"
	ReasonDBRecovered          ReasonCode = "DB_RECOVERED"
	ReasonDBBufferOverflow     ReasonCode = "DB_BUFFER_OVERFLOW"
	ReasonAllHealthy           ReasonCode = "ALL_HEALTHY"
	ReasonOperatorOverride     ReasonCode = "OPERATOR_OVERRIDE"
	ReasonOverrideExpired      ReasonCode = "OVERRIDE_EXPIRED"
	ReasonRecoveryStarted      ReasonCode = "RECOVERY_STARTED"
	ReasonRecoveryAborted      ReasonCode = "RECOVERY_ABORTED"
	ReasonInvariantBreach      ReasonCode = "INVARIANT_BREACH"
	ReasonDwellExpired         ReasonCode = "DWELL_EXPIRED"
	ReasonEventTTLExpired      ReasonCode = "EVENT_TTL_EXPIRED"
)

// mustDeliver is the fixed whitelist of critical reason codes. Only
// these trigger the local emergency degrade path when the bus drops an
// event; everything else is silently dropped on overflow.
var mustDeliver = map[ReasonCode]struct{}{
	ReasonBrokerDisconnect:     {},
	ReasonPositionTruthUnknown: {},
	ReasonBrokerReportMismatch: {},
	ReasonRiskBreachHard:       {},
}

// MustDeliver reports whether the reason code is on the critical
// delivery whitelist.
func (r ReasonCode) MustDeliver() bool {
	_, ok := mustDeliver[r]
	return ok
}

// SystemEvent is an immutable record flowing through the event bus.
// Wall time is for display and audit only; all scheduling, staleness
// and TTL logic uses the monotonic reading.
type SystemEvent struct {
	Type       EventType              `json:"event_type"`
	Source     ComponentSource        `json:"source"`
	Severity   Severity               `json:"severity"`
	Reason     ReasonCode             `json:"reason_code"`
	WallTime   time.Time              `json:"event_time_wall"`
	MonoTime   time.Duration          `json:"event_time_mono"`
	Details    map[string]interface{} `json:"details,omitempty"`
	TTLSeconds float64                `json:"ttl_seconds,omitempty"`
}

// ComponentStatus is the state service's view of one component. It is
// owned exclusively by the SystemStateService and updated only through
// HandleEvent.
type ComponentStatus struct {
	Source              ComponentSource
	Level               SystemLevel
	LastEvent           *SystemEvent
	LastUpdateMono      time.Duration
	ConsecutiveFailures int
	UnstableSinceMono   *time.Duration
}

// ModeTransition is one entry in the append-only mode history.
type ModeTransition struct {
	From          SystemMode
	To            SystemMode
	Reason        ReasonCode
	Source        ComponentSource
	TimestampWall time.Time
	TimestampMono time.Duration
	OperatorID    string
	OverrideTTL   time.Duration
}
