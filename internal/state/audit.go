package state

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/trading-core/internal/database"
	"github.com/aristath/trading-core/internal/domain"
)

// TransitionLog persists every mode transition to the mode_transitions
// table so the audit trail survives a restart. Writes are synchronous
// with the transition but best-effort: the caller logs a failed write
// and the transition stands.
type TransitionLog struct {
	db  *database.DB
	log zerolog.Logger
}

// NewTransitionLog creates the durable transition log.
func NewTransitionLog(db *database.DB, log zerolog.Logger) *TransitionLog {
	return &TransitionLog{
		db:  db,
		log: log.With().Str("component", "mode_audit").Logger(),
	}
}

// Record inserts one transition row.
func (l *TransitionLog) Record(t domain.ModeTransition) error {
	_, err := l.db.Exec(`
		INSERT INTO mode_transitions
			(from_mode, to_mode, reason_code, source, timestamp_wall, operator_id, override_ttl_s)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		t.From.String(),
		t.To.String(),
		string(t.Reason),
		string(t.Source),
		t.TimestampWall.UTC().Format(time.RFC3339Nano),
		t.OperatorID,
		t.OverrideTTL.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record mode transition: %w", err)
	}
	return nil
}
