package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/trading-core/internal/clock"
	"github.com/aristath/trading-core/internal/database"
	"github.com/aristath/trading-core/internal/domain"
	"github.com/aristath/trading-core/internal/gate"
	"github.com/aristath/trading-core/pkg/logger"
)

func TestTransitionsArePersistedForAudit(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate())

	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC))
	svc := New(Config{MinSafeModeSeconds: 60}, gate.New(logger.Nop()), clk, logger.Nop())
	svc.SetAudit(NewTransitionLog(db, logger.Nop()))

	svc.HandleEvent(failCrit(clk, domain.SourceBroker, domain.ReasonBrokerReportMismatch))
	require.Equal(t, domain.ModeSafeMode, svc.Mode())

	var fromMode, toMode, reason, source string
	err = db.QueryRow(`
		SELECT from_mode, to_mode, reason_code, source
		FROM mode_transitions ORDER BY id DESC LIMIT 1
	`).Scan(&fromMode, &toMode, &reason, &source)
	require.NoError(t, err)
	assert.Equal(t, "RECOVERING", fromMode)
	assert.Equal(t, "SAFE_MODE", toMode)
	assert.Equal(t, string(domain.ReasonBrokerReportMismatch), reason)
	assert.Equal(t, string(domain.SourceBroker), source)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM mode_transitions`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestAuditRowCarriesOverrideDetails(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate())

	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC))
	svc := New(Config{MinSafeModeSeconds: 60}, gate.New(logger.Nop()), clk, logger.Nop())
	svc.SetAudit(NewTransitionLog(db, logger.Nop()))

	svc.HandleEvent(allHealthy(clk))
	require.NoError(t, svc.ForceMode(domain.ModeHalt, 90, "op-7", "manual halt"))

	var operatorID string
	var ttl float64
	err = db.QueryRow(`
		SELECT operator_id, override_ttl_s
		FROM mode_transitions WHERE to_mode = 'HALT'
	`).Scan(&operatorID, &ttl)
	require.NoError(t, err)
	assert.Equal(t, "op-7", operatorID)
	assert.InDelta(t, 90.0, ttl, 0.001)
}
