package outbox

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/trading-core/internal/clients/broker"
	"github.com/aristath/trading-core/internal/clock"
	"github.com/aristath/trading-core/internal/database"
	"github.com/aristath/trading-core/internal/domain"
	"github.com/aristath/trading-core/internal/orders"
	"github.com/aristath/trading-core/pkg/logger"
)

type allowGate struct {
	denied []domain.ActionType
	deny   bool
}

func (g *allowGate) Require(action domain.ActionType) error {
	if g.deny {
		g.denied = append(g.denied, action)
		return fmt.Errorf("action %s denied", action)
	}
	return nil
}

type stubPlacer struct {
	placed []broker.PlaceOrderRequest
	err    error
	nextID int
}

func (p *stubPlacer) PlaceOrder(ctx context.Context, symbol, side string, qty int64, assetType, clientRequestID string) (*broker.OrderResult, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.nextID++
	p.placed = append(p.placed, broker.PlaceOrderRequest{
		Symbol: symbol, Side: side, Quantity: qty,
		AssetType: assetType, ClientRequest: clientRequestID,
	})
	return &broker.OrderResult{
		BrokerOrderID: fmt.Sprintf("bro-%d", p.nextID),
		Symbol:        symbol,
		Side:          side,
		Quantity:      qty,
		Status:        "SUBMITTED",
	}, nil
}

func newWorkerHarness(t *testing.T, maxAttempts int) (*Worker, *orders.Repository, *allowGate, *stubPlacer, *orders.CloseRequest) {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC))
	repo := orders.NewRepository(db, clk, logger.Nop())

	pos, err := repo.CreatePosition("AAPL", "EQUITY", 100)
	require.NoError(t, err)
	cr, err := repo.CreateCloseRequest(context.Background(), pos.ID, "SELL", 3)
	require.NoError(t, err)

	g := &allowGate{}
	p := &stubPlacer{}
	w := NewWorker(Config{MaxAttempts: maxAttempts, PollInterval: time.Millisecond}, repo, g, p, logger.Nop())
	return w, repo, g, p, cr
}

func TestProcessOneSubmitsCloseOrder(t *testing.T) {
	w, repo, _, placer, cr := newWorkerHarness(t, 5)

	processed, err := w.ProcessOne(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	// The broker saw the snapshotted close parameters.
	require.Len(t, placer.placed, 1)
	assert.Equal(t, "AAPL", placer.placed[0].Symbol)
	assert.Equal(t, "SELL", placer.placed[0].Side)
	assert.Equal(t, int64(100), placer.placed[0].Quantity)
	assert.Equal(t, cr.ID, placer.placed[0].ClientRequest)

	// The order row is linked and SUBMITTED.
	ord, err := repo.GetOrderByBrokerID("bro-1")
	require.NoError(t, err)
	require.NotNil(t, ord)
	assert.Equal(t, orders.OrderSubmitted, ord.Status)
	assert.Equal(t, cr.ID, ord.CloseRequestID)

	got, err := repo.GetCloseRequest(cr.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.CloseRequestSubmitted, got.Status)

	// Nothing left to claim.
	processed, err = w.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestEmptyOutboxReportsNoWork(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	defer db.Close()

	clk := clock.NewFake(time.Now())
	repo := orders.NewRepository(db, clk, logger.Nop())
	w := NewWorker(Config{MaxAttempts: 5}, repo, &allowGate{}, &stubPlacer{}, logger.Nop())

	processed, err := w.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestGateDenialReturnsEventForRetry(t *testing.T) {
	w, repo, g, placer, cr := newWorkerHarness(t, 5)
	g.deny = true

	processed, err := w.ProcessOne(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	// Closing a position asks for REDUCE_ONLY, nothing stronger.
	require.Len(t, g.denied, 1)
	assert.Equal(t, domain.ActionReduceOnly, g.denied[0])
	assert.Empty(t, placer.placed, "a denied submission never reaches the broker")

	// The event went back to PENDING and is claimable again.
	g.deny = false
	processed, err = w.ProcessOne(context.Background())
	require.NoError(t, err)
	require.True(t, processed)
	require.Len(t, placer.placed, 1)

	got, err := repo.GetCloseRequest(cr.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.CloseRequestSubmitted, got.Status)
}

func TestBrokerFailureDeadLettersAfterMaxAttempts(t *testing.T) {
	w, repo, _, placer, cr := newWorkerHarness(t, 2)
	placer.err = fmt.Errorf("gateway timeout")

	// Attempt 1: back to PENDING.
	processed, err := w.ProcessOne(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	// Attempt 2: DEAD.
	processed, err = w.ProcessOne(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	// Nothing claimable remains.
	processed, err = w.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)

	pending, err := repo.HasPendingOutboxForCloseRequest(cr.ID)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestUnknownEventTypeIsDropped(t *testing.T) {
	w, repo, _, placer, _ := newWorkerHarness(t, 5)

	// Drain the close event first.
	processed, err := w.ProcessOne(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	require.NoError(t, repo.InsertOutboxEvent("LEGACY_EVENT", []byte(`{}`)))
	processed, err = w.ProcessOne(context.Background())
	require.NoError(t, err)
	require.True(t, processed)
	assert.Len(t, placer.placed, 1, "unknown event types never hit the broker")
}
