package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/aristath/trading-core/internal/clients/broker"
	"github.com/aristath/trading-core/internal/domain"
	"github.com/aristath/trading-core/internal/metrics"
	"github.com/aristath/trading-core/internal/orders"
)

// Gate is the permission check the worker consults before touching the
// broker.
type Gate interface {
	Require(action domain.ActionType) error
}

// OrderPlacer is the broker surface the worker needs.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, symbol, side string, qty int64, assetType, clientRequestID string) (*broker.OrderResult, error)
}

// Config tunes the dispatch loop.
type Config struct {
	MaxAttempts  int
	PollInterval time.Duration
}

// Worker drains the transactional outbox one event at a time. Claiming
// marks the row IN_FLIGHT so a second worker never doubles a
// submission; failures return the row to PENDING until MaxAttempts,
// then DEAD.
type Worker struct {
	cfg    Config
	repo   *orders.Repository
	gate   Gate
	broker OrderPlacer
	log    zerolog.Logger
}

// NewWorker creates the worker.
func NewWorker(cfg Config, repo *orders.Repository, gate Gate, placer OrderPlacer, log zerolog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Worker{
		cfg:    cfg,
		repo:   repo,
		gate:   gate,
		broker: placer,
		log:    log.With().Str("component", "outbox").Logger(),
	}
}

// Run polls until the context is cancelled. Empty polls back off, a
// processed event resets the backoff.
func (w *Worker) Run(ctx context.Context) {
	b := &backoff.Backoff{
		Min:    w.cfg.PollInterval,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		processed, err := w.ProcessOne(ctx)
		if err != nil {
			w.log.Error().Err(err).Msg("Outbox pass failed")
		}
		if processed {
			b.Reset()
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.Duration()):
		}
	}
}

// ProcessOne claims and dispatches a single PENDING event. Returns
// whether an event was claimed.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	claimed, err := w.repo.ClaimPending(ctx, 1)
	if err != nil {
		return false, err
	}
	if len(claimed) == 0 {
		return false, nil
	}
	ev := claimed[0]

	if err := w.dispatch(ctx, ev); err != nil {
		status, markErr := w.repo.MarkOutboxFailed(ev.ID, w.cfg.MaxAttempts)
		if markErr != nil {
			return true, markErr
		}
		if status == orders.OutboxDead {
			metrics.OutboxDispatched.WithLabelValues("dead").Inc()
			w.log.Error().
				Str("outbox_id", ev.ID).
				Err(err).
				Msg("Outbox event dead after max attempts")
		} else {
			metrics.OutboxDispatched.WithLabelValues("failed").Inc()
			w.log.Warn().
				Str("outbox_id", ev.ID).
				Err(err).
				Msg("Outbox dispatch failed, will retry")
		}
		return true, nil
	}

	if err := w.repo.MarkOutboxDone(ev.ID); err != nil {
		return true, err
	}
	metrics.OutboxDispatched.WithLabelValues("done").Inc()
	return true, nil
}

// dispatch routes one claimed event by type.
func (w *Worker) dispatch(ctx context.Context, ev orders.OutboxEvent) error {
	switch ev.EventType {
	case orders.OutboxSubmitCloseOrder:
		return w.submitCloseOrder(ctx, ev.Payload)
	default:
		w.log.Warn().
			Str("outbox_id", ev.ID).
			Str("event_type", ev.EventType).
			Msg("Unknown outbox event type, dropping")
		return nil
	}
}

// submitCloseOrder places the close order with the broker and records
// the resulting order row. Closing a position is a risk-reducing
// action, so it needs REDUCE_ONLY permission at most.
func (w *Worker) submitCloseOrder(ctx context.Context, payload json.RawMessage) error {
	var p orders.SubmitClosePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}

	if err := w.gate.Require(domain.ActionReduceOnly); err != nil {
		return err
	}

	res, err := w.broker.PlaceOrder(ctx, p.Symbol, p.Side, p.Qty, p.AssetType, p.CloseRequestID)
	if err != nil {
		return err
	}

	if err := w.repo.InsertOrder(&orders.OrderRecord{
		BrokerOrderID:  res.BrokerOrderID,
		CloseRequestID: p.CloseRequestID,
		Symbol:         p.Symbol,
		Side:           p.Side,
		Qty:            p.Qty,
		Status:         orders.OrderSubmitted,
	}); err != nil {
		return err
	}

	cr, err := w.repo.GetCloseRequest(p.CloseRequestID)
	if err != nil {
		return err
	}
	if cr != nil && cr.Status == orders.CloseRequestPending {
		cr.Status = orders.CloseRequestSubmitted
		if err := w.repo.UpdateCloseRequestStatus(cr.ID, orders.CloseRequestSubmitted); err != nil {
			return err
		}
	}

	w.log.Info().
		Str("close_request_id", p.CloseRequestID).
		Str("broker_order_id", res.BrokerOrderID).
		Bool("is_retry", p.IsRetry).
		Msg("Close order submitted")
	return nil
}
