package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/trading-core/internal/buffer"
	"github.com/aristath/trading-core/internal/clock"
	"github.com/aristath/trading-core/internal/database"
	"github.com/aristath/trading-core/internal/domain"
)

// Publisher raises system events from the update path.
type Publisher interface {
	Publish(ev domain.SystemEvent) bool
}

// UpdateHandler applies broker order updates idempotently and
// monotonically, then recomputes the linked close request.
type UpdateHandler struct {
	db       *database.DB
	repo     *Repository
	clk      clock.Clock
	log      zerolog.Logger
	fallback *buffer.Buffer
	pub      Publisher
}

// NewUpdateHandler creates the handler.
func NewUpdateHandler(db *database.DB, repo *Repository, clk clock.Clock, log zerolog.Logger) *UpdateHandler {
	return &UpdateHandler{
		db:   db,
		repo: repo,
		clk:  clk,
		log:  log.With().Str("component", "order_updates").Logger(),
	}
}

// SetFallback installs the degraded-mode write buffer. With a fallback
// in place, an update that cannot reach the database is preserved in
// the buffer and replayed after recovery instead of being lost.
func (h *UpdateHandler) SetFallback(fb *buffer.Buffer, pub Publisher) {
	h.fallback = fb
	h.pub = pub
}

// HandleUpdate processes one broker update inside a single write
// transaction. Unknown orders and unknown broker statuses are logged
// and ignored. Same-or-older update sequences are ignored. The status
// never regresses; the only terminal change allowed is a late FILLED
// over CANCELLED/REJECTED/EXPIRED. filled_qty is non-decreasing under
// all conditions.
func (h *UpdateHandler) HandleUpdate(ctx context.Context, upd BrokerOrderUpdate) error {
	newStatus, known := MapBrokerStatus(upd.BrokerStatus)
	if !known {
		h.log.Warn().
			Str("broker_order_id", upd.BrokerOrderID).
			Str("broker_status", upd.BrokerStatus).
			Msg("Unknown broker status, ignoring")
		return nil
	}

	tx, err := h.db.BeginImmediate(ctx)
	if err != nil {
		return h.bufferUpdate(upd, fmt.Errorf("failed to begin update transaction: %w", err))
	}
	defer tx.Rollback()

	ord, err := h.repo.getOrderByBrokerIDTx(tx, upd.BrokerOrderID)
	if err != nil {
		return err
	}
	if ord == nil {
		h.log.Warn().
			Str("broker_order_id", upd.BrokerOrderID).
			Msg("Update for unknown order, ignoring")
		return nil
	}

	// Idempotency: a same-or-older sequence is a replay.
	if upd.Seq != nil && ord.BrokerUpdateSeq != nil && *upd.Seq <= *ord.BrokerUpdateSeq {
		h.log.Debug().
			Str("broker_order_id", upd.BrokerOrderID).
			Int64("seq", *upd.Seq).
			Msg("Stale update sequence, ignoring")
		return nil
	}

	advanced, err := h.applyUpdate(ord, newStatus, upd)
	if err != nil {
		return err
	}
	if !advanced {
		return nil
	}

	if err := h.repo.updateOrderTx(tx, ord); err != nil {
		return err
	}
	if ord.CloseRequestID != "" {
		if err := h.recomputeCloseRequestTx(tx, ord.CloseRequestID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return h.bufferUpdate(upd, fmt.Errorf("failed to commit order update: %w", err))
	}

	h.log.Info().
		Str("broker_order_id", upd.BrokerOrderID).
		Str("status", string(ord.Status)).
		Int64("filled_qty", ord.FilledQty).
		Msg("Order update applied")
	return nil
}

// bufferUpdate preserves an update the database refused. Without a
// fallback configured, or when the buffer itself is full, the original
// error surfaces; a full buffer additionally raises DB_BUFFER_OVERFLOW.
func (h *UpdateHandler) bufferUpdate(upd BrokerOrderUpdate, cause error) error {
	if h.fallback == nil {
		return cause
	}

	var seq int64
	if upd.Seq != nil {
		seq = *upd.Seq
	}
	data, err := json.Marshal(upd)
	if err != nil {
		return cause
	}

	ok := h.fallback.Add(buffer.Entry{
		ResourceType:  "order_update",
		ResourceID:    upd.BrokerOrderID,
		Data:          data,
		Timestamp:     h.clk.Wall(),
		IdempotentKey: buffer.Key("order_update", upd.BrokerOrderID, seq),
	})
	if !ok {
		h.log.Error().
			Str("broker_order_id", upd.BrokerOrderID).
			Msg("Write buffer full, order update lost")
		if h.pub != nil {
			h.pub.Publish(domain.SystemEvent{
				Type:     domain.EventDBBufferOverflow,
				Source:   domain.SourceDB,
				Severity: domain.SeverityCritical,
				Reason:   domain.ReasonDBBufferOverflow,
				WallTime: h.clk.Wall(),
				MonoTime: h.clk.Mono(),
				Details:  map[string]interface{}{"broker_order_id": upd.BrokerOrderID},
			})
		}
		return cause
	}

	h.log.Warn().
		Err(cause).
		Str("broker_order_id", upd.BrokerOrderID).
		Msg("Database unavailable, order update buffered")
	return nil
}

// applyUpdate mutates ord in place and reports whether anything
// advanced.
func (h *UpdateHandler) applyUpdate(ord *OrderRecord, newStatus OrderStatus, upd BrokerOrderUpdate) (bool, error) {
	// Once FILLED, nothing moves.
	if ord.Status == OrderFilled {
		h.log.Debug().
			Str("broker_order_id", upd.BrokerOrderID).
			Msg("Order already FILLED, ignoring update")
		return false, nil
	}

	switch {
	case ord.Status.Terminal():
		// Terminal lock-in, with one exception: the broker's final
		// word may upgrade CANCELLED/REJECTED/EXPIRED to FILLED.
		if newStatus != OrderFilled {
			h.log.Debug().
				Str("broker_order_id", upd.BrokerOrderID).
				Str("current", string(ord.Status)).
				Str("incoming", string(newStatus)).
				Msg("Terminal status, ignoring update")
			return false, nil
		}
		h.log.Warn().
			Str("broker_order_id", upd.BrokerOrderID).
			Str("was", string(ord.Status)).
			Msg("Late FILLED upgrading terminal status")
		ord.Status = OrderFilled

	case newStatus.Priority() < ord.Status.Priority():
		h.log.Debug().
			Str("broker_order_id", upd.BrokerOrderID).
			Str("current", string(ord.Status)).
			Str("incoming", string(newStatus)).
			Msg("Regressive status, ignoring update")
		return false, nil

	default:
		ord.Status = newStatus
	}

	if upd.FilledQty > ord.FilledQty {
		ord.FilledQty = upd.FilledQty
	}
	if upd.Seq != nil {
		seq := *upd.Seq
		ord.BrokerUpdateSeq = &seq
	}
	return true, nil
}

// recomputeCloseRequestTx re-derives the close request and position
// state from the linked orders.
func (h *UpdateHandler) recomputeCloseRequestTx(tx *sql.Tx, closeRequestID string) error {
	cr, err := h.repo.getCloseRequestTx(tx, closeRequestID)
	if err != nil {
		return err
	}
	if cr == nil {
		return fmt.Errorf("close request %s not found", closeRequestID)
	}
	ords, err := h.repo.ordersForCloseRequestTx(tx, closeRequestID)
	if err != nil {
		return err
	}

	var total int64
	allTerminal := true
	for _, o := range ords {
		total += o.FilledQty
		if !o.Status.Terminal() {
			allTerminal = false
		}
	}

	cr.FilledQty = total

	switch {
	case allTerminal && total >= cr.TargetQty:
		cr.Status = CloseRequestCompleted
		if err := h.repo.updatePositionTx(tx, cr.PositionID, PositionClosed, nil); err != nil {
			return err
		}
		h.log.Info().Str("close_request_id", cr.ID).Msg("Close request completed")

	case allTerminal && total == 0:
		cr.Status = CloseRequestFailed
		if err := h.repo.updatePositionTx(tx, cr.PositionID, PositionOpen, nil); err != nil {
			return err
		}
		h.log.Warn().Str("close_request_id", cr.ID).Msg("Close request failed, position restored")

	case allTerminal:
		cr.Status = CloseRequestRetryable
		if err := h.repo.updatePositionTx(tx, cr.PositionID, PositionCloseRetryable, &cr.ID); err != nil {
			return err
		}
		h.log.Warn().
			Str("close_request_id", cr.ID).
			Int64("filled", total).
			Int64("target", cr.TargetQty).
			Msg("Close request partially filled, retryable")

	default:
		// Some orders are still live; only the fill total moves.
	}

	return h.repo.updateCloseRequestTx(tx, cr)
}
