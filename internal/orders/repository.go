package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/trading-core/internal/clock"
	"github.com/aristath/trading-core/internal/database"
)

// Repository handles the order-lifecycle tables. All multi-step updates
// run inside a single immediate transaction; close-request creation and
// the matching outbox insert share one, which is the transactional-
// outbox invariant.
type Repository struct {
	db  *database.DB
	clk clock.Clock
	log zerolog.Logger
}

// NewRepository creates the repository.
func NewRepository(db *database.DB, clk clock.Clock, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		clk: clk,
		log: log.With().Str("repo", "orders").Logger(),
	}
}

// DB exposes the wrapped handle for callers that manage their own
// transactions.
func (r *Repository) DB() *database.DB { return r.db }

// CreatePosition inserts an OPEN position and returns it.
func (r *Repository) CreatePosition(symbol, assetType string, qty int64) (*Position, error) {
	now := r.clk.Wall().Format(time.RFC3339)
	p := &Position{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		AssetType: assetType,
		Qty:       qty,
		Status:    PositionOpen,
	}
	_, err := r.db.Exec(`
		INSERT INTO positions (id, symbol, asset_type, qty, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Symbol, p.AssetType, p.Qty, string(p.Status), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create position: %w", err)
	}
	return p, nil
}

// CreateCloseRequest starts the close flow for an OPEN position: in one
// transaction it snapshots the close parameters, moves the position to
// CLOSING with the active close request id, and writes the
// SUBMIT_CLOSE_ORDER outbox event.
func (r *Repository) CreateCloseRequest(ctx context.Context, positionID, side string, maxRetries int) (*CloseRequest, error) {
	tx, err := r.db.BeginImmediate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	pos, err := r.getPositionTx(tx, positionID)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, fmt.Errorf("position %s not found", positionID)
	}
	if pos.Status != PositionOpen && pos.Status != PositionCloseRetryable {
		return nil, fmt.Errorf("position %s is %s, cannot close", positionID, pos.Status)
	}

	now := r.clk.Wall()
	nowStr := now.Format(time.RFC3339)
	cr := &CloseRequest{
		ID:         uuid.NewString(),
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       side,
		AssetType:  pos.AssetType,
		TargetQty:  pos.Qty,
		Status:     CloseRequestPending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
	}

	if _, err := tx.Exec(`
		INSERT INTO close_requests
		(id, position_id, symbol, side, asset_type, target_qty, filled_qty, status, retry_count, max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, 0, ?, ?, ?)
	`, cr.ID, cr.PositionID, cr.Symbol, cr.Side, cr.AssetType, cr.TargetQty, string(cr.Status), cr.MaxRetries, nowStr, nowStr); err != nil {
		return nil, fmt.Errorf("failed to insert close request: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE positions SET status = ?, active_close_request_id = ?, updated_at = ? WHERE id = ?
	`, string(PositionClosing), cr.ID, nowStr, pos.ID); err != nil {
		return nil, fmt.Errorf("failed to mark position closing: %w", err)
	}

	payload, err := json.Marshal(SubmitClosePayload{
		CloseRequestID: cr.ID,
		PositionID:     pos.ID,
		Symbol:         cr.Symbol,
		Side:           cr.Side,
		Qty:            cr.TargetQty,
		AssetType:      cr.AssetType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	if err := r.insertOutboxTx(tx, OutboxSubmitCloseOrder, payload); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit close request: %w", err)
	}

	r.log.Info().
		Str("close_request_id", cr.ID).
		Str("position_id", pos.ID).
		Int64("target_qty", cr.TargetQty).
		Msg("Close request created")
	return cr, nil
}

// InsertOrder records a newly submitted broker order.
func (r *Repository) InsertOrder(o *OrderRecord) error {
	now := r.clk.Wall().Format(time.RFC3339)
	if o.OrderID == "" {
		o.OrderID = uuid.NewString()
	}
	if o.Status == "" {
		o.Status = OrderSubmitted
	}
	_, err := r.db.Exec(`
		INSERT INTO orders
		(order_id, broker_order_id, close_request_id, symbol, side, qty, status, filled_qty, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.OrderID, nullString(o.BrokerOrderID), nullString(o.CloseRequestID), o.Symbol, o.Side, o.Qty, string(o.Status), o.FilledQty, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// getOrderByBrokerIDTx loads an order row inside the transaction.
func (r *Repository) getOrderByBrokerIDTx(tx *sql.Tx, brokerOrderID string) (*OrderRecord, error) {
	row := tx.QueryRow(`
		SELECT order_id, broker_order_id, close_request_id, symbol, side, qty, status,
		       filled_qty, broker_update_seq, last_broker_update_at, reconcile_not_found_count
		FROM orders WHERE broker_order_id = ?
	`, brokerOrderID)
	return scanOrder(row)
}

// GetOrderByBrokerID loads an order row outside a transaction.
func (r *Repository) GetOrderByBrokerID(brokerOrderID string) (*OrderRecord, error) {
	row := r.db.QueryRow(`
		SELECT order_id, broker_order_id, close_request_id, symbol, side, qty, status,
		       filled_qty, broker_update_seq, last_broker_update_at, reconcile_not_found_count
		FROM orders WHERE broker_order_id = ?
	`, brokerOrderID)
	return scanOrder(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*OrderRecord, error) {
	var o OrderRecord
	var brokerID, crID, lastUpdate sql.NullString
	var seq sql.NullInt64
	var status string

	err := row.Scan(&o.OrderID, &brokerID, &crID, &o.Symbol, &o.Side, &o.Qty, &status,
		&o.FilledQty, &seq, &lastUpdate, &o.ReconcileNotFoundCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}

	o.Status = OrderStatus(status)
	if brokerID.Valid {
		o.BrokerOrderID = brokerID.String
	}
	if crID.Valid {
		o.CloseRequestID = crID.String
	}
	if seq.Valid {
		o.BrokerUpdateSeq = &seq.Int64
	}
	if lastUpdate.Valid {
		if t, err := time.Parse(time.RFC3339, lastUpdate.String); err == nil {
			o.LastBrokerUpdateAt = &t
		}
	}
	return &o, nil
}

// updateOrderTx persists the advanced status, filled quantity and
// update sequence inside the transaction.
func (r *Repository) updateOrderTx(tx *sql.Tx, o *OrderRecord) error {
	nowStr := r.clk.Wall().Format(time.RFC3339)
	var seq sql.NullInt64
	if o.BrokerUpdateSeq != nil {
		seq = sql.NullInt64{Int64: *o.BrokerUpdateSeq, Valid: true}
	}
	_, err := tx.Exec(`
		UPDATE orders
		SET status = ?, filled_qty = ?, broker_update_seq = ?, last_broker_update_at = ?,
		    reconcile_not_found_count = ?, updated_at = ?
		WHERE order_id = ?
	`, string(o.Status), o.FilledQty, seq, nowStr, o.ReconcileNotFoundCount, nowStr, o.OrderID)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", o.OrderID, err)
	}
	return nil
}

// ordersForCloseRequestTx loads every order linked to a close request.
func (r *Repository) ordersForCloseRequestTx(tx *sql.Tx, closeRequestID string) ([]OrderRecord, error) {
	rows, err := tx.Query(`
		SELECT order_id, broker_order_id, close_request_id, symbol, side, qty, status,
		       filled_qty, broker_update_seq, last_broker_update_at, reconcile_not_found_count
		FROM orders WHERE close_request_id = ? ORDER BY created_at ASC
	`, closeRequestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// OrdersForCloseRequest is the non-transactional variant used by the
// reconciler.
func (r *Repository) OrdersForCloseRequest(closeRequestID string) ([]OrderRecord, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return r.ordersForCloseRequestTx(tx, closeRequestID)
}

func scanCloseRequest(row rowScanner) (*CloseRequest, error) {
	var cr CloseRequest
	var status, createdAt, updatedAt string
	err := row.Scan(&cr.ID, &cr.PositionID, &cr.Symbol, &cr.Side, &cr.AssetType,
		&cr.TargetQty, &cr.FilledQty, &status, &cr.RetryCount, &cr.MaxRetries, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan close request: %w", err)
	}
	cr.Status = CloseRequestStatus(status)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		cr.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		cr.UpdatedAt = t
	}
	return &cr, nil
}

const closeRequestColumns = `id, position_id, symbol, side, asset_type, target_qty, filled_qty, status, retry_count, max_retries, created_at, updated_at`

// getCloseRequestTx loads one close request inside the transaction.
func (r *Repository) getCloseRequestTx(tx *sql.Tx, id string) (*CloseRequest, error) {
	row := tx.QueryRow(`SELECT `+closeRequestColumns+` FROM close_requests WHERE id = ?`, id)
	return scanCloseRequest(row)
}

// GetCloseRequest loads one close request.
func (r *Repository) GetCloseRequest(id string) (*CloseRequest, error) {
	row := r.db.QueryRow(`SELECT `+closeRequestColumns+` FROM close_requests WHERE id = ?`, id)
	return scanCloseRequest(row)
}

// updateCloseRequestTx persists status, filled quantity and retry count.
func (r *Repository) updateCloseRequestTx(tx *sql.Tx, cr *CloseRequest) error {
	nowStr := r.clk.Wall().Format(time.RFC3339)
	_, err := tx.Exec(`
		UPDATE close_requests SET status = ?, filled_qty = ?, retry_count = ?, updated_at = ? WHERE id = ?
	`, string(cr.Status), cr.FilledQty, cr.RetryCount, nowStr, cr.ID)
	if err != nil {
		return fmt.Errorf("failed to update close request %s: %w", cr.ID, err)
	}
	return nil
}

// UpdateCloseRequestStatus sets only the status field.
func (r *Repository) UpdateCloseRequestStatus(id string, status CloseRequestStatus) error {
	nowStr := r.clk.Wall().Format(time.RFC3339)
	_, err := r.db.Exec(`
		UPDATE close_requests SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), nowStr, id)
	if err != nil {
		return fmt.Errorf("failed to update close request status: %w", err)
	}
	return nil
}

func scanPosition(row rowScanner) (*Position, error) {
	var p Position
	var status string
	var activeCR sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.Symbol, &p.AssetType, &p.Qty, &status, &activeCR, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan position: %w", err)
	}
	p.Status = PositionStatus(status)
	if activeCR.Valid {
		p.ActiveCloseRequestID = &activeCR.String
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		p.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		p.UpdatedAt = t
	}
	return &p, nil
}

const positionColumns = `id, symbol, asset_type, qty, status, active_close_request_id, created_at, updated_at`

func (r *Repository) getPositionTx(tx *sql.Tx, id string) (*Position, error) {
	row := tx.QueryRow(`SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	return scanPosition(row)
}

// GetPosition loads one position.
func (r *Repository) GetPosition(id string) (*Position, error) {
	row := r.db.QueryRow(`SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	return scanPosition(row)
}

// updatePositionTx sets the position status and active close request
// pointer inside the transaction.
func (r *Repository) updatePositionTx(tx *sql.Tx, id string, status PositionStatus, activeCloseRequestID *string) error {
	nowStr := r.clk.Wall().Format(time.RFC3339)
	var active sql.NullString
	if activeCloseRequestID != nil {
		active = sql.NullString{String: *activeCloseRequestID, Valid: true}
	}
	_, err := tx.Exec(`
		UPDATE positions SET status = ?, active_close_request_id = ?, updated_at = ? WHERE id = ?
	`, string(status), active, nowStr, id)
	if err != nil {
		return fmt.Errorf("failed to update position %s: %w", id, err)
	}
	return nil
}

// insertOutboxTx writes one outbox event inside the caller's
// transaction.
func (r *Repository) insertOutboxTx(tx *sql.Tx, eventType string, payload json.RawMessage) error {
	nowStr := r.clk.Wall().Format(time.RFC3339)
	_, err := tx.Exec(`
		INSERT INTO outbox_events (id, event_type, payload, status, attempts, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`, uuid.NewString(), eventType, string(payload), string(OutboxPending), nowStr)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// ClaimPending atomically claims up to limit PENDING outbox events,
// moving them to IN_FLIGHT. The claim runs in one immediate
// transaction, so concurrent workers never claim the same event.
func (r *Repository) ClaimPending(ctx context.Context, limit int) ([]OutboxEvent, error) {
	tx, err := r.db.BeginImmediate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, event_type, payload, status, attempts, created_at, claimed_at
		FROM outbox_events WHERE status = ? ORDER BY created_at ASC LIMIT ?
	`, string(OutboxPending), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}

	var claimed []OutboxEvent
	for rows.Next() {
		ev, err := scanOutbox(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, *ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	nowStr := r.clk.Wall().Format(time.RFC3339)
	for i := range claimed {
		if _, err := tx.Exec(`
			UPDATE outbox_events SET status = ?, claimed_at = ? WHERE id = ?
		`, string(OutboxInFlight), nowStr, claimed[i].ID); err != nil {
			return nil, fmt.Errorf("failed to claim outbox event: %w", err)
		}
		claimed[i].Status = OutboxInFlight
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return claimed, nil
}

func scanOutbox(row rowScanner) (*OutboxEvent, error) {
	var ev OutboxEvent
	var payload, status, createdAt string
	var claimedAt sql.NullString
	err := row.Scan(&ev.ID, &ev.EventType, &payload, &status, &ev.Attempts, &createdAt, &claimedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox event: %w", err)
	}
	ev.Payload = json.RawMessage(payload)
	ev.Status = OutboxStatus(status)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		ev.CreatedAt = t
	}
	if claimedAt.Valid {
		if t, err := time.Parse(time.RFC3339, claimedAt.String); err == nil {
			ev.ClaimedAt = &t
		}
	}
	return &ev, nil
}

// MarkOutboxDone finishes a claimed event.
func (r *Repository) MarkOutboxDone(id string) error {
	_, err := r.db.Exec(`UPDATE outbox_events SET status = ? WHERE id = ?`, string(OutboxDone), id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox done: %w", err)
	}
	return nil
}

// MarkOutboxFailed counts one failed attempt: the event goes back to
// PENDING for retry, or to DEAD once maxAttempts is reached.
func (r *Repository) MarkOutboxFailed(id string, maxAttempts int) (OutboxStatus, error) {
	var attempts int
	if err := r.db.QueryRow(`SELECT attempts FROM outbox_events WHERE id = ?`, id).Scan(&attempts); err != nil {
		return "", fmt.Errorf("failed to read outbox attempts: %w", err)
	}
	attempts++

	status := OutboxPending
	if attempts >= maxAttempts {
		status = OutboxDead
	}
	if _, err := r.db.Exec(`
		UPDATE outbox_events SET status = ?, attempts = ? WHERE id = ?
	`, string(status), attempts, id); err != nil {
		return "", fmt.Errorf("failed to mark outbox failed: %w", err)
	}
	return status, nil
}

// InsertOutboxEvent writes one outbox event in its own transaction.
// The close-flow paths use insertOutboxTx inside a shared transaction
// instead.
func (r *Repository) InsertOutboxEvent(eventType string, payload json.RawMessage) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.insertOutboxTx(tx, eventType, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// PurgeOutbox deletes DONE and DEAD events created before the cutoff.
func (r *Repository) PurgeOutbox(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`
		DELETE FROM outbox_events WHERE status IN (?, ?) AND created_at < ?
	`, string(OutboxDone), string(OutboxDead), cutoff.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox: %w", err)
	}
	return res.RowsAffected()
}

// CloseRequestsInStatusBefore lists close requests in the given status
// created before the cutoff.
func (r *Repository) CloseRequestsInStatusBefore(status CloseRequestStatus, cutoff time.Time) ([]CloseRequest, error) {
	rows, err := r.db.Query(`
		SELECT `+closeRequestColumns+` FROM close_requests
		WHERE status = ? AND created_at < ? ORDER BY created_at ASC
	`, string(status), cutoff.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to query close requests: %w", err)
	}
	defer rows.Close()

	var out []CloseRequest
	for rows.Next() {
		cr, err := scanCloseRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cr)
	}
	return out, rows.Err()
}

// RetryableCloseRequests lists close requests eligible for a partial-
// fill retry.
func (r *Repository) RetryableCloseRequests() ([]CloseRequest, error) {
	rows, err := r.db.Query(`
		SELECT ` + closeRequestColumns + ` FROM close_requests
		WHERE status = 'RETRYABLE' AND retry_count < max_retries AND filled_qty < target_qty
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query retryable close requests: %w", err)
	}
	defer rows.Close()

	var out []CloseRequest
	for rows.Next() {
		cr, err := scanCloseRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cr)
	}
	return out, rows.Err()
}

// HasPendingOutboxForCloseRequest reports whether a PENDING
// SUBMIT_CLOSE_ORDER event references the close request.
func (r *Repository) HasPendingOutboxForCloseRequest(closeRequestID string) (bool, error) {
	var n int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM outbox_events
		WHERE status = ? AND event_type = ? AND payload LIKE ?
	`, string(OutboxPending), OutboxSubmitCloseOrder, `%"close_request_id":"`+closeRequestID+`"%`).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check pending outbox: %w", err)
	}
	return n > 0, nil
}

// ClosingPositionsWithoutActiveRequest finds invariant breaches: a
// CLOSING position must always carry its active close request id.
func (r *Repository) ClosingPositionsWithoutActiveRequest() ([]Position, error) {
	rows, err := r.db.Query(`
		SELECT ` + positionColumns + ` FROM positions
		WHERE status = 'CLOSING' AND (active_close_request_id IS NULL OR active_close_request_id = '')
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query closing positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// RetryCloseRequest appends a new outbox event for the remaining
// quantity of a RETRYABLE close request using the stored snapshot
// fields, bumps the retry count, and moves the request back to PENDING
// with the position CLOSING, all in one transaction.
func (r *Repository) RetryCloseRequest(ctx context.Context, closeRequestID string) error {
	tx, err := r.db.BeginImmediate(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin retry: %w", err)
	}
	defer tx.Rollback()

	cr, err := r.getCloseRequestTx(tx, closeRequestID)
	if err != nil {
		return err
	}
	if cr == nil {
		return fmt.Errorf("close request %s not found", closeRequestID)
	}
	if cr.Status != CloseRequestRetryable {
		return fmt.Errorf("close request %s is %s, not RETRYABLE", closeRequestID, cr.Status)
	}
	remaining := cr.TargetQty - cr.FilledQty
	if remaining <= 0 {
		return fmt.Errorf("close request %s has nothing left to fill", closeRequestID)
	}

	payload, err := json.Marshal(SubmitClosePayload{
		CloseRequestID: cr.ID,
		PositionID:     cr.PositionID,
		Symbol:         cr.Symbol,
		Side:           cr.Side,
		Qty:            remaining,
		AssetType:      cr.AssetType,
		IsRetry:        true,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal retry payload: %w", err)
	}
	if err := r.insertOutboxTx(tx, OutboxSubmitCloseOrder, payload); err != nil {
		return err
	}

	cr.RetryCount++
	cr.Status = CloseRequestPending
	if err := r.updateCloseRequestTx(tx, cr); err != nil {
		return err
	}
	if err := r.updatePositionTx(tx, cr.PositionID, PositionClosing, &cr.ID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit retry: %w", err)
	}

	r.log.Info().
		Str("close_request_id", cr.ID).
		Int64("remaining_qty", remaining).
		Int("retry_count", cr.RetryCount).
		Msg("Partial fill retry queued")
	return nil
}

// FailCloseRequest marks a close request FAILED and restores the
// position in one transaction.
func (r *Repository) FailCloseRequest(ctx context.Context, closeRequestID string, positionStatus PositionStatus) error {
	tx, err := r.db.BeginImmediate(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin fail: %w", err)
	}
	defer tx.Rollback()

	cr, err := r.getCloseRequestTx(tx, closeRequestID)
	if err != nil {
		return err
	}
	if cr == nil {
		return fmt.Errorf("close request %s not found", closeRequestID)
	}

	cr.Status = CloseRequestFailed
	if err := r.updateCloseRequestTx(tx, cr); err != nil {
		return err
	}
	if err := r.updatePositionTx(tx, cr.PositionID, positionStatus, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkPositionCloseFailed flags an invariant-breached position.
func (r *Repository) MarkPositionCloseFailed(positionID string) error {
	nowStr := r.clk.Wall().Format(time.RFC3339)
	_, err := r.db.Exec(`
		UPDATE positions SET status = ?, updated_at = ? WHERE id = ?
	`, string(PositionCloseFailed), nowStr, positionID)
	if err != nil {
		return fmt.Errorf("failed to mark position close-failed: %w", err)
	}
	return nil
}

// IncrementNotFound bumps the reconcile-not-found counter and returns
// the new value.
func (r *Repository) IncrementNotFound(orderID string) (int, error) {
	nowStr := r.clk.Wall().Format(time.RFC3339)
	if _, err := r.db.Exec(`
		UPDATE orders SET reconcile_not_found_count = reconcile_not_found_count + 1, updated_at = ? WHERE order_id = ?
	`, nowStr, orderID); err != nil {
		return 0, fmt.Errorf("failed to increment not-found count: %w", err)
	}
	var n int
	if err := r.db.QueryRow(`SELECT reconcile_not_found_count FROM orders WHERE order_id = ?`, orderID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
