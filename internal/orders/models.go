package orders

import (
	"encoding/json"
	"time"
)

// OrderStatus is the internal order state. Progression is monotonic by
// priority; see HandleUpdate.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderPartial         OrderStatus = "PARTIAL"
	OrderCancelRequested OrderStatus = "CANCEL_REQUESTED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
	OrderFilled          OrderStatus = "FILLED"
)

var statusPriority = map[OrderStatus]int{
	OrderPending:         0,
	OrderSubmitted:       1,
	OrderPartial:         2,
	OrderCancelRequested: 2,
	OrderCancelled:       3,
	OrderRejected:        3,
	OrderExpired:         3,
	OrderFilled:          4,
}

// Priority returns the monotonic progression rank.
func (s OrderStatus) Priority() int { return statusPriority[s] }

// Terminal reports whether no further broker-driven progression is
// expected, with the single exception of a late FILLED upgrade.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderCancelled, OrderRejected, OrderExpired, OrderFilled:
		return true
	}
	return false
}

// MapBrokerStatus converts a broker-reported status to the internal
// one. Unknown statuses report ok=false and are logged and ignored by
// the handler.
func MapBrokerStatus(broker string) (OrderStatus, bool) {
	switch broker {
	case "NEW", "SUBMITTED":
		return OrderSubmitted, true
	case "PARTIAL":
		return OrderPartial, true
	case "FILLED":
		return OrderFilled, true
	case "CANCELLED":
		return OrderCancelled, true
	case "REJECTED":
		return OrderRejected, true
	case "EXPIRED":
		return OrderExpired, true
	}
	return "", false
}

// CloseRequestStatus is the close-flow lifecycle state.
type CloseRequestStatus string

const (
	CloseRequestPending   CloseRequestStatus = "PENDING"
	CloseRequestSubmitted CloseRequestStatus = "SUBMITTED"
	CloseRequestCompleted CloseRequestStatus = "COMPLETED"
	CloseRequestFailed    CloseRequestStatus = "FAILED"
	CloseRequestRetryable CloseRequestStatus = "RETRYABLE"
)

// PositionStatus tracks the position side of the close flow.
type PositionStatus string

const (
	PositionOpen           PositionStatus = "OPEN"
	PositionClosing        PositionStatus = "CLOSING"
	PositionClosed         PositionStatus = "CLOSED"
	PositionCloseFailed    PositionStatus = "CLOSE_FAILED"
	PositionCloseRetryable PositionStatus = "CLOSE_RETRYABLE"
)

// OutboxStatus is the dispatch state of an outbox event.
type OutboxStatus string

const (
	OutboxPending  OutboxStatus = "PENDING"
	OutboxInFlight OutboxStatus = "IN_FLIGHT"
	OutboxDone     OutboxStatus = "DONE"
	OutboxDead     OutboxStatus = "DEAD"
)

// OutboxSubmitCloseOrder is the only outbox event type the close flow
// produces.
const OutboxSubmitCloseOrder = "SUBMIT_CLOSE_ORDER"

// OrderRecord is one broker order row.
type OrderRecord struct {
	OrderID                string
	BrokerOrderID          string
	CloseRequestID         string
	Symbol                 string
	Side                   string
	Qty                    int64
	Status                 OrderStatus
	FilledQty              int64
	BrokerUpdateSeq        *int64
	LastBrokerUpdateAt     *time.Time
	ReconcileNotFoundCount int
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// CloseRequest snapshots everything needed to close a position. The
// side, symbol, asset type and target quantity captured at creation are
// what every retry uses; they are never re-derived from the live
// position.
type CloseRequest struct {
	ID         string
	PositionID string
	Symbol     string
	Side       string
	AssetType  string
	TargetQty  int64
	FilledQty  int64
	Status     CloseRequestStatus
	RetryCount int
	MaxRetries int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Position is one tradable position row. A position in CLOSING must
// carry ActiveCloseRequestID.
type Position struct {
	ID                   string
	Symbol               string
	AssetType            string
	Qty                  int64
	Status               PositionStatus
	ActiveCloseRequestID *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// OutboxEvent is one row of intended external effect, written in the
// same transaction as the state that caused it.
type OutboxEvent struct {
	ID        string
	EventType string
	Payload   json.RawMessage
	Status    OutboxStatus
	Attempts  int
	CreatedAt time.Time
	ClaimedAt *time.Time
}

// SubmitClosePayload is the outbox payload for SUBMIT_CLOSE_ORDER.
type SubmitClosePayload struct {
	CloseRequestID string `json:"close_request_id"`
	PositionID     string `json:"position_id"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Qty            int64  `json:"qty"`
	AssetType      string `json:"asset_type"`
	IsRetry        bool   `json:"is_retry,omitempty"`
}

// BrokerOrderUpdate is the broker-to-us order update input.
type BrokerOrderUpdate struct {
	BrokerOrderID string `json:"broker_order_id"`
	BrokerStatus  string `json:"broker_status"`
	FilledQty     int64  `json:"filled_qty"`
	Seq           *int64 `json:"broker_update_seq,omitempty"`
}
