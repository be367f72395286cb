package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ErrOrderNotFound is returned when the broker has no record of the
// order. The reconciler counts these before declaring an order lost.
var ErrOrderNotFound = errors.New("broker order not found")

// Client for the broker gateway microservice
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// ServiceResponse is the standard response format
type ServiceResponse struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *string         `json:"error"`
	Timestamp string          `json:"timestamp"`
}

// NewClient creates a new broker gateway client
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.With().Str("client", "broker").Logger(),
	}
}

// post makes a POST request to the gateway
func (c *Client) post(ctx context.Context, endpoint string, request interface{}) (*ServiceResponse, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	return c.parseResponse(resp)
}

// get makes a GET request to the gateway
func (c *Client) get(ctx context.Context, endpoint string) (*ServiceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	return c.parseResponse(resp)
}

// parseResponse parses the service response
func (c *Client) parseResponse(resp *http.Response) (*ServiceResponse, error) {
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrOrderNotFound
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result ServiceResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if !result.Success {
		errMsg := "unknown error"
		if result.Error != nil {
			errMsg = *result.Error
		}
		if errMsg == "order not found" {
			return &result, ErrOrderNotFound
		}
		return &result, fmt.Errorf("broker gateway error: %s", errMsg)
	}

	return &result, nil
}

// PlaceOrderRequest is the request for placing an order
type PlaceOrderRequest struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Quantity      int64  `json:"quantity"`
	AssetType     string `json:"asset_type"`
	ClientRequest string `json:"client_request_id"`
}

// OrderResult is the result of placing an order
type OrderResult struct {
	BrokerOrderID string `json:"broker_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Quantity      int64  `json:"quantity"`
	Status        string `json:"status"`
}

// PlaceOrder submits an order to the broker. clientRequestID carries
// the close request id so the gateway can deduplicate resubmissions.
func (c *Client) PlaceOrder(ctx context.Context, symbol, side string, qty int64, assetType, clientRequestID string) (*OrderResult, error) {
	req := PlaceOrderRequest{
		Symbol:        symbol,
		Side:          side,
		Quantity:      qty,
		AssetType:     assetType,
		ClientRequest: clientRequestID,
	}

	resp, err := c.post(ctx, "/api/trading/place-order", req)
	if err != nil {
		return nil, err
	}

	var result OrderResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse order result: %w", err)
	}

	c.log.Info().
		Str("broker_order_id", result.BrokerOrderID).
		Str("symbol", symbol).
		Msg("Order placed")
	return &result, nil
}

// OrderStatusResult is the broker's view of one order
type OrderStatusResult struct {
	BrokerOrderID string `json:"broker_order_id"`
	Status        string `json:"status"`
	FilledQty     int64  `json:"filled_qty"`
	UpdateSeq     *int64 `json:"update_seq"`
}

// OrderStatus queries the broker for the current state of an order.
// Returns ErrOrderNotFound when the broker has no record of it.
func (c *Client) OrderStatus(ctx context.Context, brokerOrderID string) (*OrderStatusResult, error) {
	resp, err := c.get(ctx, "/api/trading/orders/"+brokerOrderID)
	if err != nil {
		return nil, err
	}

	var result OrderStatusResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse order status: %w", err)
	}

	return &result, nil
}

// CancelOrder asks the broker to cancel an order.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := c.post(ctx, "/api/trading/orders/"+brokerOrderID+"/cancel", struct{}{})
	return err
}

// Ping checks gateway liveness. Used by the broker health probe.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.get(ctx, "/api/health")
	return err
}
