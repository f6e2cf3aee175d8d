package poll

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"payrecon/internal/common/api"
	"payrecon/internal/common/money"
	"payrecon/internal/order"
)

// Client talks to the payrecon HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientConfig holds client configuration.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// NewClient creates a new API client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CreateOrderRequest asks for a new order.
type CreateOrderRequest struct {
	Quantity int    `json:"quantity,omitempty"`
	Amount   string `json:"amount,omitempty"`
}

// CreatedOrder is the server's answer to CreateOrder.
type CreatedOrder struct {
	Reference  string      `json:"reference"`
	PaymentURL string      `json:"payment_url"`
	Amount     money.Money `json:"amount"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

// StatusError is a non-2xx API response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed: %d %s", e.StatusCode, e.Message)
}

type statusBody struct {
	Reference string       `json:"reference"`
	Status    order.Status `json:"status"`
}

// CreateOrder creates an order.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreatedOrder, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	var out CreatedOrder
	if err := c.do(ctx, http.MethodPost, "/api/v1/orders", bytes.NewReader(body), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the order's status. It satisfies StatusChecker.
func (c *Client) Status(ctx context.Context, ref string) (order.Status, error) {
	var out statusBody
	err := c.do(ctx, http.MethodGet, "/api/v1/orders/"+url.PathEscape(ref)+"/status", nil, &out)
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusNotFound:
			return "", fmt.Errorf("%w: %s", ErrOrderNotFound, statusErr.Message)
		case http.StatusBadRequest:
			return "", fmt.Errorf("%w: %s", ErrInvalidReference, statusErr.Message)
		}
	}
	if err != nil {
		return "", err
	}
	if !out.Status.Valid() {
		return "", fmt.Errorf("unexpected status %q", out.Status)
	}
	return out.Status, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var envelope api.Response[json.RawMessage]
	decodeErr := json.Unmarshal(raw, &envelope)

	if resp.StatusCode >= 300 {
		msg := resp.Status
		if envelope.Error != nil {
			msg = envelope.Error.Code + ": " + envelope.Error.Message
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return fmt.Errorf("unmarshal response: %w", decodeErr)
	}

	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	return nil
}
