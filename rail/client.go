package rail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"escrowd/escrow"
)

// Client talks to the external payment rail over its REST API. Every
// mutating call carries the caller-supplied idempotency key so retries of
// the same logical operation collapse server-side. Requests are paced by a
// local rate limiter to stay under the rail's quota.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

// New builds a rail client. rps bounds outbound request throughput; zero
// or negative means a conservative default of 10 requests per second.
func New(baseURL, apiKey string, rps float64) *Client {
	if rps <= 0 {
		rps = 10
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
}

type operationResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Capture captures the buyer's payment hold and returns the charge id.
func (c *Client) Capture(ctx context.Context, req escrow.CaptureRequest) (string, error) {
	return c.post(ctx, "/v1/captures", req.IdempotencyKey, map[string]interface{}{
		"payment_intent": req.PaymentIntent,
		"amount":         req.Amount,
		"currency":       req.Currency,
	})
}

// Transfer moves the seller amount to the destination account.
func (c *Client) Transfer(ctx context.Context, req escrow.TransferRequest) (string, error) {
	return c.post(ctx, "/v1/transfers", req.IdempotencyKey, map[string]interface{}{
		"destination":   req.Destination,
		"amount":        req.Amount,
		"currency":      req.Currency,
		"source_charge": req.SourceCharge,
	})
}

// Payout instructs the destination account to pay out to its linked
// external account.
func (c *Client) Payout(ctx context.Context, req escrow.PayoutRequest) (string, error) {
	return c.post(ctx, "/v1/payouts", req.IdempotencyKey, map[string]interface{}{
		"account":  req.Account,
		"amount":   req.Amount,
		"currency": req.Currency,
	})
}

// Refund reverses (part of) the original charge.
func (c *Client) Refund(ctx context.Context, req escrow.RefundRequest) (string, error) {
	return c.post(ctx, "/v1/refunds", req.IdempotencyKey, map[string]interface{}{
		"charge": req.Charge,
		"amount": req.Amount,
		"reason": req.Reason,
	})
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, payload map[string]interface{}) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rail: rate limit wait: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("rail: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("rail: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("rail: %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("rail: read response: %w", err)
	}
	var decoded operationResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return "", fmt.Errorf("rail: decode response (%d): %w", resp.StatusCode, err)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := decoded.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return "", fmt.Errorf("rail: %s returned %d: %s", path, resp.StatusCode, msg)
	}
	if decoded.ID == "" {
		return "", fmt.Errorf("rail: %s returned no operation id", path)
	}
	return decoded.ID, nil
}
