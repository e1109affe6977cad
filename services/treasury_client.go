package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// TreasuryClient executes outbound transfers from the escrow account through
// the treasury service. When credentials are missing at startup the client is
// disabled and every transfer fails fast instead of guessing.
type TreasuryClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client

	disabled bool
}

func NewTreasuryClient(baseURL, token string) *TreasuryClient {
	c := &TreasuryClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	if baseURL == "" || token == "" {
		log.Println("⚠️  Treasury credentials not set — payouts disabled, finalize will fail fast")
		c.disabled = true
	}
	return c
}

func (c *TreasuryClient) Enabled() bool {
	return !c.disabled
}

// ExecuteTransfer submits one transfer. The Idempotency-Key header makes
// retries safe: the treasury answers 409 for a key it already executed,
// which is treated as success.
func (c *TreasuryClient) ExecuteTransfer(ctx context.Context, recipient string, amount int64, idempotencyKey string) error {
	if c.disabled {
		return ErrServiceUnavailable
	}

	reqBody := map[string]interface{}{
		"recipient": recipient,
		"amount":    amount,
	}
	jsonData, _ := json.Marshal(reqBody)

	url := fmt.Sprintf("%s/v1/transfers", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("build transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("call treasury: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusConflict:
		// Key already executed on a previous attempt.
		log.Printf("ℹ️ [TREASURY] Transfer %s was already executed", idempotencyKey)
		return nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("treasury returned %d: %s", resp.StatusCode, string(body))
	}
}
