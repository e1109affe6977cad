package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/timolein74/ai-art-arena/models"
)

// TransferInfo is the payment source's view of one transfer.
type TransferInfo struct {
	TxID          string `json:"tx_id"`
	Sender        string `json:"sender"`
	Recipient     string `json:"recipient"`
	Amount        int64  `json:"amount"`
	Confirmations int64  `json:"confirmations"`
	Confirmed     bool   `json:"confirmed"`
}

// TransferSource fetches transfers from the authoritative payment source.
// Implementations return ErrProofNotFound when the reference is unknown.
type TransferSource interface {
	GetTransfer(ctx context.Context, txID string) (*TransferInfo, error)
}

// PaymentSourceClient talks to the payment indexer over HTTP with a bounded
// timeout and retry with backoff. The request de-duplication key is the
// transfer id itself, so retries are idempotent.
type PaymentSourceClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client

	MaxAttempts int
	Backoff     time.Duration
}

func NewPaymentSourceClient(baseURL, token string) *PaymentSourceClient {
	return &PaymentSourceClient{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		MaxAttempts: 3,
		Backoff:     500 * time.Millisecond,
	}
}

func (c *PaymentSourceClient) GetTransfer(ctx context.Context, txID string) (*TransferInfo, error) {
	var lastErr error
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.Backoff * time.Duration(attempt-1)):
			}
		}
		info, err := c.fetchOnce(ctx, txID)
		if err == nil {
			return info, nil
		}
		// Definitive answers are not retried.
		if errors.Is(err, ErrProofNotFound) {
			return nil, err
		}
		lastErr = err
		log.Printf("❌ [PAYMENTS] Fetch transfer %s attempt %d/%d failed: %v", txID, attempt, c.MaxAttempts, err)
	}
	return nil, lastErr
}

func (c *PaymentSourceClient) fetchOnce(ctx context.Context, txID string) (*TransferInfo, error) {
	url := fmt.Sprintf("%s/v1/transfers/%s", c.BaseURL, txID)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call payment source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrProofNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("payment source returned %d: %s", resp.StatusCode, string(body))
	}

	var info TransferInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode transfer: %w", err)
	}
	return &info, nil
}

// PaymentVerifier confirms that a claimed proof of payment corresponds to a
// confirmed transfer of at least the entry fee into the escrow account, and
// that the proof has not been used before.
type PaymentVerifier struct {
	DB     *gorm.DB
	Source TransferSource

	EscrowAddress    string
	MinConfirmations int64
}

func NewPaymentVerifier(db *gorm.DB, source TransferSource, escrowAddr string, minConfs int64) *PaymentVerifier {
	if minConfs <= 0 {
		minConfs = 1
	}
	return &PaymentVerifier{
		DB:               db,
		Source:           source,
		EscrowAddress:    escrowAddr,
		MinConfirmations: minConfs,
	}
}

// Verify checks the referenced transfer and records the proof as valid.
// Amounts greater than expected are accepted without refund — deliberate
// policy, the surplus stays in escrow. The proof is consumed later, inside
// the admission transaction, never here.
func (v *PaymentVerifier) Verify(ctx context.Context, proofRef, playerID string, expectedAmount int64) (canonicalAmount int64, err error) {
	var existing models.PaymentProof
	switch err := v.DB.First(&existing, "ref = ?", proofRef).Error; {
	case err == nil:
		if existing.Status == models.ProofStatusConsumed {
			return 0, ErrProofAlreadyConsumed
		}
		if existing.Status == models.ProofStatusValid {
			// Already verified; idempotent to retries.
			return existing.Amount, nil
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return 0, fmt.Errorf("fetch proof: %w", err)
	}

	info, err := v.lookupTransfer(ctx, proofRef)
	if err != nil {
		return 0, err
	}
	if !info.Confirmed || info.Confirmations < v.MinConfirmations {
		return 0, ErrTransferNotConfirmed
	}
	if info.Recipient != v.EscrowAddress {
		return 0, ErrWrongRecipient
	}
	if info.Amount < expectedAmount {
		return 0, ErrInsufficientAmount
	}

	now := time.Now().UTC()
	proof := models.PaymentProof{
		Ref:        proofRef,
		PlayerID:   playerID,
		Amount:     info.Amount,
		Status:     models.ProofStatusValid,
		VerifiedAt: &now,
	}
	// Upsert guarded on status: never resurrect a consumed proof.
	res := v.DB.Model(&models.PaymentProof{}).
		Where("ref = ? AND status IN ?", proofRef, []models.ProofStatus{models.ProofStatusUnverified, models.ProofStatusInvalid}).
		Updates(map[string]interface{}{
			"player_id":   playerID,
			"amount":      info.Amount,
			"status":      models.ProofStatusValid,
			"verified_at": now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("record proof: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if err := v.DB.Create(&proof).Error; err != nil {
			// Lost the race to another verification of the same ref.
			var again models.PaymentProof
			if ferr := v.DB.First(&again, "ref = ?", proofRef).Error; ferr == nil {
				if again.Status == models.ProofStatusConsumed {
					return 0, ErrProofAlreadyConsumed
				}
				return again.Amount, nil
			}
			return 0, fmt.Errorf("record proof: %w", err)
		}
	}
	return info.Amount, nil
}

// ConsumeProof flips valid → consumed inside the caller's transaction. The
// guarded update is the replay-protection point: only one admission can win.
func (v *PaymentVerifier) ConsumeProof(tx *gorm.DB, proofRef, entryID string) error {
	now := time.Now().UTC()
	res := tx.Model(&models.PaymentProof{}).
		Where("ref = ? AND status = ?", proofRef, models.ProofStatusValid).
		Updates(map[string]interface{}{
			"status":      models.ProofStatusConsumed,
			"consumed_at": now,
			"entry_id":    entryID,
		})
	if res.Error != nil {
		return fmt.Errorf("consume proof: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrProofAlreadyConsumed
	}
	return nil
}

// lookupTransfer prefers the local mirror (fed by the sync worker) and falls
// back to a live fetch so verification works before the next poll lands.
func (v *PaymentVerifier) lookupTransfer(ctx context.Context, txID string) (*TransferInfo, error) {
	var mirrored models.TransferMirror
	if err := v.DB.First(&mirrored, "tx_id = ?", txID).Error; err == nil && mirrored.Confirmed {
		return &TransferInfo{
			TxID:          mirrored.TxID,
			Sender:        mirrored.Sender,
			Recipient:     mirrored.Recipient,
			Amount:        mirrored.Amount,
			Confirmations: mirrored.Confirmations,
			Confirmed:     mirrored.Confirmed,
		}, nil
	}
	return v.Source.GetTransfer(ctx, txID)
}
