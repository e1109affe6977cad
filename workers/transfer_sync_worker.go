package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/timolein74/ai-art-arena/models"
	"github.com/timolein74/ai-art-arena/utils"
)

// TransferSyncClient polls the payment source for confirmed transfers into
// the escrow account and mirrors them locally, so most payment verifications
// resolve without a network round trip.
type TransferSyncClient struct {
	BaseURL       string
	Token         string
	EscrowAddress string
	HTTPClient    *http.Client
	DB            *gorm.DB
}

func NewTransferSyncClient(db *gorm.DB, escrowAddress string) *TransferSyncClient {
	baseURL := os.Getenv("PAYMENT_SOURCE_URL")
	if baseURL == "" {
		log.Fatal("PAYMENT_SOURCE_URL environment variable is required")
	}
	token := os.Getenv("PAYMENT_SOURCE_TOKEN")

	return &TransferSyncClient{
		BaseURL:       baseURL,
		Token:         token,
		EscrowAddress: escrowAddress,
		DB:            db,
		HTTPClient:    utils.HTTPClient,
	}
}

// GetChangedTransfers fetches transfers to the escrow address seen since the
// given time.
func (c *TransferSyncClient) GetChangedTransfers(ctx context.Context, since time.Time) ([]models.TransferMirror, error) {
	since = since.UTC()

	u, err := url.Parse(fmt.Sprintf("%s/v1/transfers", c.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}

	q := u.Query()
	q.Set("recipient", c.EscrowAddress)
	q.Set("since", since.Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call payment source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("payment source returned status %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Transfers []models.TransferMirror `json:"transfers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode payment source response: %w", err)
	}

	return response.Transfers, nil
}

// PollTransfers mirrors confirmed escrow deposits into transfer_mirror on a
// fixed interval.
func PollTransfers(ctx context.Context, client *TransferSyncClient, pollInterval time.Duration) {
	log.Println("Starting transfer polling (DB-backed)...")
	lastSyncTime := time.Now().UTC().Add(-24 * time.Hour)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Transfer polling stopped.")
			return
		case <-ticker.C:
			tickTime := time.Now().UTC()

			transfers, err := client.GetChangedTransfers(ctx, lastSyncTime)
			if err != nil {
				log.Printf("❌ Error polling transfers: %v", err)
				continue
			}

			count := len(transfers)
			if count == 0 {
				continue
			}
			log.Printf("📥 Received %d escrow transfer(s) from payment source.", count)

			for i := range transfers {
				transfers[i].ObservedAt = tickTime
			}

			// Bulk upsert keyed on tx_id; confirmations only ever grow.
			if err := client.DB.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{{Name: "tx_id"}},
					DoUpdates: clause.AssignmentColumns([]string{
						"sender",
						"recipient",
						"amount",
						"confirmations",
						"confirmed",
						"observed_at",
						"updated_at",
					}),
				},
			).Create(&transfers).Error; err != nil {
				log.Printf("❌ Failed to upsert %d transfer(s) into transfer_mirror: %v", count, err)
				// Do NOT advance lastSyncTime on failure — retry same window next tick
				continue
			}

			lastSyncTime = tickTime
			log.Printf("✅ Upserted %d transfer(s) into transfer_mirror table.", count)
		}
	}
}
