package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/timolein74/ai-art-arena/models"
)

func newSourceClient(srv *httptest.Server) *PaymentSourceClient {
	c := NewPaymentSourceClient(srv.URL, "test-token")
	c.Backoff = time.Millisecond
	return c
}

func TestPaymentSourceClientNotFoundIsDefinitive(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := newSourceClient(srv)
	if _, err := client.GetTransfer(context.Background(), "tx-missing"); !errors.Is(err, ErrProofNotFound) {
		t.Fatalf("GetTransfer = %v, want ErrProofNotFound", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("404 retried %d times, want a single attempt", got)
	}
}

func TestPaymentSourceClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(TransferInfo{
			TxID:          "tx-1",
			Recipient:     "escrow-addr",
			Amount:        testEntryFee,
			Confirmations: 3,
			Confirmed:     true,
		})
	}))
	defer srv.Close()

	client := newSourceClient(srv)
	info, err := client.GetTransfer(context.Background(), "tx-1")
	if err != nil {
		t.Fatalf("GetTransfer after retries: %v", err)
	}
	if info.Amount != testEntryFee || !info.Confirmed {
		t.Errorf("unexpected transfer: %+v", info)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server hit %d times, want 3", got)
	}
}

func TestPaymentSourceClientExhaustsAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := newSourceClient(srv)
	if _, err := client.GetTransfer(context.Background(), "tx-1"); err == nil {
		t.Fatal("GetTransfer succeeded against a dead source")
	}
}

func TestVerifyIsIdempotentForValidProof(t *testing.T) {
	db := setupDB(t)
	var calls atomic.Int64
	source := &countingSource{
		inner: &stubSource{transfers: map[string]*TransferInfo{
			"tx-1": confirmedTransfer("tx-1", "alice", testEntryFee),
		}},
		calls: &calls,
	}
	verifier := NewPaymentVerifier(db, source, "escrow-addr", 1)

	for i := 0; i < 3; i++ {
		amount, err := verifier.Verify(context.Background(), "tx-1", "alice", testEntryFee)
		if err != nil {
			t.Fatalf("verify #%d: %v", i+1, err)
		}
		if amount != testEntryFee {
			t.Errorf("verify #%d amount = %d, want %d", i+1, amount, testEntryFee)
		}
	}
	// Only the first verification reaches the source.
	if got := calls.Load(); got != 1 {
		t.Errorf("source called %d times, want 1", got)
	}
}

func TestVerifyNeverRevalidatesConsumedProof(t *testing.T) {
	db := setupDB(t)
	source := &stubSource{transfers: map[string]*TransferInfo{
		"tx-1": confirmedTransfer("tx-1", "alice", testEntryFee),
	}}
	verifier := NewPaymentVerifier(db, source, "escrow-addr", 1)

	if _, err := verifier.Verify(context.Background(), "tx-1", "alice", testEntryFee); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := verifier.ConsumeProof(db, "tx-1", "entry-1"); err != nil {
		t.Fatalf("consume: %v", err)
	}

	// Consumed is terminal, even though the source still vouches for it.
	if _, err := verifier.Verify(context.Background(), "tx-1", "bob", testEntryFee); !errors.Is(err, ErrProofAlreadyConsumed) {
		t.Fatalf("verify consumed proof = %v, want ErrProofAlreadyConsumed", err)
	}
	if err := verifier.ConsumeProof(db, "tx-1", "entry-2"); !errors.Is(err, ErrProofAlreadyConsumed) {
		t.Fatalf("double consume = %v, want ErrProofAlreadyConsumed", err)
	}

	var proof models.PaymentProof
	if err := db.First(&proof, "ref = ?", "tx-1").Error; err != nil {
		t.Fatalf("reload proof: %v", err)
	}
	if proof.Status != models.ProofStatusConsumed || proof.EntryID == nil || *proof.EntryID != "entry-1" {
		t.Errorf("proof = %+v, want consumed by entry-1", proof)
	}
}

func TestVerifyRequiresMinConfirmations(t *testing.T) {
	db := setupDB(t)
	source := &stubSource{transfers: map[string]*TransferInfo{
		"tx-1": {TxID: "tx-1", Recipient: "escrow-addr", Amount: testEntryFee, Confirmations: 2, Confirmed: true},
	}}
	verifier := NewPaymentVerifier(db, source, "escrow-addr", 6)

	if _, err := verifier.Verify(context.Background(), "tx-1", "alice", testEntryFee); !errors.Is(err, ErrTransferNotConfirmed) {
		t.Fatalf("verify = %v, want ErrTransferNotConfirmed", err)
	}
}

func TestVerifyPrefersConfirmedMirror(t *testing.T) {
	db := setupDB(t)
	// Live source is down; the sync worker's mirror already has the transfer.
	source := &failingSource{}
	verifier := NewPaymentVerifier(db, source, "escrow-addr", 1)

	mirror := models.TransferMirror{
		TxID:          "tx-1",
		Sender:        "alice",
		Recipient:     "escrow-addr",
		Amount:        testEntryFee,
		Confirmations: 9,
		Confirmed:     true,
	}
	if err := db.Create(&mirror).Error; err != nil {
		t.Fatalf("seed mirror: %v", err)
	}

	amount, err := verifier.Verify(context.Background(), "tx-1", "alice", testEntryFee)
	if err != nil {
		t.Fatalf("verify from mirror: %v", err)
	}
	if amount != testEntryFee {
		t.Errorf("amount = %d, want %d", amount, testEntryFee)
	}
}

func TestVerifyFallsBackToLiveSourceForUnconfirmedMirror(t *testing.T) {
	db := setupDB(t)
	source := &stubSource{transfers: map[string]*TransferInfo{
		"tx-1": confirmedTransfer("tx-1", "alice", testEntryFee),
	}}
	verifier := NewPaymentVerifier(db, source, "escrow-addr", 1)

	// Stale mirror row from before the transfer confirmed.
	mirror := models.TransferMirror{
		TxID:      "tx-1",
		Recipient: "escrow-addr",
		Amount:    testEntryFee,
		Confirmed: false,
	}
	if err := db.Create(&mirror).Error; err != nil {
		t.Fatalf("seed mirror: %v", err)
	}

	if _, err := verifier.Verify(context.Background(), "tx-1", "alice", testEntryFee); err != nil {
		t.Fatalf("verify via live fallback: %v", err)
	}
}

type countingSource struct {
	inner TransferSource
	calls *atomic.Int64
}

func (c *countingSource) GetTransfer(ctx context.Context, txID string) (*TransferInfo, error) {
	c.calls.Add(1)
	return c.inner.GetTransfer(ctx, txID)
}

type failingSource struct{}

func (failingSource) GetTransfer(context.Context, string) (*TransferInfo, error) {
	return nil, fmt.Errorf("payment source unreachable")
}
