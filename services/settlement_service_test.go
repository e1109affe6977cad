package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/timolein74/ai-art-arena/models"
)

func newTestSettlement(t *testing.T, db *gorm.DB, treasury PayoutExecutor, scorer ScoringClient) (*SettlementService, *EscrowService) {
	t.Helper()
	escrow := newTestEscrow(t, db, treasury)
	judge := NewJudgeService(db, escrow, scorer)
	return NewSettlementService(db, escrow, judge), escrow
}

func TestSettleEmptyGame(t *testing.T) {
	db := setupDB(t)
	settlement, escrow := newTestSettlement(t, db, nil, &stubScorer{err: errors.New("must not be called")})

	game, err := escrow.OpenGame(time.Hour)
	if err != nil {
		t.Fatalf("open game: %v", err)
	}
	endGame(t, db, game.ID)

	settled, err := settlement.AttemptFinalize(context.Background(), game.ID)
	if err != nil {
		t.Fatalf("settle empty game: %v", err)
	}
	if !settled.Finalized {
		t.Error("game not finalized")
	}
	if settled.WinnerEntryID != nil {
		t.Errorf("winner = %v, want none", *settled.WinnerEntryID)
	}
	if settled.PrizePool != 0 || settled.PlatformFee != 0 || settled.WinnerPrize != 0 {
		t.Errorf("pool=%d fee=%d prize=%d, want all zero", settled.PrizePool, settled.PlatformFee, settled.WinnerPrize)
	}

	var payouts int64
	if err := db.Model(&models.PayoutRecord{}).Count(&payouts).Error; err != nil {
		t.Fatalf("count payouts: %v", err)
	}
	if payouts != 0 {
		t.Errorf("%d payout records for an empty game, want 0", payouts)
	}

	// The next game opened automatically.
	next, err := escrow.CurrentGame()
	if err != nil {
		t.Fatalf("current game: %v", err)
	}
	if next.ID == game.ID || !next.ActiveAt(time.Now().UTC()) {
		t.Errorf("expected a fresh active game after settlement, got game %d", next.ID)
	}
}

func TestSettleEndToEnd(t *testing.T) {
	db := setupDB(t)
	treasury := newFakeTreasury()
	scorer := &stubScorer{scores: []EntryScore{
		{Index: 0, Creativity: 6, Technique: 6, Adherence: 6, Rationale: "fine"},
		{Index: 1, Creativity: 9, Technique: 9, Adherence: 9, Rationale: "superb"},
	}}
	settlement, escrow := newTestSettlement(t, db, treasury, scorer)

	game, err := escrow.OpenGame(time.Hour)
	if err != nil {
		t.Fatalf("open game: %v", err)
	}
	base := time.Now().UTC().Add(-2 * time.Hour)
	addEntry(t, db, escrow, game.ID, "alice", "entry-1", base)
	winnerEntry := addEntry(t, db, escrow, game.ID, "bob", "entry-2", base.Add(time.Minute))
	endGame(t, db, game.ID)

	settled, err := settlement.AttemptFinalize(context.Background(), game.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if settled.WinnerEntryID == nil || *settled.WinnerEntryID != winnerEntry.ID {
		t.Fatalf("winner = %v, want %s", settled.WinnerEntryID, winnerEntry.ID)
	}

	// Pool of 100000 splits 10000 fee / 90000 prize, both paid out.
	if settled.PlatformFee != 10000 || settled.WinnerPrize != 90000 {
		t.Errorf("fee=%d prize=%d, want 10000/90000", settled.PlatformFee, settled.WinnerPrize)
	}
	if amt, ok := treasury.amountFor(fmt.Sprintf("game-%d-winner", game.ID)); !ok || amt != 90000 {
		t.Errorf("winner payout = %d (found %v), want 90000", amt, ok)
	}
	if amt, ok := treasury.amountFor(fmt.Sprintf("game-%d-fee", game.ID)); !ok || amt != 10000 {
		t.Errorf("fee payout = %d (found %v), want 10000", amt, ok)
	}
}

func TestSettleIdempotent(t *testing.T) {
	db := setupDB(t)
	treasury := newFakeTreasury()
	settlement, escrow := newTestSettlement(t, db, treasury, &stubScorer{err: errors.New("must not be called")})

	game, err := escrow.OpenGame(time.Hour)
	if err != nil {
		t.Fatalf("open game: %v", err)
	}
	addEntry(t, db, escrow, game.ID, "alice", "entry-1", time.Now().UTC().Add(-time.Hour))
	endGame(t, db, game.ID)

	first, err := settlement.AttemptFinalize(context.Background(), game.ID)
	if err != nil {
		t.Fatalf("first settle: %v", err)
	}
	second, err := settlement.AttemptFinalize(context.Background(), game.ID)
	if err != nil {
		t.Fatalf("repeat settle: %v", err)
	}
	if second.FinalizedAt == nil || first.FinalizedAt == nil || !second.FinalizedAt.Equal(*first.FinalizedAt) {
		t.Error("repeat settle changed the finalize timestamp")
	}

	key := fmt.Sprintf("game-%d-winner", game.ID)
	if amt, ok := treasury.amountFor(key); !ok || amt != 45000 {
		t.Errorf("winner payout = %d (found %v), want 45000 exactly once", amt, ok)
	}
}

func TestSettleBeforeDeadline(t *testing.T) {
	db := setupDB(t)
	settlement, escrow := newTestSettlement(t, db, nil, &stubScorer{})

	game, err := escrow.OpenGame(time.Hour)
	if err != nil {
		t.Fatalf("open game: %v", err)
	}

	if _, err := settlement.AttemptFinalize(context.Background(), game.ID); !errors.Is(err, ErrGameNotEnded) {
		t.Fatalf("settle running game = %v, want ErrGameNotEnded", err)
	}
}

func TestSettleJudgingFailureLeavesGameOpenForRetry(t *testing.T) {
	db := setupDB(t)
	scorer := &stubScorer{err: errors.New("model overloaded")}
	settlement, escrow := newTestSettlement(t, db, nil, scorer)

	game, err := escrow.OpenGame(time.Hour)
	if err != nil {
		t.Fatalf("open game: %v", err)
	}
	base := time.Now().UTC().Add(-2 * time.Hour)
	addEntry(t, db, escrow, game.ID, "alice", "entry-1", base)
	addEntry(t, db, escrow, game.ID, "bob", "entry-2", base.Add(time.Minute))
	endGame(t, db, game.ID)

	if _, err := settlement.AttemptFinalize(context.Background(), game.ID); !errors.Is(err, ErrJudgingUnavailable) {
		t.Fatalf("settle = %v, want ErrJudgingUnavailable", err)
	}

	// Nothing irreversible: game unfinalized, no new game opened.
	reloaded, err := escrow.GameByID(game.ID)
	if err != nil {
		t.Fatalf("reload game: %v", err)
	}
	if reloaded.Finalized {
		t.Error("game finalized despite judging failure")
	}
	current, err := escrow.CurrentGame()
	if err != nil {
		t.Fatalf("current game: %v", err)
	}
	if current.ID != game.ID {
		t.Errorf("new game %d opened despite failed settlement", current.ID)
	}

	// Next tick with a healthy backend succeeds.
	scorer.err = nil
	scorer.scores = []EntryScore{
		{Index: 0, Creativity: 7, Technique: 7, Adherence: 7},
		{Index: 1, Creativity: 5, Technique: 5, Adherence: 5},
	}
	settled, err := settlement.AttemptFinalize(context.Background(), game.ID)
	if err != nil {
		t.Fatalf("retry settle: %v", err)
	}
	if settled.WinnerEntryID == nil || *settled.WinnerEntryID != "entry-1" {
		t.Errorf("winner = %v, want entry-1", settled.WinnerEntryID)
	}
}

func TestSettleFailsFastWithoutTreasury(t *testing.T) {
	db := setupDB(t)
	// Real treasury client with no credentials: payouts disabled.
	settlement, escrow := newTestSettlement(t, db, NewTreasuryClient("", ""), &stubScorer{})

	game, err := escrow.OpenGame(time.Hour)
	if err != nil {
		t.Fatalf("open game: %v", err)
	}
	addEntry(t, db, escrow, game.ID, "alice", "entry-1", time.Now().UTC().Add(-time.Hour))
	endGame(t, db, game.ID)

	if _, err := settlement.AttemptFinalize(context.Background(), game.ID); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("settle = %v, want ErrServiceUnavailable", err)
	}
}

func TestFinalizeDueOpensFirstGame(t *testing.T) {
	db := setupDB(t)
	settlement, escrow := newTestSettlement(t, db, nil, &stubScorer{})

	// Cold start: no game yet; the tick bootstraps one.
	settlement.AttemptFinalizeDue(context.Background())

	game, err := escrow.CurrentGame()
	if err != nil {
		t.Fatalf("current game after tick: %v", err)
	}
	if !game.ActiveAt(time.Now().UTC()) {
		t.Error("bootstrapped game not active")
	}
}

func TestFinalizeDueSettlesEndedGame(t *testing.T) {
	db := setupDB(t)
	treasury := newFakeTreasury()
	settlement, escrow := newTestSettlement(t, db, treasury, &stubScorer{err: errors.New("must not be called")})

	game, err := escrow.OpenGame(time.Hour)
	if err != nil {
		t.Fatalf("open game: %v", err)
	}
	addEntry(t, db, escrow, game.ID, "alice", "entry-1", time.Now().UTC().Add(-time.Hour))
	endGame(t, db, game.ID)

	settlement.AttemptFinalizeDue(context.Background())

	reloaded, err := escrow.GameByID(game.ID)
	if err != nil {
		t.Fatalf("reload game: %v", err)
	}
	if !reloaded.Finalized {
		t.Error("due game not finalized by the tick body")
	}
	if _, ok := treasury.amountFor(fmt.Sprintf("game-%d-winner", game.ID)); !ok {
		t.Error("winner payout not executed by the tick body")
	}
}

func TestFinalizeDueRetriesPendingPayouts(t *testing.T) {
	db := setupDB(t)
	treasury := newFakeTreasury()
	settlement, escrow := newTestSettlement(t, db, treasury, &stubScorer{err: errors.New("must not be called")})

	game, err := escrow.OpenGame(time.Hour)
	if err != nil {
		t.Fatalf("open game: %v", err)
	}
	addEntry(t, db, escrow, game.ID, "alice", "entry-1", time.Now().UTC().Add(-time.Hour))
	endGame(t, db, game.ID)

	// Treasury down at finalize time: game settles, payouts stay pending.
	treasury.failNext = true
	settled, err := settlement.AttemptFinalize(context.Background(), game.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !settled.Finalized {
		t.Fatal("game not finalized")
	}

	var pending int64
	if err := db.Model(&models.PayoutRecord{}).
		Where("status = ?", models.PayoutStatusPending).
		Count(&pending).Error; err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending == 0 {
		t.Fatal("expected pending payouts after treasury failure")
	}

	// Next tick drains them with the original idempotency keys.
	settlement.AttemptFinalizeDue(context.Background())

	if err := db.Model(&models.PayoutRecord{}).
		Where("status = ?", models.PayoutStatusPending).
		Count(&pending).Error; err != nil {
		t.Fatalf("recount pending: %v", err)
	}
	if pending != 0 {
		t.Errorf("%d payouts still pending after retry tick, want 0", pending)
	}
	if amt, ok := treasury.amountFor(fmt.Sprintf("game-%d-winner", game.ID)); !ok || amt != 45000 {
		t.Errorf("winner payout = %d (found %v), want 45000", amt, ok)
	}
}
