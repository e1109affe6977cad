package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gosimple/slug"
	"gorm.io/gorm"

	"github.com/timolein74/ai-art-arena/models"
	"github.com/timolein74/ai-art-arena/utils"
)

// SettlementService advances games Active → Ended → Finalized. Both front
// doors — the clock tick and the privileged admin endpoint — funnel into the
// same AttemptFinalize, whose safety under concurrent invocation rests on the
// ledger's single-success finalize.
type SettlementService struct {
	DB     *gorm.DB
	Escrow *EscrowService
	Judge  *JudgeService
}

func NewSettlementService(db *gorm.DB, escrow *EscrowService, judge *JudgeService) *SettlementService {
	return &SettlementService{DB: db, Escrow: escrow, Judge: judge}
}

// AttemptFinalize settles one game and opens the next. Idempotent: an
// already-finalized game is a successful no-op. On any step's failure the
// game state is left untouched and no new game is opened — the error is for
// the operator, not a silent skip.
func (s *SettlementService) AttemptFinalize(ctx context.Context, gameID uint64) (*models.Game, error) {
	game, err := s.Escrow.GameByID(gameID)
	if err != nil {
		return nil, err
	}
	if game.Finalized {
		return game, nil
	}
	now := time.Now().UTC()
	if !game.Ended(now) {
		return nil, ErrGameNotEnded
	}
	if !s.Escrow.Treasury.Enabled() && game.EntryCount > 0 {
		return nil, fmt.Errorf("cannot settle game %d: %w", gameID, ErrServiceUnavailable)
	}

	var winnerID *string
	if game.EntryCount > 0 {
		winner, err := s.Judge.Judge(ctx, gameID)
		if err != nil {
			return nil, err
		}
		winnerID = &winner.ID
	}
	// Empty-ended game finalizes with no winner and no payout.

	settled, err := s.Escrow.Finalize(ctx, gameID, winnerID)
	if errors.Is(err, ErrGameAlreadyFinalized) {
		// Lost the race to the other front door; that is still a settled
		// game, not an error.
		return s.Escrow.GameByID(gameID)
	}
	if err != nil {
		return nil, err
	}

	s.archiveReport(ctx, settled)

	if _, err := s.Escrow.OpenGame(s.Escrow.GameDuration); err != nil {
		if errors.Is(err, ErrGameAlreadyActive) {
			log.Printf("ℹ️ [SETTLEMENT] Next game already open after game %d", gameID)
		} else {
			log.Printf("❌ [SETTLEMENT] Failed to open next game after %d: %v", gameID, err)
		}
	}
	return settled, nil
}

// AttemptFinalizeDue is the clock-driven trigger body: settle the current
// game when its deadline has passed, and finish any payouts left pending by
// an earlier crash.
func (s *SettlementService) AttemptFinalizeDue(ctx context.Context) {
	s.Escrow.RetryAllPendingPayouts(ctx)

	game, err := s.Escrow.CurrentGame()
	if err != nil {
		if errors.Is(err, ErrNoGame) {
			if _, err := s.Escrow.OpenGame(s.Escrow.GameDuration); err != nil {
				log.Printf("❌ [SETTLEMENT] Failed to open first game: %v", err)
			}
			return
		}
		log.Printf("❌ [SETTLEMENT] Current game lookup failed: %v", err)
		return
	}
	if game.Finalized || !game.Ended(time.Now().UTC()) {
		return
	}

	if _, err := s.AttemptFinalize(ctx, game.ID); err != nil {
		// Transient judging/payment failures retry at the next tick with
		// the same inputs; nothing irreversible has happened yet.
		log.Printf("❌ [SETTLEMENT] Finalize attempt for game %d failed: %v", game.ID, err)
	}
}

type settlementReport struct {
	GameID      uint64         `json:"game_id"`
	PrizePool   int64          `json:"prize_pool"`
	PlatformFee int64          `json:"platform_fee"`
	WinnerPrize int64          `json:"winner_prize"`
	EntryCount  int64          `json:"entry_count"`
	FinalizedAt *time.Time     `json:"finalized_at"`
	Winner      *models.Entry  `json:"winner,omitempty"`
	Entries     []models.Entry `json:"entries"`
}

// archiveReport uploads the settlement audit trail to R2. Best effort only:
// an archive failure never un-settles a game.
func (s *SettlementService) archiveReport(ctx context.Context, game *models.Game) {
	if !utils.ArchiveEnabled() {
		return
	}

	report := settlementReport{
		GameID:      game.ID,
		PrizePool:   game.PrizePool,
		PlatformFee: game.PlatformFee,
		WinnerPrize: game.WinnerPrize,
		EntryCount:  game.EntryCount,
		FinalizedAt: game.FinalizedAt,
	}
	if err := s.DB.Where("game_id = ?", game.ID).
		Order("submitted_at ASC").
		Find(&report.Entries).Error; err != nil {
		log.Printf("❌ [SETTLEMENT] Report query for game %d failed: %v", game.ID, err)
		return
	}
	keySuffix := "no-winner"
	if game.WinnerEntryID != nil {
		for i := range report.Entries {
			if report.Entries[i].ID == *game.WinnerEntryID {
				report.Winner = &report.Entries[i]
				if report.Winner.Title != "" {
					keySuffix = slug.Make(report.Winner.Title)
				} else {
					keySuffix = "untitled"
				}
				break
			}
		}
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Printf("❌ [SETTLEMENT] Report encode for game %d failed: %v", game.ID, err)
		return
	}
	key := fmt.Sprintf("settlements/game-%d-%s.json", game.ID, keySuffix)
	url, err := utils.UploadReport(ctx, key, data)
	if err != nil {
		log.Printf("❌ [SETTLEMENT] Report upload for game %d failed: %v", game.ID, err)
		return
	}
	log.Printf("📄 [SETTLEMENT] Report for game %d archived: %s", game.ID, url)
}

// --- Fiber handlers (privileged) ---

// ManualFinalize serves POST /admin/finalize. Same funnel as the clock
// trigger, but settlement precondition violations surface as hard errors.
func (s *SettlementService) ManualFinalize(c *fiber.Ctx) error {
	var req struct {
		GameID uint64 `json:"game_id"`
	}
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON"})
	}

	gameID := req.GameID
	if gameID == 0 {
		game, err := s.Escrow.CurrentGame()
		if err != nil {
			return c.Status(StatusForError(err)).JSON(fiber.Map{"error": err.Error()})
		}
		gameID = game.ID
	}

	game, err := s.AttemptFinalize(c.Context(), gameID)
	if err != nil {
		return c.Status(StatusForError(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"message": "game settled", "game": game})
}

// ManualOpen serves POST /admin/open.
func (s *SettlementService) ManualOpen(c *fiber.Ctx) error {
	var req struct {
		DurationHours int `json:"duration_hours"`
	}
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON"})
	}

	duration := time.Duration(req.DurationHours) * time.Hour
	game, err := s.Escrow.OpenGame(duration)
	if err != nil {
		return c.Status(StatusForError(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(game)
}
