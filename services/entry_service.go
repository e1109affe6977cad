package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/timolein74/ai-art-arena/models"
)

// EntryService admits submissions into the current game: one entry per
// (game, player), paid for by exactly one verified proof of payment.
type EntryService struct {
	DB       *gorm.DB
	Escrow   *EscrowService
	Verifier *PaymentVerifier
}

func NewEntryService(db *gorm.DB, escrow *EscrowService, verifier *PaymentVerifier) *EntryService {
	return &EntryService{DB: db, Escrow: escrow, Verifier: verifier}
}

// Admit runs the full admission: active-game check, duplicate check, payment
// verification (network I/O, no locks held), then one transaction spanning
// proof consumption, deposit and entry insert. A verifier success followed by
// a ledger failure rolls the consumption back — no consumed proof is ever
// left without a recorded entry.
func (s *EntryService) Admit(ctx context.Context, gameID uint64, playerID, contentRef, title, proofRef string) (*models.Entry, error) {
	game, err := s.Escrow.GameByID(gameID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if !game.ActiveAt(now) {
		return nil, ErrGameNotActive
	}

	var count int64
	if err := s.DB.Model(&models.Entry{}).
		Where("game_id = ? AND player_id = ?", gameID, playerID).
		Count(&count).Error; err != nil {
		return nil, fmt.Errorf("check prior entry: %w", err)
	}
	if count > 0 {
		return nil, ErrAlreadyEntered
	}

	if _, err := s.Verifier.Verify(ctx, proofRef, playerID, s.Escrow.EntryFee); err != nil {
		if errors.Is(err, ErrProofAlreadyConsumed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrPaymentVerificationFailed, err)
	}

	entry := &models.Entry{
		ID:              uuid.NewString(),
		GameID:          gameID,
		PlayerID:        playerID,
		ContentRef:      contentRef,
		Title:           title,
		PaymentProofRef: proofRef,
		SubmittedAt:     now,
	}

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		if err := s.Verifier.ConsumeProof(tx, proofRef, entry.ID); err != nil {
			return err
		}
		position, err := s.Escrow.RecordEntryDeposit(tx, gameID, s.Escrow.EntryFee)
		if err != nil {
			return err
		}
		entry.Position = position
		if err := tx.Create(entry).Error; err != nil {
			// The composite unique index on (game_id, player_id) is the
			// serialization point for concurrent submits by one player.
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyEntered
			}
			return fmt.Errorf("create entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("✅ [ENTRIES] Admitted entry %s (game %d, player %s, position %d)", entry.ID, gameID, playerID, entry.Position)
	return entry, nil
}

// EntriesForGame returns a game's entries in admission order.
func (s *EntryService) EntriesForGame(gameID uint64) ([]models.Entry, error) {
	var entries []models.Entry
	if err := s.DB.Where("game_id = ?", gameID).
		Order("submitted_at ASC, position ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("fetch entries for game %d: %w", gameID, err)
	}
	return entries, nil
}

// --- Fiber handlers ---

// Submit serves POST /submit.
func (s *EntryService) Submit(c *fiber.Ctx) error {
	var req struct {
		ContentRef      string `json:"content_ref"`
		Title           string `json:"title"`
		Player          string `json:"player"`
		PaymentProofRef string `json:"payment_proof_ref"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if req.ContentRef == "" || req.Player == "" || req.PaymentProofRef == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "content_ref, player and payment_proof_ref are required"})
	}

	game, err := s.Escrow.CurrentGame()
	if err != nil {
		return c.Status(StatusForError(err)).JSON(fiber.Map{"error": err.Error()})
	}

	entry, err := s.Admit(c.Context(), game.ID, req.Player, req.ContentRef, req.Title, req.PaymentProofRef)
	if err != nil {
		return c.Status(StatusForError(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"entry_id": entry.ID,
		"game_id":  entry.GameID,
		"position": entry.Position,
	})
}

// CreatePaymentIntent serves POST /pay: quotes the fixed entry fee and the
// escrow address for a player who has not yet entered the active game.
func (s *EntryService) CreatePaymentIntent(c *fiber.Ctx) error {
	var req struct {
		Player string `json:"player"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON"})
	}
	if req.Player == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "player is required"})
	}

	game, err := s.Escrow.CurrentGame()
	if err != nil {
		return c.Status(StatusForError(err)).JSON(fiber.Map{"error": err.Error()})
	}
	if !game.ActiveAt(time.Now().UTC()) {
		return c.Status(StatusForError(ErrGameNotActive)).JSON(fiber.Map{"error": ErrGameNotActive.Error()})
	}

	var count int64
	if err := s.DB.Model(&models.Entry{}).
		Where("game_id = ? AND player_id = ?", game.ID, req.Player).
		Count(&count).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	if count > 0 {
		return c.Status(StatusForError(ErrAlreadyEntered)).JSON(fiber.Map{"error": ErrAlreadyEntered.Error()})
	}

	return c.JSON(fiber.Map{
		"game_id":    game.ID,
		"amount":     s.Escrow.EntryFee,
		"recipient":  s.Escrow.EscrowAddress,
		"expires_at": game.EndTime,
	})
}

// Leaderboard serves GET /leaderboard: ordered entries for the current (or
// most recent) game, scores included once judged.
func (s *EntryService) Leaderboard(c *fiber.Ctx) error {
	game, err := s.Escrow.CurrentGame()
	if err != nil {
		return c.Status(StatusForError(err)).JSON(fiber.Map{"error": err.Error()})
	}

	var entries []models.Entry
	if err := s.DB.Where("game_id = ?", game.ID).
		Order("score_total IS NULL, score_total DESC, submitted_at ASC").
		Find(&entries).Error; err != nil {
		log.Printf("ERROR fetching leaderboard for game %d: %v", game.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch leaderboard"})
	}

	return c.JSON(fiber.Map{
		"game":    game,
		"entries": entries,
	})
}
