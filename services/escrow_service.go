package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/timolein74/ai-art-arena/models"
)

// FeeDenominator is the basis-point scale: 1000/10000 = 10%.
const FeeDenominator = 10000

// PayoutExecutor moves funds out of the escrow account. The concrete client
// is an external collaborator; implementations must honor the idempotency
// key so a retried transfer is never executed twice.
type PayoutExecutor interface {
	ExecuteTransfer(ctx context.Context, recipient string, amount int64, idempotencyKey string) error
	Enabled() bool
}

// EscrowService is the authoritative ledger for fund movement. All mutating
// operations on a given game are serialized: cross-row decisions (open,
// finalize) behind the service mutex, per-row mutations via guarded
// compare-and-set updates on the finalized/count columns.
type EscrowService struct {
	DB       *gorm.DB
	Treasury PayoutExecutor

	EscrowAddress   string
	PlatformAddress string
	EntryFee        int64
	FeeBps          int64
	GameDuration    time.Duration

	mu sync.Mutex
}

func NewEscrowService(db *gorm.DB, treasury PayoutExecutor, escrowAddr, platformAddr string, entryFee, feeBps int64, duration time.Duration) *EscrowService {
	return &EscrowService{
		DB:              db,
		Treasury:        treasury,
		EscrowAddress:   escrowAddr,
		PlatformAddress: platformAddr,
		EntryFee:        entryFee,
		FeeBps:          feeBps,
		GameDuration:    duration,
	}
}

// SplitPool computes the platform fee and winner prize for a pool. Integer
// basis points, fee rounds down; fee + prize always sums exactly to pool.
func (s *EscrowService) SplitPool(pool int64) (platformFee, winnerPrize int64) {
	platformFee = pool * s.FeeBps / FeeDenominator
	winnerPrize = pool - platformFee
	return
}

// CurrentGame returns the highest-id game with calculated fields populated.
func (s *EscrowService) CurrentGame() (*models.Game, error) {
	var game models.Game
	if err := s.DB.Order("id DESC").First(&game).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoGame
		}
		return nil, fmt.Errorf("fetch current game: %w", err)
	}
	now := time.Now().UTC()
	game.TimeRemainingSec = int64(game.TimeRemaining(now) / time.Second)
	game.Active = game.ActiveAt(now)
	return &game, nil
}

// GameByID loads one game; ErrNoGame when absent.
func (s *EscrowService) GameByID(gameID uint64) (*models.Game, error) {
	var game models.Game
	if err := s.DB.First(&game, "id = ?", gameID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoGame
		}
		return nil, fmt.Errorf("fetch game %d: %w", gameID, err)
	}
	return &game, nil
}

// OpenGame creates the next game with start = now, end = now + duration.
// Fails with ErrGameAlreadyActive if the previous game exists and is neither
// finalized nor empty.
func (s *EscrowService) OpenGame(duration time.Duration) (*models.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if duration <= 0 {
		duration = s.GameDuration
	}
	now := time.Now().UTC()

	var game *models.Game
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var prev models.Game
		err := tx.Order("id DESC").First(&prev).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// first game ever
		case err != nil:
			return fmt.Errorf("fetch previous game: %w", err)
		default:
			if !prev.Finalized && prev.EntryCount > 0 {
				return ErrGameAlreadyActive
			}
		}
		game = &models.Game{
			StartTime: now,
			EndTime:   now.Add(duration),
		}
		return tx.Create(game).Error
	})
	if err != nil {
		return nil, err
	}
	log.Printf("✅ [ESCROW] Opened game %d (ends %s)", game.ID, game.EndTime.Format(time.RFC3339))
	return game, nil
}

// RecordEntryDeposit increases pool and entry count atomically. Callers
// invoke it inside the admission transaction so a later failure rolls the
// deposit back together with the entry.
func (s *EscrowService) RecordEntryDeposit(tx *gorm.DB, gameID uint64, amount int64) (position int64, err error) {
	now := time.Now().UTC()

	var game models.Game
	if err := tx.First(&game, "id = ?", gameID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNoGame
		}
		return 0, fmt.Errorf("fetch game %d: %w", gameID, err)
	}
	if game.Finalized {
		return 0, ErrGameAlreadyFinalized
	}
	if !game.ActiveAt(now) {
		return 0, ErrGameNotActive
	}

	// Guarded increment: the finalized check in the WHERE clause makes this
	// safe against a concurrent finalize between the read and the write.
	res := tx.Model(&models.Game{}).
		Where("id = ? AND finalized = ?", gameID, false).
		Updates(map[string]interface{}{
			"prize_pool":  gorm.Expr("prize_pool + ?", amount),
			"entry_count": gorm.Expr("entry_count + 1"),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("record deposit: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, ErrGameAlreadyFinalized
	}

	// The position is the post-increment count, read after the update: a
	// concurrent admission can bump the counter between the read above and
	// this statement, and both callers get distinct positions.
	var count int64
	if err := tx.Model(&models.Game{}).
		Select("entry_count").
		Where("id = ?", gameID).
		Scan(&count).Error; err != nil {
		return 0, fmt.Errorf("read entry count: %w", err)
	}
	return count, nil
}

// Finalize is the single irreversible transition: it computes the fee split,
// records the winner, flips the finalized flag via compare-and-set (only the
// first caller succeeds) and stages the payouts. winnerEntryID nil is valid
// only for the zero-entry case, which finalizes with no payout.
func (s *EscrowService) Finalize(ctx context.Context, gameID uint64, winnerEntryID *string) (*models.Game, error) {
	game, err := s.finalize(gameID, winnerEntryID)
	if err != nil {
		return nil, err
	}

	// Payouts run after the mutex is released: treasury calls are slow
	// network I/O, and OpenGame/EmergencyWithdraw should not queue behind
	// them. The lock covers only the state transition.
	if err := s.ExecutePendingPayouts(ctx, gameID); err != nil {
		// The finalize commit stands; payouts retry with the same
		// idempotency keys on the next scheduler tick.
		log.Printf("❌ [ESCROW] Payout execution for game %d incomplete: %v", gameID, err)
	}

	log.Printf("✅ [ESCROW] Finalized game %d (pool=%d fee=%d prize=%d)", gameID, game.PrizePool, game.PlatformFee, game.WinnerPrize)
	return game, nil
}

func (s *EscrowService) finalize(gameID uint64, winnerEntryID *string) (*models.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	var game models.Game
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&game, "id = ?", gameID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoGame
			}
			return fmt.Errorf("fetch game %d: %w", gameID, err)
		}
		if game.Finalized {
			return ErrGameAlreadyFinalized
		}
		if !game.Ended(now) {
			return ErrGameNotEnded
		}

		updates := map[string]interface{}{
			"finalized":    true,
			"finalized_at": now,
		}

		if winnerEntryID == nil {
			if game.EntryCount > 0 {
				return ErrInvalidWinner
			}
			// Empty-ended game: no winner, no payout, pool stays 0.
		} else {
			if game.EntryCount == 0 {
				return ErrNoEntries
			}
			var winner models.Entry
			if err := tx.First(&winner, "id = ?", *winnerEntryID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrInvalidWinner
				}
				return fmt.Errorf("fetch winner entry: %w", err)
			}
			if winner.GameID != gameID {
				return ErrInvalidWinner
			}

			platformFee, winnerPrize := s.SplitPool(game.PrizePool)
			updates["winner_entry_id"] = *winnerEntryID
			updates["platform_fee"] = platformFee
			updates["winner_prize"] = winnerPrize

			payouts := []models.PayoutRecord{
				{
					ID:             uuid.NewString(),
					GameID:         gameID,
					Kind:           models.PayoutKindWinnerPrize,
					Recipient:      winner.PlayerID,
					Amount:         winnerPrize,
					IdempotencyKey: fmt.Sprintf("game-%d-winner", gameID),
					Status:         models.PayoutStatusPending,
				},
				{
					ID:             uuid.NewString(),
					GameID:         gameID,
					Kind:           models.PayoutKindPlatformFee,
					Recipient:      s.PlatformAddress,
					Amount:         platformFee,
					IdempotencyKey: fmt.Sprintf("game-%d-fee", gameID),
					Status:         models.PayoutStatusPending,
				},
			}
			for i := range payouts {
				if err := tx.Create(&payouts[i]).Error; err != nil {
					return fmt.Errorf("stage payout: %w", err)
				}
			}

			game.WinnerEntryID = winnerEntryID
			game.PlatformFee = platformFee
			game.WinnerPrize = winnerPrize
		}

		// CAS on the finalized flag; a concurrent finalize that committed
		// first leaves zero rows to update.
		res := tx.Model(&models.Game{}).
			Where("id = ? AND finalized = ?", gameID, false).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("finalize game %d: %w", gameID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrGameAlreadyFinalized
		}
		game.Finalized = true
		game.FinalizedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &game, nil
}

// ExecutePendingPayouts pushes every pending payout for a game through the
// treasury. Each record keeps its idempotency key across retries, so a
// transfer confirmed on a previous attempt is a no-op at the treasury.
func (s *EscrowService) ExecutePendingPayouts(ctx context.Context, gameID uint64) error {
	var pending []models.PayoutRecord
	if err := s.DB.Where("game_id = ? AND status = ?", gameID, models.PayoutStatusPending).
		Order("created_at ASC").
		Find(&pending).Error; err != nil {
		return fmt.Errorf("fetch pending payouts: %w", err)
	}

	for i := range pending {
		p := &pending[i]
		if p.Amount == 0 {
			// Nothing to move (e.g. 0% fee on a tiny pool); mark executed.
			now := time.Now().UTC()
			if err := s.DB.Model(p).Updates(map[string]interface{}{
				"status":      models.PayoutStatusExecuted,
				"executed_at": now,
			}).Error; err != nil {
				return fmt.Errorf("mark payout executed: %w", err)
			}
			continue
		}
		if err := s.Treasury.ExecuteTransfer(ctx, p.Recipient, p.Amount, p.IdempotencyKey); err != nil {
			return fmt.Errorf("execute payout %s: %w", p.IdempotencyKey, err)
		}
		now := time.Now().UTC()
		if err := s.DB.Model(p).Updates(map[string]interface{}{
			"status":      models.PayoutStatusExecuted,
			"executed_at": now,
		}).Error; err != nil {
			return fmt.Errorf("mark payout executed: %w", err)
		}
		log.Printf("💸 [ESCROW] Payout %s executed: %d to %s", p.IdempotencyKey, p.Amount, p.Recipient)
	}
	return nil
}

// RetryAllPendingPayouts is invoked by the scheduler tick to finish payouts
// that failed after a finalize committed.
func (s *EscrowService) RetryAllPendingPayouts(ctx context.Context) {
	var gameIDs []uint64
	if err := s.DB.Model(&models.PayoutRecord{}).
		Where("status = ?", models.PayoutStatusPending).
		Distinct("game_id").
		Pluck("game_id", &gameIDs).Error; err != nil {
		log.Printf("❌ [ESCROW] Pending payout scan failed: %v", err)
		return
	}
	for _, id := range gameIDs {
		if err := s.ExecutePendingPayouts(ctx, id); err != nil {
			log.Printf("❌ [ESCROW] Payout retry for game %d failed: %v", id, err)
		}
	}
}

// EmergencyWithdraw moves the given amount from escrow to the platform
// address. Owner-only; refused while an unfinalized game with entries exists.
func (s *EscrowService) EmergencyWithdraw(ctx context.Context, amount int64) (*models.PayoutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var blocked int64
	if err := s.DB.Model(&models.Game{}).
		Where("finalized = ? AND entry_count > 0", false).
		Count(&blocked).Error; err != nil {
		return nil, fmt.Errorf("check unfinalized games: %w", err)
	}
	if blocked > 0 {
		return nil, ErrWithdrawBlocked
	}

	record := &models.PayoutRecord{
		ID:             uuid.NewString(),
		Kind:           models.PayoutKindEmergency,
		Recipient:      s.PlatformAddress,
		Amount:         amount,
		IdempotencyKey: "emergency-" + uuid.NewString(),
		Status:         models.PayoutStatusPending,
	}
	if err := s.DB.Create(record).Error; err != nil {
		return nil, fmt.Errorf("stage emergency withdraw: %w", err)
	}
	if err := s.Treasury.ExecuteTransfer(ctx, record.Recipient, record.Amount, record.IdempotencyKey); err != nil {
		return nil, fmt.Errorf("execute emergency withdraw: %w", err)
	}
	now := time.Now().UTC()
	if err := s.DB.Model(record).Updates(map[string]interface{}{
		"status":      models.PayoutStatusExecuted,
		"executed_at": now,
	}).Error; err != nil {
		return nil, fmt.Errorf("mark emergency withdraw executed: %w", err)
	}
	log.Printf("⚠️ [ESCROW] Emergency withdraw executed: %d to %s", amount, record.Recipient)
	return record, nil
}

// --- Fiber handlers ---

// GetCurrentGame serves GET /game.
func (s *EscrowService) GetCurrentGame(c *fiber.Ctx) error {
	game, err := s.CurrentGame()
	if err != nil {
		return c.Status(StatusForError(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(game)
}

// EmergencyWithdrawHandler serves POST /admin/emergency-withdraw.
func (s *EscrowService) EmergencyWithdrawHandler(c *fiber.Ctx) error {
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON"})
	}
	if req.Amount <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "amount must be > 0"})
	}
	record, err := s.EmergencyWithdraw(c.Context(), req.Amount)
	if err != nil {
		return c.Status(StatusForError(err)).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"message": "emergency withdraw executed", "payout": record})
}
