package models

import (
	"time"
)

// Game is the per-round escrow record. Exactly one game is "current" (highest
// id) at any time; new games are only opened by the settlement scheduler.
type Game struct {
	ID         uint64    `json:"id" gorm:"primaryKey;autoIncrement"`
	StartTime  time.Time `json:"start_time" gorm:"not null"`
	EndTime    time.Time `json:"end_time" gorm:"not null;index"`
	EntryCount int64     `json:"entry_count" gorm:"not null;default:0"`
	// PrizePool is the sum of recorded entry deposits, in smallest currency
	// units (6-decimal USDC: 50000 = $0.05).
	PrizePool int64 `json:"prize_pool" gorm:"not null;default:0"`

	Finalized     bool       `json:"finalized" gorm:"not null;default:false"`
	FinalizedAt   *time.Time `json:"finalized_at,omitempty"`
	WinnerEntryID *string    `json:"winner_entry_id,omitempty" gorm:"type:uuid"`
	// PlatformFee + WinnerPrize == PrizePool once finalized.
	PlatformFee int64 `json:"platform_fee" gorm:"not null;default:0"`
	WinnerPrize int64 `json:"winner_prize" gorm:"not null;default:0"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	// Calculated fields (not stored in DB)
	TimeRemainingSec int64 `json:"time_remaining_sec" gorm:"-"`
	Active           bool  `json:"active" gorm:"-"`
}

// ActiveAt reports whether now falls inside the submission window of an
// unfinalized game.
func (g *Game) ActiveAt(now time.Time) bool {
	return !g.Finalized && !now.Before(g.StartTime) && now.Before(g.EndTime)
}

// TimeRemaining is max(0, end - now).
func (g *Game) TimeRemaining(now time.Time) time.Duration {
	if now.After(g.EndTime) {
		return 0
	}
	return g.EndTime.Sub(now)
}

// Ended reports whether the submission window has closed.
func (g *Game) Ended(now time.Time) bool {
	return !now.Before(g.EndTime)
}
