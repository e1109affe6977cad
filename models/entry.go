package models

import (
	"time"
)

// Entry records one admitted submission. At most one entry exists per
// (game, player) — enforced by the composite unique index, which also
// serializes concurrent admissions of the same player.
type Entry struct {
	ID              string `json:"id" gorm:"primaryKey;type:uuid"`
	GameID          uint64 `json:"game_id" gorm:"not null;index;uniqueIndex:idx_entries_game_player,priority:1"`
	PlayerID        string `json:"player_id" gorm:"not null;uniqueIndex:idx_entries_game_player,priority:2"`
	ContentRef      string `json:"content_ref" gorm:"type:text;not null"`
	Title           string `json:"title"`
	PaymentProofRef string `json:"payment_proof_ref" gorm:"index"`

	// SubmittedAt orders entries within a game; it is the tie-break for
	// equal judged totals.
	SubmittedAt time.Time `json:"submitted_at" gorm:"not null;index"`
	Position    int64     `json:"position" gorm:"not null"`

	// Score fields stay nil until the game is judged, then become immutable.
	ScoreCreativity *int   `json:"score_creativity,omitempty"`
	ScoreTechnique  *int   `json:"score_technique,omitempty"`
	ScoreAdherence  *int   `json:"score_adherence,omitempty"`
	ScoreTotal      *int   `json:"score_total,omitempty" gorm:"index"`
	ScoreRationale  string `json:"score_rationale,omitempty" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// Judged reports whether a score has been recorded for this entry.
func (e *Entry) Judged() bool {
	return e.ScoreTotal != nil
}
