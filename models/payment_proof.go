package models

import (
	"time"
)

// ProofStatus tracks the lifecycle of a claimed proof of payment.
type ProofStatus string

const (
	ProofStatusUnverified ProofStatus = "unverified"
	ProofStatusValid      ProofStatus = "valid"
	ProofStatusInvalid    ProofStatus = "invalid"
	ProofStatusConsumed   ProofStatus = "consumed"
)

// PaymentProof ties one external transfer into escrow to at most one
// admission. Ref is the external transaction id; it transitions
// unverified → valid → consumed at most once and never returns to valid,
// which is the replay-protection invariant.
type PaymentProof struct {
	Ref      string      `json:"ref" gorm:"primaryKey;type:varchar(128)"`
	PlayerID string      `json:"player_id" gorm:"index"`
	Amount   int64       `json:"amount" gorm:"not null;default:0"`
	Status   ProofStatus `json:"status" gorm:"type:varchar(16);not null;default:'unverified'"`

	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	EntryID    *string    `json:"entry_id,omitempty" gorm:"type:uuid"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
