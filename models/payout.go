package models

import (
	"time"
)

// PayoutKind classifies an outbound transfer from escrow.
type PayoutKind string

const (
	PayoutKindWinnerPrize PayoutKind = "winner_prize"
	PayoutKindPlatformFee PayoutKind = "platform_fee"
	PayoutKindEmergency   PayoutKind = "emergency_withdraw"
)

// PayoutStatus indicates whether the transfer has been confirmed executed.
type PayoutStatus string

const (
	PayoutStatusPending  PayoutStatus = "pending"
	PayoutStatusExecuted PayoutStatus = "executed"
)

// PayoutRecord is the durable idempotency record for every fund movement out
// of escrow. A payout that crashed mid-flight retries with the same
// IdempotencyKey until confirmed; it is never re-executed under a new key.
type PayoutRecord struct {
	ID             string       `json:"id" gorm:"primaryKey;type:uuid"`
	GameID         uint64       `json:"game_id" gorm:"index"`
	Kind           PayoutKind   `json:"kind" gorm:"type:varchar(32);not null"`
	Recipient      string       `json:"recipient" gorm:"type:varchar(128);not null"`
	Amount         int64        `json:"amount" gorm:"not null"`
	IdempotencyKey string       `json:"idempotency_key" gorm:"uniqueIndex;type:varchar(160);not null"`
	Status         PayoutStatus `json:"status" gorm:"type:varchar(16);not null;default:'pending'"`
	ExecutedAt     *time.Time   `json:"executed_at,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
