// models/transfer_mirror.go
package models

import (
	"time"
)

// TransferMirror mirrors confirmed escrow deposits from the payment source.
// Table name: transfer_mirror
type TransferMirror struct {
	TxID          string    `gorm:"primaryKey;type:varchar(128)" json:"tx_id"`
	Sender        string    `gorm:"type:varchar(128);index" json:"sender"`
	Recipient     string    `gorm:"type:varchar(128);not null;index" json:"recipient"`
	Amount        int64     `gorm:"not null" json:"amount"`
	Confirmations int64     `gorm:"not null;default:0" json:"confirmations"`
	Confirmed     bool      `gorm:"not null;default:false" json:"confirmed"`
	ObservedAt    time.Time `gorm:"not null" json:"observed_at"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time `gorm:"not null" json:"updated_at"`
}

func (TransferMirror) TableName() string {
	return "transfer_mirror"
}
