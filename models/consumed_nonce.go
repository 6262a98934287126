package models

import "time"

// ConsumedNonce is write-once: a failed insert is the replay signal.
type ConsumedNonce struct {
	Nonce     string    `gorm:"primaryKey;size:64" json:"nonce"`
	UsedAt    time.Time `gorm:"not null" json:"used_at"`
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`
}
