package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type LedgerEntryType string

const (
	LedgerEntryEarn   LedgerEntryType = "EARN"
	LedgerEntryRedeem LedgerEntryType = "REDEEM"
	LedgerEntryAdjust LedgerEntryType = "ADJUST"
)

// LedgerEntry mirrors every balance mutation. Rows are never updated.
type LedgerEntry struct {
	ID                uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	MembershipID      uuid.UUID       `gorm:"type:uuid;not null;index" json:"membership_id"`
	MerchantID        uuid.UUID       `gorm:"type:uuid;not null;index:idx_ledger_entries_merchant_created" json:"merchant_id"`
	ProgramID         uuid.UUID       `gorm:"type:uuid;not null" json:"program_id"`
	CustomerID        uuid.UUID       `gorm:"type:uuid;not null" json:"customer_id"`
	EntryType         LedgerEntryType `gorm:"not null" json:"entry_type"`
	Amount            int             `gorm:"not null" json:"amount"`
	TxID              string          `gorm:"size:128" json:"tx_id"`
	IssuedByStaffID   *uuid.UUID      `gorm:"type:uuid" json:"issued_by_staff_id,omitempty"`
	DeviceFingerprint string          `json:"device_fingerprint,omitempty"`
	Notes             string          `json:"notes"`
	CreatedAt         time.Time       `gorm:"index:idx_ledger_entries_merchant_created" json:"created_at"`
}

func (e *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
