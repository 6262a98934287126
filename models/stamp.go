package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Stamp is an append-only issuance fact. (ProgramID, TxID) is the idempotency key.
type Stamp struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	EnrollmentID    uuid.UUID  `gorm:"type:uuid;not null;index:idx_stamps_enrollment_cycle;index:idx_stamps_enrollment_seq" json:"enrollment_id"`
	Cycle           int        `gorm:"not null;index:idx_stamps_enrollment_cycle" json:"cycle"`
	// Seq orders an enrollment's stamps in commit order; issued_at can tie or
	// run backwards across hosts.
	Seq             int64      `gorm:"not null;default:0;index:idx_stamps_enrollment_seq" json:"seq"`
	ProgramID       uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_stamps_program_tx" json:"program_id"`
	TxID            string     `gorm:"size:128;not null;uniqueIndex:idx_stamps_program_tx" json:"tx_id"`
	MerchantID      uuid.UUID  `gorm:"type:uuid;not null;index" json:"merchant_id"`
	CustomerID      uuid.UUID  `gorm:"type:uuid;not null" json:"customer_id"`
	Amount          int        `gorm:"not null;default:1" json:"amount"`
	IssuedByStaffID *uuid.UUID `gorm:"type:uuid" json:"issued_by_staff_id,omitempty"`
	IssuedAt        time.Time  `gorm:"not null" json:"issued_at"`
}

func (s *Stamp) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Amount == 0 {
		s.Amount = 1
	}
	return nil
}
