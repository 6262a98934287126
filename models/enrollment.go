package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	JoinedViaQR     = "qr"
	JoinedViaManual = "manual"
)

// Enrollment is a customer's membership in one program. CurrentBalance only
// counts stamps of CurrentCycle.
type Enrollment struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CustomerID     uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_enrollments_customer_program" json:"customer_id"`
	ProgramID      uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_enrollments_customer_program;index" json:"program_id"`
	MerchantID     uuid.UUID  `gorm:"type:uuid;not null;index" json:"merchant_id"`
	CurrentBalance int        `gorm:"not null;default:0" json:"current_balance"`
	CurrentCycle   int        `gorm:"not null;default:1" json:"current_cycle"`
	LastVisitAt    *time.Time `json:"last_visit_at,omitempty"`
	JoinedVia      string     `json:"joined_via"`
	IsActive       bool       `gorm:"not null" json:"is_active"`
	JoinedAt       time.Time  `gorm:"autoCreateTime" json:"joined_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (e *Enrollment) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CurrentCycle < 1 {
		e.CurrentCycle = 1
	}
	return nil
}
