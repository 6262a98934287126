package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type LogicType string

const (
	LogicTypePunchCard LogicType = "punch_card"
	LogicTypePoints    LogicType = "points"
)

// LoyaltyProgram is owned by the merchant CRUD surface; the ledger only reads it.
type LoyaltyProgram struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	MerchantID        uuid.UUID `gorm:"type:uuid;not null;index" json:"merchant_id"`
	Name              string    `gorm:"not null" json:"name"`
	LogicType         LogicType `gorm:"not null" json:"logic_type"`
	StampsRequired    int       `gorm:"not null;default:0" json:"stamps_required"`
	PointsThreshold   *int      `json:"points_threshold,omitempty"`
	RewardDescription string    `json:"reward_description"`
	RewardExpiryDays  *int      `json:"reward_expiry_days,omitempty"`
	AllowRepeatCycles bool      `gorm:"not null" json:"allow_repeat_cycles"`
	IsActive          bool      `gorm:"not null;index" json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (p *LoyaltyProgram) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// Location is a merchant storefront used for geofencing scans.
type Location struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	MerchantID uuid.UUID `gorm:"type:uuid;not null;index" json:"merchant_id"`
	Name       string    `json:"name"`
	Lat        float64   `gorm:"not null" json:"lat"`
	Lng        float64   `gorm:"not null" json:"lng"`
	CreatedAt  time.Time `json:"created_at"`
}

func (l *Location) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
