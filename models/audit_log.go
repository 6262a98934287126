package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ActorStaff    = "staff"
	ActorCustomer = "customer"
	ActorSystem   = "system"
)

type AuditLog struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ActorType string         `gorm:"not null" json:"actor_type"`
	ActorID   *uuid.UUID     `gorm:"type:uuid" json:"actor_id,omitempty"`
	Action    string         `gorm:"not null;index" json:"action"` // e.g. stamp.issued, reward.redeemed
	Entity    string         `gorm:"not null" json:"entity"`
	EntityID  uuid.UUID      `gorm:"type:uuid;not null;index" json:"entity_id"`
	Details   datatypes.JSON `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}

func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
