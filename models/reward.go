package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type RewardStatus string

const (
	RewardStatusInactive   RewardStatus = "inactive"
	RewardStatusRedeemable RewardStatus = "redeemable"
	RewardStatusRedeemed   RewardStatus = "redeemed"
	RewardStatusExpired    RewardStatus = "expired"
)

// Reward is the redeemable unit of one enrollment cycle.
type Reward struct {
	ID                uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	EnrollmentID      uuid.UUID    `gorm:"type:uuid;not null;uniqueIndex:idx_rewards_enrollment_cycle" json:"enrollment_id"`
	Cycle             int          `gorm:"not null;uniqueIndex:idx_rewards_enrollment_cycle" json:"cycle"`
	ProgramID         uuid.UUID    `gorm:"type:uuid;not null;index" json:"program_id"`
	MerchantID        uuid.UUID    `gorm:"type:uuid;not null;index" json:"merchant_id"`
	CustomerID        uuid.UUID    `gorm:"type:uuid;not null;index" json:"customer_id"`
	Status            RewardStatus `gorm:"not null;index" json:"status"`
	ReachedAt         *time.Time   `json:"reached_at,omitempty"`
	VoucherCode       *string      `gorm:"size:32;uniqueIndex" json:"voucher_code,omitempty"`
	VoucherKeyVersion string       `gorm:"size:16" json:"-"`
	RedeemExpiresAt   *time.Time   `gorm:"index" json:"redeem_expires_at,omitempty"`
	RedeemedAt        *time.Time   `json:"redeemed_at,omitempty"`
	RedeemedByStaffID *uuid.UUID   `gorm:"type:uuid" json:"redeemed_by_staff_id,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

func (r *Reward) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = RewardStatusInactive
	}
	return nil
}

// AllowedRewardTransitions defines the reward state machine. The only way
// back to inactive is a revoke that drops the cycle below its threshold.
var AllowedRewardTransitions = map[RewardStatus][]RewardStatus{
	RewardStatusInactive:   {RewardStatusRedeemable},
	RewardStatusRedeemable: {RewardStatusRedeemed, RewardStatusExpired, RewardStatusInactive},
	RewardStatusRedeemed:   {},
	RewardStatusExpired:    {},
}

// IsValidRewardTransition checks if a status transition is allowed.
func IsValidRewardTransition(from, to RewardStatus) bool {
	allowed, exists := AllowedRewardTransitions[from]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsClosed reports whether the cycle this reward belongs to is finished.
func (r *Reward) IsClosed() bool {
	return r.Status == RewardStatusRedeemed || r.Status == RewardStatusExpired
}

// PastDeadline reports whether a redeemable reward has outlived its expiry.
// Rewards without a deadline never expire.
func (r *Reward) PastDeadline(now time.Time) bool {
	return r.RedeemExpiresAt != nil && now.After(*r.RedeemExpiresAt)
}

// ResetToInactive clears everything set when the threshold was reached.
func (r *Reward) ResetToInactive() {
	r.Status = RewardStatusInactive
	r.ReachedAt = nil
	r.VoucherCode = nil
	r.VoucherKeyVersion = ""
	r.RedeemExpiresAt = nil
	r.RedeemedAt = nil
	r.RedeemedByStaffID = nil
}
