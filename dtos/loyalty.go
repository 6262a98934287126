package dtos

import (
	"time"

	"stampcard-backend/models"
	"stampcard-backend/utils"

	"github.com/google/uuid"
)

type IssueTokenRequest struct {
	Type          string   `json:"type" binding:"required,oneof=join stamp redeem"`
	ProgramID     string   `json:"program_id" binding:"required,uuid"`
	Amount        *int     `json:"amount" binding:"omitempty,min=1"`
	PurchaseTotal *float64 `json:"purchase_total" binding:"omitempty,min=0"`
}

type IssueTokenResponse struct {
	Token     string    `json:"token"`
	Type      string    `json:"type"`
	ProgramID uuid.UUID `json:"program_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ScanRequest struct {
	Token             string   `json:"token" binding:"required"`
	Lat               *float64 `json:"lat" binding:"omitempty,min=-90,max=90"`
	Lng               *float64 `json:"lng" binding:"omitempty,min=-180,max=180"`
	DeviceFingerprint string   `json:"device_fingerprint" binding:"max=256"`
}

type ScanResponse struct {
	Type            string          `json:"type"`
	ProgramID       uuid.UUID       `json:"program_id"`
	MembershipID    uuid.UUID       `json:"membership_id"`
	Joined          bool            `json:"joined,omitempty"`
	Balance         int             `json:"balance"`
	Cycle           int             `json:"cycle"`
	Stamp           *StampResponse  `json:"stamp,omitempty"`
	Reward          *RewardResponse `json:"reward,omitempty"`
	AlreadyRedeemed bool            `json:"already_redeemed,omitempty"`
}

type IssueStampRequest struct {
	TxID              string `json:"tx_id" binding:"required,max=128"`
	Amount            int    `json:"amount" binding:"omitempty,min=1"`
	DeviceFingerprint string `json:"device_fingerprint" binding:"max=256"`
}

type StampResponse struct {
	ID              uuid.UUID  `json:"id"`
	TxID            string     `json:"tx_id"`
	Amount          int        `json:"amount"`
	Cycle           int        `json:"cycle"`
	IssuedByStaffID *uuid.UUID `json:"issued_by_staff_id,omitempty"`
	IssuedAt        time.Time  `json:"issued_at"`
}

type IssueStampResponse struct {
	Stamp         StampResponse   `json:"stamp"`
	Duplicate     bool            `json:"duplicate"`
	Balance       int             `json:"balance"`
	Cycle         int             `json:"cycle"`
	RewardReached bool            `json:"reward_reached"`
	Reward        *RewardResponse `json:"reward,omitempty"`
}

type RevokeStampResponse struct {
	Revoked     StampResponse   `json:"revoked"`
	Balance     int             `json:"balance"`
	RewardReset bool            `json:"reward_reset"`
	Reward      *RewardResponse `json:"reward,omitempty"`
}

type RewardResponse struct {
	ID              uuid.UUID           `json:"id"`
	EnrollmentID    uuid.UUID           `json:"enrollment_id"`
	Cycle           int                 `json:"cycle"`
	Status          models.RewardStatus `json:"status"`
	VoucherCode     *string             `json:"voucher_code,omitempty"`
	ReachedAt       *time.Time          `json:"reached_at,omitempty"`
	RedeemExpiresAt *time.Time          `json:"redeem_expires_at,omitempty"`
	RedeemedAt      *time.Time          `json:"redeemed_at,omitempty"`
}

type RewardStateResponse struct {
	EnrollmentID uuid.UUID       `json:"enrollment_id"`
	Balance      int             `json:"balance"`
	Cycle        int             `json:"cycle"`
	Reward       *RewardResponse `json:"reward"`
}

type RedeemRewardRequest struct {
	VoucherCode string `json:"voucher_code" binding:"required,min=12,max=16"`
}

type RedeemRewardResponse struct {
	Reward          RewardResponse `json:"reward"`
	AlreadyRedeemed bool           `json:"already_redeemed"`
	NextCycle       int            `json:"next_cycle"`
}

func NewStampResponse(s *models.Stamp) StampResponse {
	return StampResponse{
		ID:              s.ID,
		TxID:            s.TxID,
		Amount:          s.Amount,
		Cycle:           s.Cycle,
		IssuedByStaffID: s.IssuedByStaffID,
		IssuedAt:        s.IssuedAt.UTC(),
	}
}

func NewRewardResponse(r *models.Reward) *RewardResponse {
	if r == nil {
		return nil
	}
	return &RewardResponse{
		ID:              r.ID,
		EnrollmentID:    r.EnrollmentID,
		Cycle:           r.Cycle,
		Status:          r.Status,
		VoucherCode:     r.VoucherCode,
		ReachedAt:       utils.ToUTC(r.ReachedAt),
		RedeemExpiresAt: utils.ToUTC(r.RedeemExpiresAt),
		RedeemedAt:      utils.ToUTC(r.RedeemedAt),
	}
}
