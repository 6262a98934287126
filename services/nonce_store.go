package services

import (
	"context"
	"time"

	"stampcard-backend/models"
	"stampcard-backend/utils"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ClaimResult int

const (
	Claimed ClaimResult = iota
	AlreadyClaimed
)

// NonceClaimStore is the durable single-use guard for action tokens. A claim
// is one insert that either lands or hits the primary key.
type NonceClaimStore struct {
	db    *gorm.DB
	clock utils.Clock
}

func NewNonceClaimStore(db *gorm.DB, clock utils.Clock) *NonceClaimStore {
	return &NonceClaimStore{db: db, clock: clock}
}

func (s *NonceClaimStore) Claim(ctx context.Context, nonce string, expiresAt time.Time) (ClaimResult, error) {
	row := models.ConsumedNonce{Nonce: nonce, UsedAt: s.clock.Now(), ExpiresAt: expiresAt}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return AlreadyClaimed, result.Error
	}
	if result.RowsAffected == 0 {
		return AlreadyClaimed, nil
	}
	return Claimed, nil
}

// Purge deletes up to limit nonces whose token expired before cutoff. Expired
// tokens are rejected on expiry alone, so their rows are no longer needed.
func (s *NonceClaimStore) Purge(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	var nonces []string
	if err := s.db.WithContext(ctx).Model(&models.ConsumedNonce{}).
		Where("expires_at < ?", cutoff).
		Order("expires_at ASC").
		Limit(limit).
		Pluck("nonce", &nonces).Error; err != nil {
		return 0, err
	}
	if len(nonces) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Where("nonce IN ?", nonces).Delete(&models.ConsumedNonce{})
	return result.RowsAffected, result.Error
}
