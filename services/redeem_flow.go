package services

import (
	"context"
	"errors"

	"stampcard-backend/models"
	"stampcard-backend/utils"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RedeemFlow wraps RewardEngine.Redeem with the notifications and metrics
// that follow a successful redemption.
type RedeemFlow struct {
	db      *gorm.DB
	clock   utils.Clock
	engine  *RewardEngine
	events  *Dispatcher
	metrics *Metrics
}

func NewRedeemFlow(db *gorm.DB, clock utils.Clock, engine *RewardEngine, events *Dispatcher, metrics *Metrics) *RedeemFlow {
	return &RedeemFlow{db: db, clock: clock, engine: engine, events: events, metrics: metrics}
}

func (f *RedeemFlow) RedeemReward(ctx context.Context, req RedeemRequest) (*RedeemResult, error) {
	result, err := f.engine.Redeem(ctx, req)
	if err != nil {
		return nil, err
	}
	if result.AlreadyRedeemed {
		return result, nil
	}

	f.metrics.RewardRedeemed()
	f.events.Emit(ctx, rewardEvent(EventRewardRedeemed, result.Reward, map[string]interface{}{
		"cycle":       result.Reward.Cycle,
		"next_cycle":  result.Enrollment.CurrentCycle,
		"redeemed_by": req.StaffID,
	}))
	log.WithFields(log.Fields{
		"reward_id":   result.Reward.ID,
		"merchant_id": req.MerchantID,
		"cycle":       result.Reward.Cycle,
	}).Info("Reward redeemed")
	return result, nil
}

// RequestRedemption lets a customer ask staff to redeem their reward. It
// changes nothing beyond expiring a reward that is already overdue.
func (f *RedeemFlow) RequestRedemption(ctx context.Context, rewardID, customerID uuid.UUID) (*models.Reward, error) {
	var reward models.Reward
	if err := f.db.WithContext(ctx).First(&reward, "id = ?", rewardID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRewardNotFound
		}
		return nil, err
	}
	if reward.CustomerID != customerID {
		return nil, ErrRewardNotFound
	}
	if reward.Status == models.RewardStatusRedeemable && reward.PastDeadline(f.clock.Now()) {
		if _, _, err := f.engine.Expire(ctx, reward.ID); err != nil {
			return nil, err
		}
		return nil, ErrRewardExpired
	}
	if reward.Status != models.RewardStatusRedeemable {
		return nil, ErrRewardNotRedeemable
	}

	f.events.Emit(ctx, rewardEvent(EventRewardRedeemRequested, &reward, map[string]interface{}{"cycle": reward.Cycle}))
	return &reward, nil
}
