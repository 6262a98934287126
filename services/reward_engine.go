package services

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"strings"

	"stampcard-backend/models"
	"stampcard-backend/utils"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RewardEngine owns the reward lifecycle of each enrollment cycle. Every
// mutation locks the enrollment row before the reward row.
type RewardEngine struct {
	db          *gorm.DB
	clock       utils.Clock
	keys        *Keyring
	ledger      *LedgerWriter
	enrollments EnrollmentRepository
	programs    ProgramDirectory
	events      *Dispatcher
	metrics     *Metrics
}

func NewRewardEngine(db *gorm.DB, clock utils.Clock, keys *Keyring, ledger *LedgerWriter, events *Dispatcher, metrics *Metrics) *RewardEngine {
	return &RewardEngine{
		db:      db,
		clock:   clock,
		keys:    keys,
		ledger:  ledger,
		events:  events,
		metrics: metrics,
	}
}

type RedeemRequest struct {
	RewardID    uuid.UUID
	StaffID     *uuid.UUID
	MerchantID  uuid.UUID
	VoucherCode string
}

type RedeemResult struct {
	Reward          *models.Reward
	Enrollment      *models.Enrollment
	AlreadyRedeemed bool
}

func (e *RewardEngine) findReward(tx *gorm.DB, enrollmentID uuid.UUID, cycle int) (*models.Reward, error) {
	var reward models.Reward
	err := tx.Where("enrollment_id = ? AND cycle = ?", enrollmentID, cycle).First(&reward).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &reward, nil
}

func (e *RewardEngine) lockReward(tx *gorm.DB, id uuid.UUID) (*models.Reward, error) {
	var reward models.Reward
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&reward, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRewardNotFound
		}
		return nil, err
	}
	return &reward, nil
}

func (e *RewardEngine) ensureRewardForCycle(tx *gorm.DB, en *models.Enrollment) (*models.Reward, error) {
	reward, err := e.findReward(tx, en.ID, en.CurrentCycle)
	if err != nil || reward != nil {
		return reward, err
	}
	reward = &models.Reward{
		EnrollmentID: en.ID,
		Cycle:        en.CurrentCycle,
		ProgramID:    en.ProgramID,
		MerchantID:   en.MerchantID,
		CustomerID:   en.CustomerID,
		Status:       models.RewardStatusInactive,
	}
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(reward)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 1 {
		return reward, nil
	}
	reward, err = e.findReward(tx, en.ID, en.CurrentCycle)
	if err == nil && reward == nil {
		err = errors.New("reward for cycle vanished after conflict")
	}
	return reward, err
}

// EnsureRewardForCycle returns the reward of the enrollment's current cycle,
// creating an inactive one if none exists yet.
func (e *RewardEngine) EnsureRewardForCycle(ctx context.Context, enrollmentID uuid.UUID) (*models.Reward, error) {
	var reward *models.Reward
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		en, err := e.enrollments.Get(tx, enrollmentID)
		if err != nil {
			return err
		}
		reward, err = e.ensureRewardForCycle(tx, en)
		return err
	})
	return reward, err
}

func (e *RewardEngine) transitionToRedeemable(tx *gorm.DB, reward *models.Reward, program *models.LoyaltyProgram, actorID *uuid.UUID) error {
	if reward.Status != models.RewardStatusInactive {
		return nil
	}
	now := e.clock.Now()
	code, version, err := e.keys.VoucherCode(reward.ID, reward.CustomerID, reward.Cycle)
	if err != nil {
		return err
	}
	if err := moveReward(reward, models.RewardStatusRedeemable); err != nil {
		return err
	}
	reward.ReachedAt = &now
	reward.VoucherCode = &code
	reward.VoucherKeyVersion = version
	reward.RedeemExpiresAt = nil
	if program.RewardExpiryDays != nil && *program.RewardExpiryDays > 0 {
		deadline := now.AddDate(0, 0, *program.RewardExpiryDays)
		reward.RedeemExpiresAt = &deadline
	}
	if err := tx.Save(reward).Error; err != nil {
		return err
	}
	return e.ledger.Audit(tx, staffActor(actorID), actorID, EventRewardReached, "reward", reward.ID, map[string]interface{}{
		"cycle":         reward.Cycle,
		"enrollment_id": reward.EnrollmentID,
	})
}

// startNextCycle closes the enrollment's current cycle. Programs without
// repeat cycles stay on the closed cycle.
func (e *RewardEngine) startNextCycle(tx *gorm.DB, en *models.Enrollment, program *models.LoyaltyProgram) error {
	if !program.AllowRepeatCycles {
		return nil
	}
	en.CurrentCycle++
	en.CurrentBalance = 0
	if err := e.enrollments.Save(tx, en); err != nil {
		return err
	}
	_, err := e.ensureRewardForCycle(tx, en)
	return err
}

func (e *RewardEngine) expireLocked(tx *gorm.DB, reward *models.Reward, en *models.Enrollment, program *models.LoyaltyProgram) error {
	if err := moveReward(reward, models.RewardStatusExpired); err != nil {
		return err
	}
	if err := tx.Save(reward).Error; err != nil {
		return err
	}
	if err := e.ledger.Audit(tx, models.ActorSystem, nil, EventRewardExpired, "reward", reward.ID, map[string]interface{}{
		"cycle":             reward.Cycle,
		"redeem_expires_at": reward.RedeemExpiresAt,
	}); err != nil {
		return err
	}
	if program.AllowRepeatCycles && en.CurrentBalance > 0 {
		if err := e.ledger.Append(tx, en, models.LedgerEntryAdjust, -en.CurrentBalance, "expire_"+reward.ID.String(), nil, "", NoteExpiry); err != nil {
			return err
		}
	}
	return e.startNextCycle(tx, en, program)
}

func (e *RewardEngine) voucherMatches(reward *models.Reward, code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	if reward.VoucherCode == nil || !hmac.Equal([]byte(*reward.VoucherCode), []byte(code)) {
		return false
	}
	if reward.VoucherKeyVersion == "" {
		return true
	}
	return e.keys.VerifyVoucher(code, reward.VoucherKeyVersion, reward.ID, reward.CustomerID, reward.Cycle)
}

// Redeem consumes a redeemable reward for the merchant that owns it. A second
// redeem of the same reward reports AlreadyRedeemed and changes nothing. A
// reward found past its deadline is expired and committed before
// ErrRewardExpired is returned.
func (e *RewardEngine) Redeem(ctx context.Context, req RedeemRequest) (*RedeemResult, error) {
	var result *RedeemResult
	expired := false

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Reward
		if err := tx.First(&current, "id = ?", req.RewardID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRewardNotFound
			}
			return err
		}
		en, err := e.enrollments.Lock(tx, current.EnrollmentID)
		if err != nil {
			return err
		}
		reward, err := e.lockReward(tx, req.RewardID)
		if err != nil {
			return err
		}

		if reward.MerchantID != req.MerchantID {
			return ErrWrongMerchant
		}
		if req.VoucherCode != "" && !e.voucherMatches(reward, req.VoucherCode) {
			return ErrVoucherMismatch
		}
		switch reward.Status {
		case models.RewardStatusRedeemed:
			result = &RedeemResult{Reward: reward, Enrollment: en, AlreadyRedeemed: true}
			return nil
		case models.RewardStatusRedeemable:
		default:
			return ErrRewardNotRedeemable
		}

		program, err := e.programs.Get(tx, reward.ProgramID)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		if reward.PastDeadline(now) {
			expired = true
			result = &RedeemResult{Reward: reward, Enrollment: en}
			return e.expireLocked(tx, reward, en, program)
		}

		if err := moveReward(reward, models.RewardStatusRedeemed); err != nil {
			return err
		}
		reward.RedeemedAt = &now
		reward.RedeemedByStaffID = req.StaffID
		if err := tx.Save(reward).Error; err != nil {
			return err
		}
		if err := e.ledger.Append(tx, en, models.LedgerEntryRedeem, -en.CurrentBalance, "redeem_"+reward.ID.String(), req.StaffID, "", NoteRedemption); err != nil {
			return err
		}
		if err := e.ledger.Audit(tx, staffActor(req.StaffID), req.StaffID, EventRewardRedeemed, "reward", reward.ID, map[string]interface{}{
			"cycle":        reward.Cycle,
			"voucher_code": reward.VoucherCode,
		}); err != nil {
			return err
		}
		if err := e.startNextCycle(tx, en, program); err != nil {
			return err
		}
		result = &RedeemResult{Reward: reward, Enrollment: en}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if expired {
		e.afterExpire(ctx, result.Reward)
		return nil, ErrRewardExpired
	}
	return result, nil
}

// Expire moves a redeemable reward past its deadline to expired. Rewards
// that are not yet due, or already settled, are returned unchanged.
func (e *RewardEngine) Expire(ctx context.Context, rewardID uuid.UUID) (*models.Reward, bool, error) {
	var reward *models.Reward
	expired := false

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Reward
		if err := tx.First(&current, "id = ?", rewardID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRewardNotFound
			}
			return err
		}
		en, err := e.enrollments.Lock(tx, current.EnrollmentID)
		if err != nil {
			return err
		}
		reward, err = e.lockReward(tx, rewardID)
		if err != nil {
			return err
		}
		if reward.Status != models.RewardStatusRedeemable || !reward.PastDeadline(e.clock.Now()) {
			return nil
		}
		program, err := e.programs.Get(tx, reward.ProgramID)
		if err != nil {
			return err
		}
		expired = true
		return e.expireLocked(tx, reward, en, program)
	})
	if err != nil {
		return nil, false, err
	}
	if expired {
		e.afterExpire(ctx, reward)
	}
	return reward, expired, nil
}

// ExpireDue expires up to limit overdue rewards and reports how many moved.
func (e *RewardEngine) ExpireDue(ctx context.Context, limit int) (int, error) {
	var ids []uuid.UUID
	if err := e.db.WithContext(ctx).Model(&models.Reward{}).
		Where("status = ? AND redeem_expires_at < ?", models.RewardStatusRedeemable, e.clock.Now()).
		Order("redeem_expires_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		_, expired, err := e.Expire(ctx, id)
		if err != nil {
			log.WithError(err).WithField("reward_id", id).Warn("Failed to expire reward")
			continue
		}
		if expired {
			count++
		}
	}
	return count, nil
}

// GetRewardState returns the reward of the enrollment's current cycle, or nil
// before the first one exists. A reward seen past its deadline is expired on
// read, and the state of the cycle that follows is returned.
func (e *RewardEngine) GetRewardState(ctx context.Context, enrollmentID uuid.UUID) (*models.Reward, error) {
	db := e.db.WithContext(ctx)
	en, err := e.enrollments.Get(db, enrollmentID)
	if err != nil {
		return nil, err
	}
	reward, err := e.findReward(db, en.ID, en.CurrentCycle)
	if err != nil || reward == nil {
		return reward, err
	}
	if reward.Status != models.RewardStatusRedeemable || !reward.PastDeadline(e.clock.Now()) {
		return reward, nil
	}

	if _, _, err := e.Expire(ctx, reward.ID); err != nil {
		return nil, err
	}
	if en, err = e.enrollments.Get(db, enrollmentID); err != nil {
		return nil, err
	}
	return e.findReward(db, en.ID, en.CurrentCycle)
}

func (e *RewardEngine) afterExpire(ctx context.Context, reward *models.Reward) {
	e.metrics.RewardExpired()
	e.events.Emit(ctx, rewardEvent(EventRewardExpired, reward, nil))
	log.WithFields(log.Fields{"reward_id": reward.ID, "cycle": reward.Cycle}).Info("Reward expired")
}

func moveReward(r *models.Reward, to models.RewardStatus) error {
	if !models.IsValidRewardTransition(r.Status, to) {
		return fmt.Errorf("reward %s: invalid transition %s -> %s", r.ID, r.Status, to)
	}
	r.Status = to
	return nil
}

func rewardEvent(typ string, reward *models.Reward, data map[string]interface{}) Event {
	return Event{
		Type:         typ,
		EnrollmentID: reward.EnrollmentID,
		CustomerID:   reward.CustomerID,
		MerchantID:   reward.MerchantID,
		ProgramID:    reward.ProgramID,
		Data:         data,
	}
}
