package services

import (
	"context"
	"errors"
	"strings"

	"stampcard-backend/models"
	"stampcard-backend/utils"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type StampRequest struct {
	EnrollmentID uuid.UUID
	// MerchantID, when set, must own the enrollment.
	MerchantID uuid.UUID
	// TxID is the caller's idempotency key, unique per program.
	TxID    string
	StaffID *uuid.UUID
	// Amount is only read by points programs.
	Amount            int
	DeviceFingerprint string
}

type StampResult struct {
	Stamp         *models.Stamp
	Enrollment    *models.Enrollment
	Reward        *models.Reward
	Duplicate     bool
	RewardReached bool
}

type RevokeResult struct {
	Revoked     *models.Stamp
	Enrollment  *models.Enrollment
	Reward      *models.Reward
	RewardReset bool
}

// StampService is the single entry point for issuing and revoking stamps,
// used by both the staff endpoints and QR scans.
type StampService struct {
	db          *gorm.DB
	clock       utils.Clock
	engine      *RewardEngine
	ledger      *LedgerWriter
	enrollments EnrollmentRepository
	programs    ProgramDirectory
	events      *Dispatcher
	metrics     *Metrics
}

func NewStampService(db *gorm.DB, clock utils.Clock, engine *RewardEngine, ledger *LedgerWriter, events *Dispatcher, metrics *Metrics) *StampService {
	return &StampService{
		db:      db,
		clock:   clock,
		engine:  engine,
		ledger:  ledger,
		events:  events,
		metrics: metrics,
	}
}

func (s *StampService) findByTx(tx *gorm.DB, programID uuid.UUID, txID string) (*models.Stamp, error) {
	var stamp models.Stamp
	err := tx.Where("program_id = ? AND tx_id = ?", programID, txID).First(&stamp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &stamp, nil
}

// nextSeq must run under the enrollment lock.
func (s *StampService) nextSeq(tx *gorm.DB, enrollmentID uuid.UUID) (int64, error) {
	var last int64
	err := tx.Model(&models.Stamp{}).
		Where("enrollment_id = ?", enrollmentID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&last).Error
	return last + 1, err
}

func (s *StampService) cycleTotal(tx *gorm.DB, en *models.Enrollment) (int, error) {
	var total int64
	err := tx.Model(&models.Stamp{}).
		Where("enrollment_id = ? AND cycle = ?", en.ID, en.CurrentCycle).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return int(total), err
}

// IssueStamp credits one issuance to an enrollment. Replaying a TxID returns
// the stamp it originally produced and changes nothing.
func (s *StampService) IssueStamp(ctx context.Context, req StampRequest) (*StampResult, error) {
	req.TxID = strings.TrimSpace(req.TxID)
	if req.TxID == "" {
		return nil, ErrMissingTxID
	}
	if req.Amount < 0 {
		return nil, ErrInvalidAmount
	}

	var (
		result   StampResult
		expired  *models.Reward
		deferred error
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		en, err := s.enrollments.Lock(tx, req.EnrollmentID)
		if err != nil {
			return err
		}
		if req.MerchantID != uuid.Nil && en.MerchantID != req.MerchantID {
			return ErrWrongMerchant
		}
		result.Enrollment = en

		existing, err := s.findByTx(tx, en.ProgramID, req.TxID)
		if err != nil {
			return err
		}
		if existing != nil {
			result.Stamp = existing
			result.Duplicate = true
			return nil
		}

		if !en.IsActive {
			return ErrEnrollmentInactive
		}
		program, rule, err := s.programs.GetActive(tx, en.ProgramID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		reward, err := s.engine.ensureRewardForCycle(tx, en)
		if err != nil {
			return err
		}
		if reward.Status == models.RewardStatusRedeemable && reward.PastDeadline(now) {
			expired = reward
			if err := s.engine.expireLocked(tx, reward, en, program); err != nil {
				return err
			}
			if reward, err = s.engine.ensureRewardForCycle(tx, en); err != nil {
				return err
			}
		}
		switch {
		case reward.Status == models.RewardStatusRedeemable:
			return ErrRewardAlreadyReached
		case reward.IsClosed():
			if expired != nil {
				// keep the expiry, refuse the stamp
				deferred = ErrProgramCompleted
				return nil
			}
			return ErrProgramCompleted
		}

		credit := rule.Credit(req.Amount, en.CurrentBalance)
		if credit == 0 {
			return ErrRewardAlreadyReached
		}

		seq, err := s.nextSeq(tx, en.ID)
		if err != nil {
			return err
		}
		stamp := &models.Stamp{
			EnrollmentID:    en.ID,
			Cycle:           en.CurrentCycle,
			Seq:             seq,
			ProgramID:       en.ProgramID,
			TxID:            req.TxID,
			MerchantID:      en.MerchantID,
			CustomerID:      en.CustomerID,
			Amount:          credit,
			IssuedByStaffID: req.StaffID,
			IssuedAt:        now,
		}
		inserted := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(stamp)
		if inserted.Error != nil {
			return inserted.Error
		}
		if inserted.RowsAffected == 0 {
			// lost a race on (program, tx_id) against another enrollment's row
			existing, err := s.findByTx(tx, en.ProgramID, req.TxID)
			if err != nil {
				return err
			}
			if existing == nil {
				return errors.New("stamp conflict without a stored row")
			}
			result.Stamp = existing
			result.Duplicate = true
			return nil
		}

		en.CurrentBalance += credit
		en.LastVisitAt = &now
		if err := s.enrollments.Save(tx, en); err != nil {
			return err
		}
		if err := s.ledger.Append(tx, en, models.LedgerEntryEarn, credit, req.TxID, req.StaffID, req.DeviceFingerprint, issueNote(req.TxID)); err != nil {
			return err
		}
		if err := s.ledger.Audit(tx, staffActor(req.StaffID), req.StaffID, EventStampIssued, "stamp", stamp.ID, map[string]interface{}{
			"enrollment_id": en.ID,
			"tx_id":         req.TxID,
			"amount":        credit,
			"cycle":         en.CurrentCycle,
		}); err != nil {
			return err
		}

		total, err := s.cycleTotal(tx, en)
		if err != nil {
			return err
		}
		if total >= rule.Threshold() {
			if err := s.engine.transitionToRedeemable(tx, reward, program, req.StaffID); err != nil {
				return err
			}
			result.RewardReached = true
		}
		result.Stamp = stamp
		result.Reward = reward
		return nil
	})
	if err != nil {
		return nil, err
	}

	if expired != nil {
		s.engine.afterExpire(ctx, expired)
	}
	if deferred != nil {
		return nil, deferred
	}
	if result.Duplicate {
		log.WithFields(log.Fields{"enrollment_id": req.EnrollmentID, "tx_id": req.TxID}).Info("Duplicate stamp request, returning original")
		return &result, nil
	}

	en := result.Enrollment
	s.metrics.StampIssued()
	s.events.Emit(ctx, Event{
		Type:         EventStampIssued,
		EnrollmentID: en.ID,
		CustomerID:   en.CustomerID,
		MerchantID:   en.MerchantID,
		ProgramID:    en.ProgramID,
		Data:         map[string]interface{}{"balance": en.CurrentBalance, "amount": result.Stamp.Amount},
	})
	if result.RewardReached {
		s.events.Emit(ctx, rewardEvent(EventRewardReached, result.Reward, map[string]interface{}{"voucher_code": result.Reward.VoucherCode}))
		log.WithFields(log.Fields{"enrollment_id": en.ID, "cycle": result.Reward.Cycle}).Info("Reward reached")
	}
	return &result, nil
}

// RevokeLastStamp removes the newest stamp of the current cycle. If that drops
// the cycle below its threshold, a redeemable reward goes back to inactive.
func (s *StampService) RevokeLastStamp(ctx context.Context, enrollmentID, merchantID uuid.UUID, staffID *uuid.UUID) (*RevokeResult, error) {
	var result RevokeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		en, err := s.enrollments.Lock(tx, enrollmentID)
		if err != nil {
			return err
		}
		if merchantID != uuid.Nil && en.MerchantID != merchantID {
			return ErrWrongMerchant
		}
		program, err := s.programs.Get(tx, en.ProgramID)
		if err != nil {
			return err
		}
		rule, err := ParseRule(program)
		if err != nil {
			return err
		}
		reward, err := s.engine.ensureRewardForCycle(tx, en)
		if err != nil {
			return err
		}
		if reward.IsClosed() {
			return ErrProgramCompleted
		}

		var stamp models.Stamp
		if err := tx.Where("enrollment_id = ? AND cycle = ?", en.ID, en.CurrentCycle).
			Order("seq DESC").Order("issued_at DESC").
			First(&stamp).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoStampsToRevoke
			}
			return err
		}
		if err := tx.Delete(&stamp).Error; err != nil {
			return err
		}

		en.CurrentBalance = max(en.CurrentBalance-stamp.Amount, 0)
		if err := s.enrollments.Save(tx, en); err != nil {
			return err
		}
		if err := s.ledger.Append(tx, en, models.LedgerEntryAdjust, -stamp.Amount, stamp.TxID, staffID, "", NoteManualRevoke); err != nil {
			return err
		}
		if err := s.ledger.Audit(tx, staffActor(staffID), staffID, EventStampRevoked, "stamp", stamp.ID, map[string]interface{}{
			"enrollment_id": en.ID,
			"tx_id":         stamp.TxID,
			"amount":        stamp.Amount,
		}); err != nil {
			return err
		}

		total, err := s.cycleTotal(tx, en)
		if err != nil {
			return err
		}
		if reward.Status == models.RewardStatusRedeemable && total < rule.Threshold() {
			reward.ResetToInactive()
			if err := tx.Save(reward).Error; err != nil {
				return err
			}
			result.RewardReset = true
		}

		result.Revoked = &stamp
		result.Enrollment = en
		result.Reward = reward
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.StampRevoked()
	s.events.Emit(ctx, Event{
		Type:         EventStampRevoked,
		EnrollmentID: result.Enrollment.ID,
		CustomerID:   result.Enrollment.CustomerID,
		MerchantID:   result.Enrollment.MerchantID,
		ProgramID:    result.Enrollment.ProgramID,
		Data:         map[string]interface{}{"balance": result.Enrollment.CurrentBalance, "reward_reset": result.RewardReset},
	})
	return &result, nil
}
