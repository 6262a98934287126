package services

import (
	"context"
	"time"

	"stampcard-backend/models"
	"stampcard-backend/utils"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const minReplayCacheTTL = time.Minute

type IssueRequest struct {
	Type       TokenType
	ProgramID  uuid.UUID
	MerchantID uuid.UUID
	IssuedBy   *uuid.UUID
	Payload    TokenPayload
}

type ScanRequest struct {
	Token             string
	CustomerID        uuid.UUID
	Lat               *float64
	Lng               *float64
	DeviceFingerprint string
}

type ScanResult struct {
	Type            TokenType
	ProgramID       uuid.UUID
	MembershipID    uuid.UUID
	Joined          bool
	Balance         int
	Cycle           int
	Stamp           *models.Stamp
	Reward          *models.Reward
	AlreadyRedeemed bool
}

// ScanFlow turns a scanned action token into exactly one business effect.
// Checks run in a fixed order: signature, type, replay claim, expiry,
// program, geofence. A claimed nonce stays claimed even if a later step
// fails.
type ScanFlow struct {
	db          *gorm.DB
	clock       utils.Clock
	codec       *TokenCodec
	nonces      *NonceClaimStore
	cache       NonceCache
	geofence    Geofence
	stamps      *StampService
	redeems     *RedeemFlow
	engine      *RewardEngine
	ledger      *LedgerWriter
	enrollments EnrollmentRepository
	programs    ProgramDirectory
	events      *Dispatcher
	metrics     *Metrics
	tokenTTL    time.Duration
}

// IssueActionToken mints a QR token for one of the caller's programs.
func (f *ScanFlow) IssueActionToken(ctx context.Context, req IssueRequest) (string, *ActionToken, error) {
	if !req.Type.Valid() {
		return "", nil, ErrUnknownTokenType
	}
	if req.Payload.Amount != nil && *req.Payload.Amount < 1 {
		return "", nil, ErrInvalidAmount
	}
	program, err := f.programs.Get(f.db.WithContext(ctx), req.ProgramID)
	if err != nil {
		return "", nil, err
	}
	if program.MerchantID != req.MerchantID {
		return "", nil, ErrWrongMerchant
	}
	if !program.IsActive {
		return "", nil, ErrProgramInactive
	}
	return f.codec.Issue(req.Type, program.ID, req.Payload, req.IssuedBy, f.tokenTTL)
}

func (f *ScanFlow) RedeemActionToken(ctx context.Context, req ScanRequest) (result *ScanResult, err error) {
	var typ TokenType
	defer func() { f.metrics.Scan(typ, err) }()

	tok, err := f.codec.Verify(req.Token)
	if err != nil {
		return nil, err
	}
	typ = tok.Type
	if !tok.Type.Valid() {
		return nil, ErrUnknownTokenType
	}

	if err := f.claim(ctx, tok); err != nil {
		return nil, err
	}
	if f.clock.Now().After(tok.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	db := f.db.WithContext(ctx)
	program, err := f.programs.Get(db, tok.ProgramID)
	if err != nil {
		return nil, err
	}
	if !program.IsActive {
		return nil, ErrProgramInactive
	}
	locations, err := f.programs.Locations(ctx, f.db, program.MerchantID)
	if err != nil {
		return nil, err
	}
	if err := f.geofence.Check(req.Lat, req.Lng, locations); err != nil {
		return nil, err
	}

	switch tok.Type {
	case TokenTypeJoin:
		return f.join(ctx, program, req)
	case TokenTypeStamp:
		return f.stamp(ctx, program, tok, req)
	default:
		return f.redeem(ctx, program, tok, req)
	}
}

func (f *ScanFlow) claim(ctx context.Context, tok *ActionToken) error {
	if f.cache != nil {
		seen, err := f.cache.Seen(ctx, tok.Nonce)
		if err != nil {
			log.WithError(err).Warn("Replay cache lookup failed, falling back to database")
		} else if seen {
			return ErrTokenAlreadyUsed
		}
	}

	claim, err := f.nonces.Claim(ctx, tok.Nonce, tok.ExpiresAt)
	if err != nil {
		return err
	}
	if claim == AlreadyClaimed {
		return ErrTokenAlreadyUsed
	}

	if f.cache != nil {
		ttl := tok.ExpiresAt.Sub(f.clock.Now())
		if ttl < minReplayCacheTTL {
			ttl = minReplayCacheTTL
		}
		if err := f.cache.Remember(ctx, tok.Nonce, ttl); err != nil {
			log.WithError(err).Warn("Failed to cache consumed nonce")
		}
	}
	return nil
}

func (f *ScanFlow) join(ctx context.Context, program *models.LoyaltyProgram, req ScanRequest) (*ScanResult, error) {
	var (
		en      *models.Enrollment
		created bool
	)
	err := f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		en, created, err = f.enrollments.GetOrCreate(tx, req.CustomerID, program, models.JoinedViaQR, f.clock.Now())
		if err != nil {
			return err
		}
		if _, err := f.engine.ensureRewardForCycle(tx, en); err != nil {
			return err
		}
		if !created {
			return nil
		}
		return f.ledger.Audit(tx, models.ActorCustomer, &req.CustomerID, EventEnrollmentJoined, "enrollment", en.ID, map[string]interface{}{
			"joined_via": models.JoinedViaQR,
		})
	})
	if err != nil {
		return nil, err
	}

	if created {
		f.events.Emit(ctx, Event{
			Type:         EventEnrollmentJoined,
			EnrollmentID: en.ID,
			CustomerID:   en.CustomerID,
			MerchantID:   en.MerchantID,
			ProgramID:    en.ProgramID,
		})
	}
	return &ScanResult{
		Type:         TokenTypeJoin,
		ProgramID:    program.ID,
		MembershipID: en.ID,
		Joined:       created,
		Balance:      en.CurrentBalance,
		Cycle:        en.CurrentCycle,
	}, nil
}

func (f *ScanFlow) stamp(ctx context.Context, program *models.LoyaltyProgram, tok *ActionToken, req ScanRequest) (*ScanResult, error) {
	en, err := f.enrollments.FindByCustomer(f.db.WithContext(ctx), req.CustomerID, program.ID)
	if err != nil {
		return nil, err
	}
	amount := tok.Payload.Units()
	if amount < 1 {
		return nil, ErrInvalidAmount
	}

	res, err := f.stamps.IssueStamp(ctx, StampRequest{
		EnrollmentID:      en.ID,
		MerchantID:        program.MerchantID,
		TxID:              scanTxPrefix + tok.Nonce,
		StaffID:           tok.IssuedBy,
		Amount:            amount,
		DeviceFingerprint: req.DeviceFingerprint,
	})
	if err != nil {
		return nil, err
	}
	return &ScanResult{
		Type:         TokenTypeStamp,
		ProgramID:    program.ID,
		MembershipID: en.ID,
		Balance:      res.Enrollment.CurrentBalance,
		Cycle:        res.Enrollment.CurrentCycle,
		Stamp:        res.Stamp,
		Reward:       res.Reward,
	}, nil
}

func (f *ScanFlow) redeem(ctx context.Context, program *models.LoyaltyProgram, tok *ActionToken, req ScanRequest) (*ScanResult, error) {
	db := f.db.WithContext(ctx)
	en, err := f.enrollments.FindByCustomer(db, req.CustomerID, program.ID)
	if err != nil {
		return nil, err
	}
	reward, err := f.engine.findReward(db, en.ID, en.CurrentCycle)
	if err != nil {
		return nil, err
	}
	if reward == nil || reward.Status == models.RewardStatusInactive {
		return nil, ErrInsufficientBalance
	}
	if tok.Payload.Amount != nil && *tok.Payload.Amount > en.CurrentBalance {
		return nil, ErrInsufficientBalance
	}

	res, err := f.redeems.RedeemReward(ctx, RedeemRequest{
		RewardID:   reward.ID,
		StaffID:    tok.IssuedBy,
		MerchantID: program.MerchantID,
	})
	if err != nil {
		return nil, err
	}
	return &ScanResult{
		Type:            TokenTypeRedeem,
		ProgramID:       program.ID,
		MembershipID:    en.ID,
		Balance:         res.Enrollment.CurrentBalance,
		Cycle:           res.Enrollment.CurrentCycle,
		Reward:          res.Reward,
		AlreadyRedeemed: res.AlreadyRedeemed,
	}, nil
}
