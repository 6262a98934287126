package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"stampcard-backend/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueStampCreditsBalanceAndLedger(t *testing.T) {
	f := newFixture(t)
	en := f.enroll(f.program(nil))

	res := f.stamp(en, "order-1")

	assert.False(t, res.Duplicate)
	assert.False(t, res.RewardReached)
	assert.Equal(t, 1, res.Stamp.Amount)
	assert.Equal(t, 1, res.Stamp.Cycle)

	stored := f.enrollment(en.ID)
	assert.Equal(t, 1, stored.CurrentBalance)
	require.NotNil(t, stored.LastVisitAt)

	entries := f.ledger(en.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, models.LedgerEntryEarn, entries[0].EntryType)
	assert.Equal(t, 1, entries[0].Amount)
	assert.Equal(t, "order-1", entries[0].TxID)
	assert.Equal(t, NoteManualIssue, entries[0].Notes)
	assert.Equal(t, &f.staffID, entries[0].IssuedByStaffID)

	assert.Equal(t, int64(1), f.count(&models.AuditLog{}, "action = ?", EventStampIssued))
	assert.Equal(t, []string{EventStampIssued}, f.notifier.Types())
}

func TestIssueStampIsIdempotentOnTxID(t *testing.T) {
	f := newFixture(t)
	en := f.enroll(f.program(nil))

	first := f.stamp(en, "order-1")
	second := f.stamp(en, "order-1")

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Stamp.ID, second.Stamp.ID)
	assert.Equal(t, 1, f.enrollment(en.ID).CurrentBalance)
	assert.Len(t, f.ledger(en.ID), 1)
	assert.Equal(t, int64(1), f.count(&models.Stamp{}, "enrollment_id = ?", en.ID))
}

func TestIssueStampValidatesRequest(t *testing.T) {
	f := newFixture(t)
	en := f.enroll(f.program(nil))

	_, err := f.svc.Stamps.IssueStamp(context.Background(), StampRequest{EnrollmentID: en.ID, TxID: "  "})
	assert.ErrorIs(t, err, ErrMissingTxID)

	_, err = f.svc.Stamps.IssueStamp(context.Background(), StampRequest{EnrollmentID: en.ID, TxID: "x", Amount: -2})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.svc.Stamps.IssueStamp(context.Background(), StampRequest{EnrollmentID: uuid.New(), TxID: "x"})
	assert.ErrorIs(t, err, ErrEnrollmentNotFound)
}

func TestIssueStampReachesThresholdExactlyOnce(t *testing.T) {
	f := newFixture(t)
	en := f.enroll(f.program(nil))

	f.stamp(en, "a")
	f.stamp(en, "b")
	res := f.stamp(en, "c")

	require.True(t, res.RewardReached)
	assert.Equal(t, models.RewardStatusRedeemable, res.Reward.Status)
	require.NotNil(t, res.Reward.VoucherCode)
	assert.Len(t, *res.Reward.VoucherCode, 12)
	assert.Equal(t, "v1", res.Reward.VoucherKeyVersion)
	assert.NotNil(t, res.Reward.ReachedAt)
	assert.Nil(t, res.Reward.RedeemExpiresAt)

	_, err := f.svc.Stamps.IssueStamp(context.Background(), StampRequest{EnrollmentID: en.ID, TxID: "d"})
	assert.ErrorIs(t, err, ErrRewardAlreadyReached)
	assert.Equal(t, 3, f.enrollment(en.ID).CurrentBalance)
	assert.Contains(t, f.notifier.Types(), EventRewardReached)
	assert.Equal(t, int64(1), f.count(&models.AuditLog{}, "action = ?", EventRewardReached))
}

func TestIssueStampConcurrentCrossing(t *testing.T) {
	f := newFixture(t)
	en := f.enroll(f.program(nil))

	const workers = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Stamps.IssueStamp(context.Background(), StampRequest{EnrollmentID: en.ID, TxID: fmt.Sprintf("tx-%d", i)})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if assert.ErrorIs(t, err, ErrRewardAlreadyReached) {
				rejected++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	assert.Equal(t, workers-3, rejected)
	assert.Equal(t, 3, f.enrollment(en.ID).CurrentBalance)
	assert.Equal(t, int64(1), f.count(&models.Reward{}, "enrollment_id = ? AND status = ?", en.ID, models.RewardStatusRedeemable))
}

func TestIssueStampRefusesInactive(t *testing.T) {
	f := newFixture(t)

	closed := f.program(func(p *models.LoyaltyProgram) { p.IsActive = false })
	en := f.enroll(closed)
	_, err := f.svc.Stamps.IssueStamp(context.Background(), StampRequest{EnrollmentID: en.ID, TxID: "a"})
	assert.ErrorIs(t, err, ErrProgramInactive)

	open := f.program(nil)
	paused := f.enroll(open)
	require.NoError(t, f.db.Model(&models.Enrollment{}).Where("id = ?", paused.ID).Update("is_active", false).Error)
	_, err = f.svc.Stamps.IssueStamp(context.Background(), StampRequest{EnrollmentID: paused.ID, TxID: "a"})
	assert.ErrorIs(t, err, ErrEnrollmentInactive)
}

func TestIssueStampPointsAreClampedToThreshold(t *testing.T) {
	f := newFixture(t)
	threshold := 10
	en := f.enroll(f.program(func(p *models.LoyaltyProgram) {
		p.LogicType = models.LogicTypePoints
		p.StampsRequired = 0
		p.PointsThreshold = &threshold
	}))

	first, err := f.svc.Stamps.IssueStamp(context.Background(), StampRequest{EnrollmentID: en.ID, TxID: "p1", Amount: 6})
	require.NoError(t, err)
	assert.Equal(t, 6, first.Stamp.Amount)
	assert.False(t, first.RewardReached)

	second, err := f.svc.Stamps.IssueStamp(context.Background(), StampRequest{EnrollmentID: en.ID, TxID: "p2", Amount: 7})
	require.NoError(t, err)
	assert.Equal(t, 4, second.Stamp.Amount)
	assert.True(t, second.RewardReached)
	assert.Equal(t, 10, f.enrollment(en.ID).CurrentBalance)
}

func TestIssueStampAfterOverdueRewardStartsNextCycle(t *testing.T) {
	f := newFixture(t)
	days := 1
	en := f.enroll(f.program(func(p *models.LoyaltyProgram) { p.RewardExpiryDays = &days }))
	reward := f.fill(en, 3)

	f.clock.Advance(25 * time.Hour)
	res := f.stamp(en, "after-expiry")

	assert.Equal(t, 2, res.Stamp.Cycle)
	assert.Equal(t, models.RewardStatusExpired, f.reward(reward.ID).Status)
	stored := f.enrollment(en.ID)
	assert.Equal(t, 2, stored.CurrentCycle)
	assert.Equal(t, 1, stored.CurrentBalance)
	assert.Contains(t, f.notifier.Types(), EventRewardExpired)
}

func TestIssueStampOnCompletedProgram(t *testing.T) {
	f := newFixture(t)
	en := f.enroll(f.program(func(p *models.LoyaltyProgram) { p.AllowRepeatCycles = false }))
	reward := f.fill(en, 3)

	_, err := f.svc.Redeems.RedeemReward(context.Background(), RedeemRequest{RewardID: reward.ID, MerchantID: f.merchantID})
	require.NoError(t, err)

	_, err = f.svc.Stamps.IssueStamp(context.Background(), StampRequest{EnrollmentID: en.ID, TxID: "more"})
	assert.ErrorIs(t, err, ErrProgramCompleted)
	assert.Equal(t, 1, f.enrollment(en.ID).CurrentCycle)
}

func TestRevokeLastStampUnwindsReward(t *testing.T) {
	f := newFixture(t)
	en := f.enroll(f.program(nil))
	f.stamp(en, "a")
	f.stamp(en, "b")
	last := f.stamp(en, "c")
	require.True(t, last.RewardReached)

	res, err := f.svc.Stamps.RevokeLastStamp(context.Background(), en.ID, f.merchantID, &f.staffID)
	require.NoError(t, err)

	assert.Equal(t, last.Stamp.ID, res.Revoked.ID)
	assert.True(t, res.RewardReset)
	assert.Equal(t, 2, res.Enrollment.CurrentBalance)

	reward := f.reward(last.Reward.ID)
	assert.Equal(t, models.RewardStatusInactive, reward.Status)
	assert.Nil(t, reward.VoucherCode)
	assert.Nil(t, reward.ReachedAt)

	entries := f.ledger(en.ID)
	adjust := entries[len(entries)-1]
	assert.Equal(t, models.LedgerEntryAdjust, adjust.EntryType)
	assert.Equal(t, -1, adjust.Amount)
	assert.Equal(t, "c", adjust.TxID)
	assert.Equal(t, NoteManualRevoke, adjust.Notes)
	assert.Equal(t, int64(0), f.count(&models.Stamp{}, "id = ?", last.Stamp.ID))

	// the cycle can be completed again with a fresh voucher
	again := f.stamp(en, "d")
	assert.True(t, again.RewardReached)
}

func TestRevokeLastStampFollowsIssueOrder(t *testing.T) {
	f := newFixture(t)
	threshold := 100
	en := f.enroll(f.program(func(p *models.LoyaltyProgram) {
		p.LogicType = models.LogicTypePoints
		p.PointsThreshold = &threshold
	}))
	issue := func(txID string, amount int) *StampResult {
		t.Helper()
		res, err := f.svc.Stamps.IssueStamp(context.Background(), StampRequest{EnrollmentID: en.ID, TxID: txID, StaffID: &f.staffID, Amount: amount})
		require.NoError(t, err)
		return res
	}
	revoke := func() *RevokeResult {
		t.Helper()
		res, err := f.svc.Stamps.RevokeLastStamp(context.Background(), en.ID, f.merchantID, &f.staffID)
		require.NoError(t, err)
		return res
	}

	// same instant for the first three stamps
	issue("a", 5)
	issue("b", 7)
	c := issue("c", 11)
	assert.Equal(t, int64(3), c.Stamp.Seq)

	// a host with a slower clock stamps last
	f.clock.Advance(-time.Minute)
	d := issue("d", 13)
	assert.True(t, d.Stamp.IssuedAt.Before(c.Stamp.IssuedAt))

	first := revoke()
	assert.Equal(t, "d", first.Revoked.TxID)
	assert.Equal(t, 23, first.Enrollment.CurrentBalance)

	second := revoke()
	assert.Equal(t, "c", second.Revoked.TxID)
	assert.Equal(t, 12, second.Enrollment.CurrentBalance)

	var adjusts []models.LedgerEntry
	for _, e := range f.ledger(en.ID) {
		if e.EntryType == models.LedgerEntryAdjust {
			adjusts = append(adjusts, e)
		}
	}
	require.Len(t, adjusts, 2)
	amounts := map[string]int{}
	for _, e := range adjusts {
		amounts[e.TxID] = e.Amount
	}
	assert.Equal(t, map[string]int{"d": -13, "c": -11}, amounts)
}

func TestRevokeWithoutStamps(t *testing.T) {
	f := newFixture(t)
	en := f.enroll(f.program(nil))

	_, err := f.svc.Stamps.RevokeLastStamp(context.Background(), en.ID, f.merchantID, &f.staffID)
	assert.ErrorIs(t, err, ErrNoStampsToRevoke)
	assert.Equal(t, 0, f.enrollment(en.ID).CurrentBalance)
}

func TestStampAndRevokeStayWithinMerchant(t *testing.T) {
	f := newFixture(t)
	en := f.enroll(f.program(nil))
	f.stamp(en, "a")
	intruder := uuid.New()

	_, err := f.svc.Stamps.IssueStamp(context.Background(), StampRequest{EnrollmentID: en.ID, MerchantID: intruder, TxID: "b"})
	assert.ErrorIs(t, err, ErrWrongMerchant)

	_, err = f.svc.Stamps.RevokeLastStamp(context.Background(), en.ID, intruder, nil)
	assert.ErrorIs(t, err, ErrWrongMerchant)
	assert.Equal(t, 1, f.enrollment(en.ID).CurrentBalance)
}

func TestIssueNote(t *testing.T) {
	assert.Equal(t, NoteScanPunch, issueNote("scan_abc"))
	assert.Equal(t, NoteManualIssue, issueNote("pos-42"))
	assert.Equal(t, NoteManualIssue, issueNote("scan"))
}
