package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"stampcard-backend/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryCache struct {
	seen map[string]bool
}

func (c *memoryCache) Seen(_ context.Context, nonce string) (bool, error) {
	return c.seen[nonce], nil
}

func (c *memoryCache) Remember(_ context.Context, nonce string, _ time.Duration) error {
	c.seen[nonce] = true
	return nil
}

func (f *fixture) token(typ TokenType, p *models.LoyaltyProgram, payload TokenPayload) string {
	f.t.Helper()
	raw, _, err := f.svc.Scans.IssueActionToken(context.Background(), IssueRequest{
		Type:       typ,
		ProgramID:  p.ID,
		MerchantID: p.MerchantID,
		IssuedBy:   &f.staffID,
		Payload:    payload,
	})
	require.NoError(f.t, err)
	return raw
}

func (f *fixture) scan(raw string, customerID uuid.UUID) (*ScanResult, error) {
	return f.svc.Scans.RedeemActionToken(context.Background(), ScanRequest{Token: raw, CustomerID: customerID, DeviceFingerprint: "device-1"})
}

func TestScanJoinCreatesEnrollmentOnce(t *testing.T) {
	f := newFixture(t)
	p := f.program(nil)
	customer := uuid.New()

	first, err := f.scan(f.token(TokenTypeJoin, p, TokenPayload{}), customer)
	require.NoError(t, err)
	assert.True(t, first.Joined)
	assert.Equal(t, 1, first.Cycle)

	second, err := f.scan(f.token(TokenTypeJoin, p, TokenPayload{}), customer)
	require.NoError(t, err)
	assert.False(t, second.Joined)
	assert.Equal(t, first.MembershipID, second.MembershipID)

	en := f.enrollment(first.MembershipID)
	assert.Equal(t, models.JoinedViaQR, en.JoinedVia)
	assert.Equal(t, int64(1), f.count(&models.Reward{}, "enrollment_id = ?", en.ID))
	assert.Equal(t, []string{EventEnrollmentJoined}, f.notifier.Types())
}

func TestScanStampIssuesThroughStampService(t *testing.T) {
	f := newFixture(t)
	p := f.program(nil)
	customer := uuid.New()
	_, err := f.scan(f.token(TokenTypeJoin, p, TokenPayload{}), customer)
	require.NoError(t, err)

	raw := f.token(TokenTypeStamp, p, TokenPayload{})
	res, err := f.scan(raw, customer)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Balance)
	require.NotNil(t, res.Stamp)
	assert.True(t, strings.HasPrefix(res.Stamp.TxID, "scan_"))
	assert.Equal(t, &f.staffID, res.Stamp.IssuedByStaffID)

	entries := f.ledger(res.MembershipID)
	require.Len(t, entries, 1)
	assert.Equal(t, NoteScanPunch, entries[0].Notes)
	assert.Equal(t, "device-1", entries[0].DeviceFingerprint)

	// replaying the same token is refused and changes nothing
	_, err = f.scan(raw, customer)
	assert.ErrorIs(t, err, ErrTokenAlreadyUsed)
	assert.Equal(t, 1, f.enrollment(res.MembershipID).CurrentBalance)
}

func TestScanExpiredTokenBurnsNonce(t *testing.T) {
	f := newFixture(t)
	p := f.program(nil)
	customer := uuid.New()

	raw := f.token(TokenTypeJoin, p, TokenPayload{})
	tok, err := f.svc.Codec.Verify(raw)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	_, err = f.scan(raw, customer)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.Equal(t, int64(0), f.count(&models.Enrollment{}, "customer_id = ?", customer))

	claim, err := f.svc.Nonces.Claim(context.Background(), tok.Nonce, tok.ExpiresAt)
	require.NoError(t, err)
	assert.Equal(t, AlreadyClaimed, claim)
}

func TestScanAtExpiryInstantSucceeds(t *testing.T) {
	f := newFixture(t)
	p := f.program(nil)

	raw := f.token(TokenTypeJoin, p, TokenPayload{})
	f.clock.Advance(time.Minute)
	_, err := f.scan(raw, uuid.New())
	assert.NoError(t, err)
}

func TestScanRejectsBadTokens(t *testing.T) {
	f := newFixture(t)
	p := f.program(nil)

	_, err := f.scan("garbage", uuid.New())
	assert.ErrorIs(t, err, ErrMalformedToken)

	key, err := f.keys.key("v1", purposeActionToken)
	require.NoError(t, err)
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, actionClaims{
		Type:      TokenType("refund"),
		ProgramID: p.ID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "refund-nonce",
			ExpiresAt: jwt.NewNumericDate(testEpoch.Add(time.Minute)),
		},
	})
	forged.Header["kid"] = "v1"
	raw, err := forged.SignedString(key)
	require.NoError(t, err)

	_, err = f.scan(raw, uuid.New())
	assert.ErrorIs(t, err, ErrUnknownTokenType)
	assert.Equal(t, int64(0), f.count(&models.ConsumedNonce{}, "nonce = ?", "refund-nonce"))
}

func TestScanStampRequiresEnrollment(t *testing.T) {
	f := newFixture(t)
	p := f.program(nil)

	_, err := f.scan(f.token(TokenTypeStamp, p, TokenPayload{}), uuid.New())
	assert.ErrorIs(t, err, ErrNotEnrolled)
}

func TestScanGeofence(t *testing.T) {
	f := newFixture(t)
	p := f.program(nil)
	require.NoError(t, f.db.Create(&models.Location{MerchantID: f.merchantID, Name: "Main St", Lat: 51.5007, Lng: -0.1246}).Error)

	near, nearLng := 51.5008, -0.1247
	far, farLng := 51.6, -0.2

	_, err := f.svc.Scans.RedeemActionToken(context.Background(), ScanRequest{
		Token: f.token(TokenTypeJoin, p, TokenPayload{}), CustomerID: uuid.New(), Lat: &far, Lng: &farLng,
	})
	assert.ErrorIs(t, err, ErrNotNearLocation)

	res, err := f.svc.Scans.RedeemActionToken(context.Background(), ScanRequest{
		Token: f.token(TokenTypeJoin, p, TokenPayload{}), CustomerID: uuid.New(), Lat: &near, Lng: &nearLng,
	})
	require.NoError(t, err)
	assert.True(t, res.Joined)
}

func TestScanRedeemFlow(t *testing.T) {
	f := newFixture(t)
	p := f.program(nil)
	customer := uuid.New()
	_, err := f.scan(f.token(TokenTypeJoin, p, TokenPayload{}), customer)
	require.NoError(t, err)

	_, err = f.scan(f.token(TokenTypeRedeem, p, TokenPayload{}), customer)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	for i := 0; i < 3; i++ {
		_, err := f.scan(f.token(TokenTypeStamp, p, TokenPayload{}), customer)
		require.NoError(t, err)
	}

	res, err := f.scan(f.token(TokenTypeRedeem, p, TokenPayload{}), customer)
	require.NoError(t, err)
	assert.Equal(t, models.RewardStatusRedeemed, res.Reward.Status)
	assert.Equal(t, 2, res.Cycle)
	assert.Equal(t, 0, res.Balance)
	assert.Contains(t, f.notifier.Types(), EventRewardRedeemed)
}

func TestIssueActionTokenChecksOwnership(t *testing.T) {
	f := newFixture(t)
	p := f.program(nil)

	_, _, err := f.svc.Scans.IssueActionToken(context.Background(), IssueRequest{Type: TokenTypeStamp, ProgramID: p.ID, MerchantID: uuid.New()})
	assert.ErrorIs(t, err, ErrWrongMerchant)

	_, _, err = f.svc.Scans.IssueActionToken(context.Background(), IssueRequest{Type: TokenTypeStamp, ProgramID: uuid.New(), MerchantID: f.merchantID})
	assert.ErrorIs(t, err, ErrProgramNotFound)

	zero := 0
	_, _, err = f.svc.Scans.IssueActionToken(context.Background(), IssueRequest{Type: TokenTypeStamp, ProgramID: p.ID, MerchantID: f.merchantID, Payload: TokenPayload{Amount: &zero}})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	paused := f.program(func(p *models.LoyaltyProgram) { p.IsActive = false })
	_, _, err = f.svc.Scans.IssueActionToken(context.Background(), IssueRequest{Type: TokenTypeJoin, ProgramID: paused.ID, MerchantID: f.merchantID})
	assert.ErrorIs(t, err, ErrProgramInactive)
}

func TestScanIsolatesMerchants(t *testing.T) {
	f := newFixture(t)
	mine := f.program(nil)
	other := f.program(func(p *models.LoyaltyProgram) { p.MerchantID = uuid.New() })
	customer := uuid.New()

	_, err := f.scan(f.token(TokenTypeJoin, mine, TokenPayload{}), customer)
	require.NoError(t, err)

	// a stamp token for another merchant's program never touches this enrollment
	_, err = f.scan(f.token(TokenTypeStamp, other, TokenPayload{}), customer)
	assert.ErrorIs(t, err, ErrNotEnrolled)
}

func TestScanReplayCache(t *testing.T) {
	f := newFixture(t)
	cache := &memoryCache{seen: map[string]bool{}}
	f.svc = f.services(f.keys, cache)
	p := f.program(nil)

	raw := f.token(TokenTypeJoin, p, TokenPayload{})
	tok, err := f.svc.Codec.Verify(raw)
	require.NoError(t, err)

	_, err = f.scan(raw, uuid.New())
	require.NoError(t, err)
	assert.True(t, cache.seen[tok.Nonce])

	// a nonce the cache knows about is refused before the database is asked
	cache.seen["pre-seen"] = true
	key, err := f.keys.key("v1", purposeActionToken)
	require.NoError(t, err)
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, actionClaims{
		Type:      TokenTypeJoin,
		ProgramID: p.ID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "pre-seen",
			ExpiresAt: jwt.NewNumericDate(testEpoch.Add(time.Minute)),
		},
	})
	forged.Header["kid"] = "v1"
	signed, err := forged.SignedString(key)
	require.NoError(t, err)

	_, err = f.scan(signed, uuid.New())
	assert.ErrorIs(t, err, ErrTokenAlreadyUsed)
	assert.Equal(t, int64(0), f.count(&models.ConsumedNonce{}, "nonce = ?", "pre-seen"))
}

func TestScanPointsFromPurchaseTotal(t *testing.T) {
	f := newFixture(t)
	threshold := 50
	p := f.program(func(p *models.LoyaltyProgram) {
		p.LogicType = models.LogicTypePoints
		p.PointsThreshold = &threshold
	})
	customer := uuid.New()
	_, err := f.scan(f.token(TokenTypeJoin, p, TokenPayload{}), customer)
	require.NoError(t, err)

	total := 18.90
	res, err := f.scan(f.token(TokenTypeStamp, p, TokenPayload{PurchaseTotal: &total}), customer)
	require.NoError(t, err)
	assert.Equal(t, 18, res.Balance)
	assert.Equal(t, 18, res.Stamp.Amount)
}
