package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"stampcard-backend/models"
	"stampcard-backend/utils"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// one connection serializes transactions the way row locks would
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingNotifier) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.Type)
	}
	return types
}

type fixture struct {
	t          *testing.T
	db         *gorm.DB
	clock      *utils.ManualClock
	keys       *Keyring
	notifier   *recordingNotifier
	svc        *Services
	merchantID uuid.UUID
	staffID    uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	keys, err := NewKeyring("v1", "test-signing-secret", nil)
	require.NoError(t, err)
	f := &fixture{
		t:          t,
		db:         newTestDB(t),
		clock:      utils.NewManualClock(testEpoch),
		keys:       keys,
		notifier:   &recordingNotifier{},
		merchantID: uuid.New(),
		staffID:    uuid.New(),
	}
	f.svc = f.services(keys, nil)
	return f
}

func (f *fixture) services(keys *Keyring, cache NonceCache) *Services {
	return New(f.db, Options{
		Clock:                f.clock,
		Keys:                 keys,
		Cache:                cache,
		Notifier:             f.notifier,
		GeofenceRadiusMeters: 100,
		TokenTTL:             time.Minute,
	})
}

func (f *fixture) program(mutate func(p *models.LoyaltyProgram)) *models.LoyaltyProgram {
	f.t.Helper()
	p := &models.LoyaltyProgram{
		MerchantID:        f.merchantID,
		Name:              "Coffee Card",
		LogicType:         models.LogicTypePunchCard,
		StampsRequired:    3,
		RewardDescription: "Free coffee",
		AllowRepeatCycles: true,
		IsActive:          true,
	}
	if mutate != nil {
		mutate(p)
	}
	require.NoError(f.t, f.db.Create(p).Error)
	return p
}

func (f *fixture) enroll(p *models.LoyaltyProgram) *models.Enrollment {
	f.t.Helper()
	en, created, err := EnrollmentRepository{}.GetOrCreate(f.db, uuid.New(), p, models.JoinedViaManual, f.clock.Now())
	require.NoError(f.t, err)
	require.True(f.t, created)
	return en
}

func (f *fixture) stamp(en *models.Enrollment, txID string) *StampResult {
	f.t.Helper()
	res, err := f.svc.Stamps.IssueStamp(context.Background(), StampRequest{EnrollmentID: en.ID, TxID: txID, StaffID: &f.staffID})
	require.NoError(f.t, err)
	f.clock.Advance(time.Second)
	return res
}

// fill issues stamps until the cycle's reward turns redeemable.
func (f *fixture) fill(en *models.Enrollment, n int) *models.Reward {
	f.t.Helper()
	var last *StampResult
	for i := 0; i < n; i++ {
		last = f.stamp(en, fmt.Sprintf("fill-%s-%d", uuid.NewString(), i))
	}
	require.True(f.t, last.RewardReached)
	return last.Reward
}

func (f *fixture) enrollment(id uuid.UUID) *models.Enrollment {
	f.t.Helper()
	var en models.Enrollment
	require.NoError(f.t, f.db.First(&en, "id = ?", id).Error)
	return &en
}

func (f *fixture) reward(id uuid.UUID) *models.Reward {
	f.t.Helper()
	var r models.Reward
	require.NoError(f.t, f.db.First(&r, "id = ?", id).Error)
	return &r
}

func (f *fixture) ledger(enrollmentID uuid.UUID) []models.LedgerEntry {
	f.t.Helper()
	var entries []models.LedgerEntry
	require.NoError(f.t, f.db.Where("membership_id = ?", enrollmentID).Order("created_at ASC").Find(&entries).Error)
	return entries
}

func (f *fixture) count(model interface{}, query string, args ...interface{}) int64 {
	f.t.Helper()
	var n int64
	require.NoError(f.t, f.db.Model(model).Where(query, args...).Count(&n).Error)
	return n
}
