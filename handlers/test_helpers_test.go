package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stampcard-backend/middleware"
	"stampcard-backend/models"
	"stampcard-backend/services"
	"stampcard-backend/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "test-secret-key-for-unit-tests"

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	t          *testing.T
	router     *gin.Engine
	db         *gorm.DB
	svc        *services.Services
	clock      *utils.ManualClock
	merchantID uuid.UUID
	staffToken string
	adminToken string
}

// newTestEnv builds a fresh database and a router carrying the same
// middleware chain as production.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	// Limit to 1 open connection so every request sees the same in-memory database.
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	keys, err := services.NewKeyring("v1", "handler-test-signing-key", nil)
	if err != nil {
		t.Fatal(err)
	}
	clock := utils.NewManualClock(time.Now().UTC())
	svc := services.New(db, services.Options{Clock: clock, Keys: keys, TokenTTL: time.Minute})

	env := &testEnv{
		t:          t,
		db:         db,
		svc:        svc,
		clock:      clock,
		merchantID: uuid.New(),
	}
	_, env.staffToken = env.token(utils.RoleStaff, &env.merchantID)
	_, env.adminToken = env.token(utils.RoleAdmin, nil)

	h := &LoyaltyHandler{DB: db, Services: svc}
	r := gin.New()
	api := r.Group("/api")
	api.Use(middleware.AuthMiddleware(testSecret))
	api.GET("/enrollments/:id/reward", h.GetRewardState)
	api.GET("/enrollments/:id/ledger", h.GetLedger)

	customer := api.Group("", middleware.CustomerMiddleware())
	customer.POST("/qr/scan", h.Scan)
	customer.POST("/rewards/:id/request", h.RequestRedemption)

	merchant := api.Group("", middleware.MerchantMiddleware())
	merchant.POST("/qr/issue", h.IssueToken)
	merchant.POST("/enrollments/:id/stamps", h.IssueStamp)
	merchant.POST("/enrollments/:id/stamps/revoke", h.RevokeStamp)
	merchant.POST("/rewards/:id/redeem", h.RedeemReward)

	admin := api.Group("/admin", middleware.AdminMiddleware())
	admin.POST("/rewards/:id/expire", h.ExpireReward)

	env.router = r
	return env
}

func (e *testEnv) token(role string, merchantID *uuid.UUID) (uuid.UUID, string) {
	e.t.Helper()
	id := uuid.New()
	token, err := utils.GenerateToken(testSecret, id, role, merchantID, time.Hour)
	if err != nil {
		e.t.Fatal(err)
	}
	return id, token
}

// seedProgram creates an active punch card with the given stamp count.
func (e *testEnv) seedProgram(stamps int, expiryDays *int) models.LoyaltyProgram {
	e.t.Helper()
	p := models.LoyaltyProgram{
		MerchantID:        e.merchantID,
		Name:              "Coffee Card",
		LogicType:         models.LogicTypePunchCard,
		StampsRequired:    stamps,
		RewardDescription: "Free coffee",
		RewardExpiryDays:  expiryDays,
		AllowRepeatCycles: true,
		IsActive:          true,
	}
	if err := e.db.Create(&p).Error; err != nil {
		e.t.Fatal(err)
	}
	return p
}

func (e *testEnv) seedEnrollment(p models.LoyaltyProgram, customerID uuid.UUID) models.Enrollment {
	e.t.Helper()
	en := models.Enrollment{
		CustomerID: customerID,
		ProgramID:  p.ID,
		MerchantID: p.MerchantID,
		JoinedVia:  models.JoinedViaManual,
		IsActive:   true,
	}
	if err := e.db.Create(&en).Error; err != nil {
		e.t.Fatal(err)
	}
	return en
}

func (e *testEnv) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

// fillCard stamps an enrollment through the API until its reward is reached.
func (e *testEnv) fillCard(en models.Enrollment, stamps int) map[string]interface{} {
	e.t.Helper()
	var last map[string]interface{}
	for i := 0; i < stamps; i++ {
		w := e.do(http.MethodPost, "/api/enrollments/"+en.ID.String()+"/stamps", e.staffToken, gin.H{"tx_id": uuid.NewString()})
		expectStatus(e.t, w, http.StatusCreated)
		decode(e.t, w, &last)
		e.clock.Advance(time.Second)
	}
	if last["reward_reached"] != true {
		e.t.Fatalf("expected reward to be reached, got %v", last)
	}
	return last["reward"].(map[string]interface{})
}
