package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"stampcard-backend/dtos"
	"stampcard-backend/middleware"
	"stampcard-backend/models"
	"stampcard-backend/services"
	"stampcard-backend/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type LoyaltyHandler struct {
	DB       *gorm.DB
	Services *services.Services
}

var kindStatus = map[services.ErrorKind]int{
	services.KindValidation: http.StatusBadRequest,
	services.KindNotFound:   http.StatusNotFound,
	services.KindPermission: http.StatusForbidden,
	services.KindConflict:   http.StatusConflict,
	services.KindExpired:    http.StatusGone,
	services.KindInvariant:  http.StatusUnprocessableEntity,
}

func respondError(c *gin.Context, err error) {
	if e, ok := services.AsError(err); ok {
		c.JSON(kindStatus[e.Kind], gin.H{"error": e.Message, "code": e.Code})
		return
	}
	log.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

func staffID(c *gin.Context) *uuid.UUID {
	id := middleware.UserID(c)
	if id == uuid.Nil {
		return nil
	}
	return &id
}

// IssueToken mints a single-use QR token for one of the merchant's programs.
func (h *LoyaltyHandler) IssueToken(c *gin.Context) {
	var req dtos.IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.SanitizeValidationError(err)})
		return
	}
	merchantID, _ := middleware.MerchantID(c)

	raw, tok, err := h.Services.Scans.IssueActionToken(c.Request.Context(), services.IssueRequest{
		Type:       services.TokenType(req.Type),
		ProgramID:  uuid.MustParse(req.ProgramID),
		MerchantID: merchantID,
		IssuedBy:   staffID(c),
		Payload:    services.TokenPayload{Amount: req.Amount, PurchaseTotal: req.PurchaseTotal},
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dtos.IssueTokenResponse{
		Token:     raw,
		Type:      string(tok.Type),
		ProgramID: tok.ProgramID,
		ExpiresAt: tok.ExpiresAt,
	})
}

func (h *LoyaltyHandler) Scan(c *gin.Context) {
	var req dtos.ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.SanitizeValidationError(err)})
		return
	}

	res, err := h.Services.Scans.RedeemActionToken(c.Request.Context(), services.ScanRequest{
		Token:             req.Token,
		CustomerID:        middleware.UserID(c),
		Lat:               req.Lat,
		Lng:               req.Lng,
		DeviceFingerprint: req.DeviceFingerprint,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	resp := dtos.ScanResponse{
		Type:            string(res.Type),
		ProgramID:       res.ProgramID,
		MembershipID:    res.MembershipID,
		Joined:          res.Joined,
		Balance:         res.Balance,
		Cycle:           res.Cycle,
		Reward:          dtos.NewRewardResponse(res.Reward),
		AlreadyRedeemed: res.AlreadyRedeemed,
	}
	if res.Stamp != nil {
		stamp := dtos.NewStampResponse(res.Stamp)
		resp.Stamp = &stamp
	}
	c.JSON(http.StatusOK, resp)
}

func (h *LoyaltyHandler) IssueStamp(c *gin.Context) {
	enrollmentID, ok := parseID(c)
	if !ok {
		return
	}
	var req dtos.IssueStampRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.SanitizeValidationError(err)})
		return
	}
	merchantID, _ := middleware.MerchantID(c)

	res, err := h.Services.Stamps.IssueStamp(c.Request.Context(), services.StampRequest{
		EnrollmentID:      enrollmentID,
		MerchantID:        merchantID,
		TxID:              req.TxID,
		StaffID:           staffID(c),
		Amount:            req.Amount,
		DeviceFingerprint: req.DeviceFingerprint,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, dtos.IssueStampResponse{
		Stamp:         dtos.NewStampResponse(res.Stamp),
		Duplicate:     res.Duplicate,
		Balance:       res.Enrollment.CurrentBalance,
		Cycle:         res.Enrollment.CurrentCycle,
		RewardReached: res.RewardReached,
		Reward:        dtos.NewRewardResponse(res.Reward),
	})
}

func (h *LoyaltyHandler) RevokeStamp(c *gin.Context) {
	enrollmentID, ok := parseID(c)
	if !ok {
		return
	}
	merchantID, _ := middleware.MerchantID(c)

	res, err := h.Services.Stamps.RevokeLastStamp(c.Request.Context(), enrollmentID, merchantID, staffID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dtos.RevokeStampResponse{
		Revoked:     dtos.NewStampResponse(res.Revoked),
		Balance:     res.Enrollment.CurrentBalance,
		RewardReset: res.RewardReset,
		Reward:      dtos.NewRewardResponse(res.Reward),
	})
}

// authorizeEnrollment loads an enrollment the caller may read: its customer,
// a member of the owning merchant, or an admin.
func (h *LoyaltyHandler) authorizeEnrollment(c *gin.Context, id uuid.UUID) (*models.Enrollment, bool) {
	var en models.Enrollment
	if err := h.DB.WithContext(c.Request.Context()).First(&en, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, services.ErrEnrollmentNotFound)
		} else {
			respondError(c, err)
		}
		return nil, false
	}

	role, _ := c.Get("user_role")
	merchantID, hasMerchant := middleware.MerchantID(c)
	switch {
	case role == utils.RoleAdmin:
	case role == utils.RoleCustomer && en.CustomerID == middleware.UserID(c):
	case hasMerchant && en.MerchantID == merchantID:
	default:
		// don't reveal other merchants' enrollments
		respondError(c, services.ErrEnrollmentNotFound)
		return nil, false
	}
	return &en, true
}

func (h *LoyaltyHandler) GetRewardState(c *gin.Context) {
	enrollmentID, ok := parseID(c)
	if !ok {
		return
	}
	if _, ok := h.authorizeEnrollment(c, enrollmentID); !ok {
		return
	}

	reward, err := h.Services.Rewards.GetRewardState(c.Request.Context(), enrollmentID)
	if err != nil {
		respondError(c, err)
		return
	}
	// reread: a lazy expiry may have advanced the cycle
	var en models.Enrollment
	if err := h.DB.WithContext(c.Request.Context()).First(&en, "id = ?", enrollmentID).Error; err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dtos.RewardStateResponse{
		EnrollmentID: en.ID,
		Balance:      en.CurrentBalance,
		Cycle:        en.CurrentCycle,
		Reward:       dtos.NewRewardResponse(reward),
	})
}

func (h *LoyaltyHandler) GetLedger(c *gin.Context) {
	enrollmentID, ok := parseID(c)
	if !ok {
		return
	}
	if _, ok := h.authorizeEnrollment(c, enrollmentID); !ok {
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
		return
	}

	entries, err := h.Services.Ledger.History(c.Request.Context(), h.DB, enrollmentID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *LoyaltyHandler) RedeemReward(c *gin.Context) {
	rewardID, ok := parseID(c)
	if !ok {
		return
	}
	// staff must read the voucher off the customer's screen, retries included
	var req dtos.RedeemRewardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": utils.SanitizeValidationError(err)})
		return
	}
	merchantID, _ := middleware.MerchantID(c)

	res, err := h.Services.Redeems.RedeemReward(c.Request.Context(), services.RedeemRequest{
		RewardID:    rewardID,
		StaffID:     staffID(c),
		MerchantID:  merchantID,
		VoucherCode: req.VoucherCode,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dtos.RedeemRewardResponse{
		Reward:          *dtos.NewRewardResponse(res.Reward),
		AlreadyRedeemed: res.AlreadyRedeemed,
		NextCycle:       res.Enrollment.CurrentCycle,
	})
}

// RequestRedemption notifies the merchant that the customer wants to redeem.
func (h *LoyaltyHandler) RequestRedemption(c *gin.Context) {
	rewardID, ok := parseID(c)
	if !ok {
		return
	}

	reward, err := h.Services.Redeems.RequestRedemption(c.Request.Context(), rewardID, middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, dtos.NewRewardResponse(reward))
}

func (h *LoyaltyHandler) ExpireReward(c *gin.Context) {
	rewardID, ok := parseID(c)
	if !ok {
		return
	}

	reward, expired, err := h.Services.Rewards.Expire(c.Request.Context(), rewardID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": expired, "reward": dtos.NewRewardResponse(reward)})
}
