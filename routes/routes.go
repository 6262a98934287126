package routes

import (
	"net/http"
	"time"

	"stampcard-backend/handlers"
	"stampcard-backend/middleware"
	"stampcard-backend/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

type Deps struct {
	DB        *gorm.DB
	Services  *services.Services
	JWTSecret string
	// ScanRateLimit is scans allowed per caller per minute.
	ScanRateLimit int
	Gatherer      prometheus.Gatherer
}

func SetupRoutes(r *gin.Engine, deps Deps) {
	loyaltyHandler := &handlers.LoyaltyHandler{DB: deps.DB, Services: deps.Services}

	scanLimit := deps.ScanRateLimit
	if scanLimit <= 0 {
		scanLimit = 30
	}
	scanLimiter := middleware.NewRateLimiter(scanLimit, time.Minute)
	auth := middleware.AuthMiddleware(deps.JWTSecret)

	api := r.Group("/api")
	api.Use(auth)
	{
		// Readable by the enrollment's customer, its merchant, or an admin
		api.GET("/enrollments/:id/reward", loyaltyHandler.GetRewardState)
		api.GET("/enrollments/:id/ledger", loyaltyHandler.GetLedger)
	}

	// Customer routes
	customer := api.Group("")
	customer.Use(middleware.CustomerMiddleware())
	{
		customer.POST("/qr/scan", scanLimiter.Middleware(), loyaltyHandler.Scan)
		customer.POST("/rewards/:id/request", loyaltyHandler.RequestRedemption)
	}

	// Merchant staff routes
	merchant := api.Group("")
	merchant.Use(middleware.MerchantMiddleware())
	{
		merchant.POST("/qr/issue", loyaltyHandler.IssueToken)
		merchant.POST("/enrollments/:id/stamps", loyaltyHandler.IssueStamp)
		merchant.POST("/enrollments/:id/stamps/revoke", loyaltyHandler.RevokeStamp)
		merchant.POST("/rewards/:id/redeem", loyaltyHandler.RedeemReward)
	}

	// Admin routes (require admin role)
	admin := api.Group("/admin")
	admin.Use(middleware.AdminMiddleware())
	{
		admin.POST("/rewards/:id/expire", loyaltyHandler.ExpireReward)
	}

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		if sqlDB, err := deps.DB.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
