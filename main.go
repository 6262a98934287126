package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stampcard-backend/config"
	"stampcard-backend/database"
	"stampcard-backend/routes"
	"stampcard-backend/services"
	"stampcard-backend/utils"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
)

func main() {
	// Load environment variables
	if err := config.LoadEnv(); err != nil {
		log.Fatal("Error loading .env file: ", err)
	}

	// Validate critical environment variables
	if err := config.ValidateEnv(); err != nil {
		log.Fatal("Environment validation failed: ", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Invalid configuration: ", err)
	}
	utils.SetupLogger(cfg.LogLevel, cfg.LogFile)

	// Initialize database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database: ", err)
	}

	// Run migrations
	if err := database.Migrate(db); err != nil {
		log.Fatal("Failed to run migrations: ", err)
	}

	keys, err := services.NewKeyring(cfg.SigningKeyVersion, cfg.SigningKey, cfg.RetiredSigningKeys)
	if err != nil {
		log.Fatal("Invalid signing keys: ", err)
	}

	var cache services.NonceCache
	var redisCache *services.RedisNonceCache
	if cfg.RedisURL != "" {
		redisCache, err = services.NewRedisNonceCache(cfg.RedisURL)
		if err != nil {
			log.Fatal("Invalid REDIS_URL: ", err)
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisCache.Ping(pingCtx); err != nil {
			// the database claim is authoritative, the cache only saves a round trip
			log.WithError(err).Warn("Redis unreachable at startup, replay cache may be degraded")
		}
		cancel()
		cache = redisCache
	}

	var (
		notifier services.Notifier = services.LogNotifier{}
		webhook  *services.WebhookNotifier
	)
	if cfg.NotifyWebhookURL != "" {
		webhook = services.NewWebhookNotifier(cfg.NotifyWebhookURL, keys.WebhookKey())
		notifier = webhook
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc := services.New(db, services.Options{
		Clock:                utils.SystemClock{},
		Keys:                 keys,
		Cache:                cache,
		Notifier:             notifier,
		Registerer:           registry,
		GeofenceRadiusMeters: cfg.GeofenceRadiusMeters,
		TokenTTL:             cfg.QRTokenTTL,
		SweepInterval:        cfg.SweepInterval,
		NonceRetention:       cfg.NonceRetention,
	})

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	svc.Sweeper.Start(sweepCtx)

	// Setup Gin router
	r := gin.New()
	r.Use(gin.Recovery())

	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	// Setup routes
	routes.SetupRoutes(r, routes.Deps{
		DB:            db,
		Services:      svc,
		JWTSecret:     cfg.JWTSecret,
		ScanRateLimit: cfg.ScanRateLimit,
		Gatherer:      registry,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Run server in a goroutine
	go func() {
		log.Infof("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")
	stopSweeper()

	// Give outstanding requests 30 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	if webhook != nil {
		if err := webhook.Close(ctx); err != nil {
			log.WithError(err).Warn("Pending webhook deliveries dropped")
		}
	}

	if redisCache != nil {
		if err := redisCache.Close(); err != nil {
			log.WithError(err).Warn("Error closing redis client")
		}
	}

	// Close database connection
	sqlDB, err := db.DB()
	if err == nil {
		if err := sqlDB.Close(); err != nil {
			log.Errorf("Error closing database connection: %v", err)
		} else {
			log.Info("Database connection closed")
		}
	}

	log.Info("Server exited gracefully")
}
