package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Config is built once at startup and handed to every component. Nothing
// mutates it after Load returns.
type Config struct {
	Port        string
	DatabaseURL string
	JWTSecret   string

	SigningKey        string
	SigningKeyVersion string
	// RetiredSigningKeys maps a key version to a secret that can still verify
	// tokens and vouchers minted before the last rotation.
	RetiredSigningKeys map[string]string

	QRTokenTTL           time.Duration
	GeofenceRadiusMeters float64

	RedisURL         string
	NotifyWebhookURL string

	NonceRetention time.Duration
	SweepInterval  time.Duration
	ScanRateLimit  int

	AllowedOrigins []string
	LogLevel       string
	LogFile        string
}

func LoadEnv() error {
	// Try to load .env file if it exists (for local development)
	// On production, environment variables are set directly
	err := godotenv.Load()
	if err != nil {
		// .env file not found is not an error
		return nil
	}
	return nil
}

// ValidateEnv checks that critical environment variables are set.
// Returns an error if any critical variable is missing.
func ValidateEnv() error {
	var missing []string

	if os.Getenv("JWT_SECRET") == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if os.Getenv("DATABASE_URL") == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if os.Getenv("SIGNING_KEY") == "" {
		missing = append(missing, "SIGNING_KEY")
	}

	if len(missing) > 0 {
		return fmt.Errorf("critical environment variables not set: %v", missing)
	}

	if os.Getenv("REDIS_URL") == "" {
		log.Warn("REDIS_URL not set - replay cache disabled, nonce claims go straight to the database")
	}
	if os.Getenv("NOTIFY_WEBHOOK_URL") == "" {
		log.Warn("NOTIFY_WEBHOOK_URL not set - notifications will only be logged")
	}
	if os.Getenv("FRONTEND_URL") == "" {
		log.Warn("FRONTEND_URL not set - CORS may not work correctly")
	}

	return nil
}

// Load reads the environment into a Config. Call LoadEnv and ValidateEnv first.
func Load() (*Config, error) {
	retired, err := parseRetiredKeys(os.Getenv("SIGNING_KEYS_RETIRED"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:                 GetEnv("PORT", "8080"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		SigningKey:           os.Getenv("SIGNING_KEY"),
		SigningKeyVersion:    GetEnv("SIGNING_KEY_VERSION", "v1"),
		RetiredSigningKeys:   retired,
		QRTokenTTL:           GetEnvDuration("QR_TOKEN_TTL", 60*time.Second),
		GeofenceRadiusMeters: GetEnvFloat("GEOFENCE_RADIUS_METERS", 100),
		RedisURL:             os.Getenv("REDIS_URL"),
		NotifyWebhookURL:     os.Getenv("NOTIFY_WEBHOOK_URL"),
		NonceRetention:       GetEnvDuration("NONCE_RETENTION", 24*time.Hour),
		SweepInterval:        GetEnvDuration("SWEEP_INTERVAL", 10*time.Minute),
		ScanRateLimit:        GetEnvInt("SCAN_RATE_LIMIT", 30),
		LogLevel:             GetEnv("LOG_LEVEL", "info"),
		LogFile:              os.Getenv("LOG_FILE"),
	}

	if _, clash := cfg.RetiredSigningKeys[cfg.SigningKeyVersion]; clash {
		return nil, fmt.Errorf("SIGNING_KEYS_RETIRED reuses active key version %q", cfg.SigningKeyVersion)
	}

	origins := []string{os.Getenv("FRONTEND_URL"), os.Getenv("MERCHANT_URL")}
	for _, o := range origins {
		if o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:3000"}
		log.Warn("No CORS origins configured, defaulting to http://localhost:3000")
	}

	return cfg, nil
}

// parseRetiredKeys parses "v0:secret,v-1:other" into a version map.
func parseRetiredKeys(raw string) (map[string]string, error) {
	keys := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return keys, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		version, secret, ok := strings.Cut(pair, ":")
		if !ok || version == "" || secret == "" {
			return nil, fmt.Errorf("invalid SIGNING_KEYS_RETIRED entry %q, want version:secret", pair)
		}
		keys[version] = secret
	}
	return keys, nil
}

func GetEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func GetEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Warnf("%s=%q is not an integer, using %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

func GetEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Warnf("%s=%q is not a number, using %v", key, value, defaultValue)
		return defaultValue
	}
	return f
}

func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Warnf("%s=%q is not a duration, using %s", key, value, defaultValue)
		return defaultValue
	}
	return d
}
