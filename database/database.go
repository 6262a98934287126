package database

import (
	"fmt"
	"time"

	"stampcard-backend/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newGormLogger() logger.Interface {
	return logger.New(
		log.StandardLogger(),
		logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

func Connect(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		dsn = "host=localhost user=postgres password=postgres dbname=stampcard port=5432 sslmode=disable TimeZone=UTC"
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:  newGormLogger(),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database: underlying pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(25)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return db, nil
}

// Migrate creates the ledger tables and the unique keys the engine relies on
// for idempotency: (enrollment_id, cycle) on rewards, (program_id, tx_id) on
// stamps and the nonce primary key.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("failed to migrate ledger tables: %w", err)
	}

	// AutoMigrate will not add an index to an existing table created before the
	// constraint existed, so make sure the idempotency keys are present.
	required := []struct {
		model interface{}
		index string
	}{
		{&models.Reward{}, "idx_rewards_enrollment_cycle"},
		{&models.Stamp{}, "idx_stamps_program_tx"},
		{&models.Enrollment{}, "idx_enrollments_customer_program"},
	}
	for _, r := range required {
		if db.Migrator().HasIndex(r.model, r.index) {
			continue
		}
		if err := db.Migrator().CreateIndex(r.model, r.index); err != nil {
			return fmt.Errorf("failed to create index %s: %w", r.index, err)
		}
	}

	return nil
}
