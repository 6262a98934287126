package services

import (
	"errors"
	"time"

	"stampcard-backend/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EnrollmentRepository works on whatever handle it is given so callers can
// compose it inside their own transaction.
type EnrollmentRepository struct{}

func (EnrollmentRepository) Get(tx *gorm.DB, id uuid.UUID) (*models.Enrollment, error) {
	var e models.Enrollment
	if err := tx.First(&e, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, err
	}
	return &e, nil
}

// Lock reads the enrollment row FOR UPDATE. Every balance or reward mutation
// takes this lock first, so it serializes all work on one enrollment.
func (EnrollmentRepository) Lock(tx *gorm.DB, id uuid.UUID) (*models.Enrollment, error) {
	var e models.Enrollment
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&e, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (EnrollmentRepository) FindByCustomer(tx *gorm.DB, customerID, programID uuid.UUID) (*models.Enrollment, error) {
	var e models.Enrollment
	if err := tx.Where("customer_id = ? AND program_id = ?", customerID, programID).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotEnrolled
		}
		return nil, err
	}
	return &e, nil
}

// GetOrCreate returns the customer's enrollment, creating it on first join.
// Two concurrent joins both end up reading the same row.
func (r EnrollmentRepository) GetOrCreate(tx *gorm.DB, customerID uuid.UUID, program *models.LoyaltyProgram, joinedVia string, now time.Time) (*models.Enrollment, bool, error) {
	e := models.Enrollment{
		CustomerID:   customerID,
		ProgramID:    program.ID,
		MerchantID:   program.MerchantID,
		CurrentCycle: 1,
		JoinedVia:    joinedVia,
		IsActive:     true,
		JoinedAt:     now,
	}
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&e)
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected == 1 {
		return &e, true, nil
	}
	existing, err := r.FindByCustomer(tx, customerID, program.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (EnrollmentRepository) Save(tx *gorm.DB, e *models.Enrollment) error {
	return tx.Model(e).Select("current_balance", "current_cycle", "last_visit_at", "is_active", "updated_at").Updates(e).Error
}
