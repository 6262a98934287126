package services

import (
	"context"
	"errors"

	"stampcard-backend/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProgramRule decides how much one issuance credits and when a cycle is full.
type ProgramRule interface {
	Threshold() int
	// Credit returns how many units an issuance of requested units adds to a
	// cycle that already holds balance. It never overshoots the threshold.
	Credit(requested, balance int) int
}

type PunchCardRule struct {
	StampsRequired int
}

func (r PunchCardRule) Threshold() int { return r.StampsRequired }

func (r PunchCardRule) Credit(_, balance int) int {
	if balance >= r.StampsRequired {
		return 0
	}
	return 1
}

type PointsRule struct {
	PointsThreshold int
}

func (r PointsRule) Threshold() int { return r.PointsThreshold }

func (r PointsRule) Credit(requested, balance int) int {
	if requested < 1 {
		requested = 1
	}
	if remaining := r.PointsThreshold - balance; requested > remaining {
		return max(remaining, 0)
	}
	return requested
}

func ParseRule(p *models.LoyaltyProgram) (ProgramRule, error) {
	switch p.LogicType {
	case models.LogicTypePunchCard, "":
		if p.StampsRequired < 1 {
			return nil, ErrInvalidProgramRule
		}
		return PunchCardRule{StampsRequired: p.StampsRequired}, nil
	case models.LogicTypePoints:
		if p.PointsThreshold == nil || *p.PointsThreshold < 1 {
			return nil, ErrInvalidProgramRule
		}
		return PointsRule{PointsThreshold: *p.PointsThreshold}, nil
	}
	return nil, ErrInvalidProgramRule
}

// ProgramDirectory is the read side of the merchant catalogue.
type ProgramDirectory struct{}

func (ProgramDirectory) Get(tx *gorm.DB, id uuid.UUID) (*models.LoyaltyProgram, error) {
	var program models.LoyaltyProgram
	if err := tx.First(&program, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProgramNotFound
		}
		return nil, err
	}
	return &program, nil
}

// GetActive loads a program and its rule, refusing inactive programs.
func (d ProgramDirectory) GetActive(tx *gorm.DB, id uuid.UUID) (*models.LoyaltyProgram, ProgramRule, error) {
	program, err := d.Get(tx, id)
	if err != nil {
		return nil, nil, err
	}
	if !program.IsActive {
		return nil, nil, ErrProgramInactive
	}
	rule, err := ParseRule(program)
	if err != nil {
		return nil, nil, err
	}
	return program, rule, nil
}

func (ProgramDirectory) Locations(ctx context.Context, db *gorm.DB, merchantID uuid.UUID) ([]models.Location, error) {
	var locations []models.Location
	err := db.WithContext(ctx).Where("merchant_id = ?", merchantID).Find(&locations).Error
	return locations, err
}
