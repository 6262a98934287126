package services

import (
	"context"
	"encoding/json"
	"strings"

	"stampcard-backend/models"
	"stampcard-backend/utils"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	NoteScanPunch    = "scan_punch"
	NoteManualIssue  = "manual_issue"
	NoteManualRevoke = "manual_revoke"
	NoteRedemption   = "reward_redeemed"
	NoteExpiry       = "reward_expired"

	scanTxPrefix = "scan_"
)

// issueNote labels an EARN entry by where the issuance came from.
func issueNote(txID string) string {
	if strings.HasPrefix(txID, scanTxPrefix) {
		return NoteScanPunch
	}
	return NoteManualIssue
}

// LedgerWriter appends ledger and audit rows. It never updates either.
type LedgerWriter struct {
	clock utils.Clock
}

func NewLedgerWriter(clock utils.Clock) *LedgerWriter {
	return &LedgerWriter{clock: clock}
}

func (w *LedgerWriter) Append(tx *gorm.DB, e *models.Enrollment, entryType models.LedgerEntryType, amount int, txID string, staffID *uuid.UUID, fingerprint, notes string) error {
	return tx.Create(&models.LedgerEntry{
		MembershipID:      e.ID,
		MerchantID:        e.MerchantID,
		ProgramID:         e.ProgramID,
		CustomerID:        e.CustomerID,
		EntryType:         entryType,
		Amount:            amount,
		TxID:              txID,
		IssuedByStaffID:   staffID,
		DeviceFingerprint: fingerprint,
		Notes:             notes,
		CreatedAt:         w.clock.Now(),
	}).Error
}

func (w *LedgerWriter) Audit(tx *gorm.DB, actorType string, actorID *uuid.UUID, action, entity string, entityID uuid.UUID, details map[string]interface{}) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return err
	}
	return tx.Create(&models.AuditLog{
		ActorType: actorType,
		ActorID:   actorID,
		Action:    action,
		Entity:    entity,
		EntityID:  entityID,
		Details:   datatypes.JSON(raw),
		CreatedAt: w.clock.Now(),
	}).Error
}

// History lists an enrollment's ledger, newest first.
func (w *LedgerWriter) History(ctx context.Context, db *gorm.DB, membershipID uuid.UUID, limit int) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	q := db.WithContext(ctx).Where("membership_id = ?", membershipID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&entries).Error
	return entries, err
}

func staffActor(staffID *uuid.UUID) string {
	if staffID == nil {
		return models.ActorSystem
	}
	return models.ActorStaff
}
