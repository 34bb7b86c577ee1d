// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the ephemeral
// TypingStatus model.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-messaging-backend/internal/domain"
)

// UpsertTypingStatus creates or updates the unique (user, partner) typing row.
// Repeated calls for the same pair update in place and never create a second
// row.
func UpsertTypingStatus(ctx context.Context, db *gorm.DB, userID, partnerID string, isTyping bool, now time.Time) error {
	row := &domain.TypingStatus{
		ID:            uuid.NewString(),
		UserID:        userID,
		ChatPartnerID: partnerID,
		IsTyping:      isTyping,
		LastUpdated:   now,
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "chat_partner_id"}},
		DoUpdates: clause.Assignments(map[string]any{"is_typing": isTyping, "last_updated": now}),
	}).Create(row).Error
}

// GetTypingStatus fetches the typing row for the ordered pair, or ErrNotFound.
func GetTypingStatus(ctx context.Context, db *gorm.DB, userID, partnerID string) (*domain.TypingStatus, error) {
	var row domain.TypingStatus
	err := db.WithContext(ctx).
		Where("user_id = ? AND chat_partner_id = ?", userID, partnerID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ResetStaleTyping forces is_typing=false for rows untouched since the
// cutoff, returning how many were affected.
func ResetStaleTyping(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.TypingStatus{}).
		Where("is_typing = ? AND last_updated < ?", true, cutoff).
		Update("is_typing", false)
	return res.RowsAffected, res.Error
}
