// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// MessagingError audit log.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-messaging-backend/internal/domain"
)

// AppendMessagingError records one audit entry. The log is append-only;
// resolution is the only mutation applied afterwards.
func AppendMessagingError(ctx context.Context, db *gorm.DB, errorType, message, severity, contextJSON, userID string) (*domain.MessagingError, error) {
	rec := &domain.MessagingError{
		ID:        uuid.NewString(),
		ErrorType: errorType,
		Message:   message,
		Severity:  severity,
		Context:   contextJSON,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	return rec, db.WithContext(ctx).Create(rec).Error
}

// ResolveMessagingError marks an audit entry resolved with notes. Returns
// false when the entry does not exist or was already resolved.
func ResolveMessagingError(ctx context.Context, db *gorm.DB, id, notes string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.MessagingError{}).
		Where("id = ? AND resolved = ?", id, false).
		Updates(map[string]any{
			"resolved":         true,
			"resolution_notes": notes,
			"resolved_at":      &now,
		})
	return res.RowsAffected > 0, res.Error
}

// ListUnresolvedErrors returns open audit entries, newest first.
func ListUnresolvedErrors(ctx context.Context, db *gorm.DB, limit int) ([]domain.MessagingError, error) {
	var out []domain.MessagingError
	q := db.WithContext(ctx).
		Where("resolved = ?", false).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}
