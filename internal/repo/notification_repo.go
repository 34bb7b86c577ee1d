// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Notification model, including group-key coalescing.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-messaging-backend/internal/domain"
)

// NotificationInput carries the fields needed to create a notification.
type NotificationInput struct {
	RecipientID string
	SenderID    string
	Type        string
	Title       string
	Message     string
	Priority    int
	GroupKey    string
	ActionURL   string
}

// CreateNotification inserts a notification, coalescing into an existing
// unread row when one with the same (recipient, group_key) was created within
// groupWindow. Coalescing bumps GroupCount and refreshes the message text.
// Returns the resulting row and whether it was coalesced.
func CreateNotification(ctx context.Context, db *gorm.DB, in NotificationInput, groupWindow time.Duration) (*domain.Notification, bool, error) {
	now := time.Now().UTC()

	if in.GroupKey != "" && groupWindow > 0 {
		var prior domain.Notification
		err := db.WithContext(ctx).
			Where("recipient_id = ? AND group_key = ? AND is_read = ? AND created_at > ?",
				in.RecipientID, in.GroupKey, false, now.Add(-groupWindow)).
			Order("created_at DESC").
			First(&prior).Error
		switch {
		case err == nil:
			upd := db.WithContext(ctx).Model(&domain.Notification{}).
				Where("id = ?", prior.ID).
				Updates(map[string]any{
					"group_count": gorm.Expr("group_count + 1"),
					"message":     in.Message,
					"updated_at":  now,
				})
			if upd.Error != nil {
				return nil, false, upd.Error
			}
			merged, gerr := GetNotification(ctx, db, prior.ID)
			return merged, true, gerr
		case errors.Is(err, gorm.ErrRecordNotFound):
			// fall through to insert
		default:
			return nil, false, err
		}
	}

	if in.Priority == 0 {
		in.Priority = domain.PriorityDefault
	}
	n := &domain.Notification{
		ID:          uuid.NewString(),
		RecipientID: in.RecipientID,
		SenderID:    in.SenderID,
		Type:        in.Type,
		Title:       in.Title,
		Message:     in.Message,
		Priority:    in.Priority,
		GroupKey:    in.GroupKey,
		GroupCount:  1,
		ActionURL:   in.ActionURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return n, false, db.WithContext(ctx).Create(n).Error
}

// GetNotification fetches a notification by ID, or ErrNotFound.
func GetNotification(ctx context.Context, db *gorm.DB, id string) (*domain.Notification, error) {
	var n domain.Notification
	if err := db.WithContext(ctx).Where("id = ?", id).First(&n).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &n, nil
}

// ListNotifications returns a user's notifications newest first, optionally
// filtered to unread rows or a single type tag.
func ListNotifications(ctx context.Context, db *gorm.DB, userID string, limit, offset int, unreadOnly bool, notifType string) ([]domain.Notification, error) {
	var out []domain.Notification
	q := db.WithContext(ctx).
		Where("recipient_id = ?", userID).
		Order("created_at DESC, id DESC")
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	if notifType != "" {
		q = q.Where("type = ?", notifType)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// MarkNotificationRead flags one notification read for the user. Returns
// false when the row was already read or does not belong to the user.
func MarkNotificationRead(ctx context.Context, db *gorm.DB, id, userID string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.Notification{}).
		Where("id = ? AND recipient_id = ? AND is_read = ?", id, userID, false).
		Updates(map[string]any{"is_read": true, "read_at": &now})
	return res.RowsAffected > 0, res.Error
}

// MarkAllNotificationsRead flags every unread notification for the user and
// returns the number updated.
func MarkAllNotificationsRead(ctx context.Context, db *gorm.DB, userID string, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.Notification{}).
		Where("recipient_id = ? AND is_read = ?", userID, false).
		Updates(map[string]any{"is_read": true, "read_at": &now})
	return res.RowsAffected, res.Error
}

// MarkNotificationDelivered stamps DeliveredAt once; later calls are no-ops.
func MarkNotificationDelivered(ctx context.Context, db *gorm.DB, id string, now time.Time) error {
	return db.WithContext(ctx).Model(&domain.Notification{}).
		Where("id = ? AND delivered_at IS NULL", id).
		Update("delivered_at", &now).Error
}

// CountUnreadNotifications returns the user's unread-badge count.
func CountUnreadNotifications(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.Notification{}).
		Where("recipient_id = ? AND is_read = ?", userID, false).
		Count(&total).Error
	return total, err
}
