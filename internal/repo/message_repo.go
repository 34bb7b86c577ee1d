// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// model: creation with client-token idempotency, lifecycle transitions, and
// the history/sync queries used by the consumers and the REST surface.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-messaging-backend/internal/domain"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateClientID indicates a message with the same (sender, client_id)
// pair was already persisted. Callers treat the original row as the result.
var ErrDuplicateClientID = errors.New("duplicate client id")

// CreateMessage inserts a new message row in status "pending". A non-empty
// clientID enforces sender-scoped idempotency via the unique index; a
// duplicate insert is reported as ErrDuplicateClientID.
func CreateMessage(ctx context.Context, db *gorm.DB, senderID, recipientID, content, clientID string) (*domain.Message, error) {
	m := &domain.Message{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		ClientID:    clientID,
		Status:      domain.MessageStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		if clientID != "" && isUniqueViolation(err) {
			return nil, ErrDuplicateClientID
		}
		return nil, err
	}
	return m, nil
}

// GetMessage fetches a message by ID, mapping a missing row to ErrNotFound.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// GetMessageByClientID returns the message previously persisted for the
// (sender, client_id) pair, or ErrNotFound.
func GetMessageByClientID(ctx context.Context, db *gorm.DB, senderID, clientID string) (*domain.Message, error) {
	var m domain.Message
	err := db.WithContext(ctx).
		Where("sender_id = ? AND client_id = ?", senderID, clientID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListConversation returns messages exchanged between two users in either
// direction, ordered deterministically (CreatedAt ASC, ID ASC).
func ListConversation(ctx context.Context, db *gorm.DB, userA, userB string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.WithContext(ctx).
		Where("(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)",
			userA, userB, userB, userA).
		Order("created_at ASC, id ASC")
	if offset > 0 {
		q = q.Offset(offset)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// ListMessagesSince returns messages addressed to userID created at or after
// since, strictly ordered by CreatedAt ASC. Used by reconnection sync.
func ListMessagesSince(ctx context.Context, db *gorm.DB, userID string, since time.Time) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("recipient_id = ? AND created_at >= ?", userID, since).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// advanceStatus moves a message forward in its lifecycle, refusing backwards
// transitions. Returns (false, nil) when the row is already at or past the
// target status, so repeated delivery/read attempts stay idempotent.
func advanceStatus(ctx context.Context, db *gorm.DB, id, next string, updates map[string]any) (bool, error) {
	m, err := GetMessage(ctx, db, id)
	if err != nil {
		return false, err
	}
	if !domain.StatusAdvances(m.Status, next) {
		return false, nil
	}
	updates["status"] = next
	res := db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ? AND status = ?", id, m.Status).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	// A concurrent transition won the race; the row already advanced.
	return res.RowsAffected > 0, nil
}

// MarkSent transitions a pending message to "sent".
func MarkSent(ctx context.Context, db *gorm.DB, id string) (bool, error) {
	now := time.Now().UTC()
	return advanceStatus(ctx, db, id, domain.MessageStatusSent, map[string]any{"sent_at": &now})
}

// MarkDelivered transitions a message to "delivered", recording DeliveredAt.
func MarkDelivered(ctx context.Context, db *gorm.DB, id string) (bool, error) {
	now := time.Now().UTC()
	return advanceStatus(ctx, db, id, domain.MessageStatusDelivered, map[string]any{"delivered_at": &now})
}

// MarkRead transitions a message to "read", setting IsRead and ReadAt.
// DeliveredAt is backfilled when the read arrives before an explicit delivery
// confirmation, so ReadAt is never set while DeliveredAt is empty.
func MarkRead(ctx context.Context, db *gorm.DB, id string, readAt time.Time) (bool, error) {
	m, err := GetMessage(ctx, db, id)
	if err != nil {
		return false, err
	}
	if !domain.StatusAdvances(m.Status, domain.MessageStatusRead) {
		return false, nil
	}
	if readAt.IsZero() {
		readAt = time.Now().UTC()
	}
	updates := map[string]any{
		"status":  domain.MessageStatusRead,
		"is_read": true,
		"read_at": &readAt,
	}
	if m.DeliveredAt == nil {
		updates["delivered_at"] = &readAt
	}
	res := db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ? AND status = ?", id, m.Status).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkFailed records terminal failure for a message that never left pending.
func MarkFailed(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ? AND status = ?", id, domain.MessageStatusPending).
		Update("status", domain.MessageStatusFailed).Error
}

// ListUnreadFrom returns the unread messages sent by partnerID to userID,
// oldest first. Used by mark-visible/mark-chat-read bulk receipts.
func ListUnreadFrom(ctx context.Context, db *gorm.DB, userID, partnerID string) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("recipient_id = ? AND sender_id = ? AND is_read = ?", userID, partnerID, false).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// CountUnread uses a raw COUNT so a missing table surfaces as an error.
func CountUnread(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM messages WHERE recipient_id = ? AND is_read = 0", userID).
		Scan(&total).Error
	return total, err
}

// isUniqueViolation matches the unique-constraint errors surfaced by
// glebarez/sqlite, which are often plain text rather than typed values.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}
