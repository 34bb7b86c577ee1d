// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the durable
// offline/retry queue (QueuedMessage).
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-messaging-backend/internal/domain"
)

// EnqueueMessage inserts a QueuedMessage with the given queue type and
// priority. Expiry is fixed at creation time plus domain.QueuedMessageTTL.
func EnqueueMessage(ctx context.Context, db *gorm.DB, senderID, recipientID, content, queueType string, priority int) (*domain.QueuedMessage, error) {
	if priority < domain.PriorityUrgent || priority > domain.PriorityLow {
		priority = domain.PriorityDefault
	}
	now := time.Now().UTC()
	q := &domain.QueuedMessage{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		QueueType:   queueType,
		Priority:    priority,
		CreatedAt:   now,
		ExpiresAt:   now.Add(domain.QueuedMessageTTL),
	}
	return q, db.WithContext(ctx).Create(q).Error
}

// ListPendingForUser returns unprocessed, unexpired incoming entries for the
// user, ordered for delivery (priority ASC, created_at ASC).
func ListPendingForUser(ctx context.Context, db *gorm.DB, userID string, now time.Time) ([]domain.QueuedMessage, error) {
	var out []domain.QueuedMessage
	err := db.WithContext(ctx).
		Where("recipient_id = ? AND queue_type = ? AND is_processed = ? AND expires_at > ?",
			userID, domain.QueueTypeIncoming, false, now).
		Order("priority ASC, created_at ASC").
		Find(&out).Error
	return out, err
}

// MarkQueueEntryProcessed flags a single queue entry as delivered.
func MarkQueueEntryProcessed(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).Model(&domain.QueuedMessage{}).
		Where("id = ?", id).
		Update("is_processed", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordQueueRetry bumps the retry counter, stores the last error text, and
// schedules the next attempt.
func RecordQueueRetry(ctx context.Context, db *gorm.DB, id string, lastErr string, nextRetryAt time.Time) error {
	return db.WithContext(ctx).Model(&domain.QueuedMessage{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_error":    lastErr,
			"next_retry_at": &nextRetryAt,
		}).Error
}

// ListDueRetries returns unprocessed, unexpired outgoing/retry entries whose
// scheduled retry time has arrived (or that have never been scheduled).
func ListDueRetries(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.QueuedMessage, error) {
	var out []domain.QueuedMessage
	q := db.WithContext(ctx).
		Where("queue_type IN ? AND is_processed = ? AND expires_at > ?",
			[]string{domain.QueueTypeOutgoing, domain.QueueTypeRetry}, false, now).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Order("priority ASC, created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// DeleteExpiredQueueEntries removes every entry past its expiry and returns
// the number of rows removed. Unexpired entries are untouched.
func DeleteExpiredQueueEntries(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.QueuedMessage{})
	return res.RowsAffected, res.Error
}

// QueueStats aggregates a user's queue state by type and priority, plus the
// number of entries currently due for retry. Read-only.
type QueueStats struct {
	Total      int64            `json:"total"`
	ByType     map[string]int64 `json:"by_type"`
	ByPriority map[int]int64    `json:"by_priority"`
	DueRetries int64            `json:"due_retries"`
}

// GetQueueStats computes QueueStats for a user at the given instant without
// mutating any rows.
func GetQueueStats(ctx context.Context, db *gorm.DB, userID string, now time.Time) (*QueueStats, error) {
	stats := &QueueStats{
		ByType:     make(map[string]int64),
		ByPriority: make(map[int]int64),
	}

	base := func() *gorm.DB {
		return db.WithContext(ctx).Model(&domain.QueuedMessage{}).
			Where("(sender_id = ? OR recipient_id = ?) AND is_processed = ? AND expires_at > ?",
				userID, userID, false, now)
	}

	if err := base().Count(&stats.Total).Error; err != nil {
		return nil, err
	}

	type typeRow struct {
		QueueType string
		N         int64
	}
	var byType []typeRow
	if err := base().Select("queue_type, COUNT(*) AS n").Group("queue_type").Scan(&byType).Error; err != nil {
		return nil, err
	}
	for _, r := range byType {
		stats.ByType[r.QueueType] = r.N
	}

	type prioRow struct {
		Priority int
		N        int64
	}
	var byPrio []prioRow
	if err := base().Select("priority, COUNT(*) AS n").Group("priority").Scan(&byPrio).Error; err != nil {
		return nil, err
	}
	for _, r := range byPrio {
		stats.ByPriority[r.Priority] = r.N
	}

	err := base().
		Where("queue_type IN ?", []string{domain.QueueTypeOutgoing, domain.QueueTypeRetry}).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Count(&stats.DueRetries).Error
	return stats, err
}
