// Package services – Sync
//
// Reconnection synchronization: replaying the messages a user missed while
// disconnected, and draining their offline queue backlog.
package services

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-messaging-backend/internal/domain"
	"github.com/tbourn/go-messaging-backend/internal/protocol"
	"github.com/tbourn/go-messaging-backend/internal/repo"
)

// Sync retrieves missed traffic for reconnecting users.
type Sync struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Queue supplies the per-user offline backlog.
	Queue *OfflineQueue
}

// NewSync constructs a Sync service.
func NewSync(db *gorm.DB, queue *OfflineQueue) *Sync {
	return &Sync{DB: db, Queue: queue}
}

// MessagesSince returns all messages addressed to the user created at or
// after the disconnect time, strictly ordered by CreatedAt ascending. The
// database already orders the result; the sort is re-applied so a caller
// always receives a list that passes the ordering check.
func (s *Sync) MessagesSince(ctx context.Context, userID string, since time.Time) ([]domain.Message, error) {
	msgs, err := repo.ListMessagesSince(ctx, s.DB, userID, since)
	if err != nil {
		return nil, err
	}
	return protocol.SortByCreatedAt(msgs), nil
}

// Conversation returns one page of the message history between two users in
// chronological order, plus the total row count for pagination.
func (s *Sync) Conversation(ctx context.Context, userA, userB string, page, pageSize int) ([]domain.Message, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	total, _, err := repo.ConversationStats(ctx, s.DB, userA, userB)
	if err != nil {
		return nil, 0, err
	}
	msgs, err := repo.ListConversation(ctx, s.DB, userA, userB, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

// DrainQueue delivers the user's offline backlog, marking entries processed,
// and reports {processed_count, failed_count}.
func (s *Sync) DrainQueue(ctx context.Context, userID string) (BulkResult, error) {
	report, err := s.Queue.DeliverPending(ctx, userID)
	if err != nil {
		return BulkResult{}, err
	}
	return BulkResult{Processed: report.Processed, Failed: report.Failed}, nil
}
