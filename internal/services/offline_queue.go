// Package services – OfflineQueue
//
// Durable queueing for messages that cannot be delivered immediately:
// incoming entries replayed when the recipient reconnects, and outgoing
// entries re-attempted on a backoff schedule after persistence failures.
// Entries expire seven days after creation; the maintenance sweep removes
// them and reports the count.
package services

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-messaging-backend/internal/domain"
	"github.com/tbourn/go-messaging-backend/internal/protocol"
	"github.com/tbourn/go-messaging-backend/internal/repo"
	"github.com/tbourn/go-messaging-backend/internal/retry"
)

// OfflineQueue manages the durable offline/retry queue.
type OfflineQueue struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Push delivers replayed messages to reconnected users. May be nil in
	// tests; delivery then counts as failed.
	Push Pusher
	// RetryPolicy shapes the scheduled-retry delays: the next attempt for an
	// entry with retry_count=n runs after Delay(n-1), the same curve the
	// retry executor uses.
	RetryPolicy retry.Config
	// RetryBatch caps how many due entries one ProcessRetryQueue pass takes.
	RetryBatch int

	// Now is a test seam for the clock.
	Now func() time.Time
}

// NewOfflineQueue constructs an OfflineQueue with the default retry policy.
func NewOfflineQueue(db *gorm.DB, push Pusher) *OfflineQueue {
	return &OfflineQueue{
		DB:          db,
		Push:        push,
		RetryPolicy: retry.DefaultConfig(),
		RetryBatch:  100,
		Now:         time.Now,
	}
}

// QueueForOfflineRecipient persists an incoming-queue entry for a recipient
// with no live sockets. Returns the queue entry id.
func (q *OfflineQueue) QueueForOfflineRecipient(ctx context.Context, senderID, recipientID, content string, priority int) (string, error) {
	entry, err := repo.EnqueueMessage(ctx, q.DB, senderID, recipientID, content, domain.QueueTypeIncoming, priority)
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

// QueueOutgoingMessage persists an outgoing-queue entry after an immediate
// send was exhausted. Returns the queue entry id.
func (q *OfflineQueue) QueueOutgoingMessage(ctx context.Context, senderID, recipientID, content string, priority int) (string, error) {
	entry, err := repo.EnqueueMessage(ctx, q.DB, senderID, recipientID, content, domain.QueueTypeOutgoing, priority)
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

// DeliveryReport summarizes one replay pass for a user.
type DeliveryReport struct {
	Processed int                    `json:"processed_count"`
	Failed    int                    `json:"failed_count"`
	Delivered []domain.QueuedMessage `json:"delivered"`
}

// DeliverPending retrieves the user's unprocessed, unexpired incoming
// entries ordered by (priority, created_at), attempts delivery for each,
// marks delivered entries processed, and returns the delivered payloads in
// chronological order. A failure on one entry does not stop the rest.
func (q *OfflineQueue) DeliverPending(ctx context.Context, userID string) (*DeliveryReport, error) {
	entries, err := repo.ListPendingForUser(ctx, q.DB, userID, q.Now().UTC())
	if err != nil {
		return nil, err
	}

	report := &DeliveryReport{}
	for _, entry := range entries {
		if q.Push == nil || !q.Push.SendToUser(userID, queuedFrame(entry)) {
			report.Failed++
			continue
		}
		if err := repo.MarkQueueEntryProcessed(ctx, q.DB, entry.ID); err != nil {
			log.Warn().Err(err).Str("queue_id", entry.ID).Msg("mark processed failed")
			report.Failed++
			continue
		}
		report.Processed++
		report.Delivered = append(report.Delivered, entry)
	}

	// Delivery order is (priority, created_at); the report lists payloads
	// chronologically.
	protocolSortQueued(report.Delivered)
	return report, nil
}

// CleanupExpired removes all entries past their expiry and returns the count
// removed. Entries not yet expired are unaffected.
func (q *OfflineQueue) CleanupExpired(ctx context.Context) (int64, error) {
	return repo.DeleteExpiredQueueEntries(ctx, q.DB, q.Now().UTC())
}

// ProcessRetryQueue re-attempts outgoing entries whose scheduled retry time
// has arrived. A successful attempt persists the original message and marks
// the entry processed; a failure bumps the retry counter and reschedules at
// RetryPolicy.Delay(retry_count-1) from now.
func (q *OfflineQueue) ProcessRetryQueue(ctx context.Context) (BulkResult, error) {
	now := q.Now().UTC()
	due, err := repo.ListDueRetries(ctx, q.DB, now, q.RetryBatch)
	if err != nil {
		return BulkResult{}, err
	}

	var res BulkResult
	for _, entry := range due {
		_, cerr := repo.CreateMessage(ctx, q.DB, entry.SenderID, entry.RecipientID, entry.Content, "")
		if cerr != nil {
			res.Failed++
			nextTry := now.Add(q.RetryPolicy.Delay(entry.RetryCount))
			if rerr := repo.RecordQueueRetry(ctx, q.DB, entry.ID, cerr.Error(), nextTry); rerr != nil {
				log.Error().Err(rerr).Str("queue_id", entry.ID).Msg("retry bookkeeping failed")
			}
			continue
		}
		if merr := repo.MarkQueueEntryProcessed(ctx, q.DB, entry.ID); merr != nil {
			log.Warn().Err(merr).Str("queue_id", entry.ID).Msg("mark processed failed")
			res.Failed++
			continue
		}
		res.Processed++
	}
	return res, nil
}

// Stats returns aggregate queue counts for a user without mutating state.
func (q *OfflineQueue) Stats(ctx context.Context, userID string) (*repo.QueueStats, error) {
	return repo.GetQueueStats(ctx, q.DB, userID, q.Now().UTC())
}

// queuedFrame converts a queue entry into the message frame replayed to the
// user. Replayed frames carry no sequence id; receivers order them by
// timestamp.
func queuedFrame(entry domain.QueuedMessage) protocol.MessageFrame {
	return protocol.MessageFrame{
		Type:      protocol.OutMessage,
		ID:        entry.ID,
		SenderID:  entry.SenderID,
		Content:   entry.Content,
		Status:    domain.MessageStatusDelivered,
		CreatedAt: entry.CreatedAt,
	}
}

// protocolSortQueued orders delivered payloads chronologically.
func protocolSortQueued(entries []domain.QueuedMessage) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
