// Package services – Receipts
//
// Read-receipt processing with deduplication. Repeated or concurrent
// requests to mark the same message read within the dedup TTL result in
// exactly one status transition and exactly one push to the sender. The
// dedup cache is a plain map with opportunistic eviction, so both the lookup
// and the insert stay O(1) amortized.
package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-messaging-backend/internal/protocol"
	"github.com/tbourn/go-messaging-backend/internal/repo"
)

// Pusher delivers a frame to a user's live sockets on this node. The return
// value reports whether anyone was connected to receive it.
type Pusher interface {
	SendToUser(userID string, frame any) bool
}

// BulkResult reports the outcome of a bulk receipt operation.
type BulkResult struct {
	Processed int `json:"processed_count"`
	Failed    int `json:"failed_count"`
}

// Receipts deduplicates and processes read-state transitions.
type Receipts struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Push delivers read-receipt frames to senders. May be nil in tests.
	Push Pusher
	// DedupTTL bounds how long a processed message id suppresses repeats.
	DedupTTL time.Duration

	// Now is a test seam for the clock.
	Now func() time.Time

	mu      sync.Mutex
	cache   map[string]time.Time
	lookups int
}

// evictEvery is how many cache touches pass between opportunistic sweeps.
const evictEvery = 1000

// NewReceipts constructs a Receipts service with a 30 second dedup TTL.
func NewReceipts(db *gorm.DB, push Pusher) *Receipts {
	return &Receipts{
		DB:       db,
		Push:     push,
		DedupTTL: 30 * time.Second,
		Now:      time.Now,
		cache:    make(map[string]time.Time),
	}
}

// MarkMessageRead transitions one message to read, sets ReadAt (defaulting
// to now), and pushes a read receipt to the sender — exactly once per
// message within the dedup TTL, no matter how many duplicate calls arrive.
// The bool result reports whether this call performed the transition.
func (r *Receipts) MarkMessageRead(ctx context.Context, messageID, readerID string, readAt time.Time) (bool, error) {
	if r.isRecentlyProcessed(messageID) {
		return false, nil
	}

	m, err := repo.GetMessage(ctx, r.DB, messageID)
	if err != nil {
		r.removeFromCache(messageID)
		return false, err
	}
	if m.RecipientID != readerID {
		r.removeFromCache(messageID)
		return false, ErrNotRecipient
	}

	if readAt.IsZero() {
		readAt = r.Now().UTC()
	}
	advanced, err := repo.MarkRead(ctx, r.DB, messageID, readAt)
	if err != nil {
		// Failed attempts must stay retryable.
		r.removeFromCache(messageID)
		return false, err
	}
	if !advanced {
		// Already read; remember it so repeats stop hitting the database.
		r.addToCache(messageID)
		return false, nil
	}

	r.addToCache(messageID)
	if r.Push != nil {
		r.Push.SendToUser(m.SenderID, protocol.NewReadReceiptFrame(messageID, readerID, readAt))
	}
	return true, nil
}

// MarkMultipleRead processes a batch of read receipts. A failure on one
// message never aborts processing of the others.
func (r *Receipts) MarkMultipleRead(ctx context.Context, messageIDs []string, readerID string) BulkResult {
	var res BulkResult
	for _, id := range messageIDs {
		if _, err := r.MarkMessageRead(ctx, id, readerID, time.Time{}); err != nil {
			log.Warn().Err(err).Str("message_id", id).Msg("bulk read receipt failed")
			res.Failed++
			continue
		}
		res.Processed++
	}
	return res
}

// MarkChatRead marks every unread message from partnerID to userID as read.
func (r *Receipts) MarkChatRead(ctx context.Context, userID, partnerID string) (BulkResult, error) {
	unread, err := repo.ListUnreadFrom(ctx, r.DB, userID, partnerID)
	if err != nil {
		return BulkResult{}, err
	}
	ids := make([]string, 0, len(unread))
	for i := range unread {
		ids = append(ids, unread[i].ID)
	}
	return r.MarkMultipleRead(ctx, ids, userID), nil
}

// isRecentlyProcessed reports whether the message id is in the dedup cache
// and still fresh, marking it processed atomically when it is not. The
// check-and-set runs under one lock so concurrent duplicates cannot both
// pass.
func (r *Receipts) isRecentlyProcessed(messageID string) bool {
	now := r.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	r.maybeEvict(now)
	if at, ok := r.cache[messageID]; ok && now.Sub(at) < r.DedupTTL {
		return true
	}
	r.cache[messageID] = now
	return false
}

// addToCache refreshes the processed timestamp for a message id.
func (r *Receipts) addToCache(messageID string) {
	now := r.Now()
	r.mu.Lock()
	r.maybeEvict(now)
	r.cache[messageID] = now
	r.mu.Unlock()
}

// removeFromCache forgets a message id after a failed attempt.
func (r *Receipts) removeFromCache(messageID string) {
	r.mu.Lock()
	delete(r.cache, messageID)
	r.mu.Unlock()
}

// maybeEvict drops expired entries after a threshold of touches so the cache
// cannot grow without bound. Callers must hold the lock.
func (r *Receipts) maybeEvict(now time.Time) {
	r.lookups++
	if r.lookups < evictEvery {
		return
	}
	r.lookups = 0
	for id, at := range r.cache {
		if now.Sub(at) >= r.DedupTTL {
			delete(r.cache, id)
		}
	}
}
