package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-messaging-backend/internal/domain"
)

// seedQueueEntry inserts a row directly so tests can control timestamps the
// public Enqueue path fixes to time.Now.
func seedQueueEntry(t *testing.T, db *gorm.DB, recipientID, queueType string, priority int, createdAt time.Time) *domain.QueuedMessage {
	t.Helper()
	q := &domain.QueuedMessage{
		ID:          uuid.NewString(),
		SenderID:    "seed-sender",
		RecipientID: recipientID,
		Content:     "seeded",
		QueueType:   queueType,
		Priority:    priority,
		CreatedAt:   createdAt,
		ExpiresAt:   createdAt.Add(domain.QueuedMessageTTL),
	}
	if err := db.Create(q).Error; err != nil {
		t.Fatalf("seed queue entry: %v", err)
	}
	return q
}

func TestEnqueueMessage_ClampsPriorityAndSetsExpiry(t *testing.T) {
	db := newMsgRepoDB(t, &domain.QueuedMessage{})
	ctx := context.Background()

	entry, err := EnqueueMessage(ctx, db, "alice", "bob", "hello", domain.QueueTypeIncoming, 99)
	if err != nil {
		t.Fatalf("EnqueueMessage: %v", err)
	}
	if entry.Priority != domain.PriorityDefault {
		t.Fatalf("out-of-range priority not clamped: %d", entry.Priority)
	}
	ttl := entry.ExpiresAt.Sub(entry.CreatedAt)
	if ttl != domain.QueuedMessageTTL {
		t.Fatalf("expiry window = %v, want %v", ttl, domain.QueuedMessageTTL)
	}
	if entry.IsProcessed {
		t.Fatal("new entry already processed")
	}
}

func TestListPendingForUser_OrderAndFilters(t *testing.T) {
	db := newMsgRepoDB(t, &domain.QueuedMessage{})
	ctx := context.Background()
	now := time.Now().UTC()

	// Low priority inserted first; urgency must reorder it.
	low := seedQueueEntry(t, db, "bob", domain.QueueTypeIncoming, domain.PriorityLow, now.Add(-2*time.Minute))
	urgent := seedQueueEntry(t, db, "bob", domain.QueueTypeIncoming, domain.PriorityUrgent, now.Add(-time.Minute))
	// Outgoing entries and other recipients are invisible to bob's backlog.
	seedQueueEntry(t, db, "alice", domain.QueueTypeOutgoing, domain.PriorityNormal, now)
	seedQueueEntry(t, db, "carol", domain.QueueTypeIncoming, domain.PriorityNormal, now)

	pending, err := ListPendingForUser(ctx, db, "bob", now)
	if err != nil {
		t.Fatalf("ListPendingForUser: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("len = %d, want 2", len(pending))
	}
	if pending[0].ID != urgent.ID || pending[1].ID != low.ID {
		t.Fatalf("priority order wrong: %s then %s", pending[0].ID, pending[1].ID)
	}

	if err := MarkQueueEntryProcessed(ctx, db, urgent.ID); err != nil {
		t.Fatalf("MarkQueueEntryProcessed: %v", err)
	}
	pending, err = ListPendingForUser(ctx, db, "bob", now)
	if err != nil {
		t.Fatalf("relist: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != low.ID {
		t.Fatalf("processed entry still pending: %+v", pending)
	}
}

func TestMarkQueueEntryProcessed_Unknown(t *testing.T) {
	db := newMsgRepoDB(t, &domain.QueuedMessage{})

	err := MarkQueueEntryProcessed(context.Background(), db, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestQueueExpiry_SevenDayBoundary(t *testing.T) {
	db := newMsgRepoDB(t, &domain.QueuedMessage{})
	ctx := context.Background()
	now := time.Now().UTC()

	// Queued 8 days ago: expired. Queued 6 days ago: still deliverable.
	seedQueueEntry(t, db, "bob", domain.QueueTypeIncoming, domain.PriorityNormal, now.Add(-8*24*time.Hour))
	fresh := seedQueueEntry(t, db, "bob", domain.QueueTypeIncoming, domain.PriorityNormal, now.Add(-6*24*time.Hour))

	pending, err := ListPendingForUser(ctx, db, "bob", now)
	if err != nil {
		t.Fatalf("ListPendingForUser: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != fresh.ID {
		t.Fatalf("expiry filter wrong: %+v", pending)
	}

	removed, err := DeleteExpiredQueueEntries(ctx, db, now)
	if err != nil {
		t.Fatalf("DeleteExpiredQueueEntries: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	var remaining int64
	if err := db.Model(&domain.QueuedMessage{}).Count(&remaining).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("remaining = %d, want 1", remaining)
	}
}

func TestRecordQueueRetry_And_DueRetries(t *testing.T) {
	db := newMsgRepoDB(t, &domain.QueuedMessage{})
	ctx := context.Background()
	now := time.Now().UTC()

	entry := seedQueueEntry(t, db, "bob", domain.QueueTypeOutgoing, domain.PriorityNormal, now.Add(-time.Minute))

	// Never scheduled: due immediately.
	due, err := ListDueRetries(ctx, db, now, 10)
	if err != nil {
		t.Fatalf("ListDueRetries: %v", err)
	}
	if len(due) != 1 || due[0].ID != entry.ID {
		t.Fatalf("fresh outgoing entry not due: %+v", due)
	}

	next := now.Add(time.Hour)
	if err := RecordQueueRetry(ctx, db, entry.ID, "peer unreachable", next); err != nil {
		t.Fatalf("RecordQueueRetry: %v", err)
	}

	due, err = ListDueRetries(ctx, db, now, 10)
	if err != nil {
		t.Fatalf("relist: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("deferred entry still due: %+v", due)
	}

	due, err = ListDueRetries(ctx, db, next.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("relist after deadline: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("len = %d, want 1", len(due))
	}
	if due[0].RetryCount != 1 || due[0].LastError != "peer unreachable" {
		t.Fatalf("retry bookkeeping wrong: count=%d lastErr=%q", due[0].RetryCount, due[0].LastError)
	}
}

func TestGetQueueStats(t *testing.T) {
	db := newMsgRepoDB(t, &domain.QueuedMessage{})
	ctx := context.Background()
	now := time.Now().UTC()

	seedQueueEntry(t, db, "bob", domain.QueueTypeIncoming, domain.PriorityUrgent, now.Add(-time.Minute))
	out := seedQueueEntry(t, db, "other", domain.QueueTypeOutgoing, domain.PriorityNormal, now.Add(-time.Minute))
	out.SenderID = "bob"
	if err := db.Save(out).Error; err != nil {
		t.Fatalf("reassign sender: %v", err)
	}
	// Another user's traffic must not leak into bob's stats.
	seedQueueEntry(t, db, "carol", domain.QueueTypeIncoming, domain.PriorityNormal, now)

	stats, err := GetQueueStats(ctx, db, "bob", now)
	if err != nil {
		t.Fatalf("GetQueueStats: %v", err)
	}
	if stats.Total != 2 {
		t.Fatalf("Total = %d, want 2", stats.Total)
	}
	if stats.ByType[domain.QueueTypeIncoming] != 1 || stats.ByType[domain.QueueTypeOutgoing] != 1 {
		t.Fatalf("ByType = %+v", stats.ByType)
	}
	if stats.ByPriority[domain.PriorityUrgent] != 1 || stats.ByPriority[domain.PriorityNormal] != 1 {
		t.Fatalf("ByPriority = %+v", stats.ByPriority)
	}
	if stats.DueRetries != 1 {
		t.Fatalf("DueRetries = %d, want 1", stats.DueRetries)
	}
}
