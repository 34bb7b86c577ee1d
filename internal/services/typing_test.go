package services

import (
	"context"
	"testing"
	"time"

	"github.com/tbourn/go-messaging-backend/internal/domain"
)

func TestTyping_UpdateAndStatus(t *testing.T) {
	db := newSvcDB(t, &domain.TypingStatus{})
	svc := NewTyping(db)
	ctx := context.Background()

	if err := svc.UpdateStatus(ctx, "alice", "bob", true); err != nil {
		t.Fatalf("update: %v", err)
	}
	row, err := svc.Status(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !row.IsTyping {
		t.Fatal("expected typing")
	}

	// Clearing updates the same row rather than adding one.
	if err := svc.UpdateStatus(ctx, "alice", "bob", false); err != nil {
		t.Fatalf("clear: %v", err)
	}
	row, err = svc.Status(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("status after clear: %v", err)
	}
	if row.IsTyping {
		t.Fatal("expected cleared")
	}
	var rows int64
	if err := db.Model(&domain.TypingStatus{}).Count(&rows).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 {
		t.Fatalf("rows: %d", rows)
	}
}

func TestTyping_StatusDefaultsForUnknownPair(t *testing.T) {
	db := newSvcDB(t, &domain.TypingStatus{})
	svc := NewTyping(db)

	row, err := svc.Status(context.Background(), "alice", "stranger")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if row.IsTyping || row.UserID != "alice" || row.ChatPartnerID != "stranger" {
		t.Fatalf("placeholder: %+v", row)
	}
}

func TestTyping_CleanupStale(t *testing.T) {
	db := newSvcDB(t, &domain.TypingStatus{})
	svc := NewTyping(db)
	ctx := context.Background()

	base := time.Now().UTC()

	// Stale indicator, last touched a minute ago.
	svc.Now = func() time.Time { return base.Add(-time.Minute) }
	if err := svc.UpdateStatus(ctx, "alice", "bob", true); err != nil {
		t.Fatalf("seed stale: %v", err)
	}

	// Fresh indicator.
	svc.Now = func() time.Time { return base }
	if err := svc.UpdateStatus(ctx, "carol", "bob", true); err != nil {
		t.Fatalf("seed fresh: %v", err)
	}

	n, err := svc.CleanupStale(ctx, 10*time.Second)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset count: %d", n)
	}

	stale, err := svc.Status(ctx, "alice", "bob")
	if err != nil || stale.IsTyping {
		t.Fatalf("stale row: %+v err=%v", stale, err)
	}
	fresh, err := svc.Status(ctx, "carol", "bob")
	if err != nil || !fresh.IsTyping {
		t.Fatalf("fresh row: %+v err=%v", fresh, err)
	}
}
