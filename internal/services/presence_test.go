package services

import (
	"context"
	"testing"
	"time"

	"github.com/tbourn/go-messaging-backend/internal/domain"
)

func TestPresence_MultiConnectionLifecycle(t *testing.T) {
	db := newSvcDB(t, &domain.UserStatus{})
	p := NewPresence(db)
	ctx := context.Background()

	conn1, st, err := p.UserConnected(ctx, "alice", "phone")
	if err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if conn1 == "" {
		t.Fatal("empty connection id")
	}
	if !st.IsOnline || st.ActiveConnections != 1 {
		t.Fatalf("status = %+v", st)
	}

	conn2, st, err := p.UserConnected(ctx, "alice", "laptop")
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if conn2 == conn1 {
		t.Fatal("connection ids collided")
	}
	if st.ActiveConnections != 2 {
		t.Fatalf("count = %d, want 2", st.ActiveConnections)
	}

	if st, err = p.UserDisconnected(ctx, "alice", conn1); err != nil {
		t.Fatalf("first disconnect: %v", err)
	}
	if !st.IsOnline {
		t.Fatal("user offline with a socket still open")
	}
	if !p.IsOnline(ctx, "alice") {
		t.Fatal("IsOnline disagrees with status")
	}

	if st, err = p.UserDisconnected(ctx, "alice", conn2); err != nil {
		t.Fatalf("last disconnect: %v", err)
	}
	if st.IsOnline || st.ActiveConnections != 0 {
		t.Fatalf("status after last disconnect = %+v", st)
	}
	if p.IsOnline(ctx, "alice") {
		t.Fatal("IsOnline true after last disconnect")
	}
}

func TestGetUserPresence_UnknownUserReadsOffline(t *testing.T) {
	db := newSvcDB(t, &domain.UserStatus{})
	p := NewPresence(db)

	st, err := p.GetUserPresence(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetUserPresence: %v", err)
	}
	if st.UserID != "nobody" || st.IsOnline {
		t.Fatalf("status = %+v, want offline placeholder", st)
	}
	if p.IsOnline(context.Background(), "nobody") {
		t.Fatal("unknown user reported online")
	}
}

func TestPresence_CleanupStale(t *testing.T) {
	db := newSvcDB(t, &domain.UserStatus{})
	p := NewPresence(db)
	ctx := context.Background()
	base := time.Now().UTC()

	p.Now = func() time.Time { return base.Add(-10 * time.Minute) }
	if _, _, err := p.UserConnected(ctx, "stale", ""); err != nil {
		t.Fatalf("connect stale: %v", err)
	}
	p.Now = func() time.Time { return base }
	if _, _, err := p.UserConnected(ctx, "fresh", ""); err != nil {
		t.Fatalf("connect fresh: %v", err)
	}

	n, err := p.CleanupStale(ctx, 90*time.Second)
	if err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleaned = %d, want 1", n)
	}
	if p.IsOnline(ctx, "stale") {
		t.Fatal("stale user still online")
	}
	if !p.IsOnline(ctx, "fresh") {
		t.Fatal("fresh user forced offline")
	}
}

func TestPresence_Summary(t *testing.T) {
	db := newSvcDB(t, &domain.UserStatus{})
	p := NewPresence(db)
	ctx := context.Background()

	if _, _, err := p.UserConnected(ctx, "a", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, _, err := p.UserConnected(ctx, "b", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := p.UserDisconnected(ctx, "b", "x"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	s, err := p.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if s.Total != 2 || s.Online != 1 || s.Offline != 1 {
		t.Fatalf("summary = %+v", s)
	}
}
