package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordingSink captures audit appends for assertions.
type recordingSink struct {
	mu      sync.Mutex
	entries []string
	fail    bool
}

func (s *recordingSink) Append(_ context.Context, errorType, message, severity, _, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.entries = append(s.entries, errorType+"|"+severity+"|"+userID+"|"+message)
	return nil
}

func TestNewErrorID_Format(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewErrorID()
		if !strings.HasPrefix(id, "err_") || len(id) != len("err_")+12 {
			t.Fatalf("bad id %q", id)
		}
		for _, r := range id[len("err_"):] {
			if !strings.ContainsRune("0123456789abcdef", r) {
				t.Fatalf("non-hex rune %q in %q", r, id)
			}
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestHandle_DefaultsAndUserMessage(t *testing.T) {
	h := NewHandler(DefaultHandlerConfig(), nil)

	rep := h.Handle(context.Background(), errors.New("boom"), HandleInput{Context: "chat.send_message"})
	if rep.Category != CategorySystem {
		t.Fatalf("Category = %v, want system default", rep.Category)
	}
	if rep.Severity != SeverityMedium {
		t.Fatalf("Severity = %v, want medium default", rep.Severity)
	}
	if rep.UserMessage == "" || strings.Contains(rep.UserMessage, "boom") {
		t.Fatalf("UserMessage leaks technical detail: %q", rep.UserMessage)
	}
	if len(rep.Suggestions) == 0 {
		t.Fatal("no suggestions")
	}
	if rep.RecoveryAttempted {
		t.Fatal("recovery reported without a callback")
	}
}

func TestHandle_CriticalAppendsEscalationSuggestions(t *testing.T) {
	h := NewHandler(DefaultHandlerConfig(), nil)

	normal := h.Handle(context.Background(), nil, HandleInput{Category: CategoryDatabase})
	critical := h.Handle(context.Background(), nil, HandleInput{Category: CategoryDatabase, Severity: SeverityCritical})
	if len(critical.Suggestions) != len(normal.Suggestions)+2 {
		t.Fatalf("critical suggestions = %v", critical.Suggestions)
	}
	last := critical.Suggestions[len(critical.Suggestions)-1]
	if !strings.Contains(last, "support") {
		t.Fatalf("escalation hint missing: %v", critical.Suggestions)
	}
}

func TestHandle_RecoveryOutcome(t *testing.T) {
	h := NewHandler(DefaultHandlerConfig(), nil)

	ok := h.Handle(context.Background(), nil, HandleInput{
		Recovery: func(context.Context) error { return nil },
	})
	if !ok.RecoveryAttempted || !ok.RecoverySucceeded {
		t.Fatalf("successful recovery: %+v", ok)
	}

	bad := h.Handle(context.Background(), nil, HandleInput{
		Recovery: func(context.Context) error { return errors.New("still down") },
	})
	if !bad.RecoveryAttempted || bad.RecoverySucceeded {
		t.Fatalf("failed recovery: %+v", bad)
	}

	panics := h.Handle(context.Background(), nil, HandleInput{
		Recovery: func(context.Context) error { panic("oops") },
	})
	if !panics.RecoveryAttempted || panics.RecoverySucceeded {
		t.Fatalf("panicking recovery: %+v", panics)
	}
}

func TestHandle_TripsBreakerAndAllowGates(t *testing.T) {
	h := NewHandler(DefaultHandlerConfig(), nil)

	for i := 0; i < 10; i++ {
		if !h.Allow(CategoryDatabase, "chat.send_message") {
			t.Fatalf("gated before threshold at failure %d", i)
		}
		h.Handle(context.Background(), errors.New("db down"), HandleInput{
			Context:  "chat.send_message",
			Category: CategoryDatabase,
		})
	}
	if h.Allow(CategoryDatabase, "chat.send_message") {
		t.Fatal("breaker still admitting after threshold")
	}
	// Same category, different first dotted segment: separate failure domain.
	if !h.Allow(CategoryDatabase, "notifications.list") {
		t.Fatal("unrelated domain gated")
	}
}

func TestGetStatistics_Window(t *testing.T) {
	cfg := DefaultHandlerConfig()
	cfg.StatsWindow = time.Hour // retain buckets long enough to query sub-windows
	h := NewHandler(cfg, nil)
	base := time.Now()
	now := base
	h.Now = func() time.Time { return now }

	h.Handle(context.Background(), nil, HandleInput{Category: CategoryNetwork, Severity: SeverityLow})
	h.Handle(context.Background(), nil, HandleInput{Category: CategoryNetwork, Severity: SeverityHigh})

	now = base.Add(10 * time.Minute)
	h.Handle(context.Background(), nil, HandleInput{Category: CategoryDatabase, Severity: SeverityHigh})

	stats := h.GetStatistics(5 * time.Minute)
	if stats.Total != 1 {
		t.Fatalf("Total = %d, want only the recent error", stats.Total)
	}
	if stats.ByCategory[CategoryDatabase] != 1 || stats.ByCategory[CategoryNetwork] != 0 {
		t.Fatalf("ByCategory = %+v", stats.ByCategory)
	}
	if stats.BySeverity[SeverityHigh] != 1 {
		t.Fatalf("BySeverity = %+v", stats.BySeverity)
	}

	wide := h.GetStatistics(time.Hour)
	if wide.Total != 3 {
		t.Fatalf("hour window Total = %d, want 3", wide.Total)
	}
	if wide.WindowSeconds != 3600 {
		t.Fatalf("WindowSeconds = %d", wide.WindowSeconds)
	}
}

func TestUserHistory_BoundedAndOrdered(t *testing.T) {
	h := NewHandler(DefaultHandlerConfig(), nil)

	for i := 0; i < maxUserHistory+5; i++ {
		h.Handle(context.Background(), nil, HandleInput{
			Context:  fmt.Sprintf("op.%d", i),
			Category: CategoryWebSocket,
			UserID:   "alice",
		})
	}

	hist := h.UserHistory("alice")
	if len(hist) != maxUserHistory {
		t.Fatalf("history len = %d, want %d", len(hist), maxUserHistory)
	}
	// The five oldest entries were evicted.
	if hist[0].Context != "op.5" {
		t.Fatalf("oldest retained = %q, want op.5", hist[0].Context)
	}
	if hist[len(hist)-1].Context != fmt.Sprintf("op.%d", maxUserHistory+4) {
		t.Fatalf("newest = %q", hist[len(hist)-1].Context)
	}

	if got := h.UserHistory("nobody"); len(got) != 0 {
		t.Fatalf("unknown user history = %v", got)
	}
}

func TestPersistAudit_HighSeverityOnly(t *testing.T) {
	sink := &recordingSink{}
	h := NewHandler(DefaultHandlerConfig(), sink)

	h.Handle(context.Background(), errors.New("minor"), HandleInput{Category: CategoryValidation, Severity: SeverityLow})
	h.Handle(context.Background(), errors.New("major"), HandleInput{Category: CategoryDatabase, Severity: SeverityHigh, UserID: "bob"})

	if len(sink.entries) != 1 {
		t.Fatalf("audit entries = %v", sink.entries)
	}
	if !strings.HasPrefix(sink.entries[0], "database|high|bob|major") {
		t.Fatalf("entry = %q", sink.entries[0])
	}
}

func TestPersistAudit_SinkFailureSwallowed(t *testing.T) {
	h := NewHandler(DefaultHandlerConfig(), &recordingSink{fail: true})

	rep := h.Handle(context.Background(), errors.New("boom"), HandleInput{Severity: SeverityCritical})
	if rep.ErrorID == "" {
		t.Fatal("report not produced despite sink failure")
	}
}

func TestRecordSuccess_ClosesHalfOpenBreaker(t *testing.T) {
	h := NewHandler(DefaultHandlerConfig(), nil)
	now := time.Now()
	b := h.Breakers().For(CategoryNetwork, "relay")
	b.Now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		h.Handle(context.Background(), errors.New("down"), HandleInput{Context: "relay.publish", Category: CategoryNetwork})
	}
	now = now.Add(61 * time.Second)
	if !h.Allow(CategoryNetwork, "relay.publish") {
		t.Fatal("half-open breaker rejected the first trial")
	}
	for i := 0; i < 3; i++ {
		h.RecordSuccess(CategoryNetwork, "relay.publish")
	}
	if h.Breakers().For(CategoryNetwork, "relay").State() != BreakerClosed {
		t.Fatal("breaker not closed after trial successes")
	}
}
