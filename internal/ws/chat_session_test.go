package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-messaging-backend/internal/domain"
	"github.com/tbourn/go-messaging-backend/internal/faults"
	"github.com/tbourn/go-messaging-backend/internal/recovery"
	"github.com/tbourn/go-messaging-backend/internal/repo"
	"github.com/tbourn/go-messaging-backend/internal/retry"
	"github.com/tbourn/go-messaging-backend/internal/services"
)

// test DB helper

func newWSDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("ws_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := db.AutoMigrate(
		&domain.Message{}, &domain.QueuedMessage{}, &domain.Notification{},
		&domain.UserStatus{}, &domain.TypingStatus{}, &domain.MessagingError{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// sessionEnv wires real services over one DB and one hub, the way the
// upgrade handlers do, minus the socket.
type sessionEnv struct {
	db   *gorm.DB
	hub  *Hub
	deps SessionDeps
}

func newSessionEnv(t *testing.T) *sessionEnv {
	t.Helper()

	db := newWSDB(t)
	hub := NewHub()
	queue := services.NewOfflineQueue(db, hub)
	exec := retry.NewExecutor(retry.Config{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		Strategy:     retry.StrategyFixed,
	})
	exec.Sleep = func(context.Context, time.Duration) error { return nil }
	fh := faults.NewHandler(faults.HandlerConfig{}, nil)

	return &sessionEnv{
		db:  db,
		hub: hub,
		deps: SessionDeps{
			Presence:      services.NewPresence(db),
			Typing:        services.NewTyping(db),
			Receipts:      services.NewReceipts(db, hub),
			Sender:        services.NewMessageSender(db, exec, fh, queue),
			Sync:          services.NewSync(db, queue),
			Queue:         queue,
			Notifications: services.NewNotifications(db, hub),
			Faults:        fh,
			Recovery:      recovery.NewManager(recovery.Config{}),
		},
	}
}

// sessionClient extends the hub stub with the pieces the frame loop needs.
func sessionClient(hub *Hub, userID string) *Client {
	c := stubClient(userID)
	c.hub = hub
	c.ConnectionID = "conn-" + userID
	c.limiter = rate.NewLimiter(rate.Inf, 1)
	return c
}

func newChatSession(env *sessionEnv, userID, peerID string) *chatSession {
	c := sessionClient(env.hub, userID)
	env.hub.Register(c)
	room := RoomFor(userID, peerID)
	env.hub.Join(c, room)
	s := &chatSession{
		userID: userID,
		peerID: peerID,
		room:   room,
		client: c,
		deps:   env.deps,
		log:    zerolog.Nop(),
	}
	c.onFrame = s.handleFrame
	return s
}

// frames drains and decodes everything queued on the client.
func frames(t *testing.T, c *Client) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, raw := range drain(c) {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("undecodable outbound frame %q: %v", raw, err)
		}
		out = append(out, m)
	}
	return out
}

func TestChatSession_OpenAnnouncesBothStatuses(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()

	// Bob has a live connection already, so his status row carries a
	// heartbeat timestamp.
	if _, _, err := env.deps.Presence.UserConnected(ctx, "bob", "test"); err != nil {
		t.Fatalf("UserConnected(bob): %v", err)
	}

	alice := newChatSession(env, "alice", "bob")
	_, status, err := env.deps.Presence.UserConnected(ctx, "alice", "test")
	if err != nil {
		t.Fatalf("UserConnected(alice): %v", err)
	}
	alice.open(status)

	got := frames(t, alice.client)
	if len(got) != 2 || got[0]["type"] != "user_status" || got[1]["type"] != "user_status" {
		t.Fatalf("frames after open = %v, want two user_status", got)
	}
	if got[0]["user_id"] != "alice" || got[0]["is_online"] != true {
		t.Fatalf("own status = %v", got[0])
	}
	if got[1]["user_id"] != "bob" || got[1]["is_online"] != true {
		t.Fatalf("peer status = %v", got[1])
	}
	for _, f := range got {
		raw, ok := f["last_seen"].(string)
		if !ok {
			t.Fatalf("status frame without last_seen: %v", f)
		}
		ls, perr := time.Parse(time.RFC3339Nano, raw)
		if perr != nil {
			t.Fatalf("last_seen %q: %v", raw, perr)
		}
		if time.Since(ls) > time.Minute {
			t.Fatalf("last_seen %v is not the current heartbeat", ls)
		}
	}
}

func TestChatSession_MalformedFrameRepliesAndStaysOpen(t *testing.T) {
	env := newSessionEnv(t)
	s := newChatSession(env, "alice", "bob")

	s.handleFrame([]byte(`{bad`))

	got := frames(t, s.client)
	if len(got) != 1 || got[0]["type"] != "error" {
		t.Fatalf("frames after malformed input = %v, want one error", got)
	}
	select {
	case <-s.client.closed:
		t.Fatal("malformed frame closed the connection")
	default:
	}

	// The session keeps serving valid frames afterwards.
	s.handleFrame([]byte(`{"type":"ping"}`))
	got = frames(t, s.client)
	if len(got) != 1 || got[0]["type"] != "pong" {
		t.Fatalf("frames after ping = %v, want one pong", got)
	}
}

func TestChatSession_UnknownTypeReplies(t *testing.T) {
	env := newSessionEnv(t)
	s := newChatSession(env, "alice", "bob")

	s.handleFrame([]byte(`{"type":"dance"}`))
	got := frames(t, s.client)
	if len(got) != 1 || got[0]["type"] != "error" {
		t.Fatalf("frames = %v, want one error", got)
	}

	// A recognized type that belongs to the notification stream is refused
	// without touching any service.
	s.handleFrame([]byte(`{"type":"mark_all_read"}`))
	got = frames(t, s.client)
	if len(got) != 1 || got[0]["error"] != "unsupported message type on chat stream" {
		t.Fatalf("frames = %v, want stream-mismatch error", got)
	}
}

func TestChatSession_RateLimitedFrame(t *testing.T) {
	env := newSessionEnv(t)
	s := newChatSession(env, "alice", "bob")
	s.client.limiter = rate.NewLimiter(0, 1)

	s.handleFrame([]byte(`{"type":"ping"}`)) // consumes the single token
	s.handleFrame([]byte(`{"type":"ping"}`))

	got := frames(t, s.client)
	if len(got) != 2 || got[1]["type"] != "error" {
		t.Fatalf("frames = %v, want pong then rate-limit error", got)
	}
}

func TestChatSession_MessageFanoutAndDelivery(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()
	alice := newChatSession(env, "alice", "bob")
	bob := newChatSession(env, "bob", "alice")

	// Bob also counts as online at the presence level.
	if _, _, err := env.deps.Presence.UserConnected(ctx, "bob", "test"); err != nil {
		t.Fatalf("UserConnected: %v", err)
	}

	alice.handleFrame([]byte(`{"type":"message","message":"hello bob","client_id":"c-1"}`))

	for _, c := range []*Client{alice.client, bob.client} {
		got := frames(t, c)
		if len(got) != 1 || got[0]["type"] != "message" {
			t.Fatalf("%s frames = %v, want one message", c.UserID, got)
		}
		if got[0]["content"] != "hello bob" || got[0]["sequence_id"] != float64(1) {
			t.Fatalf("message frame = %v", got[0])
		}
	}

	var msg domain.Message
	if err := env.db.First(&msg, "client_id = ?", "c-1").Error; err != nil {
		t.Fatalf("persisted message: %v", err)
	}
	if msg.Status != "delivered" {
		t.Fatalf("status = %q, want delivered for an online partner", msg.Status)
	}
}

func TestChatSession_OfflinePartnerGetsQueuedCopy(t *testing.T) {
	env := newSessionEnv(t)
	alice := newChatSession(env, "alice", "bob")

	alice.handleFrame([]byte(`{"type":"message","message":"are you there"}`))

	// Sender still sees the broadcast; the partner's copy is parked.
	got := frames(t, alice.client)
	if len(got) != 1 || got[0]["type"] != "message" {
		t.Fatalf("sender frames = %v, want one message", got)
	}

	var queued domain.QueuedMessage
	if err := env.db.First(&queued, "recipient_id = ?", "bob").Error; err != nil {
		t.Fatalf("queued copy: %v", err)
	}
	if queued.Content != "are you there" {
		t.Fatalf("queued content = %q", queued.Content)
	}

	var notif domain.Notification
	if err := env.db.First(&notif, "recipient_id = ?", "bob").Error; err != nil {
		t.Fatalf("notification row: %v", err)
	}
	if notif.Type != "new_message" {
		t.Fatalf("notification type = %q", notif.Type)
	}
}

func TestChatSession_SendExhaustionQueuesWithNotice(t *testing.T) {
	env := newSessionEnv(t)

	// A sender whose persistence handle is dead exhausts its retries; the
	// queue keeps working on the healthy handle.
	deadDB := newWSDB(t)
	if sqlDB, err := deadDB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	exec := retry.NewExecutor(retry.Config{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		Strategy:     retry.StrategyFixed,
	})
	exec.Sleep = func(context.Context, time.Duration) error { return nil }
	env.deps.Sender = services.NewMessageSender(deadDB, exec, env.deps.Faults, env.deps.Queue)

	alice := newChatSession(env, "alice", "bob")
	alice.handleFrame([]byte(`{"type":"message","message":"hold this","client_id":"c-9"}`))

	got := frames(t, alice.client)
	if len(got) != 1 || got[0]["type"] != "message_queued" {
		t.Fatalf("frames = %v, want one message_queued notice", got)
	}
	if got[0]["client_id"] != "c-9" || got[0]["queue_id"] == "" {
		t.Fatalf("queued notice = %v", got[0])
	}

	var queued domain.QueuedMessage
	if err := env.db.First(&queued, "recipient_id = ? AND queue_type = ?", "bob", domain.QueueTypeOutgoing).Error; err != nil {
		t.Fatalf("queue row: %v", err)
	}
	if queued.Content != "hold this" {
		t.Fatalf("queued content = %q", queued.Content)
	}
}

func TestChatSession_ReadReceiptReachesSenderOnce(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()
	alice := newChatSession(env, "alice", "bob")
	bob := newChatSession(env, "bob", "alice")

	msg, err := repo.CreateMessage(ctx, env.db, "bob", "alice", "read me", "")
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	receipt := fmt.Sprintf(`{"type":"read_receipt","message_id":%q}`, msg.ID)
	alice.handleFrame([]byte(receipt))

	got := frames(t, bob.client)
	if len(got) != 1 || got[0]["type"] != "read_receipt" {
		t.Fatalf("sender frames = %v, want one read_receipt", got)
	}
	if got[0]["message_id"] != msg.ID {
		t.Fatalf("receipt frame = %v", got[0])
	}

	var stored domain.Message
	if err := env.db.First(&stored, "id = ?", msg.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Status != "read" || !stored.IsRead {
		t.Fatalf("status = %q is_read = %v, want read", stored.Status, stored.IsRead)
	}

	// A duplicate receipt inside the dedup window is absorbed silently.
	alice.handleFrame([]byte(receipt))
	if got := frames(t, bob.client); len(got) != 0 {
		t.Fatalf("duplicate receipt pushed again: %v", got)
	}
	if got := frames(t, alice.client); len(got) != 0 {
		t.Fatalf("duplicate receipt errored: %v", got)
	}
}

func TestChatSession_CloseReleasesPresence(t *testing.T) {
	env := newSessionEnv(t)
	ctx := context.Background()

	connID, _, err := env.deps.Presence.UserConnected(ctx, "alice", "test")
	if err != nil {
		t.Fatalf("UserConnected: %v", err)
	}
	s := newChatSession(env, "alice", "bob")
	s.client.ConnectionID = connID

	s.close()

	st, err := env.deps.Presence.GetUserPresence(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserPresence: %v", err)
	}
	if st.IsOnline {
		t.Fatal("user still online after the last connection closed")
	}
}
