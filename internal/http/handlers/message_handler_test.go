package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-messaging-backend/internal/domain"
	"github.com/tbourn/go-messaging-backend/internal/repo"
)

// ---------- test plumbing ----------

func newHandlerDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), fmt.Sprintf("handlers_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("migrate: %v", err)
		}
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	log.Logger = zerolog.New(&buf)
	return &buf
}

// Handlers.New expects interfaces in this package; stubs satisfy them.

type stubHistory struct {
	conversation func(ctx context.Context, a, b string, page, size int) ([]domain.Message, int64, error)
}

func (s stubHistory) Conversation(ctx context.Context, a, b string, page, size int) ([]domain.Message, int64, error) {
	return s.conversation(ctx, a, b, page, size)
}

type stubNotif struct {
	list     func(ctx context.Context, userID string, limit, offset int, unreadOnly bool, typ string) ([]domain.Notification, error)
	markRead func(ctx context.Context, userID, id string) error
	markAll  func(ctx context.Context, userID string) (int64, error)
	unread   func(ctx context.Context, userID string) (int64, error)
}

func (s stubNotif) List(ctx context.Context, userID string, limit, offset int, unreadOnly bool, typ string) ([]domain.Notification, error) {
	return s.list(ctx, userID, limit, offset, unreadOnly, typ)
}
func (s stubNotif) MarkRead(ctx context.Context, userID, id string) error {
	return s.markRead(ctx, userID, id)
}
func (s stubNotif) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	return s.markAll(ctx, userID)
}
func (s stubNotif) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return s.unread(ctx, userID)
}

type stubPresence struct {
	get     func(ctx context.Context, userID string) (*domain.UserStatus, error)
	summary func(ctx context.Context) (*repo.PresenceSummary, error)
}

func (s stubPresence) GetUserPresence(ctx context.Context, userID string) (*domain.UserStatus, error) {
	return s.get(ctx, userID)
}
func (s stubPresence) Summary(ctx context.Context) (*repo.PresenceSummary, error) {
	return s.summary(ctx)
}

type stubQueue struct {
	stats func(ctx context.Context, userID string) (*repo.QueueStats, error)
}

func (s stubQueue) Stats(ctx context.Context, userID string) (*repo.QueueStats, error) {
	return s.stats(ctx, userID)
}

// ---------- helpers-only unit tests ----------

func TestUserID_FallbackChain(t *testing.T) {
	gin.SetMode(gin.TestMode)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/", nil)
	c.Set("userID", "ctx-user")
	if got := userID(c); got != "ctx-user" {
		t.Fatalf("context user: got %q", got)
	}

	c, _ = gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/", nil)
	c.Request.Header.Set("X-User-ID", "hdr-user")
	if got := userID(c); got != "hdr-user" {
		t.Fatalf("header user: got %q", got)
	}

	c, _ = gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/", nil)
	if got := userID(c); got != "demo-user" {
		t.Fatalf("fallback user: got %q", got)
	}
}

func TestClampPagination(t *testing.T) {
	gin.SetMode(gin.TestMode)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/?page=-3&page_size=9999", nil)
	page, size := clampPagination(c)
	if page != 1 || size != 100 {
		t.Fatalf("clamp: got page=%d size=%d; want 1,100", page, size)
	}

	c, _ = gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/", nil)
	page, size = clampPagination(c)
	if page != 1 || size != 20 {
		t.Fatalf("defaults: got page=%d size=%d; want 1,20", page, size)
	}
}

// ---------- GetConversation ----------

func conversationRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/messages/:peer", h.GetConversation)
	return r
}

func TestGetConversation_PeerValidation(t *testing.T) {
	h := New(nil, stubHistory{
		conversation: func(context.Context, string, string, int, int) ([]domain.Message, int64, error) {
			t.Fatal("service must not be called for invalid peers")
			return nil, 0, nil
		},
	}, nil, nil, nil, nil)
	r := conversationRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/messages/alice", nil)
	req.Header.Set("X-User-ID", "alice")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("self conversation -> %d", w.Code)
	}
	var errResp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if errResp.Code != ErrCodeBadRequest {
		t.Fatalf("code: %q", errResp.Code)
	}
}

func TestGetConversation_PageAndTotals(t *testing.T) {
	var gotA, gotB string
	var gotPage, gotSize int
	h := New(nil, stubHistory{
		conversation: func(_ context.Context, a, b string, page, size int) ([]domain.Message, int64, error) {
			gotA, gotB, gotPage, gotSize = a, b, page, size
			return []domain.Message{
				{ID: "m1", SenderID: a, RecipientID: b, Content: "hi"},
				{ID: "m2", SenderID: b, RecipientID: a, Content: "hey"},
			}, 5, nil
		},
	}, nil, nil, nil, nil)
	r := conversationRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/messages/bob?page=2&page_size=2", nil)
	req.Header.Set("X-User-ID", "alice")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", w.Code, w.Body.String())
	}
	if gotA != "alice" || gotB != "bob" || gotPage != 2 || gotSize != 2 {
		t.Fatalf("service args: %s %s %d %d", gotA, gotB, gotPage, gotSize)
	}

	var resp ConversationResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if len(resp.Messages) != 2 {
		t.Fatalf("messages: %d", len(resp.Messages))
	}
	p := resp.Pagination
	if p.Page != 2 || p.PageSize != 2 || p.Total != 5 || p.TotalPages != 3 || !p.HasNext {
		t.Fatalf("pagination: %+v", p)
	}
}

func TestGetConversation_ETag304(t *testing.T) {
	db := newHandlerDB(t, &domain.Message{})
	now := time.Now().UTC()
	if err := db.Create(&domain.Message{
		ID: "m1", SenderID: "alice", RecipientID: "bob",
		Content: "hello", Status: domain.MessageStatusSent, CreatedAt: now,
	}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	calls := 0
	h := New(db, stubHistory{
		conversation: func(context.Context, string, string, int, int) ([]domain.Message, int64, error) {
			calls++
			return nil, 1, nil
		},
	}, nil, nil, nil, nil)
	r := conversationRouter(h)

	// First request yields the validator.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/messages/bob", nil)
	req.Header.Set("X-User-ID", "alice")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first -> %d", w.Code)
	}
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}
	if calls != 1 {
		t.Fatalf("service calls after first: %d", calls)
	}

	// Replay with If-None-Match short-circuits before the service.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/messages/bob", nil)
	req.Header.Set("X-User-ID", "alice")
	req.Header.Set("If-None-Match", etag)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotModified {
		t.Fatalf("conditional -> %d", w.Code)
	}
	if calls != 1 {
		t.Fatalf("service called on 304: %d", calls)
	}

	// A new message invalidates the validator.
	if err := db.Create(&domain.Message{
		ID: "m2", SenderID: "bob", RecipientID: "alice",
		Content: "reply", Status: domain.MessageStatusSent, CreatedAt: now.Add(time.Minute),
	}).Error; err != nil {
		t.Fatalf("seed m2: %v", err)
	}
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/messages/bob", nil)
	req.Header.Set("X-User-ID", "alice")
	req.Header.Set("If-None-Match", etag)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("stale validator -> %d", w.Code)
	}
	if calls != 2 {
		t.Fatalf("service calls after invalidation: %d", calls)
	}
}

func TestGetConversation_ServiceError(t *testing.T) {
	buf := captureLogs(t)
	h := New(nil, stubHistory{
		conversation: func(context.Context, string, string, int, int) ([]domain.Message, int64, error) {
			return nil, 0, fmt.Errorf("storage offline")
		},
	}, nil, nil, nil, nil)
	r := conversationRouter(h)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/messages/bob", nil)
	req.Header.Set("X-User-ID", "alice")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", w.Code)
	}
	var errResp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if errResp.Code != ErrCodeListFailed {
		t.Fatalf("code: %q", errResp.Code)
	}
	if !bytes.Contains(buf.Bytes(), []byte("api error")) {
		t.Fatalf("5xx not logged: %s", buf.String())
	}
}
