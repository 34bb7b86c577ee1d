// Message HTTP handlers.
//
// This file exposes the REST read surface for chat history:
//   - GET /messages/{peer}   (list the paginated conversation with a partner)
//
// Handlers are transport-thin:
//   - validate & normalize inputs
//   - delegate to application services (HistoryService)
//   - implement conditional responses (ETag) against conversation aggregates
//
// Real-time message creation happens over the WebSocket endpoints; the REST
// surface is read-only.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-messaging-backend/internal/domain"
	"github.com/tbourn/go-messaging-backend/internal/repo"
	"github.com/tbourn/go-messaging-backend/internal/utils"
)

//
// Service contracts
//

// HistoryService returns paginated conversation history between two users.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type HistoryService interface {
	// Conversation returns one chronological page plus the total row count.
	Conversation(ctx context.Context, userA, userB string, page, pageSize int) ([]domain.Message, int64, error)
}

//
// DTOs
//

// Pagination carries page metadata in list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ConversationResponse contains a page of messages and pagination metadata.
type ConversationResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

//
// Helpers
//

// userID extracts the authenticated user id from Gin context (set by upstream
// middleware). If absent, it falls back to "X-User-ID" header (tests use it),
// and finally to "demo-user". It never touches c.Request if it's nil.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

// clampPagination parses page/page_size from query parameters, applies sane
// defaults and caps, and returns the validated (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.ClampInt(utils.AtoiDefault(c.Query("page_size"), defaultPageSize), 1, maxPageSize)
	return
}

//
// Handlers
//

// GetConversation returns the paginated message history with a chat partner.
//
// The response carries a weak ETag derived from the conversation's row count
// and newest timestamp; a matching If-None-Match short-circuits with 304.
func (h *Handlers) GetConversation(c *gin.Context) {
	ctx := c.Request.Context()
	currentUser := userID(c)

	peerID := c.Param("peer")
	if peerID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "peer id required")
		return
	}
	if peerID == currentUser {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "cannot read a conversation with yourself")
		return
	}

	// ETag pre-check (best effort).
	if h.db != nil {
		count, maxTS, err := repo.ConversationStats(ctx, h.db, currentUser, peerID)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"conversation:%s:%s:%d:%d"`, currentUser, peerID, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	page, pageSize := clampPagination(c)

	items, total, err := h.historySvc.Conversation(ctx, currentUser, peerID, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ConversationResponse{
		Messages: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}
