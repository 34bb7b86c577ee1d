// Notification HTTP handlers.
//
// This file exposes the REST surface for stored notifications:
//   - GET  /notifications            (list paginated notifications with filters)
//   - POST /notifications/{id}/read  (mark one notification read)
//   - POST /notifications/read-all   (mark every unread notification read)
//   - GET  /notifications/badge      (current unread count)
//
// Real-time notification delivery happens over the WebSocket stream; the REST
// surface lets offline or reconnecting clients catch up.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-messaging-backend/internal/domain"
	"github.com/tbourn/go-messaging-backend/internal/repo"
	"github.com/tbourn/go-messaging-backend/internal/services"
	"github.com/tbourn/go-messaging-backend/internal/utils"
)

// NotificationService defines the stored-notification operations the REST
// surface depends on.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type NotificationService interface {
	// List returns the user's notifications with optional unread/type filters.
	List(ctx context.Context, userID string, limit, offset int, unreadOnly bool, notifType string) ([]domain.Notification, error)
	// MarkRead flags one notification read.
	MarkRead(ctx context.Context, userID, notificationID string) error
	// MarkAllRead flags every unread notification and returns how many changed.
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	// UnreadCount returns the badge count.
	UnreadCount(ctx context.Context, userID string) (int64, error)
}

// ListNotificationsResponse contains a page of notifications.
type ListNotificationsResponse struct {
	Notifications []domain.Notification `json:"notifications"`
}

// MarkAllReadResponse reports how many notifications a read-all touched.
type MarkAllReadResponse struct {
	Updated int64 `json:"updated"`
}

// BadgeResponse carries the unread notification count.
type BadgeResponse struct {
	Unread int64 `json:"unread"`
}

// ListNotifications returns the user's stored notifications.
//
// Query parameters: limit, offset, unread_only, type. The response carries a
// weak ETag derived from the user's notification aggregates.
func (h *Handlers) ListNotifications(c *gin.Context) {
	ctx := c.Request.Context()
	currentUser := userID(c)

	// ETag pre-check (best effort).
	if h.db != nil {
		count, maxTS, err := repo.NotificationStats(ctx, h.db, currentUser)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"notifications:%s:%d:%d"`, currentUser, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	limit := utils.ClampInt(utils.AtoiDefault(c.Query("limit"), 50), 1, 200)
	offset := utils.ClampInt(utils.AtoiDefault(c.Query("offset"), 0), 0, 1<<20)
	unreadOnly := utils.Truthy(c.Query("unread_only"))
	notifType := c.Query("type")

	rows, err := h.notifSvc.List(ctx, currentUser, limit, offset, unreadOnly, notifType)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListNotificationsResponse{Notifications: rows})
}

// MarkNotificationRead flags one notification read for the current user.
func (h *Handlers) MarkNotificationRead(c *gin.Context) {
	ctx := c.Request.Context()
	currentUser := userID(c)

	id := c.Param("id")
	if id == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "notification id required")
		return
	}

	if err := h.notifSvc.MarkRead(ctx, currentUser, id); err != nil {
		if errors.Is(err, services.ErrNotificationNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "notification not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeUpdateFailed, err.Error())
		return
	}
	noContent(c)
}

// MarkAllNotificationsRead flags every unread notification for the user.
func (h *Handlers) MarkAllNotificationsRead(c *gin.Context) {
	ctx := c.Request.Context()
	currentUser := userID(c)

	updated, err := h.notifSvc.MarkAllRead(ctx, currentUser)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeUpdateFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, MarkAllReadResponse{Updated: updated})
}

// GetBadge returns the user's unread notification count.
func (h *Handlers) GetBadge(c *gin.Context) {
	ctx := c.Request.Context()
	currentUser := userID(c)

	unread, err := h.notifSvc.UnreadCount(ctx, currentUser)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeStatsFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, BadgeResponse{Unread: unread})
}
