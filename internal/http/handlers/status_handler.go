// Status HTTP handlers.
//
// This file exposes the operational read surface:
//   - GET /status/presence        (aggregate online/offline counts)
//   - GET /status/presence/{id}   (one user's presence)
//   - GET /status/queue           (the current user's offline queue stats)
//   - GET /status/errors          (error statistics and unresolved audit rows)
//
// It also holds the handler wiring: the Handlers struct groups every REST
// endpoint behind abstract service interfaces so transport concerns stay
// separate from business logic.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-messaging-backend/internal/domain"
	"github.com/tbourn/go-messaging-backend/internal/faults"
	"github.com/tbourn/go-messaging-backend/internal/repo"
	"github.com/tbourn/go-messaging-backend/internal/utils"
)

//
// Service contracts
//

// PresenceService reports user online state.
type PresenceService interface {
	// GetUserPresence returns the user's presence row, defaulting to offline
	// for unknown users.
	GetUserPresence(ctx context.Context, userID string) (*domain.UserStatus, error)
	// Summary aggregates presence across all known users.
	Summary(ctx context.Context) (*repo.PresenceSummary, error)
}

// QueueService reports offline queue aggregates.
type QueueService interface {
	// Stats returns per-user queue depth broken down by type and priority.
	Stats(ctx context.Context, userID string) (*repo.QueueStats, error)
}

//
// Handler wiring
//

// Handlers groups the REST endpoints for conversation history, notifications,
// and operational status. It depends on abstract service interfaces to keep
// transport concerns separate from business logic; the *gorm.DB handle is
// used only for conditional-response aggregates (ETags).
type Handlers struct {
	db         *gorm.DB
	historySvc HistoryService
	notifSvc   NotificationService
	presSvc    PresenceService
	queueSvc   QueueService
	faults     *faults.Handler
}

// New constructs a Handlers instance bound to the given services. db and
// fh may be nil in tests; the endpoints that need them degrade gracefully.
func New(db *gorm.DB, history HistoryService, notif NotificationService, pres PresenceService, queue QueueService, fh *faults.Handler) *Handlers {
	return &Handlers{
		db:         db,
		historySvc: history,
		notifSvc:   notif,
		presSvc:    pres,
		queueSvc:   queue,
		faults:     fh,
	}
}

//
// DTOs
//

// ErrorStatsResponse combines in-memory error statistics with the most recent
// unresolved audit rows.
type ErrorStatsResponse struct {
	Statistics faults.Statistics       `json:"statistics"`
	Recent     []faults.UserError      `json:"recent,omitempty"`
	Unresolved []domain.MessagingError `json:"unresolved"`
}

//
// Handlers
//

// GetPresenceSummary returns aggregate presence counts.
func (h *Handlers) GetPresenceSummary(c *gin.Context) {
	summary, err := h.presSvc.Summary(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeStatsFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, summary)
}

// GetUserPresence returns one user's presence row. Unknown users read as
// offline rather than 404, so clients can always render a state.
func (h *Handlers) GetUserPresence(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id required")
		return
	}
	status, err := h.presSvc.GetUserPresence(c.Request.Context(), id)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeStatsFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, status)
}

// GetQueueStats returns the current user's offline queue aggregates.
func (h *Handlers) GetQueueStats(c *gin.Context) {
	stats, err := h.queueSvc.Stats(c.Request.Context(), userID(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeStatsFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, stats)
}

// GetErrorStats returns error-rate statistics over a trailing window
// (window_minutes query parameter, default 60) plus the caller's recent
// errors and the newest unresolved audit rows.
func (h *Handlers) GetErrorStats(c *gin.Context) {
	ctx := c.Request.Context()

	resp := ErrorStatsResponse{}
	if h.faults != nil {
		minutes := utils.ClampInt(utils.AtoiDefault(c.Query("window_minutes"), 60), 1, 24*60)
		window := time.Duration(minutes) * time.Minute
		resp.Statistics = h.faults.GetStatistics(window)
		resp.Recent = h.faults.UserHistory(userID(c))
	}
	if h.db != nil {
		rows, err := repo.ListUnresolvedErrors(ctx, h.db, 50)
		if err != nil {
			fail(c, http.StatusInternalServerError, ErrCodeStatsFailed, err.Error())
			return
		}
		resp.Unresolved = rows
	}
	ok(c, http.StatusOK, resp)
}
