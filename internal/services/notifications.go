// Package services – Notifications
//
// Composes and dispatches notifications: real-time push over the
// notification stream when the recipient has a live socket, with the
// persisted row serving as the pull-based fallback channel otherwise.
// Notifications sharing a group key within the configured window coalesce
// into one row with an incrementing count.
package services

import (
	"context"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/go-messaging-backend/internal/domain"
	"github.com/tbourn/go-messaging-backend/internal/protocol"
	"github.com/tbourn/go-messaging-backend/internal/repo"
)

// Notifications composes and dispatches user notifications.
type Notifications struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Push delivers frames to the recipient's notification stream. May be
	// nil in tests; rows then rely on the pull fallback alone.
	Push Pusher
	// GroupWindow bounds how recent a prior notification with the same group
	// key must be to coalesce. Zero disables grouping.
	GroupWindow time.Duration
	// TitleLocale drives title casing for generated titles.
	TitleLocale language.Tag

	// Now is a test seam for the clock.
	Now func() time.Time
}

// NewNotifications constructs a Notifications service with a ten minute
// grouping window.
func NewNotifications(db *gorm.DB, push Pusher) *Notifications {
	return &Notifications{
		DB:          db,
		Push:        push,
		GroupWindow: 10 * time.Minute,
		TitleLocale: language.English,
		Now:         time.Now,
	}
}

// Notify persists a notification (coalescing within the group window) and
// attempts real-time delivery. A missing title is generated from the type
// tag. Delivery marking happens only when a live socket accepted the frame;
// offline recipients pick the row up through the REST surface instead.
func (n *Notifications) Notify(ctx context.Context, in repo.NotificationInput) (*domain.Notification, error) {
	if strings.TrimSpace(in.Title) == "" {
		in.Title = n.titleFor(in.Type)
	}
	row, _, err := repo.CreateNotification(ctx, n.DB, in, n.GroupWindow)
	if err != nil {
		return nil, err
	}

	if n.Push != nil && n.Push.SendToUser(row.RecipientID, protocol.NewNotificationFrame(row)) {
		if merr := repo.MarkNotificationDelivered(ctx, n.DB, row.ID, n.Now().UTC()); merr == nil {
			now := n.Now().UTC()
			row.DeliveredAt = &now
		}
		n.pushBadge(ctx, row.RecipientID)
	}
	return row, nil
}

// List returns the user's notifications with optional unread/type filters.
func (n *Notifications) List(ctx context.Context, userID string, limit, offset int, unreadOnly bool, notifType string) ([]domain.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return repo.ListNotifications(ctx, n.DB, userID, limit, offset, unreadOnly, notifType)
}

// MarkRead flags one notification read and refreshes the badge. Returns
// ErrNotificationNotFound for unknown or foreign ids that were still unread,
// unless the row simply was already read.
func (n *Notifications) MarkRead(ctx context.Context, userID, notificationID string) error {
	changed, err := repo.MarkNotificationRead(ctx, n.DB, notificationID, userID, n.Now().UTC())
	if err != nil {
		return err
	}
	if !changed {
		if _, gerr := repo.GetNotification(ctx, n.DB, notificationID); gerr != nil {
			return ErrNotificationNotFound
		}
		return nil // already read
	}
	n.pushBadge(ctx, userID)
	return nil
}

// MarkAllRead flags every unread notification for the user, refreshes the
// badge, and returns the number updated.
func (n *Notifications) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	count, err := repo.MarkAllNotificationsRead(ctx, n.DB, userID, n.Now().UTC())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		n.pushBadge(ctx, userID)
	}
	return count, nil
}

// UnreadCount returns the user's badge count.
func (n *Notifications) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return repo.CountUnreadNotifications(ctx, n.DB, userID)
}

// pushBadge sends the current unread count over the stream, best effort.
func (n *Notifications) pushBadge(ctx context.Context, userID string) {
	if n.Push == nil {
		return
	}
	if unread, err := repo.CountUnreadNotifications(ctx, n.DB, userID); err == nil {
		n.Push.SendToUser(userID, protocol.NewBadgeFrame(unread))
	}
}

// titleFor turns a type tag like "new_message" into a display title.
func (n *Notifications) titleFor(typeTag string) string {
	caser := cases.Title(n.TitleLocale)
	return caser.String(strings.ReplaceAll(typeTag, "_", " "))
}
