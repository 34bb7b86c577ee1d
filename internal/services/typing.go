// Package services – Typing
//
// Ephemeral typing indicators. One row exists per ordered (user, partner)
// pair; the maintenance sweep resets rows that were never explicitly
// cleared.
package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-messaging-backend/internal/domain"
	"github.com/tbourn/go-messaging-backend/internal/repo"
)

// Typing manages typing-indicator state.
type Typing struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB

	// Now is a test seam for the clock.
	Now func() time.Time
}

// NewTyping constructs a Typing service.
func NewTyping(db *gorm.DB) *Typing {
	return &Typing{DB: db, Now: time.Now}
}

// UpdateStatus upserts the unique (user, partner) typing row. A second call
// with the same pair updates in place; duplicates are never created.
func (t *Typing) UpdateStatus(ctx context.Context, userID, partnerID string, isTyping bool) error {
	return repo.UpsertTypingStatus(ctx, t.DB, userID, partnerID, isTyping, t.Now().UTC())
}

// Status returns the typing row for the pair, defaulting to not-typing when
// none exists.
func (t *Typing) Status(ctx context.Context, userID, partnerID string) (*domain.TypingStatus, error) {
	row, err := repo.GetTypingStatus(ctx, t.DB, userID, partnerID)
	if errors.Is(err, repo.ErrNotFound) {
		return &domain.TypingStatus{UserID: userID, ChatPartnerID: partnerID}, nil
	}
	return row, err
}

// CleanupStale forces is_typing=false for rows untouched beyond timeout and
// returns the count affected.
func (t *Typing) CleanupStale(ctx context.Context, timeout time.Duration) (int64, error) {
	return repo.ResetStaleTyping(ctx, t.DB, t.Now().UTC().Add(-timeout))
}
