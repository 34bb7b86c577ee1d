// Package services – Presence
//
// This file implements the presence service: per-user online/offline state
// derived from a reference count of concurrently open sockets. Counter
// updates happen as atomic SQL increments in the repo layer, so concurrent
// connects and disconnects for the same user can interleave in any order
// without producing a negative or inconsistent count.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-messaging-backend/internal/domain"
	"github.com/tbourn/go-messaging-backend/internal/repo"
)

// Presence tracks user-level online state. One instance is shared by every
// consumer session.
type Presence struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB

	// Now is a test seam for the clock.
	Now func() time.Time
}

// NewPresence constructs a Presence service.
func NewPresence(db *gorm.DB) *Presence {
	return &Presence{DB: db, Now: time.Now}
}

// UserConnected registers one more live socket for the user and returns the
// new connection's identifier along with the updated status. Multiple
// concurrent connections increment the counter rather than overwriting
// state.
func (p *Presence) UserConnected(ctx context.Context, userID, deviceInfo string) (string, *domain.UserStatus, error) {
	connectionID := uuid.NewString()
	st, err := repo.IncrementConnections(ctx, p.DB, userID, connectionID, deviceInfo, p.Now().UTC())
	if err != nil {
		return "", nil, err
	}
	return connectionID, st, nil
}

// UserDisconnected releases one socket for the user. The user flips offline
// only when their last connection is gone.
func (p *Presence) UserDisconnected(ctx context.Context, userID, connectionID string) (*domain.UserStatus, error) {
	_ = connectionID // per-socket bookkeeping lives in the recovery manager
	return repo.DecrementConnections(ctx, p.DB, userID, p.Now().UTC())
}

// UpdateHeartbeat refreshes the user's last ping monotonically.
func (p *Presence) UpdateHeartbeat(ctx context.Context, userID string) error {
	return repo.TouchLastPing(ctx, p.DB, userID, p.Now().UTC())
}

// CleanupStale forces offline (and a zero counter) for every status whose
// heartbeat is older than timeout, returning the number cleaned. Statuses
// with recent heartbeats are unaffected.
func (p *Presence) CleanupStale(ctx context.Context, timeout time.Duration) (int64, error) {
	return repo.ForceOfflineStale(ctx, p.DB, p.Now().UTC().Add(-timeout))
}

// GetUserPresence returns the user's status. Users without a row are
// reported as offline rather than as an error.
func (p *Presence) GetUserPresence(ctx context.Context, userID string) (*domain.UserStatus, error) {
	st, err := repo.GetUserStatus(ctx, p.DB, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return &domain.UserStatus{UserID: userID}, nil
	}
	return st, err
}

// IsOnline reports whether the user currently has at least one live socket.
// Lookup failures are treated as offline so callers fall back to queueing.
func (p *Presence) IsOnline(ctx context.Context, userID string) bool {
	st, err := p.GetUserPresence(ctx, userID)
	return err == nil && st.IsOnline
}

// Summary returns instance-wide presence counts, consistent with individual
// GetUserPresence results at the same instant.
func (p *Presence) Summary(ctx context.Context) (*repo.PresenceSummary, error) {
	return repo.GetPresenceSummary(ctx, p.DB)
}
