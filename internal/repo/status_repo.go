// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for presence
// (UserStatus). Connection counting uses SQL-level atomic increments rather
// than read-modify-write so concurrent connects and disconnects for the same
// user cannot race to a negative or inconsistent count.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-messaging-backend/internal/domain"
)

// GetUserStatus fetches a user's presence row, or ErrNotFound.
func GetUserStatus(ctx context.Context, db *gorm.DB, userID string) (*domain.UserStatus, error) {
	var st domain.UserStatus
	if err := db.WithContext(ctx).Where("user_id = ?", userID).First(&st).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &st, nil
}

// IncrementConnections registers one more live socket for the user,
// get-or-creating the status row. The counter bump and the online flag are
// applied in a single UPDATE so interleaved connects stay consistent.
func IncrementConnections(ctx context.Context, db *gorm.DB, userID, connectionID, deviceInfo string, now time.Time) (*domain.UserStatus, error) {
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		st := domain.UserStatus{UserID: userID, LastPing: now}
		if err := tx.Where("user_id = ?", userID).FirstOrCreate(&st).Error; err != nil {
			return err
		}
		return tx.Model(&domain.UserStatus{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"active_connections": gorm.Expr("active_connections + 1"),
				"is_online":          true,
				"last_ping":          now,
				"connection_id":      connectionID,
				"device_info":        deviceInfo,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return GetUserStatus(ctx, db, userID)
}

// DecrementConnections releases one socket for the user. The counter is
// clamped at zero in SQL, and the online flag follows the resulting count.
func DecrementConnections(ctx context.Context, db *gorm.DB, userID string, now time.Time) (*domain.UserStatus, error) {
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.UserStatus{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"active_connections": gorm.Expr("MAX(active_connections - 1, 0)"),
				"last_ping":          now,
			}).Error; err != nil {
			return err
		}
		return tx.Model(&domain.UserStatus{}).
			Where("user_id = ?", userID).
			Update("is_online", gorm.Expr("active_connections > 0")).Error
	})
	if err != nil {
		return nil, err
	}
	return GetUserStatus(ctx, db, userID)
}

// TouchLastPing refreshes the heartbeat timestamp monotonically: an older
// timestamp never overwrites a newer one.
func TouchLastPing(ctx context.Context, db *gorm.DB, userID string, now time.Time) error {
	return db.WithContext(ctx).Model(&domain.UserStatus{}).
		Where("user_id = ? AND last_ping < ?", userID, now).
		Update("last_ping", now).Error
}

// ForceOfflineStale zeroes out every status whose heartbeat is older than the
// cutoff, returning how many rows were affected. Fresh statuses are untouched.
func ForceOfflineStale(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.UserStatus{}).
		Where("is_online = ? AND last_ping < ?", true, cutoff).
		Updates(map[string]any{
			"is_online":          false,
			"active_connections": 0,
		})
	return res.RowsAffected, res.Error
}

// PresenceSummary aggregates presence counts for the whole instance.
type PresenceSummary struct {
	Total         int64   `json:"total"`
	Online        int64   `json:"online"`
	Offline       int64   `json:"offline"`
	OnlinePercent float64 `json:"online_percent"`
}

// GetPresenceSummary returns total/online/offline counts and the online
// percentage in one consistent read.
func GetPresenceSummary(ctx context.Context, db *gorm.DB) (*PresenceSummary, error) {
	var s PresenceSummary
	if err := db.WithContext(ctx).Model(&domain.UserStatus{}).Count(&s.Total).Error; err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Model(&domain.UserStatus{}).
		Where("is_online = ?", true).Count(&s.Online).Error; err != nil {
		return nil, err
	}
	s.Offline = s.Total - s.Online
	if s.Total > 0 {
		s.OnlinePercent = float64(s.Online) / float64(s.Total) * 100
	}
	return &s, nil
}
