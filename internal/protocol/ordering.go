// Package protocol defines the WebSocket wire format. This file implements
// ordering recovery: cross-client ordering is established by the server's
// monotonic sequence value at broadcast time, and receivers that observe
// out-of-order arrival re-sort on timestamp.
package protocol

import (
	"sort"

	"github.com/tbourn/go-messaging-backend/internal/domain"
)

// InOrder reports whether the messages are already ordered by CreatedAt
// ascending, breaking timestamp ties by ID for determinism.
func InOrder(msgs []domain.Message) bool {
	for i := 1; i < len(msgs); i++ {
		a, b := msgs[i-1], msgs[i]
		if a.CreatedAt.After(b.CreatedAt) {
			return false
		}
		if a.CreatedAt.Equal(b.CreatedAt) && a.ID > b.ID {
			return false
		}
	}
	return true
}

// SortByCreatedAt sorts messages in place by CreatedAt ascending (ID as the
// tie-break) and returns the slice. Sorting any shuffled list with valid
// timestamps yields an order that passes InOrder.
func SortByCreatedAt(msgs []domain.Message) []domain.Message {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs
}
