// Package protocol defines the WebSocket wire format. This file provides the
// outbound frame constructors. Every frame sent to a client is built here so
// the wire shapes stay in one place.
package protocol

import (
	"time"

	"github.com/tbourn/go-messaging-backend/internal/domain"
)

// Outbound frame types pushed to clients.
const (
	OutMessage      = "message"
	OutTyping       = "typing"
	OutReadReceipt  = "read_receipt"
	OutUserStatus   = "user_status"
	OutPong         = "pong"
	OutError        = "error"
	OutNotification = "notification"
	OutBadgeUpdate  = "badge_update"
	OutQueued       = "message_queued"
	OutBulkReadAck  = "bulk_read_ack"
	OutSyncBatch    = "sync_batch"
	OutConnStatus   = "connection_status"
)

// MessageFrame is a chat message pushed into a room. SequenceID is the
// server-assigned per-room monotonic ordering marker.
type MessageFrame struct {
	Type       string    `json:"type"`
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	Content    string    `json:"content"`
	ClientID   string    `json:"client_id,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	SequenceID int64     `json:"sequence_id"`
}

// NewMessageFrame builds the room broadcast for a persisted message.
func NewMessageFrame(m *domain.Message, seq int64) MessageFrame {
	return MessageFrame{
		Type:       OutMessage,
		ID:         m.ID,
		SenderID:   m.SenderID,
		Content:    m.Content,
		ClientID:   m.ClientID,
		Status:     m.Status,
		CreatedAt:  m.CreatedAt,
		SequenceID: seq,
	}
}

// TypingFrame announces a partner's typing state.
type TypingFrame struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// NewTypingFrame builds a typing indicator frame.
func NewTypingFrame(userID string, isTyping bool) TypingFrame {
	return TypingFrame{Type: OutTyping, UserID: userID, IsTyping: isTyping}
}

// ReadReceiptFrame informs a sender that a message was read.
type ReadReceiptFrame struct {
	Type      string    `json:"type"`
	MessageID string    `json:"message_id"`
	ReaderID  string    `json:"reader_id"`
	ReadAt    time.Time `json:"read_at"`
}

// NewReadReceiptFrame builds a read receipt push.
func NewReadReceiptFrame(messageID, readerID string, readAt time.Time) ReadReceiptFrame {
	return ReadReceiptFrame{Type: OutReadReceipt, MessageID: messageID, ReaderID: readerID, ReadAt: readAt}
}

// UserStatusFrame announces a user's presence change.
type UserStatusFrame struct {
	Type     string    `json:"type"`
	UserID   string    `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

// NewUserStatusFrame builds a presence push.
func NewUserStatusFrame(userID string, online bool, lastSeen time.Time) UserStatusFrame {
	return UserStatusFrame{Type: OutUserStatus, UserID: userID, IsOnline: online, LastSeen: lastSeen}
}

// PongFrame answers a client ping.
type PongFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewPongFrame builds a heartbeat reply.
func NewPongFrame(now time.Time) PongFrame {
	return PongFrame{Type: OutPong, Timestamp: now}
}

// ErrorFrame is the structured error reply. Error text is always
// user-facing; technical detail stays in the logs.
type ErrorFrame struct {
	Type        string   `json:"type"`
	Error       string   `json:"error"`
	Timestamp   string   `json:"timestamp"`
	RetryID     string   `json:"retry_id,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// NewErrorFrame builds an error reply.
func NewErrorFrame(msg string, now time.Time) ErrorFrame {
	return ErrorFrame{Type: OutError, Error: msg, Timestamp: now.UTC().Format(time.RFC3339)}
}

// NotificationFrame pushes one notification over the stream.
type NotificationFrame struct {
	Type       string    `json:"type"`
	ID         string    `json:"id"`
	NotifType  string    `json:"notification_type"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Priority   int       `json:"priority"`
	GroupCount int       `json:"group_count"`
	ActionURL  string    `json:"action_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewNotificationFrame builds a notification push.
func NewNotificationFrame(n *domain.Notification) NotificationFrame {
	return NotificationFrame{
		Type:       OutNotification,
		ID:         n.ID,
		NotifType:  n.Type,
		Title:      n.Title,
		Message:    n.Message,
		Priority:   n.Priority,
		GroupCount: n.GroupCount,
		ActionURL:  n.ActionURL,
		CreatedAt:  n.CreatedAt,
	}
}

// BadgeFrame updates the client's unread badge count.
type BadgeFrame struct {
	Type   string `json:"type"`
	Unread int64  `json:"unread"`
}

// NewBadgeFrame builds a badge update.
func NewBadgeFrame(unread int64) BadgeFrame {
	return BadgeFrame{Type: OutBadgeUpdate, Unread: unread}
}

// QueuedFrame tells a sender their message was queued for later delivery
// instead of being silently dropped.
type QueuedFrame struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id,omitempty"`
	QueueID  string `json:"queue_id"`
	Reason   string `json:"reason"`
}

// NewQueuedFrame builds a queued-for-delivery notice.
func NewQueuedFrame(clientID, queueID string) QueuedFrame {
	return QueuedFrame{
		Type:     OutQueued,
		ClientID: clientID,
		QueueID:  queueID,
		Reason:   "Your message will be delivered as soon as possible",
	}
}

// BulkReadAckFrame acknowledges a bulk read operation with per-item counts.
type BulkReadAckFrame struct {
	Type      string `json:"type"`
	Processed int    `json:"processed_count"`
	Failed    int    `json:"failed_count"`
}

// NewBulkReadAckFrame builds a bulk read acknowledgment.
func NewBulkReadAckFrame(processed, failed int) BulkReadAckFrame {
	return BulkReadAckFrame{Type: OutBulkReadAck, Processed: processed, Failed: failed}
}

// SyncItem is one replayed message in a sync batch, tagged by kind.
type SyncItem struct {
	Kind    string       `json:"kind"`
	Message MessageFrame `json:"message"`
}

// SyncBatchFrame carries the messages replayed after a reconnection,
// strictly ordered by CreatedAt ascending.
type SyncBatchFrame struct {
	Type  string     `json:"type"`
	Since time.Time  `json:"since"`
	Items []SyncItem `json:"items"`
}

// NewSyncBatchFrame builds a reconnection replay batch.
func NewSyncBatchFrame(since time.Time, msgs []domain.Message) SyncBatchFrame {
	items := make([]SyncItem, 0, len(msgs))
	for i := range msgs {
		items = append(items, SyncItem{
			Kind:    "incoming_message",
			Message: NewMessageFrame(&msgs[i], 0),
		})
	}
	return SyncBatchFrame{Type: OutSyncBatch, Since: since, Items: items}
}

// ConnStatusFrame reports the server-side view of the connection.
type ConnStatusFrame struct {
	Type         string    `json:"type"`
	ConnectionID string    `json:"connection_id"`
	State        string    `json:"state"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewConnStatusFrame builds a connection status report.
func NewConnStatusFrame(connectionID, state string, now time.Time) ConnStatusFrame {
	return ConnStatusFrame{Type: OutConnStatus, ConnectionID: connectionID, State: state, Timestamp: now}
}
