// Package domain defines the persistence models for the real-time messaging
// core: direct messages, the durable offline/retry queue, notifications,
// presence and typing state, and the messaging error audit log. These types
// are mapped with GORM and shared across the repository and service layers.
package domain

import "time"

// Message lifecycle statuses. Transitions are monotonic:
// pending → sent → delivered → read. The terminal "failed" status is only
// assigned when every delivery path (including queueing) has been exhausted.
const (
	MessageStatusPending   = "pending"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
	MessageStatusFailed    = "failed"
)

// statusRank orders lifecycle statuses so transitions can be checked for
// monotonicity. "failed" sits outside the normal chain and is never ranked.
var statusRank = map[string]int{
	MessageStatusPending:   0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
}

// StatusAdvances reports whether moving a message from one status to the next
// is a forward transition in the pending→sent→delivered→read chain. Equal
// statuses and backwards moves return false; "failed" never advances.
func StatusAdvances(from, next string) bool {
	a, okA := statusRank[from]
	b, okB := statusRank[next]
	return okA && okB && b > a
}

// MaxMessageContentRunes bounds message content length.
const MaxMessageContentRunes = 10000

// Message is a single direct message between two users.
//
// Fields:
//   - ID: stable UUID primary key (TEXT).
//   - SenderID / RecipientID: opaque user identifiers; indexed per direction.
//   - Content: message body, bounded at MaxMessageContentRunes.
//   - ClientID: client-supplied idempotency token, unique per sender when
//     present; the partial index skips rows without a token.
//   - Status: lifecycle status, see MessageStatus* constants.
//   - IsRead: mirrors Status == "read" for cheap unread counts.
//   - CreatedAt / SentAt / DeliveredAt / ReadAt: lifecycle timestamps.
//     DeliveredAt is always set at or before ReadAt when both exist.
type Message struct {
	ID          string     `json:"id"           gorm:"type:TEXT;primaryKey"`
	SenderID    string     `json:"sender_id"    gorm:"type:TEXT;not null;index:idx_msg_sender;uniqueIndex:ux_msg_sender_client,priority:1"`
	RecipientID string     `json:"recipient_id" gorm:"type:TEXT;not null;index:idx_msg_recipient,priority:1"`
	Content     string     `json:"content"      gorm:"type:TEXT;not null"`
	ClientID    string     `json:"client_id,omitempty" gorm:"type:TEXT;uniqueIndex:ux_msg_sender_client,priority:2,where:client_id <> ''"`
	Status      string     `json:"status"       gorm:"type:TEXT;not null;default:'pending';check:status IN ('pending','sent','delivered','read','failed')"`
	IsRead      bool       `json:"is_read"      gorm:"not null;default:false"`
	CreatedAt   time.Time  `json:"created_at"   gorm:"index:idx_msg_recipient,priority:2"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Queue types for QueuedMessage.
const (
	QueueTypeOutgoing = "outgoing"
	QueueTypeIncoming = "incoming"
	QueueTypeRetry    = "retry"
)

// Queue priorities. Lower values are delivered first.
const (
	PriorityUrgent  = 1
	PriorityNormal  = 2
	PriorityLow     = 3
	PriorityDefault = PriorityNormal
)

// QueuedMessageTTL is how long a queued message stays deliverable.
const QueuedMessageTTL = 7 * 24 * time.Hour

// QueuedMessage is a durable record for messages that could not be delivered
// immediately: offline recipients (incoming), offline senders (outgoing), or
// sends awaiting a scheduled retry (retry). Entries expire QueuedMessageTTL
// after creation and are swept by the maintenance loop. Delivery order is
// (priority ASC, created_at ASC).
type QueuedMessage struct {
	ID          string     `json:"id"           gorm:"type:TEXT;primaryKey"`
	SenderID    string     `json:"sender_id"    gorm:"type:TEXT;not null;index"`
	RecipientID string     `json:"recipient_id" gorm:"type:TEXT;not null;index:idx_queue_recipient"`
	Content     string     `json:"content"      gorm:"type:TEXT;not null"`
	QueueType   string     `json:"queue_type"   gorm:"type:TEXT;not null;check:queue_type IN ('outgoing','incoming','retry')"`
	Priority    int        `json:"priority"     gorm:"not null;default:2;check:priority BETWEEN 1 AND 3"`
	RetryCount  int        `json:"retry_count"  gorm:"not null;default:0"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LastError   string     `json:"last_error,omitempty" gorm:"type:TEXT"`
	IsProcessed bool       `json:"is_processed" gorm:"not null;default:false;index"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"   gorm:"index"`
}

// TableName returns the database table name for QueuedMessage.
func (QueuedMessage) TableName() string { return "queued_messages" }

// Expired reports whether the entry is past its expiry at the given instant.
func (q QueuedMessage) Expired(now time.Time) bool { return !now.Before(q.ExpiresAt) }

// Notification is a user-facing notification dispatched over the notification
// stream and visible through the REST surface. Notifications sharing a
// GroupKey within the configured grouping window coalesce into a single row
// with an incrementing GroupCount.
type Notification struct {
	ID          string     `json:"id"            gorm:"type:TEXT;primaryKey"`
	RecipientID string     `json:"recipient_id"  gorm:"type:TEXT;not null;index:idx_notif_recipient,priority:1"`
	SenderID    string     `json:"sender_id,omitempty" gorm:"type:TEXT"`
	Type        string     `json:"type"          gorm:"type:TEXT;not null;index"`
	Title       string     `json:"title"         gorm:"type:TEXT;not null"`
	Message     string     `json:"message"       gorm:"type:TEXT;not null"`
	Priority    int        `json:"priority"      gorm:"not null;default:2"`
	GroupKey    string     `json:"group_key,omitempty" gorm:"type:TEXT;index"`
	GroupCount  int        `json:"group_count"   gorm:"not null;default:1"`
	ActionURL   string     `json:"action_url,omitempty" gorm:"type:TEXT"`
	IsRead      bool       `json:"is_read"       gorm:"not null;default:false"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"    gorm:"index:idx_notif_recipient,priority:2"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Notification.
func (Notification) TableName() string { return "notifications" }

// UserStatus tracks a user's presence: one row per user, with a reference
// count of concurrently open sockets. Invariant: IsOnline is true exactly
// when ActiveConnections > 0, and the counter never goes negative.
type UserStatus struct {
	UserID            string    `json:"user_id"  gorm:"type:TEXT;primaryKey"`
	IsOnline          bool      `json:"is_online" gorm:"not null;default:false;index"`
	ActiveConnections int       `json:"active_connections" gorm:"not null;default:0"`
	LastPing          time.Time `json:"last_ping"`
	ConnectionID      string    `json:"connection_id,omitempty" gorm:"type:TEXT"`
	DeviceInfo        string    `json:"device_info,omitempty"   gorm:"type:TEXT"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TableName returns the database table name for UserStatus.
func (UserStatus) TableName() string { return "user_statuses" }

// TypingStatus is the ephemeral "user is typing to partner" indicator.
// At most one row exists per ordered (user, partner) pair; stale rows are
// force-reset by the maintenance sweep.
type TypingStatus struct {
	ID            string    `json:"id"              gorm:"type:TEXT;primaryKey"`
	UserID        string    `json:"user_id"         gorm:"type:TEXT;not null;uniqueIndex:ux_typing_pair,priority:1"`
	ChatPartnerID string    `json:"chat_partner_id" gorm:"type:TEXT;not null;uniqueIndex:ux_typing_pair,priority:2"`
	IsTyping      bool      `json:"is_typing"       gorm:"not null;default:false"`
	LastUpdated   time.Time `json:"last_updated"    gorm:"index"`
}

// TableName returns the database table name for TypingStatus.
func (TypingStatus) TableName() string { return "typing_statuses" }

// MessagingError is an append-only audit record for messaging failures.
// After creation the only permitted mutation is resolution.
type MessagingError struct {
	ID              string     `json:"id"         gorm:"type:TEXT;primaryKey"`
	ErrorType       string     `json:"error_type" gorm:"type:TEXT;not null;index"`
	Message         string     `json:"message"    gorm:"type:TEXT;not null"`
	Severity        string     `json:"severity"   gorm:"type:TEXT;not null;index"`
	Context         string     `json:"context,omitempty" gorm:"type:TEXT"` // JSON blob
	UserID          string     `json:"user_id,omitempty" gorm:"type:TEXT;index"`
	Resolved        bool       `json:"resolved"   gorm:"not null;default:false"`
	ResolutionNotes string     `json:"resolution_notes,omitempty" gorm:"type:TEXT"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at" gorm:"index"`
}

// TableName returns the database table name for MessagingError.
func (MessagingError) TableName() string { return "messaging_errors" }
