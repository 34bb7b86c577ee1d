// Package protocol defines the WebSocket wire format: inbound frame
// validation, outbound frame construction, and message ordering recovery.
//
// Inbound payloads are untrusted and possibly adversarial. DecodeInbound
// therefore never panics and never returns an error value: it always yields
// a fixed-shape Decoded result whose Errors list explains what was wrong.
// Downstream handlers operate only on the validated Inbound type, so ad hoc
// type checks do not leak into the consumers.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Inbound frame types accepted from clients.
const (
	TypeMessage             = "message"
	TypeTyping              = "typing"
	TypeReadReceipt         = "read_receipt"
	TypePing                = "ping"
	TypeMarkRead            = "mark_read"
	TypeMarkAllRead         = "mark_all_read"
	TypeGetNotifications    = "get_notifications"
	TypeGetConnectionStatus = "get_connection_status"
	TypeBulkReadReceipt     = "bulk_read_receipt"
	TypeMarkChatRead        = "mark_chat_read"
	TypeForceReconnect      = "force_reconnect"
	TypeSyncRequest         = "sync_request"
)

// knownTypes is the set of recognized inbound frame types.
var knownTypes = map[string]struct{}{
	TypeMessage:             {},
	TypeTyping:              {},
	TypeReadReceipt:         {},
	TypePing:                {},
	TypeMarkRead:            {},
	TypeMarkAllRead:         {},
	TypeGetNotifications:    {},
	TypeGetConnectionStatus: {},
	TypeBulkReadReceipt:     {},
	TypeMarkChatRead:        {},
	TypeForceReconnect:      {},
	TypeSyncRequest:         {},
}

// Inbound is a validated client frame. Only the fields relevant to the
// frame's Type are meaningful; the rest keep their zero values.
type Inbound struct {
	Type             string   `json:"type"`
	Message          string   `json:"message,omitempty"`
	ClientID         string   `json:"client_id,omitempty"`
	IsTyping         bool     `json:"is_typing,omitempty"`
	MessageID        string   `json:"message_id,omitempty"`
	MessageIDs       []string `json:"message_ids,omitempty"`
	Timestamp        string   `json:"timestamp,omitempty"`
	RetryID          string   `json:"retry_id,omitempty"`
	NotificationID   string   `json:"notification_id,omitempty"`
	Limit            int      `json:"limit,omitempty"`
	Offset           int      `json:"offset,omitempty"`
	UnreadOnly       bool     `json:"unread_only,omitempty"`
	NotificationType string   `json:"notification_type,omitempty"`
}

// Decoded is the fixed-shape result of validating one raw frame.
type Decoded struct {
	Valid  bool
	Errors []string
	Frame  Inbound
}

// ErrInvalidJSON is the user-facing text for malformed frames.
const ErrInvalidJSON = "Invalid JSON format"

// DecodeInbound validates a raw frame. Malformed JSON or a non-object
// payload yields Valid=false with a populated Errors list. An unrecognized
// type is flagged as an error while the remaining fields are still
// extracted, so callers can echo back context. DecodeInbound never panics.
func DecodeInbound(raw []byte) Decoded {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Decoded{Errors: []string{ErrInvalidJSON}}
	}

	obj, ok := payload.(map[string]any)
	if !ok {
		return Decoded{Errors: []string{"payload must be a JSON object"}}
	}

	d := Decoded{}
	d.Frame = Inbound{
		Type:             StringField(obj, "type", ""),
		Message:          StringField(obj, "message", ""),
		ClientID:         StringField(obj, "client_id", ""),
		IsTyping:         BoolField(obj, "is_typing", false),
		MessageID:        StringField(obj, "message_id", ""),
		MessageIDs:       stringListField(obj, "message_ids"),
		Timestamp:        StringField(obj, "timestamp", ""),
		RetryID:          StringField(obj, "retry_id", ""),
		NotificationID:   StringField(obj, "notification_id", ""),
		Limit:            IntField(obj, "limit", 0),
		Offset:           IntField(obj, "offset", 0),
		UnreadOnly:       BoolField(obj, "unread_only", false),
		NotificationType: StringField(obj, "notification_type", ""),
	}

	if d.Frame.Type == "" {
		d.Errors = append(d.Errors, "missing message type")
	} else if _, known := knownTypes[d.Frame.Type]; !known {
		d.Errors = append(d.Errors, fmt.Sprintf("unsupported message type: %s", d.Frame.Type))
	}

	switch d.Frame.Type {
	case TypeMessage:
		if strings.TrimSpace(d.Frame.Message) == "" {
			d.Errors = append(d.Errors, "message content must not be empty")
		}
	case TypeReadReceipt, TypeMarkRead:
		if d.Frame.MessageID == "" {
			d.Errors = append(d.Errors, "message_id is required")
		}
	case TypeBulkReadReceipt:
		if len(d.Frame.MessageIDs) == 0 {
			d.Errors = append(d.Errors, "message_ids must not be empty")
		}
	}

	d.Valid = len(d.Errors) == 0
	return d
}

// StringField extracts obj[key] as a string, coercing numbers and booleans
// to their literal text. Missing keys and unconvertible values fall back to
// def. Never panics.
func StringField(obj map[string]any, key, def string) string {
	v, ok := obj[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// Integral JSON numbers render without a decimal point.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return def
	}
}

// IntField extracts obj[key] as an int, accepting JSON numbers and numeric
// strings. Non-numeric values fall back to def. Never panics.
func IntField(obj map[string]any, key string, def int) int {
	v, ok := obj[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
		return def
	case bool:
		if t {
			return 1
		}
		return 0
	default:
		return def
	}
}

// BoolField extracts obj[key] as a bool, accepting JSON booleans, truthy
// strings ("true", "1", "yes") and nonzero numbers. Anything else falls back
// to def. Never panics.
func BoolField(obj map[string]any, key string, def bool) bool {
	v, ok := obj[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
		return def
	case float64:
		return t != 0
	default:
		return def
	}
}

// stringListField extracts obj[key] as a list of strings, coercing element
// values with the same rules as StringField and dropping anything that
// cannot be represented.
func stringListField(obj map[string]any, key string) []string {
	v, ok := obj[key]
	if !ok {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, el := range list {
		s := StringField(map[string]any{"v": el}, "v", "")
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
