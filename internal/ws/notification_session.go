// This file implements the per-user notification stream: badge counts,
// notification pushes, and the read-state commands that do not belong to a
// specific chat.
package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-messaging-backend/internal/protocol"
	"github.com/tbourn/go-messaging-backend/internal/services"
)

// NotificationServer owns the /ws/notifications endpoint.
type NotificationServer struct {
	cfg      SessionConfig
	hub      *Hub
	deps     SessionDeps
	upgrader websocket.Upgrader
}

// NewNotificationServer constructs the notification stream handler.
func NewNotificationServer(cfg SessionConfig, hub *Hub, deps SessionDeps) *NotificationServer {
	return &NotificationServer{
		cfg:  cfg,
		hub:  hub,
		deps: deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return cfg.CheckOrigin },
		},
	}
}

// Handle upgrades the request and runs the notification session until the
// socket closes.
func (s *NotificationServer) Handle(c *gin.Context) {
	userID := identify(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	connectionID, _, err := s.deps.Presence.UserConnected(ctx, userID, c.Request.UserAgent())
	cancel()
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("presence registration failed")
		_ = conn.Close()
		return
	}

	lg := log.With().
		Str("user_id", userID).
		Str("connection_id", connectionID).
		Logger()

	client := newClient(s.hub, conn, userID, connectionID, "notifications", s.cfg.FrameRPS, s.cfg.FrameBurst, lg)
	sess := &notificationSession{
		userID: userID,
		client: client,
		deps:   s.deps,
		log:    lg,
	}
	client.onFrame = sess.handleFrame
	client.onClose = sess.close

	s.hub.Register(client)
	s.deps.Recovery.RegisterConnection(connectionID, userID, c.Request.URL.Path, nil)

	sess.open()
	client.run()
}

// notificationSession is the application side of one notification stream.
type notificationSession struct {
	userID string
	client *Client
	deps   SessionDeps
	log    zerolog.Logger
}

// open drains the offline queue and seeds the badge count.
func (s *notificationSession) open() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if res, err := s.deps.Sync.DrainQueue(ctx, s.userID); err != nil {
		s.log.Warn().Err(err).Msg("queue drain failed")
	} else if res.Processed > 0 {
		s.log.Info().Int("delivered", res.Processed).Msg("queued messages flushed")
	}

	if unread, err := s.deps.Notifications.UnreadCount(ctx, s.userID); err == nil {
		s.client.SendFrame(protocol.NewBadgeFrame(unread))
	}
}

// handleFrame dispatches one raw inbound frame on the notification stream.
func (s *notificationSession) handleFrame(raw []byte) {
	if !s.client.Allow() {
		s.client.SendFrame(protocol.NewErrorFrame("Rate limit exceeded. Please slow down.", time.Now()))
		return
	}

	d := protocol.DecodeInbound(raw)
	label := d.Frame.Type
	if label == "" {
		label = "invalid"
	}
	wsFrames.WithLabelValues("in", label).Inc()

	if !d.Valid {
		s.client.SendFrame(protocol.NewErrorFrame(d.Errors[0], time.Now()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch d.Frame.Type {
	case protocol.TypePing:
		if err := s.deps.Presence.UpdateHeartbeat(ctx, s.userID); err != nil {
			s.log.Warn().Err(err).Msg("heartbeat update failed")
		}
		s.deps.Recovery.UpdateHeartbeat(s.client.ConnectionID)
		s.client.SendFrame(protocol.NewPongFrame(time.Now()))
	case protocol.TypeMarkRead:
		s.handleMarkRead(ctx, d.Frame)
	case protocol.TypeMarkAllRead:
		if count, err := s.deps.Notifications.MarkAllRead(ctx, s.userID); err != nil {
			s.client.SendFrame(protocol.NewErrorFrame("Could not mark notifications read", time.Now()))
		} else {
			s.client.SendFrame(protocol.NewBulkReadAckFrame(int(count), 0))
		}
	case protocol.TypeGetNotifications:
		s.handleGetNotifications(ctx, d.Frame)
	case protocol.TypeGetConnectionStatus:
		state, _, ok := s.deps.Recovery.ConnectionState(s.client.ConnectionID)
		if !ok {
			state = "connected"
		}
		s.client.SendFrame(protocol.NewConnStatusFrame(s.client.ConnectionID, string(state), time.Now()))
	case protocol.TypeForceReconnect:
		s.deps.Recovery.HandleConnectionLost(s.client.ConnectionID, "client requested reconnect")
		s.client.Close()
	default:
		s.client.SendFrame(protocol.NewErrorFrame("unsupported message type on notification stream", time.Now()))
	}
}

// handleMarkRead flags one notification read. On the notification stream the
// id rides in either notification_id or message_id for older clients.
func (s *notificationSession) handleMarkRead(ctx context.Context, f protocol.Inbound) {
	id := f.NotificationID
	if id == "" {
		id = f.MessageID
	}
	if err := s.deps.Notifications.MarkRead(ctx, s.userID, id); err != nil {
		if errors.Is(err, services.ErrNotificationNotFound) {
			s.client.SendFrame(protocol.NewErrorFrame("Notification not found", time.Now()))
			return
		}
		s.client.SendFrame(protocol.NewErrorFrame("Could not mark notification read", time.Now()))
	}
}

// handleGetNotifications replays stored notifications over the stream.
func (s *notificationSession) handleGetNotifications(ctx context.Context, f protocol.Inbound) {
	rows, err := s.deps.Notifications.List(ctx, s.userID, f.Limit, f.Offset, f.UnreadOnly, f.NotificationType)
	if err != nil {
		s.client.SendFrame(protocol.NewErrorFrame("Could not load notifications", time.Now()))
		return
	}
	for i := range rows {
		s.client.SendFrame(protocol.NewNotificationFrame(&rows[i]))
	}
}

// close releases presence and recovery tracking for this stream.
func (s *notificationSession) close() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if _, err := s.deps.Presence.UserDisconnected(ctx, s.userID, s.client.ConnectionID); err != nil {
		s.log.Warn().Err(err).Msg("presence release failed")
	}
	s.deps.Recovery.Unregister(s.client.ConnectionID)
	s.log.Info().Msg("notification session closed")
}
