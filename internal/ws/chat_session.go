// This file implements the two-party chat endpoint: the gin upgrade handler
// and the per-connection session that dispatches validated inbound frames to
// the service layer. The session runs entirely on the client's read pump
// goroutine; everything it sends goes through the write pump.
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

	"github.com/tbourn/go-messaging-backend/internal/domain"
	"github.com/tbourn/go-messaging-backend/internal/faults"
	"github.com/tbourn/go-messaging-backend/internal/protocol"
	"github.com/tbourn/go-messaging-backend/internal/recovery"
	"github.com/tbourn/go-messaging-backend/internal/repo"
	"github.com/tbourn/go-messaging-backend/internal/services"
)

// opTimeout bounds each database-touching operation triggered by a frame.
const opTimeout = 10 * time.Second

// syncWindow is how far back a sync_request reaches when the client does not
// supply a usable timestamp.
const syncWindow = 24 * time.Hour

// SessionDeps bundles the services a WebSocket session dispatches into.
type SessionDeps struct {
	Presence      *services.Presence
	Typing        *services.Typing
	Receipts      *services.Receipts
	Sender        *services.MessageSender
	Sync          *services.Sync
	Queue         *services.OfflineQueue
	Notifications *services.Notifications
	Faults        *faults.Handler
	Recovery      *recovery.Manager
}

// SessionConfig tunes per-connection limits shared by the WS endpoints.
type SessionConfig struct {
	// FrameRPS is the sustained inbound frame rate allowed per connection.
	FrameRPS float64
	// FrameBurst is the burst allowance on top of FrameRPS.
	FrameBurst int
	// CheckOrigin, when false, rejects cross-origin upgrade requests.
	CheckOrigin bool
}

// DefaultSessionConfig allows 10 frames/s with a burst of 20.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{FrameRPS: 10, FrameBurst: 20, CheckOrigin: true}
}

// ChatServer owns the /ws/chat/:peer endpoint.
type ChatServer struct {
	cfg      SessionConfig
	hub      *Hub
	deps     SessionDeps
	upgrader websocket.Upgrader
}

// NewChatServer constructs the chat endpoint handler.
func NewChatServer(cfg SessionConfig, hub *Hub, deps SessionDeps) *ChatServer {
	return &ChatServer{
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

// identify extracts the authenticated user from the upgrade request. The
// identity comes from the X-User-ID header with a user_id query fallback for
// browser WebSocket clients that cannot set headers.
func identify(c *gin.Context) string {
	if id := c.GetHeader("X-User-ID"); id != "" {
		return id
	}
	return c.Query("user_id")
}

// Handle upgrades the request and runs the chat session until the socket
// closes.
func (s *ChatServer) Handle(c *gin.Context) {
	userID := identify(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}
	peerID := c.Param("peer")
	if peerID == "" || peerID == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat partner"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	connectionID, status, err := s.deps.Presence.UserConnected(ctx, userID, c.Request.UserAgent())
	cancel()
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("presence registration failed")
		_ = conn.Close()
		return
	}

	room := RoomFor(userID, peerID)
	lg := log.With().
		Str("user_id", userID).
		Str("peer_id", peerID).
		Str("connection_id", connectionID).
		Logger()

	client := newClient(s.hub, conn, userID, connectionID, "chat", s.cfg.FrameRPS, s.cfg.FrameBurst, lg)
	sess := &chatSession{
		userID: userID,
		peerID: peerID,
		room:   room,
		client: client,
		deps:   s.deps,
		log:    lg,
	}
	client.onFrame = sess.handleFrame
	client.onClose = sess.close

	s.hub.Register(client)
	s.hub.Join(client, room)
	s.deps.Recovery.RegisterConnection(connectionID, userID, c.Request.URL.Path, nil)

	sess.open(status)
	client.run()
}

// chatSession is the application side of one chat connection.
type chatSession struct {
	userID string
	peerID string
	room   string
	client *Client
	deps   SessionDeps
	log    zerolog.Logger
}

// open runs the post-upgrade sequence: announce our presence to the room,
// tell the client about the partner, and flush anything queued while we were
// away.
func (s *chatSession) open(status *domain.UserStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	lastSeen := time.Now().UTC()
	if status != nil {
		lastSeen = status.LastPing
	}
	s.client.hub.BroadcastToRoom(s.room, protocol.NewUserStatusFrame(s.userID, true, lastSeen))

	if peer, err := s.deps.Presence.GetUserPresence(ctx, s.peerID); err == nil {
		s.client.SendFrame(protocol.NewUserStatusFrame(s.peerID, peer.IsOnline, peer.LastPing))
	}

	if report, err := s.deps.Queue.DeliverPending(ctx, s.userID); err != nil {
		s.log.Warn().Err(err).Msg("queued delivery failed")
	} else if report.Processed > 0 {
		s.log.Info().Int("delivered", report.Processed).Msg("queued messages flushed")
	}
}

// handleFrame dispatches one raw inbound frame. Invalid frames answer with
// an error and leave the connection open.
func (s *chatSession) handleFrame(raw []byte) {
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
	case protocol.TypeMessage:
		s.handleMessage(ctx, d.Frame)
	case protocol.TypeTyping:
		s.handleTyping(ctx, d.Frame)
	case protocol.TypeReadReceipt, protocol.TypeMarkRead:
		s.handleReadReceipt(ctx, d.Frame)
	case protocol.TypeBulkReadReceipt:
		res := s.deps.Receipts.MarkMultipleRead(ctx, d.Frame.MessageIDs, s.userID)
		s.client.SendFrame(protocol.NewBulkReadAckFrame(res.Processed, res.Failed))
	case protocol.TypeMarkChatRead:
		res, err := s.deps.Receipts.MarkChatRead(ctx, s.userID, s.peerID)
		if err != nil {
			s.client.SendFrame(protocol.NewErrorFrame("Could not mark chat read", time.Now()))
			return
		}
		s.client.SendFrame(protocol.NewBulkReadAckFrame(res.Processed, res.Failed))
	case protocol.TypePing:
		s.handlePing(ctx)
	case protocol.TypeSyncRequest:
		s.handleSync(ctx, d.Frame)
	case protocol.TypeGetConnectionStatus:
		s.handleConnStatus()
	case protocol.TypeForceReconnect:
		s.deps.Recovery.HandleConnectionLost(s.client.ConnectionID, "client requested reconnect")
		s.client.Close()
	default:
		// Notification stream frame types arriving on the chat socket.
		s.client.SendFrame(protocol.NewErrorFrame("unsupported message type on chat stream", time.Now()))
	}
}

// handleMessage runs the send pipeline and fans the persisted message out to
// the room, queuing a copy for an offline partner.
func (s *chatSession) handleMessage(ctx context.Context, f protocol.Inbound) {
	outcome, err := s.deps.Sender.Send(ctx, s.userID, s.peerID, f.Message, f.ClientID)
	if err != nil {
		s.client.SendFrame(protocol.NewErrorFrame(sendErrorText(err), time.Now()))
		return
	}

	if outcome.Queued {
		wsMessagesQueued.Inc()
		s.client.SendFrame(protocol.NewQueuedFrame(f.ClientID, outcome.QueueID))
		return
	}

	msg := outcome.Message
	if outcome.Duplicate {
		// Replay of an already-accepted client token: echo the original
		// without rebroadcasting it into the room.
		s.client.SendFrame(protocol.NewMessageFrame(msg, 0))
		return
	}

	seq := s.client.hub.NextSequence(s.room)
	frame := protocol.NewMessageFrame(msg, seq)
	berr := s.deps.Sender.RetryBroadcast(ctx, "room:"+s.room, func(context.Context) error {
		s.client.hub.BroadcastToRoom(s.room, frame)
		return nil
	})
	if berr != nil {
		s.log.Warn().Err(berr).Str("message_id", msg.ID).Msg("room broadcast rejected")
	}

	if s.deps.Presence.IsOnline(ctx, s.peerID) {
		if _, err := repo.MarkDelivered(ctx, s.deps.Sender.DB, msg.ID); err != nil {
			s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("delivery mark failed")
		}
		return
	}

	// Partner offline: park a copy in the queue and raise a notification so
	// the message surfaces on their next connection.
	wsMessagesQueued.Inc()
	if _, err := s.deps.Queue.QueueForOfflineRecipient(ctx, s.userID, s.peerID, msg.Content, domain.PriorityDefault); err != nil {
		s.log.Error().Err(err).Str("message_id", msg.ID).Msg("offline queue failed")
	}
	if _, err := s.deps.Notifications.Notify(ctx, repo.NotificationInput{
		RecipientID: s.peerID,
		SenderID:    s.userID,
		Type:        "new_message",
		Message:     msg.Content,
		Priority:    domain.PriorityDefault,
		GroupKey:    "chat:" + s.userID,
	}); err != nil {
		s.log.Warn().Err(err).Msg("notification failed")
	}
}

// handleTyping persists the indicator and relays it to the partner.
func (s *chatSession) handleTyping(ctx context.Context, f protocol.Inbound) {
	if err := s.deps.Typing.UpdateStatus(ctx, s.userID, s.peerID, f.IsTyping); err != nil {
		s.log.Warn().Err(err).Msg("typing update failed")
	}
	s.client.hub.SendToUser(s.peerID, protocol.NewTypingFrame(s.userID, f.IsTyping))
}

// handleReadReceipt marks one message read. Duplicate receipts inside the
// dedup window are silently absorbed.
func (s *chatSession) handleReadReceipt(ctx context.Context, f protocol.Inbound) {
	if _, err := s.deps.Receipts.MarkMessageRead(ctx, f.MessageID, s.userID, time.Now().UTC()); err != nil {
		s.client.SendFrame(protocol.NewErrorFrame(sendErrorText(err), time.Now()))
	}
}

// handlePing answers the heartbeat and refreshes both liveness clocks.
func (s *chatSession) handlePing(ctx context.Context) {
	if err := s.deps.Presence.UpdateHeartbeat(ctx, s.userID); err != nil {
		s.log.Warn().Err(err).Msg("heartbeat update failed")
	}
	s.deps.Recovery.UpdateHeartbeat(s.client.ConnectionID)
	s.client.SendFrame(protocol.NewPongFrame(time.Now()))
}

// handleSync replays messages missed while disconnected.
func (s *chatSession) handleSync(ctx context.Context, f protocol.Inbound) {
	since := time.Now().UTC().Add(-syncWindow)
	if f.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339, f.Timestamp); err == nil {
			since = t.UTC()
		}
	}
	msgs, err := s.deps.Sync.MessagesSince(ctx, s.userID, since)
	if err != nil {
		s.client.SendFrame(protocol.NewErrorFrame("Could not sync messages", time.Now()))
		return
	}
	s.client.SendFrame(protocol.NewSyncBatchFrame(since, msgs))
}

// handleConnStatus reports the server-side view of this connection.
func (s *chatSession) handleConnStatus() {
	state, _, ok := s.deps.Recovery.ConnectionState(s.client.ConnectionID)
	if !ok {
		state = recovery.StateConnected
	}
	s.client.SendFrame(protocol.NewConnStatusFrame(s.client.ConnectionID, string(state), time.Now()))
}

// close runs once when the socket tears down: presence decrement, typing
// reset, offline broadcast once the last connection is gone.
func (s *chatSession) close() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := s.deps.Typing.UpdateStatus(ctx, s.userID, s.peerID, false); err == nil {
		s.client.hub.SendToUser(s.peerID, protocol.NewTypingFrame(s.userID, false))
	}

	status, err := s.deps.Presence.UserDisconnected(ctx, s.userID, s.client.ConnectionID)
	if err != nil {
		s.log.Warn().Err(err).Msg("presence release failed")
	} else if status != nil && !status.IsOnline {
		s.client.hub.BroadcastToRoom(s.room, protocol.NewUserStatusFrame(s.userID, false, status.LastPing))
	}

	s.deps.Recovery.Unregister(s.client.ConnectionID)
	s.log.Info().Msg("chat session closed")
}

// sendErrorText translates service errors into the user-facing reply.
func sendErrorText(err error) string {
	switch {
	case errors.Is(err, services.ErrEmptyMessage):
		return "Message cannot be empty"
	case errors.Is(err, services.ErrMessageTooLong):
		return "Message is too long"
	case errors.Is(err, services.ErrSelfMessage):
		return "You cannot message yourself"
	case errors.Is(err, services.ErrMessageNotFound), errors.Is(err, repo.ErrNotFound):
		return "Message not found"
	case errors.Is(err, services.ErrNotRecipient):
		return "You cannot acknowledge this message"
	default:
		return "Something went wrong. Please try again."
	}
}
