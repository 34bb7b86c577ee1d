// Package services – MessageSender
//
// The message send pipeline: content validation, client-token idempotency,
// retry-wrapped persistence, and queue-on-exhaustion. Persistence and live
// transmission are retried independently: a message can exist in storage
// even when its broadcast ultimately fails, and vice versa a failed
// persistence never blocks the sender forever — the message lands in the
// offline queue and the sender is told so.
package services

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-messaging-backend/internal/domain"
	"github.com/tbourn/go-messaging-backend/internal/faults"
	"github.com/tbourn/go-messaging-backend/internal/repo"
	"github.com/tbourn/go-messaging-backend/internal/retry"
)

// SendOutcome is the result of one send attempt.
type SendOutcome struct {
	// Message is the persisted row; nil when the send was queued instead.
	Message *domain.Message
	// Duplicate is true when the client token matched an earlier send and
	// Message is the original row.
	Duplicate bool
	// Queued is true when persistence was exhausted and the message now sits
	// in the offline queue.
	Queued bool
	// QueueID identifies the queue entry when Queued is true.
	QueueID string
}

// MessageSender coordinates message persistence with retries, circuit
// breaking, and offline-queue fallback.
type MessageSender struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Exec retries the persistence step.
	Exec *retry.Executor
	// Faults supplies the database/websocket circuit breakers.
	Faults *faults.Handler
	// Queue takes over when immediate persistence is exhausted.
	Queue *OfflineQueue
	// MaxContentRunes caps message length; zero means the domain default.
	MaxContentRunes int
}

// NewMessageSender constructs a MessageSender.
func NewMessageSender(db *gorm.DB, exec *retry.Executor, fh *faults.Handler, queue *OfflineQueue) *MessageSender {
	return &MessageSender{
		DB:              db,
		Exec:            exec,
		Faults:          fh,
		Queue:           queue,
		MaxContentRunes: domain.MaxMessageContentRunes,
	}
}

// Send validates and persists a chat message, retrying persistence per the
// executor's policy. On exhausted retries (or an already-open database
// breaker) the message is enqueued for later delivery and the outcome says
// so; the caller reports "queued" to the sender rather than dropping the
// message. Validation failures return an error immediately and are never
// queued.
func (s *MessageSender) Send(ctx context.Context, senderID, recipientID, content, clientID string) (*SendOutcome, error) {
	tr := otel.Tracer("services/MessageSender")
	ctx, span := tr.Start(ctx, "MessageSender.Send", trace.WithAttributes(
		attribute.String("sender_id", senderID),
		attribute.String("recipient_id", recipientID),
	))
	defer span.End()

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	maxRunes := s.MaxContentRunes
	if maxRunes <= 0 {
		maxRunes = domain.MaxMessageContentRunes
	}
	if utf8.RuneCountInString(content) > maxRunes {
		return nil, ErrMessageTooLong
	}
	if senderID == recipientID {
		return nil, ErrSelfMessage
	}

	// A tripped database breaker means persistence is known-bad; reroute to
	// the queue instead of burning the retry budget.
	if !s.Faults.Allow(faults.CategoryDatabase, "chat.create_message") {
		return s.queueInstead(ctx, senderID, recipientID, content)
	}

	opID := clientID
	if opID == "" {
		opID = uuid.NewString()
	}

	var msg *domain.Message
	err := s.Exec.Do(ctx, "send:"+opID, func(ctx context.Context) error {
		m, cerr := repo.CreateMessage(ctx, s.DB, senderID, recipientID, content, clientID)
		if cerr != nil {
			if errors.Is(cerr, repo.ErrDuplicateClientID) {
				// The original write won; surface it instead of retrying.
				return retry.Permanent(cerr)
			}
			return cerr
		}
		msg = m
		return nil
	})

	switch {
	case err == nil:
		s.Faults.RecordSuccess(faults.CategoryDatabase, "chat.create_message")
		if _, serr := repo.MarkSent(ctx, s.DB, msg.ID); serr != nil {
			// The row exists; a failed status bump is repaired by delivery.
			span.RecordError(serr)
		}
		return &SendOutcome{Message: msg}, nil

	case errors.Is(err, repo.ErrDuplicateClientID):
		original, gerr := repo.GetMessageByClientID(ctx, s.DB, senderID, clientID)
		if gerr != nil {
			return nil, gerr
		}
		return &SendOutcome{Message: original, Duplicate: true}, nil

	default:
		span.RecordError(err)
		s.Faults.Handle(ctx, err, faults.HandleInput{
			Context:  "chat.create_message",
			Category: faults.CategoryDatabase,
			Severity: faults.SeverityHigh,
			UserID:   senderID,
		})
		return s.queueInstead(ctx, senderID, recipientID, content)
	}
}

// queueInstead parks the message in the offline queue after persistence was
// ruled out. A queue failure is the one case Send reports as a plain error.
func (s *MessageSender) queueInstead(ctx context.Context, senderID, recipientID, content string) (*SendOutcome, error) {
	queueID, qerr := s.Queue.QueueOutgoingMessage(ctx, senderID, recipientID, content, domain.PriorityDefault)
	if qerr != nil {
		return nil, qerr
	}
	return &SendOutcome{Queued: true, QueueID: queueID}, nil
}

// RetryBroadcast retries only the live transmission step, independent of
// persistence. Failures trip the websocket breaker; an open breaker skips
// the attempt entirely so a failing socket layer is not hammered.
func (s *MessageSender) RetryBroadcast(ctx context.Context, opID string, send func(ctx context.Context) error) error {
	if !s.Faults.Allow(faults.CategoryWebSocket, "chat.broadcast") {
		return errors.New("broadcast suppressed: circuit open")
	}
	err := s.Exec.Do(ctx, "broadcast:"+opID, send)
	if err != nil {
		s.Faults.Handle(ctx, err, faults.HandleInput{
			Context:  "chat.broadcast",
			Category: faults.CategoryWebSocket,
			Severity: faults.SeverityMedium,
		})
		return err
	}
	s.Faults.RecordSuccess(faults.CategoryWebSocket, "chat.broadcast")
	return nil
}
