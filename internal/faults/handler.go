// Package faults classifies messaging errors, isolates failing dependencies
// behind circuit breakers, and produces non-technical, user-facing
// remediation hints. This file implements the error handler: structured
// reports with stable ids, category-keyed suggestions, rolling per-minute
// statistics with alert thresholds, and a bounded per-user error history.
package faults

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrorCategory tags the failure domain an error belongs to.
type ErrorCategory string

const (
	CategoryWebSocket  ErrorCategory = "websocket"
	CategoryDatabase   ErrorCategory = "database"
	CategoryNetwork    ErrorCategory = "network"
	CategoryValidation ErrorCategory = "validation"
	CategoryAuth       ErrorCategory = "authentication"
	CategoryRateLimit  ErrorCategory = "rate_limit"
	CategorySystem     ErrorCategory = "system"
	CategoryUserInput  ErrorCategory = "user_input"
)

// ErrorSeverity grades how serious an error is.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// userMessages maps each category to a plain-language description shown to
// end users. No exception names, stack traces, or internal identifiers.
var userMessages = map[ErrorCategory]string{
	CategoryWebSocket:  "The live connection hiccuped. We're reconnecting you.",
	CategoryDatabase:   "We couldn't save your changes just now. Please try again.",
	CategoryNetwork:    "We're having trouble reaching the server.",
	CategoryValidation: "Something about that request didn't look right.",
	CategoryAuth:       "Your session needs to be refreshed.",
	CategoryRateLimit:  "You're sending requests a little too quickly.",
	CategorySystem:     "Something went wrong on our side.",
	CategoryUserInput:  "That input couldn't be processed.",
}

// suggestions maps each category to actionable next steps for the user.
var suggestions = map[ErrorCategory][]string{
	CategoryWebSocket:  {"Wait a moment while we reconnect", "Refresh the page if this keeps happening"},
	CategoryDatabase:   {"Try again", "Your message will be kept and retried automatically"},
	CategoryNetwork:    {"Try again", "Check your internet connection", "Your messages will be queued for offline delivery"},
	CategoryValidation: {"Edit your input and resend", "Clear the field and start over"},
	CategoryAuth:       {"Sign in again"},
	CategoryRateLimit:  {"Wait a few seconds before trying again"},
	CategorySystem:     {"Try again in a moment"},
	CategoryUserInput:  {"Edit your input and resend", "Clear the field and start over"},
}

// criticalSuggestions are appended whenever severity reaches critical.
var criticalSuggestions = []string{"Refresh the page", "Contact support if the problem continues"}

// Report is the structured result of handling one error. It is safe to
// serialize into a client-visible error frame.
type Report struct {
	ErrorID           string        `json:"error_id"`
	Category          ErrorCategory `json:"category"`
	Severity          ErrorSeverity `json:"severity"`
	UserMessage       string        `json:"user_message"`
	Suggestions       []string      `json:"suggestions"`
	RecoveryAttempted bool          `json:"recovery_attempted"`
	RecoverySucceeded bool          `json:"recovery_succeeded"`
	Timestamp         time.Time     `json:"timestamp"`
}

// HandleInput carries the context of a failure into Handle.
type HandleInput struct {
	// Context names the failing operation (e.g. "chat.send_message").
	// It also derives the circuit breaker key for the category.
	Context  string
	Category ErrorCategory
	Severity ErrorSeverity
	// UserID, when set, records the error in that user's recent history.
	UserID string
	// Recovery, when set, is attempted once; its outcome lands in the report.
	Recovery func(ctx context.Context) error
}

// AuditSink persists high-severity errors to the durable audit log.
// The repo-backed implementation is wired in at process start.
type AuditSink interface {
	Append(ctx context.Context, errorType, message, severity, contextJSON, userID string) error
}

// UserError is one entry of a user's bounded recent-error history.
type UserError struct {
	ErrorID   string        `json:"error_id"`
	Category  ErrorCategory `json:"category"`
	Severity  ErrorSeverity `json:"severity"`
	Context   string        `json:"context"`
	Timestamp time.Time     `json:"timestamp"`
}

// maxUserHistory caps each user's recent-error list; oldest entries are
// evicted first.
const maxUserHistory = 20

// HandlerConfig tunes the error handler.
type HandlerConfig struct {
	Breaker BreakerConfig
	// StatsWindow bounds GetStatistics and the alert evaluation window.
	StatsWindow time.Duration
	// WarnThreshold / CriticalThreshold are total-errors-per-window alarm
	// levels emitted to the log.
	WarnThreshold     int
	CriticalThreshold int
}

// DefaultHandlerConfig returns standard thresholds: 50 errors per window
// logs a warning, 100 logs critical, over a five minute window.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		Breaker:           DefaultBreakerConfig(),
		StatsWindow:       5 * time.Minute,
		WarnThreshold:     50,
		CriticalThreshold: 100,
	}
}

// Handler is the process-wide error handler. One instance is constructed at
// startup and shared by every consumer session. All state is in-memory and
// process-local.
type Handler struct {
	cfg      HandlerConfig
	breakers *BreakerRegistry
	audit    AuditSink

	// Now is a test seam.
	Now func() time.Time

	mu      sync.Mutex
	buckets map[int64]*minuteBucket
	history map[string][]UserError
}

// minuteBucket accumulates error counts for one wall-clock minute.
type minuteBucket struct {
	total      int
	byCategory map[ErrorCategory]int
	bySeverity map[ErrorSeverity]int
}

// NewHandler constructs a Handler. audit may be nil when no durable log is
// wanted (tests).
func NewHandler(cfg HandlerConfig, audit AuditSink) *Handler {
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = 5 * time.Minute
	}
	if cfg.WarnThreshold <= 0 {
		cfg.WarnThreshold = 50
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = 100
	}
	return &Handler{
		cfg:      cfg,
		breakers: NewBreakerRegistry(cfg.Breaker),
		audit:    audit,
		Now:      time.Now,
		buckets:  make(map[int64]*minuteBucket),
		history:  make(map[string][]UserError),
	}
}

// Breakers exposes the handler's circuit breaker registry so the retry and
// offline-queue paths can consult breaker state before dialing a dependency.
func (h *Handler) Breakers() *BreakerRegistry { return h.breakers }

// NewErrorID returns a fresh "err_" + 12 hex character identifier.
func NewErrorID() string {
	return "err_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Handle processes one error: classifies it, records breaker and counter
// state, logs with structured context, optionally attempts recovery, and
// returns a client-safe Report. It never panics and never returns a report
// containing technical detail.
func (h *Handler) Handle(ctx context.Context, err error, in HandleInput) Report {
	if in.Category == "" {
		in.Category = CategorySystem
	}
	if in.Severity == "" {
		in.Severity = SeverityMedium
	}
	now := h.Now()

	rep := Report{
		ErrorID:     NewErrorID(),
		Category:    in.Category,
		Severity:    in.Severity,
		UserMessage: userMessages[in.Category],
		Suggestions: append([]string(nil), suggestions[in.Category]...),
		Timestamp:   now,
	}
	if in.Severity == SeverityCritical {
		rep.Suggestions = append(rep.Suggestions, criticalSuggestions...)
	}

	h.breakers.For(in.Category, breakerKey(in.Context)).RecordFailure()
	h.count(now, in.Category, in.Severity)
	h.remember(in.UserID, UserError{
		ErrorID:   rep.ErrorID,
		Category:  in.Category,
		Severity:  in.Severity,
		Context:   in.Context,
		Timestamp: now,
	})

	h.logError(err, in, rep.ErrorID)
	h.persistAudit(ctx, err, in)

	if in.Recovery != nil {
		rep.RecoveryAttempted = true
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error().Interface("panic", rec).
						Str("error_id", rep.ErrorID).
						Msg("recovery callback panicked")
					rep.RecoverySucceeded = false
				}
			}()
			rep.RecoverySucceeded = in.Recovery(ctx) == nil
		}()
	}

	return rep
}

// RecordSuccess informs the breaker for (category, operation context) that a
// call succeeded, advancing half-open circuits toward closed.
func (h *Handler) RecordSuccess(category ErrorCategory, operation string) {
	h.breakers.For(category, breakerKey(operation)).RecordSuccess()
}

// Allow reports whether the breaker guarding (category, operation context)
// currently admits calls.
func (h *Handler) Allow(category ErrorCategory, operation string) bool {
	return h.breakers.For(category, breakerKey(operation)).Allow()
}

// Statistics is the aggregated error-count view over a window.
type Statistics struct {
	WindowSeconds int                   `json:"window_seconds"`
	Total         int                   `json:"total"`
	ByCategory    map[ErrorCategory]int `json:"by_category"`
	BySeverity    map[ErrorSeverity]int `json:"by_severity"`
}

// GetStatistics aggregates per-minute counters over the trailing window.
// A window of 0 uses the configured default.
func (h *Handler) GetStatistics(window time.Duration) Statistics {
	if window <= 0 {
		window = h.cfg.StatsWindow
	}
	cutoff := h.Now().Add(-window).Unix() / 60

	out := Statistics{
		WindowSeconds: int(window.Seconds()),
		ByCategory:    make(map[ErrorCategory]int),
		BySeverity:    make(map[ErrorSeverity]int),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for minute, b := range h.buckets {
		if minute < cutoff {
			continue
		}
		out.Total += b.total
		for c, n := range b.byCategory {
			out.ByCategory[c] += n
		}
		for s, n := range b.bySeverity {
			out.BySeverity[s] += n
		}
	}
	return out
}

// UserHistory returns a copy of the user's bounded recent-error list,
// oldest first.
func (h *Handler) UserHistory(userID string) []UserError {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]UserError(nil), h.history[userID]...)
}

// count updates the rolling per-minute counters and emits alert logs when
// the windowed total crosses the configured thresholds.
func (h *Handler) count(now time.Time, cat ErrorCategory, sev ErrorSeverity) {
	minute := now.Unix() / 60
	cutoff := now.Add(-h.cfg.StatsWindow).Unix() / 60

	h.mu.Lock()
	b := h.buckets[minute]
	if b == nil {
		b = &minuteBucket{
			byCategory: make(map[ErrorCategory]int),
			bySeverity: make(map[ErrorSeverity]int),
		}
		h.buckets[minute] = b
		// Evict buckets older than the window while we're here.
		for m := range h.buckets {
			if m < cutoff {
				delete(h.buckets, m)
			}
		}
	}
	b.total++
	b.byCategory[cat]++
	b.bySeverity[sev]++

	total := 0
	for m, bb := range h.buckets {
		if m >= cutoff {
			total += bb.total
		}
	}
	h.mu.Unlock()

	switch {
	case total == h.cfg.CriticalThreshold:
		log.Error().Int("errors", total).Dur("window", h.cfg.StatsWindow).
			Msg("critical error rate reached")
	case total == h.cfg.WarnThreshold:
		log.Warn().Int("errors", total).Dur("window", h.cfg.StatsWindow).
			Msg("elevated error rate")
	}
}

// remember appends to the user's history, evicting the oldest entry past the
// cap. Empty user ids are skipped.
func (h *Handler) remember(userID string, e UserError) {
	if userID == "" {
		return
	}
	h.mu.Lock()
	hist := append(h.history[userID], e)
	if len(hist) > maxUserHistory {
		hist = hist[len(hist)-maxUserHistory:]
	}
	h.history[userID] = hist
	h.mu.Unlock()
}

// logError emits the full technical detail to the structured log. Stack
// traces are included for high and critical severity only.
func (h *Handler) logError(err error, in HandleInput, errorID string) {
	ev := log.Error().
		Str("error_id", errorID).
		Str("category", string(in.Category)).
		Str("severity", string(in.Severity)).
		Str("operation", in.Context).
		Str("user_id", in.UserID)
	if err != nil {
		ev = ev.Err(err)
	}
	if in.Severity == SeverityHigh || in.Severity == SeverityCritical {
		ev = ev.Bytes("stack", debug.Stack())
	}
	ev.Msg("messaging error")
}

// persistAudit appends high/critical errors to the durable audit log.
// Audit failures are logged and swallowed; the handler must never raise.
func (h *Handler) persistAudit(ctx context.Context, err error, in HandleInput) {
	if h.audit == nil || (in.Severity != SeverityHigh && in.Severity != SeverityCritical) {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	ctxJSON, _ := json.Marshal(map[string]string{"operation": in.Context})
	if aerr := h.audit.Append(ctx, string(in.Category), msg, string(in.Severity), string(ctxJSON), in.UserID); aerr != nil {
		log.Error().Err(aerr).Msg("audit append failed")
	}
}

// breakerKey derives a bounded breaker key from an operation context string.
// Only the first dotted segment is used so "chat.send_message" and
// "chat.mark_read" share the "chat" failure domain.
func breakerKey(operation string) string {
	if operation == "" {
		return "default"
	}
	if i := strings.IndexByte(operation, '.'); i > 0 {
		return operation[:i]
	}
	return operation
}
