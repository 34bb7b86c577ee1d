// Package recovery implements client-reconnection orchestration: a per
// connection state machine with a fixed backoff schedule, status change
// callbacks, and connection-level heartbeat/staleness detection. The state
// here is socket-level plumbing; user-level presence lives in the presence
// service.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is the lifecycle state of a tracked connection.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateOffline      State = "offline"
)

// backoffSchedule is the delay before each reconnection attempt, indexed by
// attempt number. Attempts beyond the table reuse the last value.
var backoffSchedule = []time.Duration{
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	32 * time.Second,
}

// RetryDelay returns the scheduled delay before the given 1-based attempt.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(backoffSchedule) {
		attempt = len(backoffSchedule)
	}
	return backoffSchedule[attempt-1]
}

// StatusChange is delivered to every registered callback on each transition.
type StatusChange struct {
	ConnectionID string    `json:"connection_id"`
	State        State     `json:"state"`
	Timestamp    time.Time `json:"timestamp"`
}

// ReconnectFunc re-establishes a lost connection. A nil error moves the
// connection back to connected; an error schedules the next attempt.
type ReconnectFunc func(ctx context.Context, connectionID string) error

// connection is the tracked state for one socket.
type connection struct {
	id         string
	userID     string
	url        string
	state      State
	retryCount int
	lastBeat   time.Time
	reconnect  ReconnectFunc
	cancelWait func() bool // pending retry timer, nil when none
}

// Config tunes the recovery manager.
type Config struct {
	// MaxRetries bounds automatic reconnection attempts per outage.
	MaxRetries int
}

// DefaultConfig matches the backoff schedule length.
func DefaultConfig() Config { return Config{MaxRetries: 5} }

// Manager tracks connections and drives their reconnection attempts. One
// instance serves the whole process; all methods are safe for concurrent
// use.
type Manager struct {
	cfg Config

	// Now and Schedule are test seams. Schedule must run fn after d and
	// return a cancel func; the default uses time.AfterFunc.
	Now      func() time.Time
	Schedule func(d time.Duration, fn func()) func() bool

	mu        sync.Mutex
	conns     map[string]*connection
	callbacks []func(StatusChange)
}

// NewManager constructs a Manager.
func NewManager(cfg Config) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &Manager{
		cfg: cfg,
		Now: time.Now,
		Schedule: func(d time.Duration, fn func()) func() bool {
			t := time.AfterFunc(d, fn)
			return t.Stop
		},
		conns: make(map[string]*connection),
	}
}

// OnStatusChange registers a callback notified of every state transition.
// Delivery is asynchronous but reaches every registered callback for every
// transition.
func (m *Manager) OnStatusChange(fn func(StatusChange)) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.mu.Unlock()
}

// RegisterConnection starts tracking a connection in the connected state
// with a zero retry count.
func (m *Manager) RegisterConnection(id, userID, url string, reconnect ReconnectFunc) {
	m.mu.Lock()
	m.conns[id] = &connection{
		id:        id,
		userID:    userID,
		url:       url,
		state:     StateConnected,
		lastBeat:  m.Now(),
		reconnect: reconnect,
	}
	m.mu.Unlock()
	m.notify(id, StateConnected)
}

// Unregister stops tracking a connection and cancels any pending retry.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	if c, ok := m.conns[id]; ok {
		if c.cancelWait != nil {
			c.cancelWait()
		}
		delete(m.conns, id)
	}
	m.mu.Unlock()
}

// ConnectionState reports the current state and retry count for a
// connection. ok is false for unknown ids.
func (m *Manager) ConnectionState(id string) (state State, retries int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return "", 0, false
	}
	return c.state, c.retryCount, true
}

// HandleConnectionLost moves the connection toward reconnecting and
// schedules the next attempt per the backoff schedule. Once the retry count
// exceeds MaxRetries the connection is marked failed and no further
// automatic attempts are scheduled.
func (m *Manager) HandleConnectionLost(id, reason string) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	c.retryCount++
	if c.retryCount > m.cfg.MaxRetries {
		retries := c.retryCount - 1
		m.setStateLocked(c, StateFailed)
		m.mu.Unlock()
		log.Warn().Str("connection_id", id).Str("reason", reason).
			Int("retries", retries).Msg("reconnection attempts exhausted")
		m.notify(id, StateFailed)
		m.notify(id, StateOffline)
		return
	}

	m.setStateLocked(c, StateReconnecting)
	delay := RetryDelay(c.retryCount)
	attempt := c.retryCount
	reconnect := c.reconnect
	c.cancelWait = m.Schedule(delay, func() { m.attemptReconnect(id, reconnect) })
	m.mu.Unlock()

	log.Info().Str("connection_id", id).Str("reason", reason).
		Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
	m.notify(id, StateReconnecting)
}

// HandleConnectionRestored resets the retry counter after a successful
// reconnection (from any path) and marks the connection connected.
func (m *Manager) HandleConnectionRestored(id string) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	c.retryCount = 0
	c.lastBeat = m.Now()
	if c.cancelWait != nil {
		c.cancelWait()
		c.cancelWait = nil
	}
	m.setStateLocked(c, StateConnected)
	m.mu.Unlock()
	m.notify(id, StateConnected)
}

// attemptReconnect runs one scheduled reconnection attempt.
func (m *Manager) attemptReconnect(id string, reconnect ReconnectFunc) {
	if reconnect == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := reconnect(ctx, id); err != nil {
		log.Warn().Err(err).Str("connection_id", id).Msg("reconnect attempt failed")
		m.HandleConnectionLost(id, "reconnect failed")
		return
	}
	m.HandleConnectionRestored(id)
}

// UpdateHeartbeat refreshes the connection's liveness timestamp
// monotonically.
func (m *Manager) UpdateHeartbeat(id string) {
	now := m.Now()
	m.mu.Lock()
	if c, ok := m.conns[id]; ok && c.lastBeat.Before(now) {
		c.lastBeat = now
	}
	m.mu.Unlock()
}

// CleanupStaleConnections marks connections whose last heartbeat is older
// than timeout as disconnected and returns how many were affected. Used to
// detect dead sockets independent of application-level presence.
func (m *Manager) CleanupStaleConnections(timeout time.Duration) int {
	cutoff := m.Now().Add(-timeout)
	var stale []string

	m.mu.Lock()
	for id, c := range m.conns {
		if c.state == StateConnected && c.lastBeat.Before(cutoff) {
			m.setStateLocked(c, StateDisconnected)
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.notify(id, StateDisconnected)
	}
	return len(stale)
}

// setStateLocked is the single mutation point for connection state.
// Callers must hold the lock; notification happens outside it.
func (m *Manager) setStateLocked(c *connection, s State) {
	c.state = s
}

// notify fans a transition out to every registered callback on its own
// goroutine. Callback panics are contained.
func (m *Manager) notify(id string, s State) {
	m.mu.Lock()
	cbs := append([]func(StatusChange){}, m.callbacks...)
	m.mu.Unlock()

	change := StatusChange{ConnectionID: id, State: s, Timestamp: m.Now()}
	for _, cb := range cbs {
		cb := cb
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error().Interface("panic", rec).Msg("status callback panicked")
				}
			}()
			cb(change)
		}()
	}
}
