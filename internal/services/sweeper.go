// Package services – Sweeper
//
// One background loop runs the periodic maintenance the managers rely on:
// queue expiry, the scheduled retry queue, presence staleness, and typing
// staleness. A single goroutine owns all four sweeps; each tick is bounded
// by a timeout and failures are logged, never propagated.
package services

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-messaging-backend/internal/recovery"
)

// SweeperConfig tunes the maintenance loop.
type SweeperConfig struct {
	// Interval is the tick cadence.
	Interval time.Duration
	// PresenceTimeout is the heartbeat staleness window for user presence.
	PresenceTimeout time.Duration
	// TypingTimeout is the staleness window for typing indicators.
	TypingTimeout time.Duration
	// ConnectionTimeout is the socket-level heartbeat staleness window.
	ConnectionTimeout time.Duration
	// TickBudget bounds how long one full sweep pass may run.
	TickBudget time.Duration
}

// DefaultSweeperConfig returns the standard cadence.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:          30 * time.Second,
		PresenceTimeout:   90 * time.Second,
		TypingTimeout:     10 * time.Second,
		ConnectionTimeout: 2 * time.Minute,
		TickBudget:        20 * time.Second,
	}
}

// Sweeper drives the periodic cleanup sweeps.
type Sweeper struct {
	cfg      SweeperConfig
	presence *Presence
	typing   *Typing
	queue    *OfflineQueue
	recovery *recovery.Manager

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSweeper wires the maintenance loop to its managers. recovery may be
// nil when socket-level tracking is not in use (tests).
func NewSweeper(cfg SweeperConfig, presence *Presence, typing *Typing, queue *OfflineQueue, rec *recovery.Manager) *Sweeper {
	if cfg.Interval <= 0 {
		cfg = DefaultSweeperConfig()
	}
	return &Sweeper{
		cfg:      cfg,
		presence: presence,
		typing:   typing,
		queue:    queue,
		recovery: rec,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the loop. The first tick is jittered so multiple restarts
// do not align their sweeps.
func (s *Sweeper) Start() {
	go s.run()
}

// Stop halts the loop and waits for the in-flight pass to finish.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run() {
	defer close(s.doneCh)

	jitter := time.Duration(rand.Int63n(int64(s.cfg.Interval)))
	select {
	case <-time.After(jitter):
	case <-s.stopCh:
		return
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.sweep()
		select {
		case <-ticker.C:
		case <-s.stopCh:
			return
		}
	}
}

// sweep runs all four maintenance passes once.
func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TickBudget)
	defer cancel()

	if n, err := s.queue.CleanupExpired(ctx); err != nil {
		log.Error().Err(err).Msg("queue expiry sweep failed")
	} else if n > 0 {
		log.Info().Int64("removed", n).Msg("expired queue entries removed")
	}

	if res, err := s.queue.ProcessRetryQueue(ctx); err != nil {
		log.Error().Err(err).Msg("retry queue sweep failed")
	} else if res.Processed > 0 || res.Failed > 0 {
		log.Info().Int("processed", res.Processed).Int("failed", res.Failed).
			Msg("retry queue processed")
	}

	if n, err := s.presence.CleanupStale(ctx, s.cfg.PresenceTimeout); err != nil {
		log.Error().Err(err).Msg("presence sweep failed")
	} else if n > 0 {
		log.Info().Int64("forced_offline", n).Msg("stale presence cleaned")
	}

	if n, err := s.typing.CleanupStale(ctx, s.cfg.TypingTimeout); err != nil {
		log.Error().Err(err).Msg("typing sweep failed")
	} else if n > 0 {
		log.Info().Int64("reset", n).Msg("stale typing statuses reset")
	}

	if s.recovery != nil {
		if n := s.recovery.CleanupStaleConnections(s.cfg.ConnectionTimeout); n > 0 {
			log.Info().Int("stale", n).Msg("dead sockets detected")
		}
	}
}
