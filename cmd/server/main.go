// Command server runs the real-time messaging backend: WebSocket chat and
// notification endpoints, the REST read surface, and the background
// maintenance sweeper, wired together from environment configuration.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-messaging-backend/internal/config"
	"github.com/tbourn/go-messaging-backend/internal/faults"
	httpapi "github.com/tbourn/go-messaging-backend/internal/http"
	"github.com/tbourn/go-messaging-backend/internal/observability"
	"github.com/tbourn/go-messaging-backend/internal/recovery"
	"github.com/tbourn/go-messaging-backend/internal/repo"
	"github.com/tbourn/go-messaging-backend/internal/retry"
	"github.com/tbourn/go-messaging-backend/internal/services"
	"github.com/tbourn/go-messaging-backend/internal/sysutil"
	"github.com/tbourn/go-messaging-backend/internal/ws"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// auditSink persists high-severity errors through the messaging error repo.
type auditSink struct {
	db *gorm.DB
}

func (s auditSink) Append(ctx context.Context, errorType, message, severity, contextJSON, userID string) error {
	_, err := repo.AppendMessagingError(ctx, s.db, errorType, message, severity, contextJSON, userID)
	return err
}

func main() {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("database open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	shutdownOTel, err := observability.SetupOTel(rootCtx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	// Transport hub, optionally bridged across nodes via Redis pub/sub.
	hub := ws.NewHub()
	var relay *ws.Relay
	if cfg.Redis.Enabled {
		relay, err = ws.NewRelay(rootCtx, cfg.Redis.Addr, cfg.Redis.Channel, sysutil.NodeID(), hub)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis relay connect failed")
		}
		log.Info().Str("addr", cfg.Redis.Addr).Str("channel", cfg.Redis.Channel).Msg("redis relay active")
	}

	// Error handling: circuit breakers, audit persistence, breaker metrics.
	fcfg := faults.DefaultHandlerConfig()
	fcfg.Breaker.FailureThreshold = cfg.Breaker.FailureThreshold
	fcfg.Breaker.Timeout = cfg.Breaker.Timeout
	fh := faults.NewHandler(fcfg, auditSink{db: db})
	fh.Breakers().OnStateChange(func(domain string, from, to faults.BreakerState) {
		log.Warn().Str("domain", domain).Str("from", string(from)).Str("to", string(to)).Msg("breaker state change")
		ws.CountBreakerTransition(domain, string(to))
	})

	retryPolicy := retry.Config{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
		Strategy:     retry.StrategyExponential,
	}
	exec := retry.NewExecutor(retryPolicy)

	// Services.
	queue := services.NewOfflineQueue(db, hub)
	queue.RetryPolicy = retryPolicy
	presence := services.NewPresence(db)
	typing := services.NewTyping(db)
	receipts := services.NewReceipts(db, hub)
	receipts.DedupTTL = cfg.ReceiptDedupTTL
	notifications := services.NewNotifications(db, hub)
	notifications.GroupWindow = cfg.NotifyGroupWindow
	sender := services.NewMessageSender(db, exec, fh, queue)
	syncSvc := services.NewSync(db, queue)
	recMgr := recovery.NewManager(recovery.DefaultConfig())

	sweeper := services.NewSweeper(services.SweeperConfig{
		Interval:          cfg.Sweep.Interval,
		PresenceTimeout:   cfg.Sweep.PresenceTimeout,
		TypingTimeout:     cfg.Sweep.TypingTimeout,
		ConnectionTimeout: cfg.Sweep.ConnectionTimeout,
		TickBudget:        services.DefaultSweeperConfig().TickBudget,
	}, presence, typing, queue, recMgr)
	sweeper.Start()
	defer sweeper.Stop()

	// WebSocket endpoints.
	sessCfg := ws.SessionConfig{
		FrameRPS:    cfg.WS.FrameRPS,
		FrameBurst:  cfg.WS.FrameBurst,
		CheckOrigin: cfg.WS.CheckOrigin,
	}
	deps := ws.SessionDeps{
		Presence:      presence,
		Typing:        typing,
		Receipts:      receipts,
		Sender:        sender,
		Sync:          syncSvc,
		Queue:         queue,
		Notifications: notifications,
		Faults:        fh,
		Recovery:      recMgr,
	}
	chat := ws.NewChatServer(sessCfg, hub, deps)
	stream := ws.NewNotificationServer(sessCfg, hub, deps)

	r := gin.New()
	httpapi.RegisterRoutes(r, cfg, httpapi.Deps{
		DB:            db,
		Sync:          syncSvc,
		Notifications: notifications,
		Presence:      presence,
		Queue:         queue,
		Faults:        fh,
		Chat:          chat,
		Stream:        stream,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-rootCtx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if relay != nil {
		if err := relay.Close(); err != nil {
			log.Warn().Err(err).Msg("relay close failed")
		}
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("otel shutdown failed")
	}
	log.Info().Msg("server stopped")
}
