package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"chatpair/backend/internal/api/handler"
	"chatpair/backend/internal/chathub"
	"chatpair/backend/internal/config"
	"chatpair/backend/internal/exchange"
	"chatpair/backend/internal/localization"
	"chatpair/backend/internal/logger"
	"chatpair/backend/internal/metrics"
	"chatpair/backend/internal/models"
	"chatpair/backend/internal/profile"
	"chatpair/backend/internal/router"
	"chatpair/backend/internal/scheduler"
	"chatpair/backend/internal/storage"
	"chatpair/backend/internal/telegram"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/cors"
)

const (
	anonTokenTTL    = 72 * time.Hour
	limiterCleanup  = 5 * time.Minute
	shutdownTimeout = 10 * time.Second
)

func main() {
	config.LoadDotEnv()

	cfg, err := config.Load(true)
	if err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	log := logger.SetupDefault(os.Stdout, logger.ParseLevel(cfg.LogLevel))
	log.Info("starting chatpair backend", slog.String("store", cfg.StoreBackend))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
	log.Info("server stopped")
}

// dependencies are the long-lived collaborators built from the configuration.
type dependencies struct {
	kv       storage.Store
	events   chathub.Publisher
	archive  chathub.SessionArchive
	ledger   exchange.Ledger
	registry *prometheus.Registry
	closers  []func()
}

func (d *dependencies) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func setupDependencies(ctx context.Context, cfg *config.Config, log *slog.Logger) (*dependencies, error) {
	deps := &dependencies{events: chathub.NopPublisher{}}

	kv, rdb, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	deps.kv = kv
	if rdb != nil {
		deps.events = chathub.NewRedisPublisher(rdb)
		deps.closers = append(deps.closers, func() { _ = rdb.Close() })
	}

	if cfg.DatabaseDSN != "" {
		archive, err := storage.OpenArchive(cfg.DatabaseDSN)
		if err != nil {
			deps.close()
			return nil, err
		}
		deps.archive = archive
		deps.ledger = archive
		log.Info("session archive enabled")
	} else {
		log.Warn("DATABASE_DSN not set, session history and exchange ledger are not persisted")
	}

	deps.registry = prometheus.NewRegistry()
	deps.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	log.Info("dependencies ready")
	return deps, nil
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	deps, err := setupDependencies(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.close()

	loc, err := localization.Bundled()
	if err != nil {
		return fmt.Errorf("load locales: %w", err)
	}

	bot, err := telegram.NewBotAPI(cfg.TelegramToken, log)
	if err != nil {
		return err
	}

	sched := scheduler.New(log)
	defer sched.Stop()

	gw := chathub.NewWSGateway(log)
	defer gw.Close()

	messenger := &chathub.MessengerMux{
		Telegram:  telegram.NewMessenger(bot),
		WebSocket: gw,
	}
	profiles := profile.New(deps.kv, cfg.FreeSearchLimit)

	hub := chathub.NewHub(chathub.HubDeps{
		Store:         deps.kv,
		Profiles:      profiles,
		Messenger:     messenger,
		Timeouts:      sched,
		Archive:       deps.archive,
		Events:        deps.events,
		Metrics:       metrics.NewCollector(deps.registry),
		SearchTimeout: cfg.SearchTimeout,
		ChatTimeout:   cfg.ChatTimeout,
		Logger:        log,
	})

	limiter := router.NewRelayLimiter(cfg.RelayRate, cfg.RelayBurst, limiterCleanup)
	defer limiter.Stop()

	var adminChatID string
	if cfg.AdminChatID != 0 {
		adminChatID = strconv.FormatInt(cfg.AdminChatID, 10)
	}
	rt := router.New(router.Deps{
		Profiles: profiles,
		Hub:      hub,
		Exchange: exchange.NewService(exchange.Deps{
			Store:    deps.kv,
			Ledger:   deps.ledger,
			StateTTL: config.ExchangeStateTTL,
			Logger:   log,
		}),
		Messenger:   messenger,
		Localizer:   loc,
		Limiter:     limiter,
		AdminChatID: adminChatID,
		Logger:      log,
	})
	hub.SetNotifier(rt)

	// Router.Handle reports every failure to the user and logs it itself.
	handle := func(ctx context.Context, ev models.InboundEvent) { _ = rt.Handle(ctx, ev) }
	gw.SetHandler(handle)

	if err := hub.Recover(ctx); err != nil {
		return fmt.Errorf("recover state: %w", err)
	}

	go telegram.NewBotService(bot, handle, log).Run(ctx)

	if logger.ParseLevel(cfg.LogLevel) > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	h := handler.NewHandler(hub, gw, handler.NewTokenIssuer(cfg.JWTSecret, anonTokenTTL), deps.registry, log)
	h.AllowedOrigin = cfg.CORSOrigin
	h.Register(r)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{cfg.CORSOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})

	server := &http.Server{
		Addr:           cfg.HTTPAddr,
		Handler:        c.Handler(r),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
