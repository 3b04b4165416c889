// Package app assembles the bot runtime from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"btbot/internal/api"
	"btbot/internal/auth"
	"btbot/internal/bot"
	"btbot/internal/clock"
	"btbot/internal/config"
	"btbot/internal/gateway"
	"btbot/internal/memory"
	"btbot/internal/monitor"
	"btbot/internal/ratelimit"
	"btbot/internal/redis"
	"btbot/internal/service/ai"
	"btbot/internal/session"
	"btbot/internal/storage"
	"btbot/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// Options override collaborators that are normally built from config.
type Options struct {
	DBType    string
	Generator ai.Generator
	Clock     clock.Clock
}

type App struct {
	cfg    *config.Config
	db     *sql.DB
	cache  *redis.Client
	logger *log.Logger

	Registry   *session.Registry
	Mirror     session.Mirror
	Store      memory.Store
	Dispatcher *bot.Dispatcher
	Ingress    *bot.Ingress
	Workers    *worker.Dispatcher
	Monitor    *monitor.Monitor
	Gateway    *gateway.Client
	Router     *gin.Engine
}

// New opens storage, runs migrations and wires every component. The caller
// must call Close.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	a := &App{cfg: cfg, logger: log.Default().With("component", "app")}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	dbType := opts.DBType
	if dbType == "" {
		dbType = cfg.BasicConfig.DBType
	}
	a.db, err = storage.Open(dbType, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err = storage.Migrate(a.db, dbType); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	botCfg := cfg.Bot
	cooldown := time.Duration(botCfg.CooldownSeconds) * time.Second

	var store memory.Store = memory.NewSQLStore(a.db, dbType, botCfg.DefaultTimeoutMinutes, botCfg.MaxTimeoutMinutes)
	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter(clk, cooldown)
	if cfg.Redis.Enabled {
		a.cache, err = redis.NewRedisClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("create redis client: %w", err)
		}
		store = memory.NewCachedStore(store, a.cache, 0)
		limiter = ratelimit.NewRedisLimiter(a.cache, cooldown)
	}
	a.Store = store

	generator := opts.Generator
	if generator == nil {
		generator, err = ai.New(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("init generator: %w", err)
		}
	}

	var sender bot.Sender = bot.NewLogSender()
	if cfg.Gateway.URL != "" {
		a.Gateway = gateway.New(cfg.Gateway.URL, cfg.Gateway.Token, gateway.Options{
			// restart notices can only go out once the platform accepted us
			OnReady: a.reconcile,
		})
		sender = a.Gateway
	}

	a.Registry = session.NewRegistry(clk, botCfg.DefaultTimeoutMinutes)
	a.Mirror = session.NewSQLMirror(a.db, dbType)

	a.Workers = worker.NewDispatcher(worker.Options{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Second,
	})

	phrases := bot.Phrases{Start: botCfg.StartPhrase, Join: botCfg.JoinPhrase, Leave: botCfg.LeavePhrase}
	a.Dispatcher = bot.NewDispatcher(bot.Config{
		BotUserID:      botCfg.UserID,
		BotName:        botCfg.Name,
		Persona:        botCfg.Persona(),
		Phrases:        phrases,
		CommandPrefix:  botCfg.CommandPrefix,
		ContextTurns:   botCfg.ContextWindowTurns,
		DefaultTimeout: botCfg.DefaultTimeoutMinutes,
		MaxTimeout:     botCfg.MaxTimeoutMinutes,
	}, bot.Deps{
		Registry:  a.Registry,
		Mirror:    a.Mirror,
		Store:     store,
		Generator: generator,
		Limiter:   limiter,
		Sender:    sender,
		Clock:     clk,
	})
	a.Ingress = bot.NewIngress(a.Dispatcher, a.Workers)

	startHint := fmt.Sprintf("Say `%s` to talk again.", phrases.Start)
	a.Monitor = monitor.New(a.Registry, a.Mirror, sender, clk, monitor.Options{
		Interval:         time.Duration(botCfg.MonitorIntervalSeconds) * time.Second,
		InactivityNotice: "Our conversation ended due to inactivity. " + startHint,
		RestartNotice:    "Our conversation was interrupted by a restart. " + startHint,
	})

	authService := auth.NewService(cfg.BasicConfig.AdminToken)
	if !authService.Enabled() {
		a.logger.Warn("basic_config.admin_token is empty, the ops API is unauthenticated")
	}
	a.Router = api.NewRouter(api.NewHandler(api.Deps{
		Auth:      authService,
		Ingress:   a.Ingress,
		Registry:  a.Registry,
		Mirror:    a.Mirror,
		Store:     store,
		Notifier:  sender,
		Workers:   a.Workers,
		EndNotice: "An operator ended this conversation. " + startHint,
	}))
	return a, nil
}

// Run serves until ctx is done, then drains in-flight work.
func (a *App) Run(ctx context.Context) error {
	if a.Gateway == nil {
		a.reconcile(ctx)
	}
	a.Monitor.Start(ctx)

	if a.Gateway != nil {
		go func() {
			if err := a.Gateway.Run(ctx, a.Ingress.HandleGateway); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("gateway stopped", "err", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              a.cfg.BasicConfig.ServerAddress,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", "err", err)
	}
	if err := a.Workers.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("worker shutdown", "err", err)
	}
	a.logger.Info("stopped")
	return runErr
}

func (a *App) reconcile(ctx context.Context) {
	if err := a.Monitor.Reconcile(ctx); err != nil {
		a.logger.Warn("reconcile sessions", "err", err)
	}
}

// Close releases storage and cache connections.
func (a *App) Close() {
	if a.Workers != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = a.Workers.Shutdown(ctx)
		cancel()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
