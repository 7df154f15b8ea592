package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pokrasko/http-webchat/config"
	"github.com/pokrasko/http-webchat/core"
	"github.com/pokrasko/http-webchat/core/middleware"
	"github.com/sirupsen/logrus"
)

// App ties configuration, logging and the engine together
type App struct {
	cfg    *config.Config
	log    *logrus.Logger
	engine *core.Engine
}

// New creates an application instance
func New(cfg *config.Config) *App {
	log := cfg.NewLogger()
	engine := core.NewEngine(core.Options{
		IdleTimeout:  cfg.IdleTimeout,
		PollInterval: cfg.PollInterval,
		MaxLineBytes: cfg.MaxLineBytes,
		MaxBodyBytes: uint64(cfg.MaxBodyBytes),
		Logger:       log,
	})
	engine.Use(middleware.Recovery(log), middleware.Logger(log))
	if !cfg.IsProduction() {
		engine.Use(middleware.RequestID())
	}

	return &App{
		cfg:    cfg,
		log:    log,
		engine: engine,
	}
}

// Engine returns the underlying engine for route registration
func (a *App) Engine() *core.Engine {
	return a.engine
}

// Logger returns the application logger
func (a *App) Logger() *logrus.Logger {
	return a.log
}

// Run serves until SIGINT or SIGTERM, then closes every connection and
// returns. A bind failure is fatal.
func (a *App) Run() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.RunContext(ctx); err != nil {
		a.log.WithError(err).Fatal("server startup failed")
	}
}

// RunContext serves until ctx is cancelled
func (a *App) RunContext(ctx context.Context) error {
	a.log.WithFields(logrus.Fields{
		"addr": a.cfg.Addr(),
		"env":  a.cfg.Env,
		"pid":  os.Getpid(),
	}).Info("webchat server starting")

	err := a.engine.Run(ctx, a.cfg.Addr())
	if err == nil {
		a.log.Debug(a.engine.ReportText())
	}
	return err
}
