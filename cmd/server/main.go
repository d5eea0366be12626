package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Wei-Shaw/codex-switch/internal/config"
	"github.com/Wei-Shaw/codex-switch/internal/handler"
	"github.com/Wei-Shaw/codex-switch/internal/pkg/logger"
	"github.com/Wei-Shaw/codex-switch/internal/pkg/oauth"
	"github.com/Wei-Shaw/codex-switch/internal/server"
	"github.com/Wei-Shaw/codex-switch/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	level := "info"
	if cfg.Debug {
		level = "debug"
	}
	if err := logger.Init(logger.InitOptions{Level: level}); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	store := service.NewAccountStore(config.StoragePath())
	tokens := service.NewTokenService(cfg.ProxyURL)
	manager := service.NewAccountManager(store, tokens, cfg.Strategy)
	transformer := service.NewTransformer(cfg)
	requestLog := service.NewRequestLogger(config.RequestLogDir(), cfg.RequestLogging)
	// Standalone runs have no host UI, so the sink bundle stays inert.
	sinks := &service.Sinks{ProviderID: "openai"}
	interceptor := service.NewInterceptor(cfg, manager, transformer, sinks, requestLog)

	sessions := oauth.NewSessionStore()
	gateway := handler.NewGatewayHandler(interceptor, manager, tokens, sessions)
	srv := server.New(cfg, gateway)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.L().Error("server exited", zap.Error(err))
		}
	case sig := <-quit:
		logger.L().Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.L().Warn("shutdown incomplete", zap.Error(err))
	}
	sessions.Stop()
	manager.Shutdown()
}
