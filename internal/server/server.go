// Package server wires the gin engine and owns its lifecycle.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Wei-Shaw/codex-switch/internal/config"
	"github.com/Wei-Shaw/codex-switch/internal/handler"
	"github.com/Wei-Shaw/codex-switch/internal/pkg/logger"
)

type Server struct {
	http *http.Server
}

func New(cfg *config.Config, gateway *handler.GatewayHandler) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogMiddleware())

	engine.GET("/healthz", gateway.Health)
	engine.POST("/v1/responses", gateway.Responses)

	accounts := engine.Group("/accounts")
	{
		accounts.GET("", gateway.Accounts)
		accounts.POST("/oauth/url", gateway.OAuthURL)
		accounts.POST("/oauth/exchange", gateway.OAuthExchange)
	}

	return &Server{
		http: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *Server) Start() error {
	logger.L().Info("gateway listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.L().Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}
