// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api exposes the hookbridge service over HTTP using gin.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/hookbridge/internal/bridge"
	"github.com/traylinx/hookbridge/internal/config"
	"github.com/traylinx/hookbridge/internal/logging"
)

// CorrelationHeader carries the request correlation id in both directions.
const CorrelationHeader = "X-Correlation-ID"

const (
	correlationKey  = "correlation_id"
	shutdownTimeout = 5 * time.Second
)

// Server is the HTTP surface of a bridge.Service.
type Server struct {
	svc    *bridge.Service
	engine *gin.Engine
	addr   string
}

// NewServer creates the gin engine and registers every route.
func NewServer(svc *bridge.Service, cfg config.ServerConfig) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), correlationMiddleware(), requestLogger())

	s := &Server{
		svc:    svc,
		engine: engine,
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.engine.Group("/v1")
	{
		v1.POST("/hooks/chain", s.handleHookChain)
		v1.POST("/hooks/optimize", s.handleOptimize)
		v1.POST("/hooks/:type", s.handleHook)

		v1.POST("/personas/analyze", s.handleAnalyze)
		v1.POST("/personas/activate", s.handleActivate)

		v1.POST("/collab/coordinate", s.handleCoordinate)
		v1.POST("/collab/chain", s.handleCollabChain)
		v1.POST("/collab/share", s.handleShare)

		v1.GET("/health", s.handleHealth)
		v1.GET("/breakers", s.handleBreakers)
		v1.POST("/breakers/:op/reset", s.handleResetBreaker)
		v1.GET("/metrics", s.handleMetrics)
		v1.POST("/cache/invalidate", s.handleInvalidate)
	}
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.engine }

// Addr returns the listen address.
func (s *Server) Addr() string { return s.addr }

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("hookbridge API listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", s.addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("hookbridge API stopped")
	return nil
}

// correlationMiddleware reuses the caller's correlation id or assigns one.
func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(correlationKey, id)
		c.Header(CorrelationHeader, id)
		c.Request = c.Request.WithContext(logging.WithCorrelationID(c.Request.Context(), id))
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := logging.FromContext(c.Request.Context()).WithFields(log.Fields{
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"elapsed_ms": float64(time.Since(start).Microseconds()) / 1000,
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request served")
	}
}

func correlationID(c *gin.Context) string {
	return c.GetString(correlationKey)
}
