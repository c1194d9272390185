// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/traylinx/hookbridge/internal/collab"
	"github.com/traylinx/hookbridge/internal/hooks"
	"github.com/traylinx/hookbridge/internal/logging"
	"github.com/traylinx/hookbridge/internal/persona"
)

// HookChainRequest is the body of POST /v1/hooks/chain.
type HookChainRequest struct {
	Hooks   []string        `json:"hooks"`
	Context json.RawMessage `json:"context"`
}

// CoordinateRequest is the body of POST /v1/collab/coordinate.
type CoordinateRequest struct {
	Personas []string    `json:"personas"`
	Task     collab.Task `json:"task"`
	Mode     string      `json:"mode"`
}

// CollabChainRequest is the body of POST /v1/collab/chain.
type CollabChainRequest struct {
	Steps  []collab.Step  `json:"steps"`
	Shared map[string]any `json:"shared,omitempty"`
}

// ShareRequest is the body of POST /v1/collab/share.
type ShareRequest struct {
	From      string           `json:"from"`
	To        string           `json:"to"`
	Expertise collab.Expertise `json:"expertise"`
}

// InvalidateRequest is the body of POST /v1/cache/invalidate. An empty
// pattern clears every cache.
type InvalidateRequest struct {
	Pattern string `json:"pattern"`
}

// handleHook handles POST /v1/hooks/:type.
// The body is a hook context. A missing metadata.correlationId is filled
// from the request correlation id. Failures are reported as results with
// guidance and a status code derived from the error kind.
func (s *Server) handleHook(c *gin.Context) {
	body, ok := s.readHookContext(c, "")
	if !ok {
		return
	}
	var hctx hooks.Context
	if err := json.Unmarshal(body, &hctx); err != nil {
		s.fail(c, http.StatusBadRequest, "invalid hook context: "+err.Error())
		return
	}
	res := s.svc.Submit(c.Request.Context(), c.Param("type"), &hctx)
	s.render(c, statusFor(res), res)
}

// handleHookChain handles POST /v1/hooks/chain.
func (s *Server) handleHookChain(c *gin.Context) {
	body, ok := s.readHookContext(c, "context")
	if !ok {
		return
	}
	var req HookChainRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	var hctx hooks.Context
	if err := json.Unmarshal(req.Context, &hctx); err != nil {
		s.fail(c, http.StatusBadRequest, "invalid hook context: "+err.Error())
		return
	}
	results, plan, err := s.svc.SubmitChain(c.Request.Context(), req.Hooks, &hctx)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err.Error())
		return
	}
	s.render(c, http.StatusOK, gin.H{"results": results, "plan": plan})
}

// handleOptimize handles POST /v1/hooks/optimize. Nothing is executed.
func (s *Server) handleOptimize(c *gin.Context) {
	var req HookChainRequest
	if !s.bind(c, &req) {
		return
	}
	plan, err := s.svc.OptimizeChain(req.Hooks)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err.Error())
		return
	}
	s.render(c, http.StatusOK, plan)
}

func (s *Server) handleAnalyze(c *gin.Context) {
	var req persona.Request
	if !s.bind(c, &req) {
		return
	}
	a, err := s.svc.Analyze(c.Request.Context(), req)
	if err != nil {
		s.fail(c, errorStatus(err), err.Error())
		return
	}
	s.render(c, http.StatusOK, a)
}

func (s *Server) handleActivate(c *gin.Context) {
	var req persona.Request
	if !s.bind(c, &req) {
		return
	}
	a, d, err := s.svc.Activate(c.Request.Context(), req)
	if err != nil {
		s.fail(c, errorStatus(err), err.Error())
		return
	}
	s.render(c, http.StatusOK, gin.H{"analysis": a, "decision": d})
}

func (s *Server) handleCoordinate(c *gin.Context) {
	var req CoordinateRequest
	if !s.bind(c, &req) {
		return
	}
	if len(req.Personas) == 0 {
		s.fail(c, http.StatusBadRequest, "personas is required")
		return
	}
	if _, err := collab.ParseMode(req.Mode); err != nil {
		s.fail(c, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.svc.Coordinate(c.Request.Context(), req.Personas, req.Task, req.Mode)
	if err != nil {
		s.fail(c, errorStatus(err), err.Error())
		return
	}
	s.render(c, http.StatusOK, out)
}

func (s *Server) handleCollabChain(c *gin.Context) {
	var req CollabChainRequest
	if !s.bind(c, &req) {
		return
	}
	if len(req.Steps) == 0 {
		s.fail(c, http.StatusBadRequest, "steps is required")
		return
	}
	exec, err := s.svc.ExecuteChain(c.Request.Context(), req.Steps, req.Shared)
	if err != nil {
		s.fail(c, errorStatus(err), err.Error())
		return
	}
	s.render(c, http.StatusOK, exec.View())
}

func (s *Server) handleShare(c *gin.Context) {
	var req ShareRequest
	if !s.bind(c, &req) {
		return
	}
	delivered, err := s.svc.ShareExpertise(c.Request.Context(), req.From, req.To, req.Expertise)
	if err != nil {
		s.fail(c, errorStatus(err), err.Error())
		return
	}
	s.render(c, http.StatusOK, delivered)
}

func (s *Server) handleHealth(c *gin.Context) {
	h := s.svc.Health()
	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.render(c, status, h)
}

func (s *Server) handleBreakers(c *gin.Context) {
	s.render(c, http.StatusOK, gin.H{"breakers": s.svc.Breakers()})
}

func (s *Server) handleResetBreaker(c *gin.Context) {
	op := c.Param("op")
	s.svc.ResetBreaker(op)
	logging.FromContext(c.Request.Context()).WithField("operation", op).Info("breaker reset by operator")
	s.render(c, http.StatusOK, gin.H{"operation": op, "state": "closed"})
}

func (s *Server) handleMetrics(c *gin.Context) {
	s.render(c, http.StatusOK, gin.H{
		"operations": s.svc.Metrics(),
		"caches":     s.svc.CacheMetrics(),
	})
}

func (s *Server) handleInvalidate(c *gin.Context) {
	var req InvalidateRequest
	if !s.bind(c, &req) {
		return
	}
	n := s.svc.InvalidateCaches(req.Pattern)
	s.render(c, http.StatusOK, gin.H{"invalidated": n})
}

// readHookContext reads the raw body and fills the correlation id of the
// hook context found at prefix when the caller left it out.
func (s *Server) readHookContext(c *gin.Context, prefix string) ([]byte, bool) {
	body, err := c.GetRawData()
	if err != nil {
		s.fail(c, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	if len(body) == 0 || !gjson.ValidBytes(body) {
		s.fail(c, http.StatusBadRequest, "request body must be a JSON object")
		return nil, false
	}
	path := "metadata.correlationId"
	if prefix != "" {
		path = prefix + "." + path
	}
	if gjson.GetBytes(body, path).String() == "" {
		if body, err = sjson.SetBytes(body, path, correlationID(c)); err != nil {
			s.fail(c, http.StatusBadRequest, "invalid hook context: "+err.Error())
			return nil, false
		}
	}
	return body, true
}

// bind decodes the JSON body into v. An empty body leaves v unchanged.
func (s *Server) bind(c *gin.Context, v any) bool {
	body, err := c.GetRawData()
	if err != nil {
		s.fail(c, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		s.fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// render writes v as JSON with the correlation id echoed into object bodies.
func (s *Server) render(c *gin.Context, status int, v any) {
	out, err := json.Marshal(v)
	if err != nil {
		log.Errorf("failed to encode response: %v", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to encode response"})
		return
	}
	if id := correlationID(c); id != "" && len(out) > 0 && out[0] == '{' {
		if tagged, err := sjson.SetBytes(out, "correlationId", id); err == nil {
			out = tagged
		}
	}
	c.Data(status, "application/json; charset=utf-8", out)
}

func (s *Server) fail(c *gin.Context, status int, msg string) {
	s.render(c, status, gin.H{"error": msg})
	c.Abort()
}

// statusFor maps a hook result to an HTTP status.
func statusFor(res *hooks.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.ErrorKind {
	case hooks.KindValidation:
		return http.StatusBadRequest
	case hooks.KindUnregistered:
		return http.StatusNotFound
	case hooks.KindCircuitOpen:
		return http.StatusServiceUnavailable
	case hooks.KindTimeout, hooks.KindCanceled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorStatus(err error) int {
	var unknown *persona.UnknownPersonaError
	switch {
	case errors.As(err, &unknown):
		return http.StatusBadRequest
	case errors.Is(err, collab.ErrIncompatiblePersonas):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
