// Package mcpserver exposes the hookbridge service as MCP tools so agents can
// submit hooks and consult personas over stdio.
package mcpserver

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/traylinx/hookbridge/internal/bridge"
	"github.com/traylinx/hookbridge/internal/collab"
	"github.com/traylinx/hookbridge/internal/hooks"
	"github.com/traylinx/hookbridge/internal/logging"
	"github.com/traylinx/hookbridge/internal/persona"
)

// Server registers the hookbridge tools on an mcp-go server.
type Server struct {
	svc       *bridge.Service
	mcpServer *mcpserver.MCPServer
}

// New creates the MCP server with every tool registered.
func New(svc *bridge.Service, version string) *Server {
	s := &Server{svc: svc}
	s.mcpServer = mcpserver.NewMCPServer(
		"hookbridge",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio serves the tools on stdin/stdout until the input closes.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}

func (s *Server) registerTools() {
	hookNames := make([]string, 0, len(hooks.AllHookTypes()))
	for _, t := range hooks.AllHookTypes() {
		hookNames = append(hookNames, string(t))
	}
	personaNames := make([]string, 0, len(persona.All()))
	for _, p := range persona.All() {
		personaNames = append(personaNames, string(p))
	}

	s.mcpServer.AddTool(
		mcplib.NewTool("hook_submit",
			mcplib.WithDescription(`Run one lifecycle hook through the bridge.

The result carries the hook data, a performance envelope and, on failure,
operator guidance with suggestions and a fallback.`),
			mcplib.WithString("hook",
				mcplib.Description("Hook type"),
				mcplib.Required(),
				mcplib.Enum(hookNames...),
			),
			mcplib.WithString("context",
				mcplib.Description("Hook context as a JSON object: sessionId, operation, parameters, metadata, payload. A missing metadata.correlationId is generated."),
				mcplib.Required(),
			),
		),
		s.handleHookSubmit,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("hook_chain",
			mcplib.WithDescription("Run several hooks as one chain in optimized order. A failing preToolUse or postToolUse aborts the rest of the chain."),
			mcplib.WithArray("hooks",
				mcplib.Description("Hook types to run"),
				mcplib.Required(),
				mcplib.WithStringItems(mcplib.Enum(hookNames...)),
			),
			mcplib.WithString("context",
				mcplib.Description("Hook context shared by the chain, as a JSON object"),
				mcplib.Required(),
			),
		),
		s.handleHookChain,
	)

	requestOptions := []mcplib.ToolOption{
		mcplib.WithString("content",
			mcplib.Description("Free-text request to score"),
			mcplib.Required(),
		),
		mcplib.WithString("command", mcplib.Description("Slash command, e.g. /analyze")),
		mcplib.WithArray("flags",
			mcplib.Description("Command flags such as --persona-security or --think-hard"),
			mcplib.WithStringItems(),
		),
		mcplib.WithString("framework", mcplib.Description("Project framework")),
		mcplib.WithString("language", mcplib.Description("Project language")),
		mcplib.WithArray("files",
			mcplib.Description("Files touched by the request"),
			mcplib.WithStringItems(),
		),
		mcplib.WithString("user_id", mcplib.Description("User whose persona history is considered")),
	}

	s.mcpServer.AddTool(
		mcplib.NewTool("persona_analyze", append([]mcplib.ToolOption{
			mcplib.WithDescription("Score the request against every persona and return the top three without activating anything."),
			mcplib.WithReadOnlyHintAnnotation(true),
		}, requestOptions...)...),
		s.handleAnalyze,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("persona_activate", append([]mcplib.ToolOption{
			mcplib.WithDescription("Score the request and activate the best persona when its confidence clears the threshold. An explicit --persona-<name> flag wins."),
		}, requestOptions...)...),
		s.handleActivate,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("collab_coordinate",
			mcplib.WithDescription("Run several personas on one task, resolve their conflicting recommendations and return the synthesis."),
			mcplib.WithArray("personas",
				mcplib.Description("Participating personas"),
				mcplib.Required(),
				mcplib.WithStringItems(mcplib.Enum(personaNames...)),
			),
			mcplib.WithString("operation",
				mcplib.Description("Task description"),
				mcplib.Required(),
			),
			mcplib.WithString("domain", mcplib.Description("Task domain. Derived from the operation when omitted.")),
			mcplib.WithString("mode",
				mcplib.Description("Collaboration mode"),
				mcplib.Enum(string(collab.ModeParallel), string(collab.ModeSequential), string(collab.ModeHierarchical)),
				mcplib.DefaultString(string(collab.ModeParallel)),
			),
		),
		s.handleCoordinate,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("collab_chain",
			mcplib.WithDescription("Run persona steps in order, handing each step's output to the next, and report context preservation."),
			mcplib.WithArray("steps",
				mcplib.Description(`Steps as objects: {"persona": "analyzer", "operation": "find the cause"}`),
				mcplib.Required(),
			),
		),
		s.handleChain,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("bridge_health",
			mcplib.WithDescription("Report bridge health, breaker states and per-operation performance."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
		),
		s.handleHealth,
	)
}

func (s *Server) handleHookSubmit(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	hook := request.GetString("hook", "")
	if hook == "" {
		return errorResult("hook is required"), nil
	}
	hctx, err := parseHookContext(request.GetString("context", ""))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	ctx = logging.WithCorrelationID(ctx, hctx.Metadata.CorrelationID)
	res := s.svc.Submit(ctx, hook, hctx)
	out := jsonResult(res)
	out.IsError = !res.Success
	return out, nil
}

func (s *Server) handleHookChain(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	names := request.GetStringSlice("hooks", nil)
	if len(names) == 0 {
		return errorResult("hooks is required"), nil
	}
	hctx, err := parseHookContext(request.GetString("context", ""))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	results, plan, err := s.svc.SubmitChain(ctx, names, hctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(map[string]any{"results": results, "plan": plan}), nil
}

func (s *Server) handleAnalyze(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	req, ok := personaRequest(request)
	if !ok {
		return errorResult("content is required"), nil
	}
	a, err := s.svc.Analyze(ctx, req)
	if err != nil {
		return errorResult(fmt.Sprintf("analysis failed: %v", err)), nil
	}
	return jsonResult(a), nil
}

func (s *Server) handleActivate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	req, ok := personaRequest(request)
	if !ok {
		return errorResult("content is required"), nil
	}
	a, d, err := s.svc.Activate(ctx, req)
	if err != nil {
		return errorResult(fmt.Sprintf("activation failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"analysis": a, "decision": d}), nil
}

func (s *Server) handleCoordinate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	names := request.GetStringSlice("personas", nil)
	operation := request.GetString("operation", "")
	if len(names) == 0 || operation == "" {
		return errorResult("personas and operation are required"), nil
	}
	task := collab.Task{
		Operation: operation,
		Domain:    persona.Domain(request.GetString("domain", "")),
	}
	out, err := s.svc.Coordinate(ctx, names, task, request.GetString("mode", ""))
	if err != nil {
		return errorResult(fmt.Sprintf("coordination failed: %v", err)), nil
	}
	return jsonResult(out), nil
}

func (s *Server) handleChain(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	raw, err := json.Marshal(request.GetArguments()["steps"])
	if err != nil {
		return errorResult(fmt.Sprintf("invalid steps: %v", err)), nil
	}
	var steps []collab.Step
	if err := json.Unmarshal(raw, &steps); err != nil {
		return errorResult(fmt.Sprintf("invalid steps: %v", err)), nil
	}
	if len(steps) == 0 {
		return errorResult("steps is required"), nil
	}
	exec, err := s.svc.ExecuteChain(ctx, steps, nil)
	if err != nil {
		return errorResult(fmt.Sprintf("chain failed: %v", err)), nil
	}
	return jsonResult(exec.View()), nil
}

func (s *Server) handleHealth(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(map[string]any{
		"health":     s.svc.Health(),
		"breakers":   s.svc.Breakers(),
		"operations": s.svc.Metrics(),
	}), nil
}

// parseHookContext decodes a hook context, generating a correlation id
// when the caller did not send one.
func parseHookContext(raw string) (*hooks.Context, error) {
	if raw == "" || !gjson.Valid(raw) || !gjson.Parse(raw).IsObject() {
		return nil, fmt.Errorf("context must be a JSON object")
	}
	if gjson.Get(raw, "metadata.correlationId").String() == "" {
		var err error
		if raw, err = sjson.Set(raw, "metadata.correlationId", uuid.NewString()); err != nil {
			return nil, fmt.Errorf("invalid context: %w", err)
		}
	}
	var hctx hooks.Context
	if err := json.Unmarshal([]byte(raw), &hctx); err != nil {
		return nil, fmt.Errorf("invalid context: %w", err)
	}
	return &hctx, nil
}

func personaRequest(request mcplib.CallToolRequest) (persona.Request, bool) {
	req := persona.Request{
		UserID:    request.GetString("user_id", ""),
		Command:   request.GetString("command", ""),
		Content:   request.GetString("content", ""),
		Flags:     request.GetStringSlice("flags", nil),
		Framework: request.GetString("framework", ""),
		Language:  request.GetString("language", ""),
		Files:     request.GetStringSlice("files", nil),
	}
	return req, req.Content != ""
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("failed to encode result: %v", err))
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
