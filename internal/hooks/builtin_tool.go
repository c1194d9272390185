package hooks

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/traylinx/hookbridge/internal/cache"
)

// ProcessingLevel describes how much analysis a tool invocation receives.
type ProcessingLevel string

const (
	LevelHigh     ProcessingLevel = "high"
	LevelMedium   ProcessingLevel = "medium"
	LevelStandard ProcessingLevel = "standard"
	LevelMinimal  ProcessingLevel = "minimal"
)

// ProcessingLevelFor classifies a tool name.
func ProcessingLevelFor(tool string) ProcessingLevel {
	if strings.HasPrefix(tool, "mcp__") {
		return LevelHigh
	}
	switch tool {
	case "Read", "Write", "Edit", "MultiEdit", "Grep", "Glob", "Task", "TodoWrite", "Bash":
		return LevelMedium
	case "LS", "WebSearch", "WebFetch":
		return LevelMinimal
	}
	return LevelStandard
}

// personaHints map tool/argument keywords to a persona, checked in order.
var personaHints = []struct {
	persona  string
	keywords []string
}{
	{"frontend", []string{"component", "react", "vue", "css", "ui"}},
	{"backend", []string{"api", "database", "server", "endpoint"}},
	{"security", []string{"security", "vulnerability", "auth"}},
	{"architect", []string{"architecture", "design", "system"}},
	{"analyzer", []string{"analyze", "investigate", "debug"}},
}

// DetectPersona suggests a persona from a tool name and its serialized arguments.
func DetectPersona(tool, args string) string {
	text := strings.ToLower(tool + " " + args)
	for _, hint := range personaHints {
		if containsAny(text, hint.keywords...) {
			return hint.persona
		}
	}
	return ""
}

// assessComplexity returns a class and a score in [0,1].
func assessComplexity(tool string, args gjson.Result, level ProcessingLevel) (string, float64) {
	argCount := 0
	if args.IsObject() {
		args.ForEach(func(_, _ gjson.Result) bool {
			argCount++
			return true
		})
	}

	class, score := "moderate", 0.5
	switch {
	case (tool == "Read" || tool == "Write") && argCount <= 1:
		class, score = "simple", 0.3
	case tool == "MultiEdit" || tool == "Task" || argCount > 3:
		class, score = "complex", 0.8
	case tool == "Grep" || tool == "Glob" || strings.Contains(args.Raw, "search"):
		class, score = "moderate", 0.5
	}
	if level == LevelHigh {
		score += 0.1
	}
	return class, clamp01(score)
}

var languageByExt = map[string]string{
	".go":   "go",
	".py":   "python",
	".ts":   "typescript",
	".tsx":  "typescript",
	".js":   "javascript",
	".jsx":  "javascript",
	".rs":   "rust",
	".java": "java",
	".rb":   "ruby",
	".lua":  "lua",
}

var lspServerByLanguage = map[string]string{
	"go":         "gopls",
	"python":     "pyright",
	"typescript": "typescript-language-server",
	"javascript": "typescript-language-server",
	"rust":       "rust-analyzer",
	"java":       "jdtls",
}

type preToolUseHandler struct {
	deps BuiltinDeps
}

func (h *preToolUseHandler) Type() HookType { return PreToolUse }

func (h *preToolUseHandler) Validate(hctx *Context) []FieldError {
	return validatePayload(hctx)
}

func (h *preToolUseHandler) Execute(ctx context.Context, hctx *Context) (map[string]any, error) {
	tool := payloadString(hctx, "tool")
	if tool == "" {
		tool = hctx.Operation
	}
	args := gjson.GetBytes(hctx.Payload, "args")
	level := ProcessingLevelFor(tool)
	class, complexity := assessComplexity(tool, args, level)
	risk := ClassifyRisk(hctx.Operation + " " + tool + " " + args.Raw)

	persona := hctx.Param("persona", "")
	if persona == "" {
		persona = DetectPersona(tool, args.Raw)
	}

	data := map[string]any{
		"tool":             tool,
		"processingLevel":  string(level),
		"complexity":       complexity,
		"complexityClass":  class,
		"riskLevel":        string(risk),
		"requiresApproval": risk == RiskHigh,
	}
	if persona != "" {
		data["persona"] = persona
	}
	if h.deps.Router != nil {
		data["route"] = h.deps.Router.Route(tool)
	}
	if opts := hctx.SemanticOptions; opts != nil && opts.Enabled && h.deps.Domains != nil {
		data["semantic"] = h.semantic(opts)
	}
	if h.deps.Gates != nil && level != LevelMinimal {
		report, err := h.deps.Gates.Check(ctx, PhasePre, hctx)
		if err != nil {
			return nil, err
		}
		data["quality"] = report
	}
	return data, nil
}

// semantic resolves per-file language information through the domain caches.
func (h *preToolUseHandler) semantic(opts *SemanticOptions) map[string]any {
	files := make([]cache.Record, 0, len(opts.Files))
	hits := 0
	for _, file := range opts.Files {
		key := "semantic|" + file
		rec, ok := h.deps.Domains.Semantic.Get(key)
		if ok {
			hits++
		} else {
			lang := languageByExt[strings.ToLower(filepath.Ext(file))]
			if lang == "" {
				lang = "unknown"
			}
			rec = cache.Record{"file": file, "language": lang}
			h.deps.Domains.Semantic.Set(key, rec)
		}

		out := cache.Record{"file": rec["file"], "language": rec["language"]}
		if opts.LSP {
			lspKey := "lsp|" + file
			lsp, found := h.deps.Domains.LSP.Get(lspKey)
			if found {
				hits++
			} else {
				lang, _ := rec["language"].(string)
				lsp = cache.Record{"server": lspServerByLanguage[lang]}
				h.deps.Domains.LSP.Set(lspKey, lsp)
			}
			out["lspServer"] = lsp["server"]
		}
		files = append(files, out)
	}
	return map[string]any{"files": files, "cacheHits": hits}
}

// qualityGateTools trigger post-execution quality gates.
var qualityGateTools = map[string]bool{"Write": true, "Edit": true, "MultiEdit": true, "Bash": true}

type postToolUseHandler struct {
	deps BuiltinDeps
}

func (h *postToolUseHandler) Type() HookType { return PostToolUse }

func (h *postToolUseHandler) Validate(hctx *Context) []FieldError {
	return validatePayload(hctx)
}

func (h *postToolUseHandler) Execute(ctx context.Context, hctx *Context) (map[string]any, error) {
	tool := payloadString(hctx, "tool")
	if tool == "" {
		tool = hctx.Operation
	}
	toolErr := payloadString(hctx, "error")
	trigger := qualityGateTools[tool] || toolErr != ""

	data := map[string]any{
		"tool":                  tool,
		"toolSucceeded":         toolErr == "",
		"qualityGatesTriggered": trigger,
	}
	if trigger && h.deps.Gates != nil {
		report, err := h.deps.Gates.Check(ctx, PhasePost, hctx)
		if err != nil {
			return nil, err
		}
		data["quality"] = report
	}
	return data, nil
}
