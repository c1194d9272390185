package hooks

import (
	"context"
	"math"
	"regexp"
	"strings"
)

var personaInstructions = map[string]string{
	"security":    "Analyze from a security perspective, focusing on vulnerabilities, threat vectors, and security best practices.",
	"performance": "Focus on performance optimization, bottlenecks, resource usage, and efficiency improvements.",
	"architect":   "Take a systems architecture approach, considering scalability, maintainability, and design patterns.",
	"frontend":    "Emphasize user experience, accessibility, responsive design, and modern frontend practices.",
	"backend":     "Focus on server-side concerns, API design, data integrity, and system reliability.",
	"qa":          "Approach from a quality assurance perspective, focusing on testing, edge cases, and quality gates.",
	"mentor":      "Provide educational explanations with clear reasoning and learning opportunities.",
}

var detailInstructions = map[string]string{
	"brief":         "Provide a concise, high-level summary.",
	"standard":      "Provide a balanced level of detail with key points and explanations.",
	"comprehensive": "Provide thorough, detailed analysis with examples and comprehensive coverage.",
	"expert":        "Provide expert-level detail with advanced concepts and implementation specifics.",
}

var formatInstructions = map[string]string{
	"markdown":      "Format the response using markdown with proper headers, lists, and code blocks.",
	"json":          "Structure the response as valid JSON with clear object hierarchy.",
	"code":          "Focus on code examples and implementation details.",
	"documentation": "Format as technical documentation with clear sections and examples.",
	"checklist":     "Provide actionable items in checklist format.",
}

type prePromptHandler struct{}

func (h *prePromptHandler) Type() HookType { return PrePrompt }

func (h *prePromptHandler) Validate(hctx *Context) []FieldError {
	problems := validatePayload(hctx)
	if len(problems) == 0 && strings.TrimSpace(payloadString(hctx, "prompt")) == "" {
		problems = append(problems, FieldError{Field: "prompt", Problem: "is required"})
	}
	return problems
}

func (h *prePromptHandler) Execute(_ context.Context, hctx *Context) (map[string]any, error) {
	prompt := payloadString(hctx, "prompt")
	persona := payloadString(hctx, "persona")
	detail := payloadString(hctx, "detailLevel")
	format := payloadString(hctx, "outputFormat")

	var instructions []string
	for _, text := range []string{personaInstructions[persona], detailInstructions[detail], formatInstructions[format]} {
		if text != "" {
			instructions = append(instructions, text)
		}
	}

	enhanced := prompt
	if len(instructions) > 0 {
		enhanced = prompt + "\n\n" + strings.Join(instructions, "\n")
	}

	data := map[string]any{
		"enhancedPrompt": enhanced,
		"instructions":   instructions,
		"promptLength":   len(prompt),
	}
	if persona != "" {
		data["persona"] = persona
	}
	return data, nil
}

var sentenceSplit = regexp.MustCompile(`[.!?]+`)

var qualityThresholds = map[string]float64{
	"completeness":  0.7,
	"clarity":       0.6,
	"actionability": 0.5,
	"accuracy":      0.6,
	"helpfulness":   0.5,
}

const minOverallQuality = 0.6

// ResponseQuality scores a response on five dimensions, each in [0,1].
func ResponseQuality(response string, expectedWords int) map[string]float64 {
	if expectedWords <= 0 {
		expectedWords = 100
	}
	lower := strings.ToLower(response)
	metrics := make(map[string]float64, len(qualityThresholds))

	metrics["completeness"] = math.Min(float64(len(strings.Fields(response)))/float64(expectedWords), 1)

	var words, sentences int
	for _, s := range sentenceSplit.Split(response, -1) {
		if n := len(strings.Fields(s)); n > 0 {
			words += n
			sentences++
		}
	}
	if sentences > 0 {
		avg := float64(words) / float64(sentences)
		// Sentences of about 17.5 words read best.
		metrics["clarity"] = clamp01(1 - math.Abs(avg-17.5)/17.5)
	} else {
		metrics["clarity"] = 0
	}

	metrics["actionability"] = math.Min(float64(countContaining(lower,
		"implement", "fix", "update", "add", "remove", "modify", "refactor", "optimize"))/3, 1)
	metrics["accuracy"] = math.Min(float64(countContaining(lower,
		"function", "class", "method", "variable", "algorithm", "optimization", "performance"))/5, 1)
	metrics["helpfulness"] = math.Min(float64(countContaining(lower,
		"example", "because", "reason", "explain", "why", "how"))/3, 1)
	return metrics
}

// QualityGatesPassed reports whether every metric meets its threshold and the
// mean meets the overall minimum.
func QualityGatesPassed(metrics map[string]float64) bool {
	if len(metrics) == 0 {
		return false
	}
	sum := 0.0
	for name, v := range metrics {
		if threshold, ok := qualityThresholds[name]; ok && v < threshold {
			return false
		}
		sum += v
	}
	return sum/float64(len(metrics)) >= minOverallQuality
}

type postPromptHandler struct{}

func (h *postPromptHandler) Type() HookType { return PostPrompt }

func (h *postPromptHandler) Validate(hctx *Context) []FieldError {
	problems := validatePayload(hctx)
	if len(problems) == 0 && strings.TrimSpace(payloadString(hctx, "response")) == "" {
		problems = append(problems, FieldError{Field: "response", Problem: "is required"})
	}
	return problems
}

func (h *postPromptHandler) Execute(_ context.Context, hctx *Context) (map[string]any, error) {
	response := payloadString(hctx, "response")
	metrics := ResponseQuality(response, 100)
	passed := QualityGatesPassed(metrics)

	var recommendations []string
	for _, name := range []string{"completeness", "clarity", "actionability", "accuracy", "helpfulness"} {
		if metrics[name] < qualityThresholds[name] {
			recommendations = append(recommendations, "improve "+name)
		}
	}

	return map[string]any{
		"qualityMetrics":     metrics,
		"qualityGatesPassed": passed,
		"recommendations":    recommendations,
	}, nil
}
