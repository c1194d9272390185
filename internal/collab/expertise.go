package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/hookbridge/internal/hooks"
	"github.com/traylinx/hookbridge/internal/persona"
)

// ErrIncompatiblePersonas is returned when expertise sharing is rejected.
var ErrIncompatiblePersonas = errors.New("personas are not compatible for expertise sharing")

// DefaultCompatibility applies to persona pairs without a table entry.
const DefaultCompatibility = 0.5

// Expertise is knowledge passed from one persona to another.
type Expertise struct {
	From     persona.Name `json:"from"`
	To       persona.Name `json:"to"`
	Content  string       `json:"content"`
	Insights []string     `json:"insights,omitempty"`
}

type pair struct{ a, b persona.Name }

// compatibility is symmetric; look up both orders.
var compatibility = map[pair]float64{
	{persona.Architect, persona.Backend}:     0.9,
	{persona.Architect, persona.Frontend}:    0.8,
	{persona.Architect, persona.Security}:    0.85,
	{persona.Architect, persona.Performance}: 0.85,
	{persona.Architect, persona.DevOps}:      0.8,
	{persona.Architect, persona.Refactorer}:  0.75,
	{persona.Architect, persona.Scribe}:      0.65,
	{persona.Backend, persona.Frontend}:      0.75,
	{persona.Backend, persona.Security}:      0.85,
	{persona.Backend, persona.Performance}:   0.9,
	{persona.Backend, persona.DevOps}:        0.85,
	{persona.Frontend, persona.Performance}:  0.8,
	{persona.Frontend, persona.QA}:           0.75,
	{persona.Frontend, persona.Security}:     0.7,
	{persona.Security, persona.DevOps}:       0.8,
	{persona.Analyzer, persona.Performance}:  0.85,
	{persona.Analyzer, persona.QA}:           0.8,
	{persona.QA, persona.Refactorer}:         0.85,
	{persona.Mentor, persona.Scribe}:         0.9,
	{persona.Mentor, persona.Analyzer}:       0.6,
}

// Compatibility returns how well two personas share expertise.
func Compatibility(from, to persona.Name) float64 {
	if from == to {
		return 1
	}
	if v, ok := compatibility[pair{from, to}]; ok {
		return v
	}
	if v, ok := compatibility[pair{to, from}]; ok {
		return v
	}
	return DefaultCompatibility
}

// vocabularies translate domain terms between persona domains.
var vocabularies = map[[2]persona.Domain]*strings.Replacer{
	{persona.DomainBackend, persona.DomainFrontend}: strings.NewReplacer(
		"endpoint", "API call", "database", "data store", "latency", "load time", "payload", "response data"),
	{persona.DomainFrontend, persona.DomainBackend}: strings.NewReplacer(
		"component", "module", "render", "response", "load time", "latency", "user interaction", "request"),
	{persona.DomainSecurity, persona.DomainArchitecture}: strings.NewReplacer(
		"threat model", "risk assessment", "attack surface", "exposed interfaces"),
	{persona.DomainPerformance, persona.DomainBackend}: strings.NewReplacer(
		"hot path", "critical request path", "p99", "tail latency"),
	{persona.DomainArchitecture, persona.DomainDocumentation}: strings.NewReplacer(
		"bounded context", "module", "coupling", "dependency between parts"),
}

// Translate rewrites text from one persona's vocabulary into another's.
func (c *Coordinator) Translate(from, to persona.Name, text string) string {
	fp, err1 := c.registry.Get(from)
	tp, err2 := c.registry.Get(to)
	if err1 != nil || err2 != nil {
		return text
	}
	if r, ok := vocabularies[[2]persona.Domain{fp.Domain, tp.Domain}]; ok {
		return r.Replace(text)
	}
	return text
}

// ShareExpertise delivers e from one persona to another after translating
// its vocabulary. Sharing is rejected when the pair's compatibility is at
// or below the configured minimum.
func (c *Coordinator) ShareExpertise(ctx context.Context, from, to persona.Name, e Expertise) (Expertise, error) {
	target, ok := c.behavior(to)
	if !ok {
		return Expertise{}, &persona.UnknownPersonaError{Name: string(to)}
	}
	if _, err := c.registry.Get(from); err != nil {
		return Expertise{}, err
	}

	score := Compatibility(from, to)
	entry := log.WithFields(log.Fields{"from": from, "to": to, "compatibility": score})
	if score <= c.MinCompatibility() {
		c.rejected.Add(1)
		entry.Warn("expertise sharing rejected")
		if c.bus != nil {
			c.bus.Publish(&hooks.Notification{
				Event:     hooks.EventExpertiseRejected,
				Timestamp: c.now(),
				Operation: string(from) + "->" + string(to),
				Data:      map[string]any{"from": string(from), "to": string(to), "compatibility": score},
			})
		}
		return Expertise{}, fmt.Errorf("%w: %s -> %s (%.2f)", ErrIncompatiblePersonas, from, to, score)
	}

	out := Expertise{From: from, To: to, Content: c.Translate(from, to, e.Content)}
	for _, in := range e.Insights {
		out.Insights = append(out.Insights, c.Translate(from, to, in))
	}
	if r, ok := target.(ExpertiseReceiver); ok {
		if err := r.ReceiveExpertise(ctx, out); err != nil {
			return Expertise{}, fmt.Errorf("deliver expertise to %s: %w", to, err)
		}
		c.results.Invalidate(string(to) + "|")
	}
	c.shared.Add(1)
	entry.Info("expertise shared")
	return out, nil
}
