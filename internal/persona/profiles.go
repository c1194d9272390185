// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package persona scores free-text requests against the built-in personas,
// analyzes request context and decides whether a persona is auto-activated.
package persona

import (
	"fmt"
	"sort"
	"strings"
)

// Name identifies a persona.
type Name string

const (
	Architect   Name = "architect"
	Frontend    Name = "frontend"
	Backend     Name = "backend"
	Security    Name = "security"
	Performance Name = "performance"
	Analyzer    Name = "analyzer"
	QA          Name = "qa"
	Refactorer  Name = "refactorer"
	DevOps      Name = "devops"
	Mentor      Name = "mentor"
	Scribe      Name = "scribe"
)

// All returns every persona in declaration order. Ranking ties are broken by
// this order.
func All() []Name {
	return []Name{Architect, Frontend, Backend, Security, Performance, Analyzer, QA, Refactorer, DevOps, Mentor, Scribe}
}

// Domain is the technical area a persona owns.
type Domain string

const (
	DomainArchitecture   Domain = "architecture"
	DomainFrontend       Domain = "frontend"
	DomainBackend        Domain = "backend"
	DomainSecurity       Domain = "security"
	DomainPerformance    Domain = "performance"
	DomainAnalysis       Domain = "analysis"
	DomainTesting        Domain = "testing"
	DomainQuality        Domain = "quality"
	DomainInfrastructure Domain = "infrastructure"
	DomainEducation      Domain = "education"
	DomainDocumentation  Domain = "documentation"
	DomainGeneral        Domain = "general"
)

// UnknownPersonaError is returned when a persona name has no profile.
type UnknownPersonaError struct {
	Name string
}

func (e *UnknownPersonaError) Error() string {
	return fmt.Sprintf("unknown persona %q", e.Name)
}

// Parse converts s to a persona name.
func Parse(s string) (Name, error) {
	n := Name(strings.ToLower(strings.TrimSpace(s)))
	for _, p := range All() {
		if p == n {
			return n, nil
		}
	}
	return "", &UnknownPersonaError{Name: s}
}

// Profile describes how a persona is triggered.
type Profile struct {
	Name   Name   `yaml:"-" json:"name"`
	Domain Domain `yaml:"domain" json:"domain"`
	// Priority orders personas in hierarchies; lower runs first.
	Priority int `yaml:"priority" json:"priority"`
	// Keywords are matched case-insensitively as substrings of the content.
	Keywords []string `yaml:"keywords" json:"keywords"`
	// Verbs are matched against the command.
	Verbs []string `yaml:"verbs" json:"verbs"`
	// Frameworks are the frameworks whose detection favours this persona.
	Frameworks []string `yaml:"frameworks" json:"frameworks"`
	// Languages are the languages whose detection favours this persona.
	Languages []string `yaml:"languages" json:"languages"`
}

func (p Profile) clone() Profile {
	p.Keywords = append([]string(nil), p.Keywords...)
	p.Verbs = append([]string(nil), p.Verbs...)
	p.Frameworks = append([]string(nil), p.Frameworks...)
	p.Languages = append([]string(nil), p.Languages...)
	return p
}

// DefaultProfiles returns the built-in persona profiles keyed by name.
func DefaultProfiles() map[Name]Profile {
	return map[Name]Profile{
		Architect: {
			Name: Architect, Domain: DomainArchitecture, Priority: 2,
			Keywords: []string{"architecture", "scalability", "system design", "design", "microservices", "modularity", "boundaries", "maintainability"},
			Verbs:    []string{"design", "architect", "plan", "structure"},
		},
		Frontend: {
			Name: Frontend, Domain: DomainFrontend, Priority: 4,
			Keywords:   []string{"component", "responsive", "accessibility", "css", "layout", "user interface", "frontend", "browser"},
			Verbs:      []string{"build", "style", "render"},
			Frameworks: []string{"react", "vue", "angular", "svelte", "nextjs", "tailwind"},
			Languages:  []string{"typescript", "javascript", "css", "html"},
		},
		Backend: {
			Name: Backend, Domain: DomainBackend, Priority: 3,
			Keywords:   []string{"api", "endpoint", "database", "server", "reliability", "service", "query"},
			Verbs:      []string{"implement", "serve", "migrate"},
			Frameworks: []string{"express", "django", "flask", "fastapi", "spring", "rails", "gin"},
			Languages:  []string{"go", "python", "java", "rust", "sql"},
		},
		Security: {
			Name: Security, Domain: DomainSecurity, Priority: 1,
			Keywords: []string{"vulnerability", "threat", "authentication", "authorization", "encryption", "compliance", "exploit", "secret"},
			Verbs:    []string{"audit", "secure", "harden", "scan"},
		},
		Performance: {
			Name: Performance, Domain: DomainPerformance, Priority: 3,
			Keywords: []string{"performance", "optimization", "bottleneck", "latency", "throughput", "memory", "profiling", "slow"},
			Verbs:    []string{"optimize", "profile", "benchmark"},
		},
		Analyzer: {
			Name: Analyzer, Domain: DomainAnalysis, Priority: 2,
			Keywords: []string{"analyze", "investigate", "root cause", "debug", "troubleshoot", "error", "bug"},
			Verbs:    []string{"analyze", "investigate", "troubleshoot", "debug"},
		},
		QA: {
			Name: QA, Domain: DomainTesting, Priority: 4,
			Keywords:   []string{"test", "quality", "coverage", "validation", "regression", "edge case"},
			Verbs:      []string{"test", "validate", "verify"},
			Frameworks: []string{"jest", "pytest", "cypress", "playwright", "vitest"},
		},
		Refactorer: {
			Name: Refactorer, Domain: DomainQuality, Priority: 5,
			Keywords: []string{"refactor", "cleanup", "technical debt", "simplify", "readability", "duplication"},
			Verbs:    []string{"refactor", "cleanup", "improve", "simplify"},
		},
		DevOps: {
			Name: DevOps, Domain: DomainInfrastructure, Priority: 3,
			Keywords:   []string{"deploy", "infrastructure", "pipeline", "container", "monitoring", "ci/cd", "observability"},
			Verbs:      []string{"deploy", "provision", "release"},
			Frameworks: []string{"docker", "kubernetes", "terraform", "ansible", "helm"},
			Languages:  []string{"yaml", "hcl"},
		},
		Mentor: {
			Name: Mentor, Domain: DomainEducation, Priority: 6,
			Keywords: []string{"explain", "learn", "understand", "tutorial", "guide", "teach"},
			Verbs:    []string{"explain", "teach", "guide"},
		},
		Scribe: {
			Name: Scribe, Domain: DomainDocumentation, Priority: 6,
			Keywords:  []string{"document", "readme", "wiki", "changelog", "commit message", "write"},
			Verbs:     []string{"document", "write", "describe"},
			Languages: []string{"markdown"},
		},
	}
}

// hierarchies order personas per primary domain. Personas absent from a
// table follow it, ordered by profile priority.
var hierarchies = map[Domain][]Name{
	DomainSecurity:       {Security, Architect, Backend, DevOps},
	DomainArchitecture:   {Architect, Security, Backend, Performance},
	DomainPerformance:    {Performance, Architect, Backend, Frontend},
	DomainFrontend:       {Frontend, Architect, Performance, QA},
	DomainBackend:        {Backend, Architect, Security, Performance},
	DomainInfrastructure: {DevOps, Security, Architect, Performance},
	DomainTesting:        {QA, Analyzer, Refactorer},
	DomainQuality:        {Refactorer, QA, Architect},
	DomainAnalysis:       {Analyzer, Architect, Performance},
}

// HierarchyFor returns the personas ordered by the hierarchy of domain.
// The result contains exactly the given personas.
func (r *Registry) HierarchyFor(domain Domain, personas []Name) []Name {
	rank := make(map[Name]int)
	for i, n := range hierarchies[domain] {
		rank[n] = i
	}
	out := append([]Name(nil), personas...)
	r.mu.RLock()
	defer r.mu.RUnlock()
	less := func(a, b Name) bool {
		ra, oka := rank[a]
		rb, okb := rank[b]
		switch {
		case oka && okb:
			return ra < rb
		case oka != okb:
			return oka
		}
		return r.profiles[a].Priority < r.profiles[b].Priority
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}
