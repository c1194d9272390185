// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package persona

import (
	"path/filepath"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

// Scoring weights of the four sub-scores.
const (
	WeightKeyword     = 0.3
	WeightContext     = 0.4
	WeightHistory     = 0.2
	WeightPerformance = 0.1
)

// Context bonuses added to the context score.
const (
	bonusFramework = 0.4
	bonusVerb      = 0.3
	bonusLanguage  = 0.2
	bonusDomain    = 0.1
)

// longKeyword is the rune length above which a keyword counts double.
const longKeyword = 6

// SystemMetrics is a snapshot of live system load used by the performance
// sub-score.
type SystemMetrics struct {
	ResponseTime  time.Duration `json:"responseTime"`
	CPUPercent    float64       `json:"cpuPercent"`
	MemoryPercent float64       `json:"memoryPercent"`
	ErrorRate     float64       `json:"errorRate"`
}

func (m *SystemMetrics) underLoad() bool {
	return m.ResponseTime > 500*time.Millisecond || m.CPUPercent > 80 || m.MemoryPercent > 80
}

// Request is the free-text request scored against the personas.
type Request struct {
	UserID    string   `json:"userId,omitempty"`
	Command   string   `json:"command,omitempty"`
	Content   string   `json:"content"`
	Flags     []string `json:"flags,omitempty"`
	Framework string   `json:"framework,omitempty"`
	Language  string   `json:"language,omitempty"`
	Files     []string `json:"files,omitempty"`
	// System is the load snapshot. Nil means the engine's provider is used.
	System *SystemMetrics `json:"system,omitempty"`
}

// Breakdown holds the sub-scores of a persona score.
type Breakdown struct {
	Keyword     float64 `json:"keywordScore"`
	Context     float64 `json:"contextScore"`
	History     float64 `json:"historyScore"`
	Performance float64 `json:"performanceScore"`
}

// Score is the result of scoring one persona against a request.
type Score struct {
	Persona    Name      `json:"persona"`
	Total      float64   `json:"totalScore"`
	Confidence float64   `json:"confidence"`
	Breakdown  Breakdown `json:"breakdown"`
}

// signals are the request features shared by every persona's score.
type signals struct {
	content   string
	command   string
	framework string
	language  string
	domain    Domain
}

var extensionLanguages = map[string]string{
	".ts": "typescript", ".tsx": "typescript", ".js": "javascript", ".jsx": "javascript",
	".css": "css", ".scss": "css", ".html": "html",
	".go": "go", ".py": "python", ".java": "java", ".rs": "rust", ".sql": "sql",
	".yaml": "yaml", ".yml": "yaml", ".tf": "hcl", ".md": "markdown",
}

func (r *Registry) extract(req *Request) signals {
	s := signals{
		content:   strings.ToLower(req.Content),
		command:   strings.ToLower(req.Command),
		framework: strings.ToLower(strings.TrimSpace(req.Framework)),
		language:  strings.ToLower(strings.TrimSpace(req.Language)),
	}
	profiles := r.Profiles()
	if s.framework == "" {
		s.framework = firstMatch(profiles, s.content, func(p Profile) []string { return p.Frameworks })
	}
	if s.language == "" {
		for _, f := range req.Files {
			if lang, ok := extensionLanguages[strings.ToLower(filepath.Ext(f))]; ok {
				s.language = lang
				break
			}
		}
	}
	s.domain = detectDomain(profiles, s)
	return s
}

// firstMatch returns the first term, in profile declaration order, found in text.
func firstMatch(profiles []Profile, text string, terms func(Profile) []string) string {
	for _, p := range profiles {
		for _, t := range terms(p) {
			if containsWord(text, t) {
				return t
			}
		}
	}
	return ""
}

// contentPrecedence orders domains for content pattern matching.
var contentPrecedence = []Domain{
	DomainSecurity, DomainPerformance, DomainArchitecture, DomainFrontend, DomainBackend,
	DomainInfrastructure, DomainTesting, DomainQuality, DomainAnalysis, DomainDocumentation, DomainEducation,
}

// detectDomain picks the primary domain. The first source that matches
// wins: framework, then language, then command verb, then content keywords.
func detectDomain(profiles []Profile, s signals) Domain {
	owner := func(terms func(Profile) []string, match func(string) bool) Domain {
		for _, p := range profiles {
			for _, t := range terms(p) {
				if match(t) {
					return p.Domain
				}
			}
		}
		return ""
	}
	if s.framework != "" {
		if d := owner(func(p Profile) []string { return p.Frameworks }, func(t string) bool { return t == s.framework }); d != "" {
			return d
		}
	}
	if s.language != "" {
		if d := owner(func(p Profile) []string { return p.Languages }, func(t string) bool { return t == s.language }); d != "" {
			return d
		}
	}
	if s.command != "" {
		if d := owner(func(p Profile) []string { return p.Verbs }, func(t string) bool { return containsWord(s.command, t) }); d != "" {
			return d
		}
	}
	if domains := contentDomains(profiles, s.content); len(domains) > 0 {
		return domains[0]
	}
	return DomainGeneral
}

// contentDomains lists the domains with at least one keyword in content, in
// precedence order.
func contentDomains(profiles []Profile, content string) []Domain {
	hit := make(map[Domain]bool)
	for _, p := range profiles {
		for _, k := range p.Keywords {
			if strings.Contains(content, k) {
				hit[p.Domain] = true
				break
			}
		}
	}
	var out []Domain
	for _, d := range contentPrecedence {
		if hit[d] {
			out = append(out, d)
		}
	}
	return out
}

// containsWord reports whether term occurs in text on word boundaries.
func containsWord(text, term string) bool {
	if term == "" {
		return false
	}
	for i := 0; ; {
		j := strings.Index(text[i:], term)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(term)
		if (start == 0 || !isWordByte(text[start-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		i = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

// keywordScore is the weighted fraction of keywords found in content.
// Keywords longer than six runes weigh double.
func keywordScore(p Profile, content string) float64 {
	var found, total float64
	for _, k := range p.Keywords {
		w := 1.0
		if utf8.RuneCountInString(k) > longKeyword {
			w = 2
		}
		total += w
		if strings.Contains(content, k) {
			found += w
		}
	}
	if total == 0 {
		return 0
	}
	return found / total
}

func contextScore(p Profile, s signals) float64 {
	score := 0.0
	if s.framework != "" && slices.Contains(p.Frameworks, s.framework) {
		score += bonusFramework
	}
	for _, v := range p.Verbs {
		if containsWord(s.command, v) {
			score += bonusVerb
			break
		}
	}
	if s.language != "" && slices.Contains(p.Languages, s.language) {
		score += bonusLanguage
	}
	if s.domain == p.Domain {
		score += bonusDomain
	}
	return clamp01(score)
}

func performanceScore(name Name, m *SystemMetrics) float64 {
	if m == nil {
		return 0.5
	}
	switch name {
	case Performance:
		if m.underLoad() {
			return 0.9
		}
	case Analyzer:
		if m.ErrorRate > 0.05 {
			return 0.8
		}
	case DevOps:
		if m.CPUPercent > 80 || m.MemoryPercent > 80 {
			return 0.7
		}
	}
	return 0.5
}

// weigh combines the sub-scores into the total and the confidence. The
// confidence adds a synergy bonus when several sub-scores are high.
func weigh(b Breakdown) (total, confidence float64) {
	total = clamp01(WeightKeyword*b.Keyword + WeightContext*b.Context +
		WeightHistory*b.History + WeightPerformance*b.Performance)

	above := func(threshold float64) int {
		n := 0
		for _, v := range []float64{b.Keyword, b.Context, b.History, b.Performance} {
			if v > threshold {
				n++
			}
		}
		return n
	}
	confidence = total
	switch {
	case above(0.8) >= 2:
		confidence += 0.1
	case above(0.7) >= 2:
		confidence += 0.05
	}
	return total, clamp01(confidence)
}
