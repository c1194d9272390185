// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gates

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Built-in gate names.
const (
	GateSyntax   = "syntax"
	GateSemantic = "semantic"
	GateLint     = "lint"
	GateSecurity = "security"
)

// Builtins returns the default syntax, semantic, lint and security gates.
// They are lightweight textual checks, not parsers.
func Builtins() []Gate {
	return []Gate{
		FuncGate{GateName: GateSyntax, Fn: checkSyntax},
		FuncGate{GateName: GateSemantic, Fn: checkSemantic},
		FuncGate{GateName: GateLint, Fn: checkLint},
		FuncGate{GateName: GateSecurity, Fn: checkSecurity},
	}
}

func sortedFiles(in Input) []string {
	files := make([]string, 0, len(in.Content))
	for f := range in.Content {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

var bracketPairs = map[rune]rune{')': '(', ']': '[', '}': '{'}

func checkSyntax(ctx context.Context, in Input) (Report, error) {
	var issues []string
	for _, f := range sortedFiles(in) {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		var stack []rune
		balanced := true
		for _, r := range in.Content[f] {
			switch r {
			case '(', '[', '{':
				stack = append(stack, r)
			case ')', ']', '}':
				if len(stack) == 0 || stack[len(stack)-1] != bracketPairs[r] {
					balanced = false
				} else {
					stack = stack[:len(stack)-1]
				}
			}
			if !balanced {
				break
			}
		}
		if !balanced || len(stack) > 0 {
			issues = append(issues, fmt.Sprintf("%s: unbalanced brackets", f))
		}
	}
	return ratioReport(issues, len(in.Content)), nil
}

var markerPattern = regexp.MustCompile(`\b(FIXME|XXX|HACK)\b`)

func checkSemantic(ctx context.Context, in Input) (Report, error) {
	var issues []string
	for _, f := range sortedFiles(in) {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		if n := len(markerPattern.FindAllString(in.Content[f], -1)); n > 0 {
			issues = append(issues, fmt.Sprintf("%s: %d unresolved markers", f, n))
		}
	}
	return ratioReport(issues, len(in.Content)), nil
}

const maxLineLength = 120

func checkLint(ctx context.Context, in Input) (Report, error) {
	var issues []string
	lines := 0
	for _, f := range sortedFiles(in) {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		for i, line := range strings.Split(in.Content[f], "\n") {
			lines++
			if len(line) > maxLineLength {
				issues = append(issues, fmt.Sprintf("%s:%d: line exceeds %d characters", f, i+1, maxLineLength))
			}
			if strings.TrimRight(line, " \t") != line {
				issues = append(issues, fmt.Sprintf("%s:%d: trailing whitespace", f, i+1))
			}
		}
	}
	return ratioReport(issues, lines), nil
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|passwd|secret|api[_-]?key|token)\s*[:=]\s*["'][^"']{4,}["']`),
	regexp.MustCompile(`-----BEGIN (RSA |EC )?PRIVATE KEY-----`),
	regexp.MustCompile(`\beval\s*\(`),
}

func checkSecurity(ctx context.Context, in Input) (Report, error) {
	var issues []string
	for _, f := range sortedFiles(in) {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		for _, p := range secretPatterns {
			if p.MatchString(in.Content[f]) {
				issues = append(issues, fmt.Sprintf("%s: matches %s", f, p.String()))
			}
		}
	}
	r := ratioReport(issues, len(in.Content))
	if len(issues) > 0 {
		r.Status = StatusFailed
	}
	return r, nil
}

// ratioReport scores 1 - issues/units, with at least one unit.
func ratioReport(issues []string, units int) Report {
	if units < 1 {
		units = 1
	}
	score := clampScore(1 - float64(len(issues))/float64(units))
	return Report{Status: scoreStatus(score, issues), Score: score, Issues: issues}
}
