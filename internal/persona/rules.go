// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package persona

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/hookbridge/internal/config"
)

// DefaultCombinationRules are the built-in collaboration triggers. Rules from
// configuration are evaluated after them.
func DefaultCombinationRules() []config.CombinationRule {
	return []config.CombinationRule{
		{
			Name:      "full-stack",
			Condition: `"frontend" in Domains && "backend" in Domains`,
			Personas:  []string{"architect", "frontend", "backend"},
			Reason:    "request spans frontend and backend",
		},
		{
			Name:      "secure-architecture",
			Condition: `"security" in Domains && Complexity >= 0.7`,
			Personas:  []string{"security", "architect"},
			Reason:    "complex request with security impact",
		},
		{
			Name:      "performance-investigation",
			Condition: `Domain == "performance" && Intent in ["analyze", "improve"]`,
			Personas:  []string{"performance", "analyzer"},
			Reason:    "performance problem needs root cause analysis",
		},
		{
			Name:      "tested-refactor",
			Condition: `Domain == "quality" || (Intent == "improve" && "testing" in Domains)`,
			Personas:  []string{"refactorer", "qa"},
			Reason:    "refactoring should be covered by tests",
		},
	}
}

// ruleEnv is the environment combination rule conditions are evaluated in.
type ruleEnv struct {
	Domain     string
	Domains    []string
	Complexity float64
	Intent     string
	Command    string
	Flags      []string
	Top        []string
}

type compiledRule struct {
	rule     config.CombinationRule
	personas []Name
	program  *vm.Program
}

// compileRules validates rule personas and compiles their conditions.
func compileRules(rules []config.CombinationRule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		program, err := expr.Compile(r.Condition, expr.Env(ruleEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("combination rule %s: invalid condition: %w", r.Name, err)
		}
		cr := compiledRule{rule: r, program: program}
		for _, p := range r.Personas {
			n, err := Parse(p)
			if err != nil {
				return nil, fmt.Errorf("combination rule %s: %w", r.Name, err)
			}
			cr.personas = append(cr.personas, n)
		}
		out = append(out, cr)
	}
	return out, nil
}

func evaluateRules(rules []compiledRule, env ruleEnv) []Opportunity {
	var out []Opportunity
	for _, r := range rules {
		res, err := expr.Run(r.program, env)
		if err != nil {
			log.WithField("rule", r.rule.Name).Warnf("combination rule evaluation failed: %v", err)
			continue
		}
		if matched, _ := res.(bool); matched {
			out = append(out, Opportunity{
				Rule:     r.rule.Name,
				Personas: append([]Name(nil), r.personas...),
				Reason:   r.rule.Reason,
			})
		}
	}
	return out
}
