package collab

import (
	"fmt"
	"slices"
	"strings"

	"github.com/traylinx/hookbridge/internal/persona"
)

// Strategy is how a priority conflict is resolved.
type Strategy string

const (
	StrategyHierarchy Strategy = "hierarchy"
	StrategyExpertise Strategy = "expertise"
	StrategyConsensus Strategy = "consensus"
)

// Option is one participant's side of a conflict.
type Option struct {
	Persona        persona.Name `json:"persona"`
	Term           string       `json:"term"`
	Recommendation string       `json:"recommendation"`
}

// Conflict is a set of recommendations taking opposing positions.
type Conflict struct {
	Participants []persona.Name `json:"participants"`
	Options      []Option       `json:"conflictingOptions"`
	Operation    string         `json:"context"`
}

// Resolution is the outcome of resolving a conflict.
type Resolution struct {
	Conflict     Conflict     `json:"conflict"`
	Strategy     Strategy     `json:"strategy"`
	Winner       persona.Name `json:"winner"`
	Chosen       Option       `json:"chosen"`
	Rationale    string       `json:"rationale"`
	Satisfaction float64      `json:"satisfactionScore"`
}

type opposition struct {
	a, b  string
	owner persona.Domain
}

// oppositions are the known opposing term pairs and the domain whose
// persona is the expert on each.
var oppositions = []opposition{
	{"synchronous", "asynchronous", persona.DomainArchitecture},
	{"sql", "nosql", persona.DomainBackend},
	{"client-side", "server-side", persona.DomainFrontend},
	{"monolith", "microservices", persona.DomainArchitecture},
	{"stateful", "stateless", persona.DomainBackend},
}

// DetectConflicts scans successful results for opposing recommendations.
// Each persona takes the side of the term it names first, and one conflict is
// reported per opposing pair that at least two personas split on.
func DetectConflicts(operation string, results []Result) []Conflict {
	var out []Conflict
	for _, opp := range oppositions {
		var sideA, sideB []Option
		for _, r := range results {
			if !r.Success {
				continue
			}
			term, rec, ok := sideOf(r.Recommendations, opp.a, opp.b)
			if !ok {
				continue
			}
			o := Option{Persona: r.Persona, Term: term, Recommendation: rec}
			if term == opp.a {
				sideA = append(sideA, o)
			} else {
				sideB = append(sideB, o)
			}
		}
		if len(sideA) == 0 || len(sideB) == 0 {
			continue
		}
		c := Conflict{Operation: operation, Options: append(sideA, sideB...)}
		for _, o := range c.Options {
			if !slices.Contains(c.Participants, o.Persona) {
				c.Participants = append(c.Participants, o.Persona)
			}
		}
		if len(c.Participants) < 2 {
			continue
		}
		out = append(out, c)
	}
	return out
}

// sideOf returns the first of a or b named in recs, with the recommendation
// naming it. Within one recommendation the earlier occurrence wins.
func sideOf(recs []string, a, b string) (string, string, bool) {
	for _, r := range recs {
		text := strings.ToLower(r)
		ia, ib := wordIndex(text, a), wordIndex(text, b)
		switch {
		case ia < 0 && ib < 0:
			continue
		case ib < 0 || (ia >= 0 && ia < ib):
			return a, r, true
		default:
			return b, r, true
		}
	}
	return "", "", false
}

// wordIndex returns the first index of term in text on word boundaries, or -1.
func wordIndex(text, term string) int {
	for i := 0; i < len(text); {
		j := strings.Index(text[i:], term)
		if j < 0 {
			return -1
		}
		start, end := i+j, i+j+len(term)
		if (start == 0 || !isWordByte(text[start-1])) && (end == len(text) || !isWordByte(text[end])) {
			return start
		}
		i = start + 1
	}
	return -1
}

func isWordByte(b byte) bool {
	return b == '_' || b == '-' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

// SelectStrategy picks the resolution strategy for a conflict.
func SelectStrategy(participants []persona.Name) Strategy {
	switch {
	case slices.Contains(participants, persona.Security):
		return StrategyHierarchy
	case slices.Contains(participants, persona.Architect):
		return StrategyExpertise
	default:
		return StrategyConsensus
	}
}

// Satisfaction scores of the fixed strategies.
const (
	hierarchySatisfaction = 0.75
	expertiseSatisfaction = 0.85
)

// Resolve resolves c with the strategy its participants select.
func Resolve(registry *persona.Registry, c Conflict) Resolution {
	strategy := SelectStrategy(c.Participants)
	res := Resolution{Conflict: c, Strategy: strategy}

	switch strategy {
	case StrategyHierarchy:
		res.Winner = registry.HierarchyFor(persona.DomainSecurity, c.Participants)[0]
		res.Satisfaction = hierarchySatisfaction
		res.Rationale = fmt.Sprintf("%s ranks highest in the security hierarchy", res.Winner)
	case StrategyExpertise:
		res.Winner = persona.Architect
		owner := ownerOf(c)
		for _, p := range c.Participants {
			if prof, err := registry.Get(p); err == nil && prof.Domain == owner {
				res.Winner = p
				break
			}
		}
		res.Satisfaction = expertiseSatisfaction
		res.Rationale = fmt.Sprintf("%s has the most expertise in %s", res.Winner, owner)
	default:
		first := c.Options[0].Term
		var forFirst, against int
		for _, o := range c.Options {
			if o.Term == first {
				forFirst++
			} else {
				against++
			}
		}
		term, supporters := first, forFirst
		if against > forFirst {
			term, supporters = otherTerm(c, first), against
		}
		for _, o := range c.Options {
			if o.Term == term {
				res.Winner = o.Persona
				break
			}
		}
		res.Satisfaction = float64(supporters) / float64(len(c.Participants))
		res.Rationale = fmt.Sprintf("%d of %d participants support %s", supporters, len(c.Participants), term)
	}

	for _, o := range c.Options {
		if o.Persona == res.Winner {
			res.Chosen = o
			break
		}
	}
	return res
}

func ownerOf(c Conflict) persona.Domain {
	for _, opp := range oppositions {
		if c.Options[0].Term == opp.a || c.Options[0].Term == opp.b {
			return opp.owner
		}
	}
	return persona.DomainArchitecture
}

func otherTerm(c Conflict, term string) string {
	for _, o := range c.Options {
		if o.Term != term {
			return o.Term
		}
	}
	return term
}
