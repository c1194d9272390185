package hooks

import "strings"

// RiskLevel classifies how dangerous an operation is.
type RiskLevel string

const (
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

var highRiskTerms = []string{
	"delete", "remove", "drop", "truncate",
	"sudo", "admin", "root",
	"production", "deploy",
}

// ClassifyRisk returns RiskHigh when operation mentions a destructive or
// privileged term, RiskMedium otherwise. Matching is case-insensitive.
func ClassifyRisk(operation string) RiskLevel {
	lower := strings.ToLower(operation)
	for _, term := range highRiskTerms {
		if strings.Contains(lower, term) {
			return RiskHigh
		}
	}
	return RiskMedium
}
