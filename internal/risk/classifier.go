// Package risk grades actions deterministically. Classification is a pure
// function of the action and the configured tables: same input, same tier,
// no clock, no I/O.
package risk

import (
	"fmt"
	"strings"

	"github.com/ghantakiran/ShieldOps-sub002/internal/model"
)

// securitySensitive actions touch credentials or network isolation and are
// never below high.
var securitySensitive = map[model.ActionType]bool{
	model.ActionRotateCredentials: true,
	model.ActionBlockIP:           true,
	model.ActionQuarantineHost:    true,
}

// Assessment is the classifier verdict with the factors that produced it,
// in rule order.
type Assessment struct {
	Level   model.RiskLevel `json:"level"`
	Factors []string        `json:"factors,omitempty"`
}

// Classifier applies the risk rules in a fixed order. Each rule can only
// raise the tier, so a declared hint is never lowered.
type Classifier struct {
	keywords []string
	ceilings map[string]int
}

// NewClassifier builds a classifier from the destructive keyword table and
// the per-environment blast radius ceilings.
func NewClassifier(keywords []string, ceilings map[string]int) *Classifier {
	lowered := make([]string, len(keywords))
	for i, k := range keywords {
		lowered[i] = strings.ToLower(k)
	}
	return &Classifier{keywords: lowered, ceilings: ceilings}
}

// Classify grades one action.
func (c *Classifier) Classify(action *model.Action) Assessment {
	level := model.RiskLow
	var factors []string

	raise := func(to model.RiskLevel, factor string) {
		if to.Rank() > level.Rank() {
			level = to
		}
		factors = append(factors, factor)
	}

	if action.RiskHint != "" && action.RiskHint.Rank() > level.Rank() {
		level = action.RiskHint
		factors = append(factors, fmt.Sprintf("declared hint %s", action.RiskHint))
	}

	if action.Type.Mutating() {
		raise(model.RiskMedium, "mutating action")
	}

	if securitySensitive[action.Type] {
		raise(model.RiskHigh, fmt.Sprintf("security-sensitive action %s", action.Type))
	}

	destructive := false
	if kw := c.destructiveKeyword(action); kw != "" {
		destructive = true
		raise(model.RiskHigh, fmt.Sprintf("destructive keyword %q", kw))
	}

	radiusViolation := false
	if ceiling, ok := c.ceilings[string(action.Environment)]; ok && ceiling > 0 {
		// Hitting the ceiling exactly is allowed; only exceeding it counts.
		if radius := action.BlastRadius(); radius > ceiling {
			radiusViolation = true
			raise(model.RiskHigh, fmt.Sprintf("blast radius %d exceeds ceiling %d", radius, ceiling))
		}
	}

	if action.Environment == model.EnvProduction && (destructive || radiusViolation) {
		raise(model.RiskCritical, "destructive change in production")
	}

	return Assessment{Level: level, Factors: factors}
}

func (c *Classifier) destructiveKeyword(action *model.Action) string {
	haystacks := []string{strings.ToLower(string(action.Type))}
	for _, v := range action.Parameters {
		if s, ok := v.(string); ok {
			haystacks = append(haystacks, strings.ToLower(s))
		}
	}
	for _, kw := range c.keywords {
		for _, h := range haystacks {
			if strings.Contains(h, kw) {
				return kw
			}
		}
	}
	return ""
}
