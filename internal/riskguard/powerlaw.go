package riskguard

import (
	"fmt"

	"github.com/PaesslerAG/gval"
)

// powerLawEvaluator evaluates policy-configured tail-risk expressions
// (gate 8). Policies are schema-free: each symbol carries its own
// gval expression over the intent's size/price/notional, since feeds and
// tail-risk models differ per deployment (see DESIGN.md DOMAIN STACK).
type powerLawEvaluator struct {
	language gval.Language
}

func newPowerLawEvaluator() *powerLawEvaluator {
	return &powerLawEvaluator{language: gval.Full()}
}

// Evaluate runs expr against vars and interprets the result as a boolean
// "intent is allowed" verdict. Expressions are expected to read like
// "notional < 500000 && size < 2.5".
func (p *powerLawEvaluator) Evaluate(expr string, vars map[string]interface{}) (bool, error) {
	result, err := p.language.Evaluate(expr, vars)
	if err != nil {
		return false, fmt.Errorf("powerlaw: evaluate %q: %w", expr, err)
	}
	allowed, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("powerlaw: expression %q did not evaluate to a boolean", expr)
	}
	return allowed, nil
}
