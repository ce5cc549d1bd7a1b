// Package rules provides the eligibility rule tree evaluator.
//
// Rule trees are data, not code: a tree of AND/OR groups with leaf rules
// comparing snapshot fields against configured literals. Evaluation is a
// pure function of (tree, snapshot), so re-evaluating the same inputs
// yields identical results and scores.
package rules

import (
	"fmt"

	"github.com/farmgate/eligibility/internal/domain"
)

// Outcome is the result of evaluating a rule tree against a snapshot.
type Outcome struct {
	// Passed is the root group's boolean result gated by mandatory rules:
	// any failed mandatory leaf forces false regardless of group logic.
	Passed bool

	// Score is 100 × (passed leaf weight / total leaf weight), computed
	// over the entire tree independently of group logic so callers can
	// report "mostly qualifies".
	Score float64

	Results     []domain.RuleResult
	RulesPassed int
	RulesFailed int

	// MandatoryFailed is set when a mandatory leaf failed.
	MandatoryFailed bool
}

// Evaluate walks the rule tree in post-order and produces the outcome.
// An empty tree vacuously passes with score 100.
func Evaluate(tree *domain.RuleGroup, snap *domain.FeatureSnapshot) *Outcome {
	out := &Outcome{}

	if tree == nil || len(tree.Children) == 0 {
		out.Passed = true
		out.Score = 100
		return out
	}

	rootPassed := evalGroup(tree, snap, out)

	var passedWeight, totalWeight float64
	for _, r := range out.Results {
		w := r.Weight
		totalWeight += w
		if r.Passed {
			passedWeight += w
			out.RulesPassed++
		} else {
			out.RulesFailed++
			if r.IsMandatory {
				out.MandatoryFailed = true
			}
		}
	}

	if totalWeight > 0 {
		out.Score = 100 * passedWeight / totalWeight
	} else {
		out.Score = 100
	}
	if out.Score < 0 {
		out.Score = 0
	}
	if out.Score > 100 {
		out.Score = 100
	}

	out.Passed = rootPassed && !out.MandatoryFailed
	return out
}

// evalGroup returns the group's boolean result and appends every leaf
// result encountered, so a short-circuit-free record of all rules exists
// even inside OR groups.
func evalGroup(g *domain.RuleGroup, snap *domain.FeatureSnapshot, out *Outcome) bool {
	anyPassed := false
	allPassed := true

	for i := range g.Children {
		child := &g.Children[i]

		var passed bool
		switch {
		case child.Rule != nil:
			res := evalLeaf(child.Rule, snap)
			out.Results = append(out.Results, res)
			passed = res.Passed
		case child.Group != nil:
			passed = evalGroup(child.Group, snap, out)
		default:
			// Empty node: treated as failed, caught at activation time.
			passed = false
		}

		if passed {
			anyPassed = true
		} else {
			allPassed = false
		}
	}

	if g.Logic == domain.LogicOr {
		return anyPassed
	}
	return allPassed
}

// evalLeaf resolves the rule's field from the snapshot and applies the
// operator. A missing field fails the rule, contributes zero weight to the
// score and is still recorded with actual_value "missing".
func evalLeaf(rule *domain.Rule, snap *domain.FeatureSnapshot) domain.RuleResult {
	res := domain.RuleResult{
		RuleID:        rule.ID,
		FieldName:     rule.FieldName,
		ExpectedValue: formatValue(rule.Value),
		IsMandatory:   rule.IsMandatory,
		Weight:        rule.EffectiveWeight(),
	}

	actual, ok := snap.Resolve(rule.FieldName)
	if !ok {
		res.Passed = false
		res.ActualValue = "missing"
		res.Weight = 0
		res.Message = fmt.Sprintf("%s: value unavailable", rule.FieldName)
		return res
	}

	res.ActualValue = formatValue(actual)

	passed, err := apply(rule.Operator, actual, rule.Value)
	if err != nil {
		res.Passed = false
		res.Message = fmt.Sprintf("%s: %v", rule.FieldName, err)
		return res
	}

	res.Passed = passed
	if !passed {
		res.Message = fmt.Sprintf("%s: got %s, requires %s %s",
			rule.FieldName, res.ActualValue, rule.Operator, res.ExpectedValue)
	}
	return res
}
