package rules

import (
	"fmt"

	"github.com/farmgate/eligibility/internal/domain"
)

// maxTreeDepth bounds nesting so a malformed admin payload cannot exhaust
// the stack.
const maxTreeDepth = 32

var validOperators = map[domain.Operator]bool{
	domain.OpEq:       true,
	domain.OpGt:       true,
	domain.OpGte:      true,
	domain.OpLt:       true,
	domain.OpLte:      true,
	domain.OpIn:       true,
	domain.OpNotIn:    true,
	domain.OpBetween:  true,
	domain.OpContains: true,
}

// ValidateTree checks a rule tree at scheme activation time: exactly one
// root group, known group logic, every node either a leaf or a group (never
// both, never neither), well-formed operator literals, and at least one
// leaf rule somewhere in the tree. A tree with only groups and no leaves is
// invalid configuration, rejected here rather than at evaluation time.
func ValidateTree(root *domain.RuleGroup) error {
	if root == nil {
		return fmt.Errorf("%w: rule tree has no root group", domain.ErrInvalidRuleTree)
	}

	leaves := 0
	if err := validateGroup(root, 1, &leaves); err != nil {
		return err
	}

	if leaves == 0 {
		return fmt.Errorf("%w: tree contains groups but no leaf rules", domain.ErrInvalidRuleTree)
	}
	return nil
}

func validateGroup(g *domain.RuleGroup, depth int, leaves *int) error {
	if depth > maxTreeDepth {
		return fmt.Errorf("%w: nesting exceeds %d levels", domain.ErrInvalidRuleTree, maxTreeDepth)
	}
	if g.Logic != domain.LogicAnd && g.Logic != domain.LogicOr {
		return fmt.Errorf("%w: group %q has unknown logic %q", domain.ErrInvalidRuleTree, g.ID, g.Logic)
	}

	for i := range g.Children {
		child := &g.Children[i]
		switch {
		case child.Rule != nil && child.Group != nil:
			return fmt.Errorf("%w: node is both rule and group", domain.ErrInvalidRuleTree)
		case child.Rule != nil:
			if err := validateRule(child.Rule); err != nil {
				return err
			}
			*leaves++
		case child.Group != nil:
			if err := validateGroup(child.Group, depth+1, leaves); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: empty node in group %q", domain.ErrInvalidRuleTree, g.ID)
		}
	}
	return nil
}

func validateRule(r *domain.Rule) error {
	if r.ID == "" {
		return fmt.Errorf("%w: rule without id", domain.ErrInvalidRuleTree)
	}
	if r.FieldName == "" {
		return fmt.Errorf("%w: rule %q has no field name", domain.ErrInvalidRuleTree, r.ID)
	}
	if !validOperators[r.Operator] {
		return fmt.Errorf("%w: rule %q has unknown operator %q", domain.ErrInvalidRuleTree, r.ID, r.Operator)
	}
	if r.Weight < 0 {
		return fmt.Errorf("%w: rule %q has negative weight", domain.ErrInvalidRuleTree, r.ID)
	}

	switch r.Operator {
	case domain.OpIn, domain.OpNotIn:
		if list, ok := toList(r.Value); !ok || len(list) == 0 {
			return fmt.Errorf("%w: rule %q operator %s requires a non-empty list", domain.ErrInvalidRuleTree, r.ID, r.Operator)
		}
	case domain.OpBetween:
		if pair, ok := toList(r.Value); !ok || len(pair) != 2 {
			return fmt.Errorf("%w: rule %q operator between requires a [low, high] pair", domain.ErrInvalidRuleTree, r.ID)
		}
	default:
		if r.Value == nil {
			return fmt.Errorf("%w: rule %q has no comparison value", domain.ErrInvalidRuleTree, r.ID)
		}
	}
	return nil
}
