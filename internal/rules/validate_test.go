package rules

import (
	"errors"
	"testing"

	"github.com/farmgate/eligibility/internal/domain"
)

func TestValidateTreeAcceptsWellFormed(t *testing.T) {
	tree := &domain.RuleGroup{
		ID:    "root",
		Logic: domain.LogicAnd,
		Children: []domain.RuleNode{
			leaf("age", "farmer.age", domain.OpGte, 18.0, 1.0, true),
			{Group: &domain.RuleGroup{
				ID:    "docs",
				Logic: domain.LogicOr,
				Children: []domain.RuleNode{
					leaf("id", "kyc.has_national_id", domain.OpEq, true, 1.0, false),
					leaf("passport", "kyc.has_passport", domain.OpEq, true, 1.0, false),
				},
			}},
		},
	}

	if err := ValidateTree(tree); err != nil {
		t.Fatalf("expected valid tree, got %v", err)
	}
}

func TestValidateTreeRejections(t *testing.T) {
	cases := []struct {
		name string
		tree *domain.RuleGroup
	}{
		{"nil root", nil},
		{"groups without leaves", &domain.RuleGroup{
			ID:    "root",
			Logic: domain.LogicAnd,
			Children: []domain.RuleNode{
				{Group: &domain.RuleGroup{ID: "inner", Logic: domain.LogicOr}},
			},
		}},
		{"unknown logic", &domain.RuleGroup{
			ID:       "root",
			Logic:    "XOR",
			Children: []domain.RuleNode{leaf("a", "x.a", domain.OpEq, 1.0, 1.0, false)},
		}},
		{"unknown operator", &domain.RuleGroup{
			ID:       "root",
			Logic:    domain.LogicAnd,
			Children: []domain.RuleNode{leaf("a", "x.a", "regex", "v", 1.0, false)},
		}},
		{"empty node", &domain.RuleGroup{
			ID:       "root",
			Logic:    domain.LogicAnd,
			Children: []domain.RuleNode{{}},
		}},
		{"node both rule and group", &domain.RuleGroup{
			ID:    "root",
			Logic: domain.LogicAnd,
			Children: []domain.RuleNode{{
				Rule:  &domain.Rule{ID: "a", FieldName: "x.a", Operator: domain.OpEq, Value: 1.0},
				Group: &domain.RuleGroup{ID: "g", Logic: domain.LogicAnd},
			}},
		}},
		{"between without pair", &domain.RuleGroup{
			ID:       "root",
			Logic:    domain.LogicAnd,
			Children: []domain.RuleNode{leaf("a", "x.a", domain.OpBetween, []any{1.0}, 1.0, false)},
		}},
		{"in with empty list", &domain.RuleGroup{
			ID:       "root",
			Logic:    domain.LogicAnd,
			Children: []domain.RuleNode{leaf("a", "x.a", domain.OpIn, []any{}, 1.0, false)},
		}},
		{"negative weight", &domain.RuleGroup{
			ID:       "root",
			Logic:    domain.LogicAnd,
			Children: []domain.RuleNode{leaf("a", "x.a", domain.OpEq, 1.0, -2.0, false)},
		}},
		{"missing field name", &domain.RuleGroup{
			ID:       "root",
			Logic:    domain.LogicAnd,
			Children: []domain.RuleNode{leaf("a", "", domain.OpEq, 1.0, 1.0, false)},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateTree(tc.tree)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, domain.ErrInvalidRuleTree) {
				t.Errorf("expected ErrInvalidRuleTree, got %v", err)
			}
		})
	}
}

func TestValidateTreeDepthLimit(t *testing.T) {
	root := &domain.RuleGroup{ID: "root", Logic: domain.LogicAnd}
	current := root
	for i := 0; i < maxTreeDepth+1; i++ {
		next := &domain.RuleGroup{ID: "nested", Logic: domain.LogicAnd}
		current.Children = []domain.RuleNode{{Group: next}}
		current = next
	}
	current.Children = []domain.RuleNode{leaf("a", "x.a", domain.OpEq, 1.0, 1.0, false)}

	if err := ValidateTree(root); !errors.Is(err, domain.ErrInvalidRuleTree) {
		t.Errorf("expected depth rejection, got %v", err)
	}
}
