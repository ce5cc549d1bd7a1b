package domain

import (
	"time"
)

// SchemeStatus is the lifecycle state of a support scheme.
type SchemeStatus string

const (
	SchemeStatusDraft  SchemeStatus = "draft"
	SchemeStatusActive SchemeStatus = "active"
	SchemeStatusClosed SchemeStatus = "closed"
)

// Scheme is a configured support program (subsidy, loan, insurance) with an
// eligibility rule tree and a beneficiary cap.
type Scheme struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Status SchemeStatus `json:"status"`

	// Version increments whenever the rule tree of a referenced scheme is
	// edited. Completed assessments pin the version they were evaluated
	// against; the rule tree of a published version is never mutated.
	Version int `json:"version"`

	MaxBeneficiaries     int `json:"maxBeneficiaries"`
	CurrentBeneficiaries int `json:"currentBeneficiaries"`

	// RuleTree is the root group of the eligibility rule tree.
	RuleTree *RuleGroup `json:"ruleTree,omitempty"`

	// OfferTTLHours overrides the engine default waitlist offer expiry.
	// Zero means use EngineConfig.OfferTTL.
	OfferTTLHours int `json:"offerTtlHours,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasCapacity reports whether the scheme can admit another beneficiary.
func (s *Scheme) HasCapacity() bool {
	return s.CurrentBeneficiaries < s.MaxBeneficiaries
}

// GroupLogic is the boolean combinator of a rule group.
type GroupLogic string

const (
	LogicAnd GroupLogic = "AND"
	LogicOr  GroupLogic = "OR"
)

// Operator is a leaf rule comparison operator.
type Operator string

const (
	OpEq       Operator = "eq"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpNotIn    Operator = "not_in"
	OpBetween  Operator = "between"
	OpContains Operator = "contains"
)

// RuleNode is one node of the rule tree: either a leaf Rule or a nested
// RuleGroup, never both. The tagged-variant form keeps rules fully
// data-driven and admin-editable without an expression interpreter.
type RuleNode struct {
	Rule  *Rule      `json:"rule,omitempty"`
	Group *RuleGroup `json:"group,omitempty"`
}

// RuleGroup combines child nodes with AND/OR logic. A rule tree has exactly
// one root group and is acyclic by construction (nodes are owned inline).
type RuleGroup struct {
	ID       string     `json:"id"`
	Logic    GroupLogic `json:"logic"`
	Children []RuleNode `json:"children"`
}

// Rule is a leaf eligibility criterion evaluated against the farmer's
// feature snapshot.
type Rule struct {
	ID string `json:"id"`

	// FieldName is a dot-path into the feature snapshot, e.g. "farm.land_size".
	FieldName string `json:"fieldName"`

	Operator Operator `json:"operator"`

	// Value is the operator-typed literal: a scalar for comparison
	// operators, a list for in/not_in, a two-element pair for between.
	Value any `json:"value"`

	// Weight is the rule's share of the eligibility score. Defaults to 1.0.
	Weight float64 `json:"weight"`

	// IsMandatory makes a failed rule veto eligibility regardless of the
	// aggregate score and the root group's boolean result.
	IsMandatory bool `json:"isMandatory"`
}

// EffectiveWeight returns the rule weight with the 1.0 default applied.
func (r *Rule) EffectiveWeight() float64 {
	if r.Weight <= 0 {
		return 1.0
	}
	return r.Weight
}

// Leaves returns all leaf rules of the tree in document order.
func (g *RuleGroup) Leaves() []*Rule {
	if g == nil {
		return nil
	}
	var leaves []*Rule
	for i := range g.Children {
		child := &g.Children[i]
		if child.Rule != nil {
			leaves = append(leaves, child.Rule)
		}
		if child.Group != nil {
			leaves = append(leaves, child.Group.Leaves()...)
		}
	}
	return leaves
}
