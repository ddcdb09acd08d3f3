package rule

import (
	"fmt"

	"inbox_worker/core/domain"
	"inbox_worker/pkg/apperr"
)

// RuleMatch is one selected rule. Rule always points into the input rule set.
type RuleMatch struct {
	Rule      *domain.Rule `json:"rule"`
	IsPrimary bool         `json:"is_primary"`
}

// ChooseRuleResult is what rule executors, digests and the fix flow consume.
// Reason is empty exactly when Rules is empty, and a non-empty result has
// exactly one primary match, listed first.
type ChooseRuleResult struct {
	Rules  []RuleMatch `json:"rules"`
	Reason string      `json:"reason"`
}

func emptyResult() *ChooseRuleResult {
	return &ChooseRuleResult{Rules: []RuleMatch{}, Reason: ""}
}

// IsEmpty reports whether no rule matched.
func (r *ChooseRuleResult) IsEmpty() bool {
	return r == nil || len(r.Rules) == 0
}

// PrimaryRule returns the rule whose actions run, or nil.
func (r *ChooseRuleResult) PrimaryRule() *domain.Rule {
	if r == nil {
		return nil
	}
	for _, m := range r.Rules {
		if m.IsPrimary {
			return m.Rule
		}
	}
	return nil
}

// SecondaryRules returns the non-primary matches in order.
func (r *ChooseRuleResult) SecondaryRules() []*domain.Rule {
	if r == nil {
		return nil
	}
	var rules []*domain.Rule
	for _, m := range r.Rules {
		if !m.IsPrimary {
			rules = append(rules, m.Rule)
		}
	}
	return rules
}

// RuleNames lists matched rule names, primary first.
func (r *ChooseRuleResult) RuleNames() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.Rules))
	for _, m := range r.Rules {
		names = append(names, m.Rule.Name)
	}
	return names
}

// RuleIDs lists matched rule ids, primary first.
func (r *ChooseRuleResult) RuleIDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.Rules))
	for _, m := range r.Rules {
		ids = append(ids, m.Rule.ID)
	}
	return ids
}

// Selections converts the result back into backend-shaped selections.
func (r *ChooseRuleResult) Selections() []Selection {
	if r == nil {
		return nil
	}
	selections := make([]Selection, 0, len(r.Rules))
	for _, m := range r.Rules {
		selections = append(selections, Selection{RuleID: m.Rule.ID, IsPrimary: m.IsPrimary})
	}
	return selections
}

// Validate checks the result against the rules it was chosen from: reason
// is set iff something matched, there is exactly one primary, and every
// match is one of input by identity.
func (r *ChooseRuleResult) Validate(input []*domain.Rule) error {
	if r == nil {
		return apperr.Internal("nil rule selection result")
	}

	if len(r.Rules) == 0 {
		if r.Reason != "" {
			return apperr.Internal("empty rule selection has a reason")
		}
		return nil
	}
	if r.Reason == "" {
		return apperr.Internal("rule selection has no reason")
	}

	members := make(map[*domain.Rule]bool, len(input))
	for _, rule := range input {
		members[rule] = true
	}

	primaries := 0
	for _, m := range r.Rules {
		if m.Rule == nil || !members[m.Rule] {
			return apperr.Internal("rule selection references a rule outside the input")
		}
		if m.IsPrimary {
			primaries++
		}
	}
	if primaries != 1 {
		return apperr.Internal(fmt.Sprintf("rule selection has %d primary rules", primaries))
	}

	return nil
}
