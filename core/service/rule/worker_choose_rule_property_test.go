package rule

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"inbox_worker/core/domain"
	"inbox_worker/pkg/apperr"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

const propertyRuleCount = 5

func propertyRules() []*domain.Rule {
	rules := make([]*domain.Rule, propertyRuleCount)
	for i := range rules {
		rules[i] = getRule(fmt.Sprintf("rule-%d", i), fmt.Sprintf("Rule %d", i), fmt.Sprintf("instructions %d", i))
	}
	return rules
}

// decodeSelections maps generated ints to selections: v%8 picks the rule
// (values >= propertyRuleCount are unknown ids), v >= 8 marks it primary.
func decodeSelections(values []int) []stubSelection {
	selections := make([]stubSelection, 0, len(values))
	for _, v := range values {
		selections = append(selections, stubSelection{
			RuleID:    fmt.Sprintf("rule-%d", v%8),
			IsPrimary: v >= 8,
		})
	}
	return selections
}

func chooseWithSelections(t *testing.T, rules []*domain.Rule, values []int, reason string) (*ChooseRuleResult, error) {
	llm := selectionsBackend(t, decodeSelections(values), reason)
	return NewChooseRuleService(llm).ChooseRule(context.Background(), ChooseRuleInput{
		Rules: rules,
		Email: getEmail("subject", "body"),
	})
}

func TestChooseRuleProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	selectionsGen := gen.SliceOf(gen.IntRange(0, 15))
	reasonGen := gen.OneConstOf("", "  ", "Matched on sender.", "The invoice rule applies.")

	properties.Property("reason is empty iff no rule matched", prop.ForAll(
		func(values []int, reason string) bool {
			result, err := chooseWithSelections(t, propertyRules(), values, reason)
			if err != nil {
				return apperr.IsCode(err, apperr.CodeSchemaViolation) && strings.TrimSpace(reason) == ""
			}
			return (result.Reason == "") == result.IsEmpty()
		},
		selectionsGen, reasonGen,
	))

	properties.Property("a non-empty result has exactly one primary, listed first", prop.ForAll(
		func(values []int, reason string) bool {
			result, err := chooseWithSelections(t, propertyRules(), values, reason)
			if err != nil || result.IsEmpty() {
				return true
			}
			primaries := 0
			for _, m := range result.Rules {
				if m.IsPrimary {
					primaries++
				}
			}
			return primaries == 1 && result.Rules[0].IsPrimary
		},
		selectionsGen, reasonGen,
	))

	properties.Property("every match is an input rule by identity", prop.ForAll(
		func(values []int, reason string) bool {
			rules := propertyRules()
			result, err := chooseWithSelections(t, rules, values, reason)
			if err != nil {
				return true
			}
			return result.Validate(rules) == nil
		},
		selectionsGen, reasonGen,
	))

	properties.Property("normalizing a result again changes nothing", prop.ForAll(
		func(values []int, reason string) bool {
			rules := propertyRules()
			result, err := chooseWithSelections(t, rules, values, reason)
			if err != nil {
				return true
			}
			again, report, err := NormalizeSelections(rules, result.Selections(), result.Reason)
			if err != nil || !report.Clean() {
				return false
			}
			return reflect.DeepEqual(again, result)
		},
		selectionsGen, reasonGen,
	))

	properties.Property("rules without conditions never reach the backend", prop.ForAll(
		func(n int) bool {
			rules := make([]*domain.Rule, n)
			for i := range rules {
				rules[i] = &domain.Rule{ID: fmt.Sprintf("empty-%d", i), Name: "Empty"}
			}
			llm := rawBackend(`not json`)
			result, err := NewChooseRuleService(llm).ChooseRule(context.Background(), ChooseRuleInput{
				Rules: rules,
				Email: getEmail("subject", "body"),
			})
			return err == nil && result.IsEmpty() && result.Reason == "" && llm.calls() == 0
		},
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
