package rule

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"inbox_worker/core/domain"
	"inbox_worker/pkg/apperr"

	"github.com/goccy/go-json"
	"github.com/sashabaranov/go-openai/jsonschema"
)

const chooseRuleSchemaName = "choose_rule"

// chooseRuleSchema is the only shape accepted from the backend.
var chooseRuleSchema = jsonschema.Definition{
	Type: jsonschema.Object,
	Properties: map[string]jsonschema.Definition{
		"ruleSelections": {
			Type:        jsonschema.Array,
			Description: "The rules that match the email. Empty when no rule matches.",
			Items: &jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"ruleId": {
						Type:        jsonschema.String,
						Description: "The id of a rule from the <rules> list.",
					},
					"isPrimary": {
						Type:        jsonschema.Boolean,
						Description: "True for the single most applicable rule.",
					},
				},
				Required: []string{"ruleId", "isPrimary"},
			},
		},
		"reason": {
			Type:        jsonschema.String,
			Description: "Why the primary rule was chosen, or why no rule applies.",
		},
	},
	Required: []string{"ruleSelections", "reason"},
}

// =============================================================================
// Boundary types
// =============================================================================

// chooseRuleOutput is the decoded backend object. Pointer fields tell a
// missing field apart from a zero value.
type chooseRuleOutput struct {
	RuleSelections *[]ruleSelectionOutput `json:"ruleSelections"`
	Reason         *string                `json:"reason"`
}

type ruleSelectionOutput struct {
	RuleID    *string `json:"ruleId"`
	IsPrimary *bool   `json:"isPrimary"`
}

func (o *chooseRuleOutput) selections() []Selection {
	selections := make([]Selection, 0, len(*o.RuleSelections))
	for _, s := range *o.RuleSelections {
		selections = append(selections, Selection{RuleID: *s.RuleID, IsPrimary: *s.IsPrimary})
	}
	return selections
}

func (o *chooseRuleOutput) reason() string {
	return *o.Reason
}

// parseChooseRuleOutput decodes raw strictly: unknown fields, missing
// required fields, nulls and trailing data are all schema violations.
func parseChooseRuleOutput(raw []byte) (*chooseRuleOutput, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var output chooseRuleOutput
	if err := dec.Decode(&output); err != nil {
		return nil, violation("invalid JSON object").WithError(err)
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, violation("trailing data after object")
	}

	if output.RuleSelections == nil {
		return nil, violation("missing ruleSelections")
	}
	if output.Reason == nil {
		return nil, violation("missing reason")
	}
	for i, s := range *output.RuleSelections {
		if s.RuleID == nil {
			return nil, violation("missing ruleId").WithDetail("index", i)
		}
		if s.IsPrimary == nil {
			return nil, violation("missing isPrimary").WithDetail("index", i)
		}
	}

	return &output, nil
}

func violation(reason string) *apperr.AppError {
	return apperr.SchemaViolation(chooseRuleSchemaName, reason)
}

// =============================================================================
// Normalization
// =============================================================================

// Selection is one backend pick, after decoding.
type Selection struct {
	RuleID    string
	IsPrimary bool
}

// NormalizeReport lists what NormalizeSelections had to correct. None of it
// is fatal.
type NormalizeReport struct {
	UnknownIDs   []string
	DuplicateIDs []string
	DemotedIDs   []string
	PromotedID   string
}

// Clean reports whether the selections needed no correction.
func (r NormalizeReport) Clean() bool {
	return len(r.UnknownIDs) == 0 && len(r.DuplicateIDs) == 0 && len(r.DemotedIDs) == 0 && r.PromotedID == ""
}

// NormalizeSelections turns backend selections into a result over rules:
//
//   - ids not in rules are dropped
//   - a repeated id keeps its first position; its primary flags are OR-ed
//   - the first primary wins and later ones are demoted; with no primary the
//     first selection is promoted
//   - the primary is moved to the front, the rest keep their order
//   - reason is "" for an empty result; a non-empty result needs a non-blank reason
//
// Each returned match points at the caller's *domain.Rule. The function is
// pure and a no-op on results it already produced.
func NormalizeSelections(rules []*domain.Rule, selections []Selection, reason string) (*ChooseRuleResult, NormalizeReport, error) {
	var report NormalizeReport

	byID := make(map[string]*domain.Rule, len(rules))
	for _, r := range rules {
		if r == nil {
			continue
		}
		if _, ok := byID[r.ID]; !ok {
			byID[r.ID] = r
		}
	}

	matches := make([]RuleMatch, 0, len(selections))
	position := make(map[string]int, len(selections))
	for _, sel := range selections {
		r, ok := byID[sel.RuleID]
		if !ok {
			report.UnknownIDs = append(report.UnknownIDs, sel.RuleID)
			continue
		}
		if i, dup := position[sel.RuleID]; dup {
			report.DuplicateIDs = append(report.DuplicateIDs, sel.RuleID)
			matches[i].IsPrimary = matches[i].IsPrimary || sel.IsPrimary
			continue
		}
		position[sel.RuleID] = len(matches)
		matches = append(matches, RuleMatch{Rule: r, IsPrimary: sel.IsPrimary})
	}

	if len(matches) == 0 {
		return emptyResult(), report, nil
	}

	primary := -1
	for i := range matches {
		if !matches[i].IsPrimary {
			continue
		}
		if primary < 0 {
			primary = i
			continue
		}
		matches[i].IsPrimary = false
		report.DemotedIDs = append(report.DemotedIDs, matches[i].Rule.ID)
	}
	if primary < 0 {
		primary = 0
		matches[0].IsPrimary = true
		report.PromotedID = matches[0].Rule.ID
	}
	if primary > 0 {
		p := matches[primary]
		copy(matches[1:primary+1], matches[:primary])
		matches[0] = p
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, report, violation("reason is required when rules match")
	}

	return &ChooseRuleResult{Rules: matches, Reason: reason}, report, nil
}
