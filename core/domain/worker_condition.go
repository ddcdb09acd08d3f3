package domain

import (
	"fmt"
	"strings"
)

// =============================================================================
// Condition Types
// =============================================================================

// ConditionType tags a Condition variant. The set is closed: adding a kind
// means updating every switch in this file.
type ConditionType string

const (
	ConditionAI             ConditionType = "AI"
	ConditionStatic         ConditionType = "STATIC"
	ConditionLearnedPattern ConditionType = "LEARNED_PATTERN"
	ConditionPreset         ConditionType = "PRESET"
)

// CoreConditionTypes are the kinds a user edits directly and the rule
// selector reasons over.
func CoreConditionTypes() []ConditionType {
	return []ConditionType{ConditionAI, ConditionStatic}
}

// Condition is one matching criterion of a rule. Implementations are the
// variants below; the unexported method keeps the set sealed.
type Condition interface {
	Type() ConditionType
	isCondition()
}

// AICondition matches by natural-language instructions.
type AICondition struct {
	Instructions string `json:"instructions"`
}

// StaticCondition matches header/body fields. Empty fields are unset.
type StaticCondition struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
}

// LearnedPatternCondition matches by a group of learned patterns.
type LearnedPatternCondition struct {
	GroupID   string `json:"group_id"`
	GroupName string `json:"group_name,omitempty"`
}

// PresetCondition marks a rule created from a built-in preset.
type PresetCondition struct {
	Preset string `json:"preset"`
}

func (AICondition) Type() ConditionType             { return ConditionAI }
func (StaticCondition) Type() ConditionType         { return ConditionStatic }
func (LearnedPatternCondition) Type() ConditionType { return ConditionLearnedPattern }
func (PresetCondition) Type() ConditionType         { return ConditionPreset }

func (AICondition) isCondition()             {}
func (StaticCondition) isCondition()         {}
func (LearnedPatternCondition) isCondition() {}
func (PresetCondition) isCondition()         {}

// IsEmpty reports whether no static field is set.
func (c StaticCondition) IsEmpty() bool {
	return c.From == "" && c.To == "" && c.Subject == "" && c.Body == ""
}

// =============================================================================
// Wire form
// =============================================================================

// ConditionFields is the flat, tagged representation used in JSON payloads.
// Only the fields of the tagged variant may be set.
type ConditionFields struct {
	Type         ConditionType `json:"type"`
	Instructions *string       `json:"instructions,omitempty"`
	From         *string       `json:"from,omitempty"`
	To           *string       `json:"to,omitempty"`
	Subject      *string       `json:"subject,omitempty"`
	Body         *string       `json:"body,omitempty"`
	GroupID      *string       `json:"group_id,omitempty"`
	GroupName    *string       `json:"group_name,omitempty"`
	Preset       *string       `json:"preset,omitempty"`
}

// ParseCondition converts the wire form into its variant, rejecting unknown
// tags and fields that belong to a different variant.
func ParseCondition(f ConditionFields) (Condition, error) {
	allowed := map[ConditionType][]string{
		ConditionAI:             {"instructions"},
		ConditionStatic:         {"from", "to", "subject", "body"},
		ConditionLearnedPattern: {"group_id", "group_name"},
		ConditionPreset:         {"preset"},
	}
	fields, ok := allowed[f.Type]
	if !ok {
		return nil, fmt.Errorf("unknown condition type %q", f.Type)
	}

	set := map[string]*string{
		"instructions": f.Instructions,
		"from":         f.From,
		"to":           f.To,
		"subject":      f.Subject,
		"body":         f.Body,
		"group_id":     f.GroupID,
		"group_name":   f.GroupName,
		"preset":       f.Preset,
	}
	for _, name := range fields {
		delete(set, name)
	}
	for name, v := range set {
		if v != nil {
			return nil, fmt.Errorf("field %q is not valid for %s condition", name, f.Type)
		}
	}

	switch f.Type {
	case ConditionAI:
		return AICondition{Instructions: deref(f.Instructions)}, nil
	case ConditionStatic:
		return StaticCondition{
			From:    deref(f.From),
			To:      deref(f.To),
			Subject: deref(f.Subject),
			Body:    deref(f.Body),
		}, nil
	case ConditionLearnedPattern:
		return LearnedPatternCondition{GroupID: deref(f.GroupID), GroupName: deref(f.GroupName)}, nil
	default:
		return PresetCondition{Preset: deref(f.Preset)}, nil
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// =============================================================================
// Classification
// =============================================================================

// IsAIRule reports whether the rule carries AI instructions.
func IsAIRule(rule *Rule) bool {
	return strings.TrimSpace(rule.Instructions) != ""
}

// IsStaticRule reports whether any static field is set.
func IsStaticRule(rule *Rule) bool {
	return rule.From != "" || rule.To != "" || rule.Subject != "" || rule.Body != ""
}

// IsGroupRule reports whether the rule references learned patterns.
func IsGroupRule(rule *Rule) bool {
	return rule.GroupID != ""
}

// HasConditions reports whether the rule can match anything at all.
func HasConditions(rule *Rule) bool {
	return IsAIRule(rule) || IsStaticRule(rule) || IsGroupRule(rule)
}

// GetConditions projects a rule's stored fields into its condition list:
// an AI condition iff instructions are set, a static condition iff any
// static field is set.
func GetConditions(rule *Rule) []Condition {
	var conditions []Condition

	if IsAIRule(rule) {
		conditions = append(conditions, AICondition{Instructions: rule.Instructions})
	}

	if IsStaticRule(rule) {
		conditions = append(conditions, StaticCondition{
			From:    rule.From,
			To:      rule.To,
			Subject: rule.Subject,
			Body:    rule.Body,
		})
	}

	return conditions
}

// GetConditionTypes returns the set of condition kinds present on the rule.
func GetConditionTypes(rule *Rule) map[ConditionType]bool {
	types := make(map[ConditionType]bool)
	for _, c := range GetConditions(rule) {
		types[c.Type()] = true
	}
	return types
}

// EmptyCondition returns a blank condition of a core type for editing.
func EmptyCondition(t ConditionType) (Condition, error) {
	switch t {
	case ConditionAI:
		return AICondition{}, nil
	case ConditionStatic:
		return StaticCondition{}, nil
	case ConditionLearnedPattern, ConditionPreset:
		return nil, fmt.Errorf("%s conditions are not edited directly", t)
	default:
		panic(fmt.Sprintf("condition: unhandled condition type %q", t))
	}
}

// FlattenedConditions is the stored shape of a condition list.
type FlattenedConditions struct {
	Instructions string
	From         string
	To           string
	Subject      string
	Body         string
}

// FlattenConditions is the inverse of GetConditions.
func FlattenConditions(conditions []Condition) FlattenedConditions {
	var flat FlattenedConditions
	for _, c := range conditions {
		switch c := c.(type) {
		case AICondition:
			flat.Instructions = c.Instructions
		case StaticCondition:
			flat.From = c.From
			flat.To = c.To
			flat.Subject = c.Subject
			flat.Body = c.Body
		case LearnedPatternCondition, PresetCondition:
			// not stored as rule fields
		default:
			panic(fmt.Sprintf("condition: unhandled condition %T", c))
		}
	}
	return flat
}

// =============================================================================
// String rendering
// =============================================================================

// ConditionTypesToString lists the rule's condition kinds for display, e.g. "AI, Static".
func ConditionTypesToString(rule *Rule) string {
	conditions := GetConditions(rule)
	names := make([]string, 0, len(conditions))
	for _, c := range conditions {
		names = append(names, ConditionTypeToString(c.Type()))
	}
	return strings.Join(names, ", ")
}

// ConditionTypeToString returns the display name of a condition kind.
func ConditionTypeToString(t ConditionType) string {
	switch t {
	case ConditionAI:
		return "AI"
	case ConditionStatic:
		return "Static"
	case ConditionLearnedPattern:
		return "Group"
	case ConditionPreset:
		return "Preset"
	default:
		panic(fmt.Sprintf("condition: unhandled condition type %q", t))
	}
}

// ConditionsToString describes what a rule matches. Static fields are
// grouped with commas and joined to the instructions by the rule's operator:
//
//	From: boss@acme.com, Subject: "invoice" AND Emails with payment requests
func ConditionsToString(rule *Rule) string {
	var parts []string

	var static []string
	if rule.From != "" {
		static = append(static, "From: "+rule.From)
	}
	if rule.Subject != "" {
		static = append(static, `Subject: "`+rule.Subject+`"`)
	}
	if rule.To != "" {
		static = append(static, "To: "+rule.To)
	}
	if rule.Body != "" {
		static = append(static, `Body: "`+rule.Body+`"`)
	}
	if len(static) > 0 {
		parts = append(parts, strings.Join(static, ", "))
	}

	if IsAIRule(rule) {
		parts = append(parts, rule.Instructions)
	}

	// An unset operator renders as AND, matching how the static matcher
	// evaluates it.
	return strings.Join(parts, " "+string(rule.Operator())+" ")
}
