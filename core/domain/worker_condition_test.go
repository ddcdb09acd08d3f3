package domain

import (
	"strings"
	"testing"
)

func TestGetConditions(t *testing.T) {
	tests := []struct {
		name     string
		rule     Rule
		expected []ConditionType
	}{
		{
			name:     "ai only",
			rule:     Rule{Instructions: "Newsletters"},
			expected: []ConditionType{ConditionAI},
		},
		{
			name:     "static only",
			rule:     Rule{From: "boss@acme.com"},
			expected: []ConditionType{ConditionStatic},
		},
		{
			name:     "ai and static",
			rule:     Rule{Instructions: "Invoices", Subject: "invoice"},
			expected: []ConditionType{ConditionAI, ConditionStatic},
		},
		{
			name:     "blank instructions are not an ai condition",
			rule:     Rule{Instructions: "   ", Body: "unsubscribe"},
			expected: []ConditionType{ConditionStatic},
		},
		{
			name:     "group only yields no core condition",
			rule:     Rule{GroupID: "g1"},
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conditions := GetConditions(&tt.rule)
			if len(conditions) != len(tt.expected) {
				t.Fatalf("expected %d conditions, got %d", len(tt.expected), len(conditions))
			}
			for i, c := range conditions {
				if c.Type() != tt.expected[i] {
					t.Errorf("condition %d: expected %s, got %s", i, tt.expected[i], c.Type())
				}
			}
		})
	}
}

func TestGetConditionsCarriesFields(t *testing.T) {
	rule := &Rule{Instructions: "Receipts", From: "a@b.com", To: "me@x.com", Subject: "s", Body: "b"}
	conditions := GetConditions(rule)

	ai, ok := conditions[0].(AICondition)
	if !ok || ai.Instructions != "Receipts" {
		t.Errorf("expected ai condition with instructions, got %#v", conditions[0])
	}
	static, ok := conditions[1].(StaticCondition)
	if !ok {
		t.Fatalf("expected static condition, got %T", conditions[1])
	}
	if static.From != "a@b.com" || static.To != "me@x.com" || static.Subject != "s" || static.Body != "b" {
		t.Errorf("unexpected static fields: %#v", static)
	}
}

func TestConditionsToString(t *testing.T) {
	tests := []struct {
		name     string
		rule     Rule
		expected string
	}{
		{
			name:     "instructions only",
			rule:     Rule{Instructions: "Match newsletters"},
			expected: "Match newsletters",
		},
		{
			name:     "static fields keep order and quoting",
			rule:     Rule{Body: "pay", To: "me@x.com", Subject: "invoice", From: "billing@acme.com"},
			expected: `From: billing@acme.com, Subject: "invoice", To: me@x.com, Body: "pay"`,
		},
		{
			name:     "quotes are not escaped",
			rule:     Rule{Subject: `Re: "Q1" report`},
			expected: `Subject: "Re: "Q1" report"`,
		},
		{
			name:     "and is the default operator",
			rule:     Rule{From: "boss@acme.com", Instructions: "Urgent requests"},
			expected: "From: boss@acme.com AND Urgent requests",
		},
		{
			name: "or operator",
			rule: Rule{
				Subject:             "receipt",
				Instructions:        "Purchase confirmations",
				ConditionalOperator: LogicalOperatorOr,
			},
			expected: `Subject: "receipt" OR Purchase confirmations`,
		},
		{
			name:     "no conditions",
			rule:     Rule{},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ConditionsToString(&tt.rule); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestConditionTypesToString(t *testing.T) {
	rule := &Rule{Instructions: "x", From: "y"}
	if got := ConditionTypesToString(rule); got != "AI, Static" {
		t.Errorf("expected %q, got %q", "AI, Static", got)
	}
}

func TestFlattenConditionsRoundTrip(t *testing.T) {
	rule := &Rule{Instructions: "Receipts", From: "shop@x.com", Subject: "order"}
	flat := FlattenConditions(GetConditions(rule))

	if flat.Instructions != rule.Instructions || flat.From != rule.From || flat.Subject != rule.Subject {
		t.Errorf("round trip lost fields: %#v", flat)
	}
	if flat.To != "" || flat.Body != "" {
		t.Errorf("round trip invented fields: %#v", flat)
	}
}

func TestEmptyCondition(t *testing.T) {
	for _, ct := range CoreConditionTypes() {
		c, err := EmptyCondition(ct)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", ct, err)
		}
		if c.Type() != ct {
			t.Errorf("expected %s, got %s", ct, c.Type())
		}
	}

	if _, err := EmptyCondition(ConditionPreset); err == nil {
		t.Error("expected error for preset condition")
	}
}

func TestUnknownConditionTypePanics(t *testing.T) {
	tests := []struct {
		name string
		fn   func()
	}{
		{name: "to string", fn: func() { ConditionTypeToString("CATEGORY") }},
		{name: "empty condition", fn: func() { _, _ = EmptyCondition("CATEGORY") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				r := recover()
				if r == nil {
					t.Fatal("expected panic")
				}
				if !strings.Contains(r.(string), "unhandled condition type") {
					t.Errorf("unexpected panic value: %v", r)
				}
			}()
			tt.fn()
		})
	}
}

func TestParseCondition(t *testing.T) {
	str := func(s string) *string { return &s }

	tests := []struct {
		name    string
		fields  ConditionFields
		want    Condition
		wantErr bool
	}{
		{
			name:   "ai",
			fields: ConditionFields{Type: ConditionAI, Instructions: str("Newsletters")},
			want:   AICondition{Instructions: "Newsletters"},
		},
		{
			name:   "static",
			fields: ConditionFields{Type: ConditionStatic, From: str("a@b.com"), Subject: str("hi")},
			want:   StaticCondition{From: "a@b.com", Subject: "hi"},
		},
		{
			name:    "field from another variant",
			fields:  ConditionFields{Type: ConditionAI, Instructions: str("x"), From: str("a@b.com")},
			wantErr: true,
		},
		{
			name:    "unknown tag",
			fields:  ConditionFields{Type: "CATEGORY"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCondition(tt.fields)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%v, got %v", tt.wantErr, err)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("expected %#v, got %#v", tt.want, got)
			}
		})
	}
}

func TestHasConditions(t *testing.T) {
	if HasConditions(&Rule{}) {
		t.Error("empty rule must have no conditions")
	}
	if !HasConditions(&Rule{GroupID: "g"}) {
		t.Error("group rule must count as having conditions")
	}
}

func TestRuleOperator(t *testing.T) {
	tests := []struct {
		name     string
		op       LogicalOperator
		expected LogicalOperator
	}{
		{name: "unset", op: "", expected: LogicalOperatorAnd},
		{name: "and", op: LogicalOperatorAnd, expected: LogicalOperatorAnd},
		{name: "or", op: LogicalOperatorOr, expected: LogicalOperatorOr},
		{name: "unknown", op: "XOR", expected: LogicalOperatorAnd},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Rule{ConditionalOperator: tt.op}
			if got := r.Operator(); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}
