package rule

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"inbox_worker/core/domain"
	"inbox_worker/core/port/out"
	"inbox_worker/pkg/apperr"

	"github.com/goccy/go-json"
)

// =============================================================================
// Test helpers
// =============================================================================

type stubLLM struct {
	mu       sync.Mutex
	requests []out.ObjectRequest
	respond  func(req out.ObjectRequest) (*out.ObjectResponse, error)
}

func (s *stubLLM) GenerateObject(ctx context.Context, req out.ObjectRequest) (*out.ObjectResponse, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.respond(req)
}

func (s *stubLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func rawBackend(object string) *stubLLM {
	return &stubLLM{respond: func(out.ObjectRequest) (*out.ObjectResponse, error) {
		return &out.ObjectResponse{Object: []byte(object), Model: "stub"}, nil
	}}
}

type stubSelection struct {
	RuleID    string `json:"ruleId"`
	IsPrimary bool   `json:"isPrimary"`
}

func selectionsBackend(t *testing.T, selections []stubSelection, reason string) *stubLLM {
	t.Helper()
	if selections == nil {
		selections = []stubSelection{}
	}
	raw, err := json.Marshal(map[string]any{"ruleSelections": selections, "reason": reason})
	if err != nil {
		t.Fatalf("marshal stub output: %v", err)
	}
	return rawBackend(string(raw))
}

// keywordBackend selects every rule whose keyword appears in the email
// block of the prompt; the first hit is primary.
func keywordBackend(keywords map[string]string, order []string) *stubLLM {
	return &stubLLM{respond: func(req out.ObjectRequest) (*out.ObjectResponse, error) {
		emailBlock := strings.ToLower(req.Prompt[strings.Index(req.Prompt, "<email>"):])

		selections := []stubSelection{}
		for _, ruleID := range order {
			if strings.Contains(emailBlock, keywords[ruleID]) {
				selections = append(selections, stubSelection{RuleID: ruleID, IsPrimary: len(selections) == 0})
			}
		}
		reason := "No rule matches this email."
		if len(selections) > 0 {
			reason = "The email mentions " + keywords[selections[0].RuleID] + "."
		}

		raw, _ := json.Marshal(map[string]any{"ruleSelections": selections, "reason": reason})
		return &out.ObjectResponse{Object: raw, Model: "stub"}, nil
	}}
}

func getRule(id, name, instructions string) *domain.Rule {
	return &domain.Rule{ID: id, Name: name, Enabled: true, Instructions: instructions}
}

func getEmail(subject, content string) *domain.EmailForLLM {
	return &domain.EmailForLLM{
		From:    "sender@example.com",
		To:      "me@example.com",
		Subject: subject,
		Content: content,
	}
}

func getEmailAccount() *domain.EmailAccount {
	return &domain.EmailAccount{ID: "account-1", Email: "user@example.com", About: "I run a small software company."}
}

func newTestService(llm out.StructuredLLM) *ChooseRuleService {
	return NewChooseRuleService(llm)
}

func assertContract(t *testing.T, result *ChooseRuleResult, input []*domain.Rule) {
	t.Helper()
	if err := result.Validate(input); err != nil {
		t.Errorf("result breaks contract: %v", err)
	}
}

// =============================================================================
// Scenarios
// =============================================================================

func TestChooseRuleNoRules(t *testing.T) {
	llm := rawBackend(`{}`)
	svc := newTestService(llm)

	result, err := svc.ChooseRule(context.Background(), ChooseRuleInput{
		Rules:        nil,
		Email:        getEmail("test", "hello"),
		EmailAccount: getEmailAccount(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.IsEmpty() || result.Reason != "" {
		t.Errorf("expected empty result, got %#v", result)
	}
	if result.Rules == nil {
		t.Error("expected non-nil empty rule list")
	}
	if llm.calls() != 0 {
		t.Errorf("expected no backend call, got %d", llm.calls())
	}
}

func TestChooseRuleSingleRule(t *testing.T) {
	rule := getRule("r1", "Test emails", "Match emails that have the word 'test' in the subject line")
	llm := keywordBackend(map[string]string{"r1": "test"}, []string{"r1"})

	result, err := newTestService(llm).ChooseRule(context.Background(), ChooseRuleInput{
		Rules:        []*domain.Rule{rule},
		Email:        getEmail("test", ""),
		EmailAccount: getEmailAccount(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.Rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(result.Rules))
	}
	if result.Rules[0].Rule != rule {
		t.Error("expected the input rule itself")
	}
	if !result.Rules[0].IsPrimary {
		t.Error("expected the only match to be primary")
	}
	if result.Reason == "" {
		t.Error("expected a reason")
	}
	assertContract(t, result, []*domain.Rule{rule})
}

func TestChooseRuleMultipleRules(t *testing.T) {
	rule1 := getRule("r1", "Test emails", "Match emails that have the word 'test' in the subject line")
	rule2 := getRule("r2", "Remember emails", "Match emails that have the word 'remember' in the subject line")
	rules := []*domain.Rule{rule1, rule2}

	llm := keywordBackend(map[string]string{"r1": "test", "r2": "remember"}, []string{"r1", "r2"})

	result, err := newTestService(llm).ChooseRule(context.Background(), ChooseRuleInput{
		Rules:        rules,
		Email:        getEmail("remember that call", ""),
		EmailAccount: getEmailAccount(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.Rules) != 1 || result.Rules[0].Rule != rule2 {
		t.Fatalf("expected only the remember rule, got %v", result.RuleNames())
	}
	if result.PrimaryRule() != rule2 {
		t.Error("expected remember rule to be primary")
	}
	assertContract(t, result, rules)
}

func businessRules() []*domain.Rule {
	return []*domain.Rule{
		getRule("recruiters", "Recruiters", "Match emails from recruiters or about job opportunities"),
		getRule("legal", "Legal", "Match emails containing legal documents or contracts"),
		getRule("requires-response", "Requires Response", "Match emails requiring a response"),
		getRule("product-updates", "Product Updates", "Match emails about product updates or feature announcements"),
		getRule("financial", "Financial", "Match emails containing financial information or invoices"),
		getRule("technical-issues", "Technical Issues", "Match emails about technical issues like server downtime or bug reports"),
		getRule("marketing", "Marketing", "Match emails containing marketing or promotional content"),
		getRule("team-updates", "Team Updates", "Match emails about team updates or internal communications"),
		getRule("customer-feedback", "Customer Feedback", "Match emails about customer feedback or support requests"),
		getRule("events", "Events", "Match emails containing event invitations or RSVPs"),
		getRule("project-deadlines", "Project Deadlines", "Match emails about project deadlines or milestones"),
		getRule("urgent", "Urgent", "Match urgent emails requiring immediate attention"),
		getRule("catch-all", "Catch All", "Match emails that don't fit any other category"),
	}
}

func businessKeywords() (map[string]string, []string) {
	keywords := map[string]string{
		"recruiters":        "job opportunity",
		"legal":             "contract",
		"requires-response": "please reply",
		"product-updates":   "new feature",
		"financial":         "invoice",
		"technical-issues":  "server down",
		"marketing":         "discount",
		"team-updates":      "team meeting",
		"customer-feedback": "feedback",
		"events":            "rsvp",
		"project-deadlines": "deadline",
		"urgent":            "urgent",
	}
	order := []string{
		"financial", "legal", "recruiters", "requires-response", "product-updates",
		"technical-issues", "marketing", "team-updates", "customer-feedback",
		"events", "project-deadlines", "urgent",
	}
	return keywords, order
}

func TestChooseRuleInvoiceMatchesFinancial(t *testing.T) {
	rules := businessRules()
	keywords, order := businessKeywords()

	result, err := newTestService(keywordBackend(keywords, order)).ChooseRule(context.Background(), ChooseRuleInput{
		Rules:        rules,
		Email:        getEmail("Your invoice for March 2024", "Please find attached the invoice for services under our contract. Payment is due in 30 days."),
		EmailAccount: getEmailAccount(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if p := result.PrimaryRule(); p == nil || p.Name != "Financial" {
		t.Fatalf("expected Financial as primary, got %v", result.RuleNames())
	}
	if len(result.Rules) < 2 || result.Rules[1].Rule.Name != "Legal" {
		t.Errorf("expected Legal as secondary match, got %v", result.RuleNames())
	}
	assertContract(t, result, rules)
}

func TestChooseRuleNoMatchWithoutCatchAll(t *testing.T) {
	rules := businessRules()
	rules = rules[:len(rules)-1]
	keywords, order := businessKeywords()

	result, err := newTestService(keywordBackend(keywords, order)).ChooseRule(context.Background(), ChooseRuleInput{
		Rules:        rules,
		Email:        getEmail("Weather forecast for tomorrow", "Sunny with a high of 75 degrees."),
		EmailAccount: getEmailAccount(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.IsEmpty() || result.Reason != "" {
		t.Errorf("expected empty result, got %#v", result)
	}
}

func TestChooseRuleUnknownRuleID(t *testing.T) {
	rules := []*domain.Rule{getRule("r1", "Test emails", "Match test emails")}

	tests := []struct {
		name       string
		selections []stubSelection
		wantIDs    []string
	}{
		{
			name:       "only candidate unknown",
			selections: []stubSelection{{RuleID: "ghost", IsPrimary: true}},
			wantIDs:    nil,
		},
		{
			name:       "unknown primary dropped, known promoted",
			selections: []stubSelection{{RuleID: "ghost", IsPrimary: true}, {RuleID: "r1"}},
			wantIDs:    []string{"r1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := selectionsBackend(t, tt.selections, "It looked right.")
			result, err := newTestService(llm).ChooseRule(context.Background(), ChooseRuleInput{
				Rules: rules,
				Email: getEmail("hello", ""),
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got := result.RuleIDs(); strings.Join(got, ",") != strings.Join(tt.wantIDs, ",") {
				t.Errorf("expected %v, got %v", tt.wantIDs, got)
			}
			if result.IsEmpty() && result.Reason != "" {
				t.Errorf("expected empty reason, got %q", result.Reason)
			}
			assertContract(t, result, rules)
		})
	}
}

// =============================================================================
// Backend output handling
// =============================================================================

func TestChooseRuleTieBreak(t *testing.T) {
	a := getRule("a", "A", "rule a")
	b := getRule("b", "B", "rule b")
	c := getRule("c", "C", "rule c")
	rules := []*domain.Rule{a, b, c}

	tests := []struct {
		name        string
		selections  []stubSelection
		wantOrder   []string
		wantPrimary string
	}{
		{
			name:        "several primaries keep the first",
			selections:  []stubSelection{{RuleID: "b", IsPrimary: true}, {RuleID: "c", IsPrimary: true}},
			wantOrder:   []string{"b", "c"},
			wantPrimary: "b",
		},
		{
			name:        "no primary promotes the first",
			selections:  []stubSelection{{RuleID: "c"}, {RuleID: "a"}},
			wantOrder:   []string{"c", "a"},
			wantPrimary: "c",
		},
		{
			name:        "primary moves to the front",
			selections:  []stubSelection{{RuleID: "a"}, {RuleID: "b"}, {RuleID: "c", IsPrimary: true}},
			wantOrder:   []string{"c", "a", "b"},
			wantPrimary: "c",
		},
		{
			name:        "duplicates collapse and keep primary flag",
			selections:  []stubSelection{{RuleID: "a"}, {RuleID: "b"}, {RuleID: "a", IsPrimary: true}},
			wantOrder:   []string{"a", "b"},
			wantPrimary: "a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := selectionsBackend(t, tt.selections, "reason")
			result, err := newTestService(llm).ChooseRule(context.Background(), ChooseRuleInput{
				Rules: rules,
				Email: getEmail("subject", "body"),
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got := strings.Join(result.RuleIDs(), ","); got != strings.Join(tt.wantOrder, ",") {
				t.Errorf("expected order %v, got %s", tt.wantOrder, got)
			}
			if p := result.PrimaryRule(); p == nil || p.ID != tt.wantPrimary {
				t.Errorf("expected primary %s, got %v", tt.wantPrimary, p)
			}
			assertContract(t, result, rules)
		})
	}
}

func TestChooseRuleSchemaViolations(t *testing.T) {
	rules := []*domain.Rule{getRule("r1", "Test", "Match test emails")}

	tests := []struct {
		name   string
		object string
	}{
		{name: "not json", object: `I pick rule r1`},
		{name: "missing reason", object: `{"ruleSelections":[]}`},
		{name: "missing selections", object: `{"reason":"none"}`},
		{name: "null selections", object: `{"ruleSelections":null,"reason":"none"}`},
		{name: "unknown field", object: `{"ruleSelections":[],"reason":"","confidence":0.9}`},
		{name: "missing isPrimary", object: `{"ruleSelections":[{"ruleId":"r1"}],"reason":"x"}`},
		{name: "wrong type", object: `{"ruleSelections":[{"ruleId":1,"isPrimary":true}],"reason":"x"}`},
		{name: "trailing data", object: `{"ruleSelections":[],"reason":""} {}`},
		{name: "blank reason with match", object: `{"ruleSelections":[{"ruleId":"r1","isPrimary":true}],"reason":"  "}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := newTestService(rawBackend(tt.object)).ChooseRule(context.Background(), ChooseRuleInput{
				Rules: rules,
				Email: getEmail("test", ""),
			})
			if !apperr.IsCode(err, apperr.CodeSchemaViolation) {
				t.Errorf("expected schema violation, got %v", err)
			}
			if result != nil {
				t.Errorf("expected no result, got %#v", result)
			}
		})
	}
}

func TestChooseRuleBackendUnavailable(t *testing.T) {
	rules := []*domain.Rule{getRule("r1", "Test", "Match test emails")}
	cause := errors.New("connection refused")

	llm := &stubLLM{respond: func(out.ObjectRequest) (*out.ObjectResponse, error) {
		return nil, cause
	}}

	result, err := newTestService(llm).ChooseRule(context.Background(), ChooseRuleInput{
		Rules: rules,
		Email: getEmail("test", ""),
	})
	if result != nil {
		t.Errorf("expected no result, got %#v", result)
	}
	if !apperr.IsCode(err, apperr.CodeBackendUnavailable) {
		t.Fatalf("expected backend unavailable, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be preserved")
	}
}

func TestChooseRuleCancelled(t *testing.T) {
	rules := []*domain.Rule{getRule("r1", "Test", "Match test emails")}
	llm := selectionsBackend(t, []stubSelection{{RuleID: "r1", IsPrimary: true}}, "ok")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestService(llm).ChooseRule(ctx, ChooseRuleInput{Rules: rules, Email: getEmail("test", "")})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled in chain, got %v", err)
	}
	if !apperr.IsCode(err, apperr.CodeBackendUnavailable) {
		t.Errorf("expected backend unavailable, got %v", err)
	}
}

func TestChooseRuleSkipsRulesWithoutConditions(t *testing.T) {
	llm := rawBackend(`{}`)
	rules := []*domain.Rule{
		{ID: "empty", Name: "Nothing"},
		{ID: "group-only", Name: "Group", GroupID: "g1"},
		nil,
	}

	result, err := newTestService(llm).ChooseRule(context.Background(), ChooseRuleInput{
		Rules: rules,
		Email: getEmail("test", ""),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsEmpty() {
		t.Errorf("expected empty result, got %v", result.RuleNames())
	}
	if llm.calls() != 0 {
		t.Errorf("expected no backend call, got %d", llm.calls())
	}
}

func TestChooseRulePrompt(t *testing.T) {
	static := &domain.Rule{
		ID:                  "r-static",
		Name:                "Boss invoices",
		From:                "boss@acme.com",
		Instructions:        "Invoices that need approval",
		ConditionalOperator: domain.LogicalOperatorOr,
	}
	empty := &domain.Rule{ID: "r-empty", Name: "Nothing"}
	llm := selectionsBackend(t, nil, "")

	account := getEmailAccount()
	account.AIModel = "gpt-4o"
	account.AIAPIKey = "sk-user"

	_, err := newTestService(llm).ChooseRule(context.Background(), ChooseRuleInput{
		Rules:        []*domain.Rule{static, empty},
		Email:        getEmail("Approve invoice", "Please approve"),
		EmailAccount: account,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := llm.requests[0]
	for _, want := range []string{
		"<id>r-static</id>",
		"<name>Boss invoices</name>",
		"<conditions>From: boss@acme.com OR Invoices that need approval</conditions>",
		"<subject>Approve invoice</subject>",
		"<body>Please approve</body>",
	} {
		if !strings.Contains(req.Prompt, want) {
			t.Errorf("expected prompt to contain %q", want)
		}
	}
	if strings.Contains(req.Prompt, "r-empty") {
		t.Error("rule without conditions must not be rendered")
	}
	if !strings.Contains(req.System, "<about>I run a small software company.</about>") {
		t.Error("expected about text in system prompt")
	}
	if req.SchemaName != chooseRuleSchemaName || req.UsageLabel != "Choose rule" {
		t.Errorf("unexpected request metadata: %s / %s", req.SchemaName, req.UsageLabel)
	}
	if req.UserEmail != account.Email || req.UserAI.Model != "gpt-4o" || req.UserAI.APIKey != "sk-user" {
		t.Errorf("expected account AI settings to be forwarded, got %#v", req.UserAI)
	}
}

func TestChooseRuleRequiresEmail(t *testing.T) {
	llm := rawBackend(`{}`)
	_, err := newTestService(llm).ChooseRule(context.Background(), ChooseRuleInput{
		Rules: []*domain.Rule{getRule("r1", "Test", "Match test emails")},
	})
	if !apperr.IsCode(err, apperr.CodeMissingField) {
		t.Errorf("expected missing field error, got %v", err)
	}
	if llm.calls() != 0 {
		t.Errorf("expected no backend call, got %d", llm.calls())
	}
}

// =============================================================================
// Result contract
// =============================================================================

func TestChooseRuleResultValidate(t *testing.T) {
	a := getRule("a", "A", "rule a")
	b := getRule("b", "B", "rule b")
	input := []*domain.Rule{a, b}
	copyOfA := *a

	tests := []struct {
		name    string
		result  *ChooseRuleResult
		wantErr bool
	}{
		{name: "empty", result: &ChooseRuleResult{Rules: []RuleMatch{}}, wantErr: false},
		{name: "empty with reason", result: &ChooseRuleResult{Reason: "x"}, wantErr: true},
		{name: "valid", result: &ChooseRuleResult{Rules: []RuleMatch{{Rule: a, IsPrimary: true}, {Rule: b}}, Reason: "x"}, wantErr: false},
		{name: "no reason", result: &ChooseRuleResult{Rules: []RuleMatch{{Rule: a, IsPrimary: true}}}, wantErr: true},
		{name: "no primary", result: &ChooseRuleResult{Rules: []RuleMatch{{Rule: a}}, Reason: "x"}, wantErr: true},
		{name: "two primaries", result: &ChooseRuleResult{Rules: []RuleMatch{{Rule: a, IsPrimary: true}, {Rule: b, IsPrimary: true}}, Reason: "x"}, wantErr: true},
		{name: "copied rule", result: &ChooseRuleResult{Rules: []RuleMatch{{Rule: &copyOfA, IsPrimary: true}}, Reason: "x"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.result.Validate(input)
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNormalizeSelectionsReport(t *testing.T) {
	a := getRule("a", "A", "rule a")
	b := getRule("b", "B", "rule b")

	_, report, err := NormalizeSelections([]*domain.Rule{a, b}, []Selection{
		{RuleID: "x"},
		{RuleID: "a", IsPrimary: true},
		{RuleID: "a"},
		{RuleID: "b", IsPrimary: true},
	}, "why")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if strings.Join(report.UnknownIDs, ",") != "x" {
		t.Errorf("expected unknown x, got %v", report.UnknownIDs)
	}
	if strings.Join(report.DuplicateIDs, ",") != "a" {
		t.Errorf("expected duplicate a, got %v", report.DuplicateIDs)
	}
	if strings.Join(report.DemotedIDs, ",") != "b" {
		t.Errorf("expected demoted b, got %v", report.DemotedIDs)
	}
	if report.PromotedID != "" {
		t.Errorf("expected no promotion, got %s", report.PromotedID)
	}
	if report.Clean() {
		t.Error("expected report to be dirty")
	}
}
