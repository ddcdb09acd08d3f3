package rule

import (
	"fmt"
	"regexp"
	"strings"

	"inbox_worker/core/domain"
)

// =============================================================================
// Static pass
// =============================================================================

// StaticMatch is a rule decided without the reasoning backend.
type StaticMatch struct {
	Rule   *domain.Rule
	Reason string
}

// PotentialMatches splits rules into those matched locally and those that
// still need the reasoning backend.
type PotentialMatches struct {
	Matches   []StaticMatch
	Potential []*domain.Rule
}

// FindPotentialMatchingRules evaluates learned patterns and static
// conditions locally, in rule order.
//
//   - an exclude pattern hit removes the rule
//   - a learned pattern hit is a match
//   - static only: match when every set field matches
//   - static AND AI: static must match, then AI decides
//   - static OR AI: static hit is a match, otherwise AI decides
//   - AI only: AI decides
func FindPotentialMatchingRules(rules []*domain.Rule, email *domain.EmailForLLM) PotentialMatches {
	var result PotentialMatches

	for _, r := range rules {
		if r == nil {
			continue
		}

		item, excluded := matchGroup(r, email)
		if excluded {
			continue
		}
		if item != nil {
			result.Matches = append(result.Matches, StaticMatch{
				Rule:   r,
				Reason: fmt.Sprintf("Matched learned pattern: %s %q", strings.ToLower(string(item.Type)), item.Value),
			})
			continue
		}

		hasStatic, hasAI := domain.IsStaticRule(r), domain.IsAIRule(r)
		switch {
		case hasStatic && !hasAI:
			if matchesStatic(r, email) {
				result.Matches = append(result.Matches, staticMatch(r))
			}
		case hasStatic && r.Operator() == domain.LogicalOperatorOr:
			if matchesStatic(r, email) {
				result.Matches = append(result.Matches, staticMatch(r))
			} else {
				result.Potential = append(result.Potential, r)
			}
		case hasStatic:
			if matchesStatic(r, email) {
				result.Potential = append(result.Potential, r)
			}
		case hasAI:
			result.Potential = append(result.Potential, r)
		}
	}

	return result
}

func staticMatch(r *domain.Rule) StaticMatch {
	static := &domain.Rule{From: r.From, To: r.To, Subject: r.Subject, Body: r.Body}
	return StaticMatch{Rule: r, Reason: "Matched static conditions: " + domain.ConditionsToString(static)}
}

// matchesStatic requires every set static field to match.
func matchesStatic(r *domain.Rule, email *domain.EmailForLLM) bool {
	if r.From != "" && !matchesAddress(r.From, email.From) {
		return false
	}
	if r.To != "" && !matchesAddress(r.To, email.To) {
		return false
	}
	if r.Subject != "" && !matchesText(r.Subject, email.Subject) {
		return false
	}
	if r.Body != "" && !matchesText(r.Body, email.Content) {
		return false
	}
	return true
}

// matchesAddress accepts "|"-separated alternatives, each a text pattern.
func matchesAddress(pattern, header string) bool {
	for _, alt := range strings.Split(pattern, "|") {
		alt = strings.TrimSpace(alt)
		if alt != "" && matchesText(alt, header) {
			return true
		}
	}
	return false
}

// matchesText is a case-insensitive substring match; "*" matches any run
// of characters.
func matchesText(pattern, value string) bool {
	pattern = strings.TrimSpace(pattern)
	if !strings.Contains(pattern, "*") {
		return strings.Contains(strings.ToLower(value), strings.ToLower(pattern))
	}

	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile("(?is)" + strings.Join(parts, ".*"))
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

// matchGroup checks the rule's learned patterns. An exclude hit wins over
// any include hit.
func matchGroup(r *domain.Rule, email *domain.EmailForLLM) (*domain.RuleGroupItem, bool) {
	if r.Group == nil {
		return nil, false
	}

	var matched *domain.RuleGroupItem
	for i := range r.Group.Items {
		item := &r.Group.Items[i]
		if !matchesGroupItem(item, email) {
			continue
		}
		if item.Exclude {
			return nil, true
		}
		if matched == nil {
			matched = item
		}
	}
	return matched, false
}

func matchesGroupItem(item *domain.RuleGroupItem, email *domain.EmailForLLM) bool {
	if strings.TrimSpace(item.Value) == "" {
		return false
	}
	switch item.Type {
	case domain.GroupItemFrom:
		return matchesText(item.Value, email.From)
	case domain.GroupItemSubject:
		return matchesText(item.Value, email.Subject)
	default:
		return false
	}
}
