package cmd

import (
	"fmt"
	"io"
	"os"

	"inbox_worker/core/domain"

	"github.com/goccy/go-json"
)

func loadRules(path string) ([]*domain.Rule, error) {
	if path == "" {
		return nil, fmt.Errorf("--rules required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}

	var rules []*domain.Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules %s: %w", path, err)
	}
	for i, r := range rules {
		if r.ID == "" {
			r.ID = fmt.Sprintf("rule-%d", i+1)
		}
		if r.Position == 0 {
			r.Position = i
		}
	}
	return rules, nil
}

func loadMessage(path string) (*domain.ParsedMessage, error) {
	if path == "" {
		return nil, fmt.Errorf("--email required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read email: %w", err)
	}

	var msg domain.ParsedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse email %s: %w", path, err)
	}
	return &msg, nil
}

func findRule(rules []*domain.Rule, name string) *domain.Rule {
	for _, r := range rules {
		if r.Name == name {
			return r
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
