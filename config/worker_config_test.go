package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("EMAIL_MAX_LENGTH", "")
	t.Setenv("LLM_MODEL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.EmailMaxLength != 2000 {
		t.Errorf("expected email max length 2000, got %d", cfg.EmailMaxLength)
	}
	if cfg.LLMModel != "gpt-4o-mini" {
		t.Errorf("expected default model, got %q", cfg.LLMModel)
	}
	if cfg.LLMTimeout() != 60*time.Second {
		t.Errorf("expected 60s timeout, got %s", cfg.LLMTimeout())
	}
	if cfg.WorkerID == "" {
		t.Error("expected generated worker id")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("EMAIL_MAX_LENGTH", "500")
	t.Setenv("LLM_TEMPERATURE", "0.2")
	t.Setenv("MESSAGE_TTL_DAYS", "7")
	t.Setenv("WORKER_COUNT", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.EmailMaxLength != 500 {
		t.Errorf("expected 500, got %d", cfg.EmailMaxLength)
	}
	if cfg.LLMTemperature != 0.2 {
		t.Errorf("expected 0.2, got %v", cfg.LLMTemperature)
	}
	if cfg.MessageTTL != 7*24*time.Hour {
		t.Errorf("expected 7 days, got %s", cfg.MessageTTL)
	}
	if cfg.WorkerCount != 8 {
		t.Errorf("expected unparsable value to fall back to 8, got %d", cfg.WorkerCount)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "zero email length", mutate: func(c *Config) { c.EmailMaxLength = 0 }, wantErr: "EMAIL_MAX_LENGTH"},
		{name: "no workers", mutate: func(c *Config) { c.WorkerCount = 0 }, wantErr: "WORKER_COUNT"},
		{name: "temperature", mutate: func(c *Config) { c.LLMTemperature = 3 }, wantErr: "LLM_TEMPERATURE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{EmailMaxLength: 2000, WorkerCount: 1}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
}
