package config

import (
	"os"
	"testing"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	os.Setenv("HTTP_ADDRESS", "")
	os.Setenv("FLOW_PATH", "")
	os.Setenv("CEREBRAS_MODEL_ID", "")
	os.Setenv("INTERVIEW_MINUTES", "")
	cfg := Load()
	if cfg.HTTPAddress == "" {
		t.Fatalf("expected default http address")
	}
	if cfg.FlowPath == "" {
		t.Fatalf("expected default flow path")
	}
	if cfg.CerebrasModelID == "" {
		t.Fatalf("expected default cerebras model id")
	}
	if cfg.InterviewMinutes != 30 {
		t.Fatalf("expected default interview minutes, got %d", cfg.InterviewMinutes)
	}
}

func TestLoad_InterviewMinutes(t *testing.T) {
	os.Setenv("INTERVIEW_MINUTES", "45")
	defer os.Unsetenv("INTERVIEW_MINUTES")
	if got := Load().InterviewMinutes; got != 45 {
		t.Fatalf("expected 45 minutes, got %d", got)
	}

	os.Setenv("INTERVIEW_MINUTES", "not-a-number")
	if got := Load().InterviewMinutes; got != 30 {
		t.Fatalf("expected fallback to 30 minutes, got %d", got)
	}
}
