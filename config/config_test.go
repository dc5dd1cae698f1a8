package config

import (
	"strings"
	"testing"
	"time"
)

const sample = `
database:
  driver: memory
video:
  avatar_id: Annie_expressive12_public
  voice_id: bef4755ca1f442359c2fe6420690c8f7
  caption: true
storage:
  bucket: videos-bucket
ledger:
  driver: memory
pipeline:
  poll_interval: 5s
  poll_budget: 2m
`

func TestParseAndDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	env := map[string]string{"HEYGEN_API_KEY": "k", "AWS_REGION": "ap-northeast-2"}
	cfg.applyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.Pipeline.PollInterval.Duration() != 5*time.Second {
		t.Errorf("poll interval: got %v", cfg.Pipeline.PollInterval.Duration())
	}
	if cfg.Pipeline.PollBudget.Duration() != 2*time.Minute {
		t.Errorf("poll budget: got %v", cfg.Pipeline.PollBudget.Duration())
	}
	if cfg.Pipeline.StaleAfter.Duration() != 30*time.Minute {
		t.Errorf("stale after default: got %v", cfg.Pipeline.StaleAfter.Duration())
	}
	if cfg.Video.APIKey != "k" {
		t.Errorf("api key from env: got %q", cfg.Video.APIKey)
	}
	if cfg.Storage.Region != "ap-northeast-2" || cfg.Ledger.Region != "ap-northeast-2" {
		t.Errorf("region: storage=%q ledger=%q", cfg.Storage.Region, cfg.Ledger.Region)
	}
	if cfg.Script.Mode != "template" || cfg.Script.MaxChars != 1500 {
		t.Errorf("script defaults: %+v", cfg.Script)
	}
	if !strings.Contains(cfg.Script.Template, "{{.Body}}") {
		t.Error("default template should reference the body")
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"DATABASE_URL", "HEYGEN_API_KEY", "S3_BUCKET_NAME", "RECEIPTS_TABLE"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err, want)
		}
	}
}

func TestValidatePollIntervalWithinBudget(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Video.APIKey = "k"
	cfg.Pipeline.PollInterval = Duration(5 * time.Minute)
	cfg.applyDefaults()
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "poll_interval") {
		t.Fatalf("expected poll interval problem, got %v", err)
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("pipeline:\n  poll_budget: soon\n"))
	if err == nil {
		t.Fatal("expected error for bad duration")
	}
}
