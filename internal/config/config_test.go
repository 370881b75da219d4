package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Tracker.Kind != "local" || cfg.Dialogue.Classifier != "rules" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Dialogue.SessionTTL != 30*time.Minute {
		t.Fatalf("expected 30m session ttl, got %s", cfg.Dialogue.SessionTTL)
	}
	if len(cfg.Tracker.Projects) != 0 {
		t.Fatalf("default config should not seed projects: %+v", cfg.Tracker.Projects)
	}
}

func TestGenerateDefaultSeedsProject(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("kan")))
	if err != nil {
		t.Fatalf("parse generated config: %v", err)
	}
	if len(cfg.Tracker.Projects) != 1 || cfg.Tracker.Projects[0].Key != "KAN" {
		t.Fatalf("expected KAN seed, got %+v", cfg.Tracker.Projects)
	}
	if len(cfg.Tracker.Projects[0].IssueTypes) != 4 {
		t.Fatalf("expected four issue types, got %v", cfg.Tracker.Projects[0].IssueTypes)
	}
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("llm:\n  provider: openai\n  model: gpt-4o-mini\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.LLM.Provider != "openai" || cfg.Tracker.Kind != "local" || cfg.Index.CandidateLimit != 10 {
		t.Fatalf("unexpected merge: %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"tracker:\n  kind: ftp\n":                               "tracker.kind",
		"tracker:\n  kind: rest\n  base_url: http://x\n":        "api_token",
		"tracker:\n  projects:\n    - key: bad-key\n":           "projects[0]",
		"tracker:\n  projects:\n    - key: KAN\n    - key: kan\n": "duplicate",
		"dialogue:\n  classifier: llm\n":                        "requires config.llm.provider",
		"embedding:\n  provider: word2vec\n":                    "embedding.provider",
		"log:\n  level: loud\n":                                 "log.level",
		"server:\n  base_path: v0\n":                            "base_path",
	}
	for doc, want := range cases {
		_, err := FromYAML([]byte(doc))
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("%q: expected error containing %q, got %v", doc, want, err)
		}
	}
}

func TestLoadOptionalAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config for missing file, got %+v %v", cfg, err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected error for missing config")
	}
	if err := os.WriteFile(Path(dir), []byte(GenerateDefault("HIN")), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tracker.Projects[0].Key != "HIN" {
		t.Fatalf("unexpected projects: %+v", cfg.Tracker.Projects)
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	v := viper.New()
	v.Set("llm.provider", "genai")
	v.Set("llm.api_key", "secret")
	v.Set("dialogue.classifier", "llm")
	v.Set("dialogue.strict", true)
	v.Set("dialogue.session_ttl", "5m")
	if err := ApplyOverrides(cfg, v); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.LLM.Provider != "genai" || cfg.LLM.APIKey != "secret" || cfg.Dialogue.Classifier != "llm" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if !cfg.Dialogue.Strict || cfg.Dialogue.SessionTTL != 5*time.Minute {
		t.Fatalf("typed overrides not applied: %+v", cfg.Dialogue)
	}
	if cfg.Server.Addr != "127.0.0.1:8080" {
		t.Fatalf("unset keys must keep file values, got %s", cfg.Server.Addr)
	}

	bad := viper.New()
	bad.Set("tracker.kind", "ftp")
	if err := ApplyOverrides(Default(), bad); err == nil {
		t.Fatalf("expected validation error after override")
	}
}

func TestApplyOverridesFromEnvironment(t *testing.T) {
	t.Setenv("ISSUEDESK_LOG_LEVEL", "debug")
	v := viper.New()
	v.SetEnvPrefix("ISSUEDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	cfg := Default()
	if err := ApplyOverrides(cfg, v); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected env override, got %q", cfg.Log.Level)
	}
}
