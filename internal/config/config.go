package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config models issuedesk.yml.
type Config struct {
	Tracker   TrackerConfig   `yaml:"tracker" json:"tracker"`
	Index     IndexConfig     `yaml:"index" json:"index"`
	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`
	LLM       LLMConfig       `yaml:"llm" json:"llm"`
	Dialogue  DialogueConfig  `yaml:"dialogue" json:"dialogue"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Log       LogConfig       `yaml:"log" json:"log"`
}

type TrackerConfig struct {
	Kind     string        `yaml:"kind" json:"kind"`
	BaseURL  string        `yaml:"base_url" json:"base_url,omitempty"`
	Email    string        `yaml:"email" json:"email,omitempty"`
	APIToken string        `yaml:"api_token" json:"-"`
	Projects []ProjectSeed `yaml:"projects" json:"projects,omitempty"`
}

// ProjectSeed is a project the local tracker creates on first use.
type ProjectSeed struct {
	Key        string   `yaml:"key" json:"key"`
	Name       string   `yaml:"name" json:"name,omitempty"`
	IssueTypes []string `yaml:"issue_types" json:"issue_types,omitempty"`
}

type IndexConfig struct {
	SyncOnStart     bool `yaml:"sync_on_start" json:"sync_on_start"`
	CandidateLimit  int  `yaml:"candidate_limit" json:"candidate_limit"`
	SyncConcurrency int  `yaml:"sync_concurrency" json:"sync_concurrency"`
}

type EmbeddingConfig struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model,omitempty"`
	BaseURL  string `yaml:"base_url" json:"base_url,omitempty"`
	APIKey   string `yaml:"api_key" json:"-"`
	Dims     int    `yaml:"dims" json:"dims"`
}

type LLMConfig struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model,omitempty"`
	BaseURL  string `yaml:"base_url" json:"base_url,omitempty"`
	APIKey   string `yaml:"api_key" json:"-"`
}

type DialogueConfig struct {
	Classifier      string        `yaml:"classifier" json:"classifier"`
	Strict          bool          `yaml:"strict" json:"strict"`
	SessionTTL      time.Duration `yaml:"session_ttl" json:"session_ttl"`
	SessionCapacity int           `yaml:"session_capacity" json:"session_capacity"`
	Actor           string        `yaml:"actor" json:"actor"`
}

type ServerConfig struct {
	Addr          string `yaml:"addr" json:"addr"`
	BasePath      string `yaml:"base_path" json:"base_path"`
	JWTSecret     string `yaml:"jwt_secret" json:"-"`
	WebhookSecret string `yaml:"webhook_secret" json:"-"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

var (
	projectKeyRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,9}$`)
	logLevels    = []string{"debug", "info", "warn", "error"}
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with idesk config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Tracker.Kind {
	case "local":
	case "rest":
		if c.Tracker.BaseURL == "" {
			return fmt.Errorf("config.tracker.base_url is required for the rest tracker")
		}
		if c.Tracker.APIToken == "" {
			return fmt.Errorf("config.tracker.api_token is required for the rest tracker")
		}
	default:
		return fmt.Errorf("config.tracker.kind must be 'local' or 'rest'")
	}
	seen := map[string]bool{}
	for i, p := range c.Tracker.Projects {
		key := strings.ToUpper(strings.TrimSpace(p.Key))
		if !projectKeyRe.MatchString(key) {
			return fmt.Errorf("config.tracker.projects[%d].key %q must be 1-10 uppercase letters, digits or underscores", i, p.Key)
		}
		if seen[key] {
			return fmt.Errorf("config.tracker.projects has duplicate key %s", key)
		}
		seen[key] = true
	}
	if c.Index.CandidateLimit < 0 || c.Index.SyncConcurrency < 0 {
		return fmt.Errorf("config.index limits must not be negative")
	}
	switch c.Embedding.Provider {
	case "", "hashing", "openai", "ollama", "genai":
	default:
		return fmt.Errorf("config.embedding.provider %q is not one of hashing, openai, ollama, genai", c.Embedding.Provider)
	}
	if c.Embedding.Dims < 0 {
		return fmt.Errorf("config.embedding.dims must not be negative")
	}
	switch c.LLM.Provider {
	case "", "none", "genai", "openai":
	default:
		return fmt.Errorf("config.llm.provider %q is not one of none, genai, openai", c.LLM.Provider)
	}
	switch c.Dialogue.Classifier {
	case "", "rules":
	case "llm":
		if !c.LLMEnabled() {
			return fmt.Errorf("config.dialogue.classifier 'llm' requires config.llm.provider")
		}
	default:
		return fmt.Errorf("config.dialogue.classifier must be 'rules' or 'llm'")
	}
	if c.Dialogue.SessionTTL < 0 || c.Dialogue.SessionCapacity < 0 {
		return fmt.Errorf("config.dialogue session limits must not be negative")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Log.Level != "" && !contains(logLevels, strings.ToLower(c.Log.Level)) {
		return fmt.Errorf("config.log.level must be one of %s", strings.Join(logLevels, ", "))
	}
	if f := strings.ToLower(c.Log.Format); f != "" && f != "json" && f != "console" {
		return fmt.Errorf("config.log.format must be 'json' or 'console'")
	}
	return nil
}

// LLMEnabled reports whether a language model provider is configured.
func (c *Config) LLMEnabled() bool {
	return c.LLM.Provider != "" && c.LLM.Provider != "none"
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "issuedesk.yml")
}

// GenerateDefault returns default config YAML. A non-empty projectKey seeds
// one local project.
func GenerateDefault(projectKey string) string {
	block := "  projects: []\n"
	if key := strings.ToUpper(strings.TrimSpace(projectKey)); key != "" {
		block = fmt.Sprintf("  projects:\n    - key: %s\n      name: %s\n      issue_types: [작업, 버그, 스토리, 에픽]\n", key, key)
	}
	return fmt.Sprintf(defaultTemplate, block)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(""))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from the document keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ApplyOverrides copies every key set in v (flags or ISSUEDESK_* environment
// variables) over the file values and validates the result.
func ApplyOverrides(c *Config, v *viper.Viper) error {
	strs := map[string]*string{
		"tracker.kind":          &c.Tracker.Kind,
		"tracker.base_url":      &c.Tracker.BaseURL,
		"tracker.email":         &c.Tracker.Email,
		"tracker.api_token":     &c.Tracker.APIToken,
		"embedding.provider":    &c.Embedding.Provider,
		"embedding.model":       &c.Embedding.Model,
		"embedding.base_url":    &c.Embedding.BaseURL,
		"embedding.api_key":     &c.Embedding.APIKey,
		"llm.provider":          &c.LLM.Provider,
		"llm.model":             &c.LLM.Model,
		"llm.base_url":          &c.LLM.BaseURL,
		"llm.api_key":           &c.LLM.APIKey,
		"dialogue.classifier":   &c.Dialogue.Classifier,
		"dialogue.actor":        &c.Dialogue.Actor,
		"server.addr":           &c.Server.Addr,
		"server.base_path":      &c.Server.BasePath,
		"server.jwt_secret":     &c.Server.JWTSecret,
		"server.webhook_secret": &c.Server.WebhookSecret,
		"log.level":             &c.Log.Level,
		"log.format":            &c.Log.Format,
	}
	for key, dst := range strs {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	bools := map[string]*bool{
		"dialogue.strict":     &c.Dialogue.Strict,
		"index.sync_on_start": &c.Index.SyncOnStart,
	}
	for key, dst := range bools {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}
	if v.IsSet("dialogue.session_ttl") {
		c.Dialogue.SessionTTL = v.GetDuration("dialogue.session_ttl")
	}
	if v.IsSet("embedding.dims") {
		c.Embedding.Dims = v.GetInt("embedding.dims")
	}
	return c.Validate()
}

func contains(items []string, v string) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}

const defaultTemplate = `tracker:
  # local keeps issues in the workspace database; rest talks to a Jira style API
  kind: local
  base_url: ""
  email: ""
  api_token: ""
%s
index:
  sync_on_start: true
  candidate_limit: 10
  sync_concurrency: 4

embedding:
  # hashing | openai | ollama | genai
  provider: hashing
  model: ""
  base_url: ""
  api_key: ""
  dims: 256

llm:
  # none | genai | openai
  provider: none
  model: ""
  base_url: ""
  api_key: ""

dialogue:
  # rules | llm
  classifier: rules
  strict: false
  session_ttl: 30m
  session_capacity: 1024
  actor: issuedesk

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""
  webhook_secret: ""

log:
  level: info
  format: console
`
