package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	editorctx "github.com/nidhogg/codeassist/internal/context"
	"github.com/nidhogg/codeassist/internal/prompt"
	"github.com/nidhogg/codeassist/internal/provider"
	"github.com/nidhogg/codeassist/internal/store"
	"github.com/nidhogg/codeassist/internal/trigger"
)

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server" toml:"server"`
	Providers  []ProviderConfig `json:"providers" toml:"providers"`
	Completion RoleConfig       `json:"completion" toml:"completion"`
	Chat       RoleConfig       `json:"chat" toml:"chat"`
	Context    editorctx.Config `json:"context" toml:"context"`
	Trigger    TriggerConfig    `json:"trigger" toml:"trigger"`
	History    HistoryConfig    `json:"history" toml:"history"`
	Retry      RetryConfig      `json:"retry" toml:"retry"`
	Archive    ArchiveConfig    `json:"archive" toml:"archive"`
	Languages  []string         `json:"languages,omitempty" toml:"languages"`
	Templates  []TemplateConfig `json:"templates,omitempty" toml:"templates"`
	// TemplateDir holds one subdirectory per template; inline Templates
	// with the same name win.
	TemplateDir string   `json:"template_dir,omitempty" toml:"template_dir"`
	// ProjectRoot holds .qodeassist/rules, appended to system prompts.
	ProjectRoot string   `json:"project_root,omitempty" toml:"project_root"`
	ModelCache  Duration `json:"model_cache_ttl" toml:"model_cache_ttl"`
}

type ServerConfig struct {
	Port     int    `json:"port" toml:"port"`
	LogLevel string `json:"log_level" toml:"log_level"`
}

// ProviderConfig is a named provider profile.
type ProviderConfig struct {
	Name                string            `json:"name" toml:"name"`
	Type                provider.ID       `json:"type" toml:"type"`
	Endpoint            string            `json:"endpoint" toml:"endpoint"`
	Model               string            `json:"model" toml:"model"`
	APIKey              string            `json:"api_key" toml:"api_key"`
	Stream              *bool             `json:"stream,omitempty" toml:"stream"`
	Sampling            provider.Sampling `json:"sampling" toml:"sampling"`
	ContextWindowTokens int               `json:"context_window_tokens,omitempty" toml:"context_window_tokens"`
	KeepAlive           Duration          `json:"keep_alive,omitempty" toml:"keep_alive"`
	ConnectTimeout      Duration          `json:"connect_timeout,omitempty" toml:"connect_timeout"`
	IdleTimeout         Duration          `json:"idle_timeout,omitempty" toml:"idle_timeout"`
	Headers             map[string]string `json:"headers,omitempty" toml:"headers"`
}

// RoleConfig binds a request kind to a provider profile and template.
type RoleConfig struct {
	Provider     string `json:"provider" toml:"provider"`
	Template     string `json:"template" toml:"template"`
	Instructions string `json:"instructions,omitempty" toml:"instructions"`
}

type TriggerConfig struct {
	Enabled        bool     `json:"enabled" toml:"enabled"`
	QuietInterval  Duration `json:"quiet_interval" toml:"quiet_interval"`
	CharThreshold  int      `json:"char_threshold" toml:"char_threshold"`
	TypingInterval Duration `json:"typing_interval" toml:"typing_interval"`
}

type HistoryConfig struct {
	TokenLimit      int      `json:"token_limit" toml:"token_limit"`
	ChangeCacheSize int      `json:"change_cache_size" toml:"change_cache_size"`
	ChangeTTL       Duration `json:"change_ttl" toml:"change_ttl"`
}

type RetryConfig struct {
	MaxAttempts int      `json:"max_attempts" toml:"max_attempts"`
	Backoff     Duration `json:"backoff" toml:"backoff"`
}

type ArchiveConfig struct {
	Type string   `json:"type" toml:"type"`
	Path string   `json:"path,omitempty" toml:"path"`
	DSN  string   `json:"dsn,omitempty" toml:"dsn"`
	URL  string   `json:"url,omitempty" toml:"url"`
	TTL  Duration `json:"ttl,omitempty" toml:"ttl"`
}

// TemplateConfig is a user template. In TOML the custom request body is
// given as a JSON string under "body_json".
type TemplateConfig struct {
	prompt.Template
	BodyJSON string `json:"body_json,omitempty" toml:"body_json"`
}

// Duration is a time.Duration written as "500ms" or "2m".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Default returns a configuration that runs against a local Ollama.
func Default() Config {
	tr := trigger.DefaultConfig()
	return Config{
		Server: ServerConfig{Port: 8321, LogLevel: "info"},
		Providers: []ProviderConfig{{
			Name:     "local",
			Type:     provider.Ollama,
			Endpoint: "http://localhost:11434",
			Model:    "qwen2.5-coder:7b",
		}},
		Completion: RoleConfig{Template: "ollama-fim"},
		Chat:       RoleConfig{Template: "chat"},
		Context:    editorctx.DefaultConfig(),
		Trigger: TriggerConfig{
			Enabled:        tr.Enabled,
			QuietInterval:  Duration(tr.QuietInterval),
			CharThreshold:  tr.CharThreshold,
			TypingInterval: Duration(tr.TypingInterval),
		},
		History:    HistoryConfig{TokenLimit: 16000, ChangeCacheSize: 20},
		Retry:      RetryConfig{MaxAttempts: 3, Backoff: Duration(250 * time.Millisecond)},
		ModelCache: Duration(5 * time.Minute),
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

func expandEnv(data string) string {
	return envVarRe.ReplaceAllStringFunc(data, func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

// Load reads a JSON or TOML config file over Default and substitutes
// environment variable references. The format follows the extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	resolved := expandEnv(string(data))

	cfg := Default()
	// Profiles in the file replace the default one rather than merging by index.
	cfg.Providers = nil
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(resolved, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = Default().Providers
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks cross references between sections.
func (c *Config) Validate() error {
	var errs []error
	seen := map[string]bool{}
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: missing name", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		if !provider.Known(p.Type) {
			errs = append(errs, fmt.Errorf("provider %q: %w %q", p.Name, provider.ErrUnknownProvider, p.Type))
		}
	}
	for role, rc := range map[string]RoleConfig{"completion": c.Completion, "chat": c.Chat} {
		if rc.Provider != "" && !seen[rc.Provider] {
			errs = append(errs, fmt.Errorf("%s: unknown provider profile %q", role, rc.Provider))
		}
	}
	for i, t := range c.Templates {
		if t.BodyJSON != "" && !json.Valid([]byte(t.BodyJSON)) {
			errs = append(errs, fmt.Errorf("templates[%d]: body_json is not valid JSON", i))
		}
	}
	if _, err := c.LanguageTable(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Profile returns the provider profile with the given name. An empty name
// selects the first profile.
func (c *Config) Profile(name string) (ProviderConfig, bool) {
	if name == "" && len(c.Providers) > 0 {
		return c.Providers[0], true
	}
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Snapshot converts a profile into the config handed to adapters.
func (p ProviderConfig) Snapshot() provider.Config {
	stream := true
	if p.Stream != nil {
		stream = *p.Stream
	}
	return provider.Config{
		Name:                p.Name,
		ID:                  p.Type,
		Endpoint:            p.Endpoint,
		Model:               p.Model,
		APIKey:              p.APIKey,
		Stream:              stream,
		Sampling:            p.Sampling,
		ContextWindowTokens: p.ContextWindowTokens,
		KeepAlive:           p.KeepAlive.Std(),
		ConnectTimeout:      p.ConnectTimeout.Std(),
		IdleTimeout:         p.IdleTimeout.Std(),
		Headers:             p.Headers,
	}.Clone()
}

func (t TriggerConfig) SchedulerConfig() trigger.Config {
	return trigger.Config{
		Enabled:        t.Enabled,
		QuietInterval:  t.QuietInterval.Std(),
		CharThreshold:  t.CharThreshold,
		TypingInterval: t.TypingInterval.Std(),
	}
}

func (a ArchiveConfig) StoreOptions() store.Options {
	return store.Options{Type: a.Type, Path: a.Path, DSN: a.DSN, URL: a.URL, TTL: a.TTL.Std()}
}

// LanguageTable builds the language table with user lines applied last.
func (c *Config) LanguageTable() (*prompt.Languages, error) {
	extra, err := prompt.ParseLanguages(c.Languages)
	if err != nil {
		return nil, err
	}
	return prompt.NewLanguages(extra...), nil
}

// PromptTemplates returns the user templates ready for the catalog.
func (c *Config) PromptTemplates() []prompt.Template {
	out := make([]prompt.Template, 0, len(c.Templates))
	for _, tc := range c.Templates {
		t := tc.Template
		if tc.BodyJSON != "" {
			t.Body = json.RawMessage(tc.BodyJSON)
		}
		out = append(out, t)
	}
	return out
}
