package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models shipline.yml.
type Config struct {
	Project struct {
		Slug string `yaml:"slug"`
		Name string `yaml:"name"`
	} `yaml:"project"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Handoffs struct {
		// MirrorDir is where generated handoff documents are mirrored as
		// files. Empty disables mirroring.
		MirrorDir string `yaml:"mirror_dir"`
	} `yaml:"handoffs"`
	Knowledge struct {
		// SyncURL receives a best-effort POST after committed state changes.
		SyncURL        string `yaml:"sync_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"knowledge"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one downstream event consumer, typically the
// worker that runs an AI role when a kickoff event arrives.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

const fileName = "shipline.yml"

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// Default returns a minimal valid config.
func Default(slug string) *Config {
	cfg := &Config{}
	cfg.Project.Slug = slug
	cfg.Project.Name = slug
	cfg.Server.Addr = ":8080"
	cfg.Server.BasePath = "/v0"
	return cfg
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(""), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config document.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.BasePath == "" {
		cfg.Server.BasePath = "/v0"
	}
	return &cfg, cfg.Validate()
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("config.webhooks[%d].events contains empty event name", i)
			}
		}
	}
	if c.Knowledge.TimeoutSeconds < 0 {
		return fmt.Errorf("config.knowledge.timeout_seconds must be >= 0")
	}
	return nil
}
