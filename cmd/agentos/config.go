package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the YAML server configuration. API keys for the model providers
// come from the environment (OPENAI_API_KEY, ANTHROPIC_API_KEY), optionally
// via a .env file.
type Config struct {
	Addr   string `yaml:"addr"`
	APIKey string `yaml:"api_key"`

	Agents []AgentConfig `yaml:"agents"`
	Teams  []TeamConfig  `yaml:"teams"`
}

// AgentConfig declares one agent.
type AgentConfig struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	Instructions string `yaml:"instructions"`

	Provider string `yaml:"provider"` // openai (default) or anthropic
	Model    string `yaml:"model"`

	SkillsDir string `yaml:"skills_dir"`

	AddHistoryToContext bool `yaml:"add_history_to_context"`
	StoreEvents         bool `yaml:"store_events"`
	MaxIterations       int  `yaml:"max_iterations"`
}

// TeamConfig declares one team over previously declared agents.
type TeamConfig struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	Instructions string `yaml:"instructions"`

	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	Members     []string `yaml:"members"` // agent ids
	EnableTasks bool     `yaml:"enable_tasks"`
}

// LoadConfig reads and validates the YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Config{Addr: ":7777"}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if len(cfg.Agents) == 0 {
		return nil, fmt.Errorf("config %s declares no agents", path)
	}
	for i, a := range cfg.Agents {
		if a.Name == "" {
			return nil, fmt.Errorf("agents[%d]: name is required", i)
		}
	}
	for i, t := range cfg.Teams {
		if t.Name == "" {
			return nil, fmt.Errorf("teams[%d]: name is required", i)
		}
		if len(t.Members) == 0 {
			return nil, fmt.Errorf("teams[%d]: at least one member is required", i)
		}
	}

	return &cfg, nil
}
