package config

import "time"

// Config represents the complete parley configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	LLM      LLMConfig      `yaml:"llm"`
	Chat     ChatConfig     `yaml:"chat"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// DatabaseConfig defines SQLite storage settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Listen      string `yaml:"listen"`
	CSRFEnforce bool   `yaml:"csrf_enforce"`
	// StreamPadBytes is the size of the priming pad written before the first
	// stream event to push past proxy and browser buffering thresholds.
	StreamPadBytes int `yaml:"stream_pad_bytes"`
}

// LLMConfig defines the LLM provider settings.
type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url,omitempty"`
}

// ChatConfig defines turn execution behavior.
type ChatConfig struct {
	TurnTimeout  time.Duration `yaml:"turn_timeout"`
	TitleTimeout time.Duration `yaml:"title_timeout"`
}
