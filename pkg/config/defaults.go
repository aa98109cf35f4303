package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "24h"
// or plain integers (seconds).
type Duration time.Duration

// Std returns the standard time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var seconds int64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

// Service-level defaults.
const (
	DefaultWorkerPoolSize   = 10
	DefaultSubscriberBuffer = 1024
	DefaultEventLogTTL      = 24 * time.Hour
	DefaultMaxIterations    = 10
	DefaultTemperature      = 0.7
	DefaultMaxTokens        = 4096
	DefaultTopP             = 0.9
)

// Settings holds process-wide configuration resolved from crewd.yaml plus
// the environment. Credential material is env-only and never appears in YAML.
type Settings struct {
	HTTPPort         string   `yaml:"http_port"`
	WorkerPoolSize   int      `yaml:"worker_pool_size"`
	SubscriberBuffer int      `yaml:"subscriber_buffer"`
	EventLogTTL      Duration `yaml:"event_log_ttl"`
	MaxIterations    int      `yaml:"max_iterations"`

	RedisAddr   string `yaml:"redis_addr"`
	PostgresDSN string `yaml:"postgres_dsn"`

	LLM LLMSettings `yaml:"llm"`
}

// LLMSettings configures the LLM provider connection.
//
// CredentialMode selects exactly one of the three supported credential
// sources per process: "api_key" (static bearer token), "static" (access
// key pair) or "ambient" (instance/default chain).
type LLMSettings struct {
	DefaultModelID string `yaml:"default_model_id"`
	Region         string `yaml:"region"`
	CredentialMode string `yaml:"credential_mode"`
}

// Credential modes.
const (
	CredentialModeAPIKey  = "api_key"
	CredentialModeStatic  = "static"
	CredentialModeAmbient = "ambient"
)

// ApplyDefaults fills zero-valued settings.
func (s *Settings) ApplyDefaults() {
	if s.HTTPPort == "" {
		s.HTTPPort = "8080"
	}
	if s.WorkerPoolSize <= 0 {
		s.WorkerPoolSize = DefaultWorkerPoolSize
	}
	if s.SubscriberBuffer <= 0 {
		s.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if s.EventLogTTL <= 0 {
		s.EventLogTTL = Duration(DefaultEventLogTTL)
	}
	if s.MaxIterations <= 0 {
		s.MaxIterations = DefaultMaxIterations
	}
	if s.LLM.CredentialMode == "" {
		s.LLM.CredentialMode = CredentialModeAmbient
	}
}

// ApplyLLMDefaults fills zero-valued inference parameters from the service
// defaults. The default model comes from Settings.LLM.
func ApplyLLMDefaults(p LLMParams, defaultModelID string) LLMParams {
	if p.ModelID == "" {
		p.ModelID = defaultModelID
	}
	if p.Temperature == 0 {
		p.Temperature = DefaultTemperature
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = DefaultMaxTokens
	}
	if p.TopP == 0 {
		p.TopP = DefaultTopP
	}
	return p
}
