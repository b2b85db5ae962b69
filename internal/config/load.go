package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. SHADOWTAP_LISTEN_ADDR.
const EnvPrefix = "SHADOWTAP"

// Load reads the YAML file at path, applies defaults and environment
// overrides, and validates the result.
//
// The loading sequence is:
//  1. .env in the working directory, if present
//  2. YAML from path
//  3. default values
//  4. SHADOWTAP_* environment overrides
//  5. defaults again, for fields an override made relevant (rate limit burst)
//  6. validation
func Load(path string) (*Config, error) {
	// A missing .env is the normal case.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
