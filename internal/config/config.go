// Package config loads server and client configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the relay server configuration.
type Config struct {
	Service struct {
		Name        string `yaml:"name"`
		Environment string `yaml:"environment"`
	} `yaml:"service"`

	HTTP HTTPConfig `yaml:"http"`
	Log  LogConfig  `yaml:"log"`
	ICE  ICEConfig  `yaml:"ice"`
}

// HTTPConfig configures the relay's HTTP listener.
type HTTPConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ICEConfig configures what /turn-credentials hands out. TURN entries are
// included only when URLs and credentials are all present.
type ICEConfig struct {
	STUNURLs       []string      `yaml:"stun_urls"`
	TURNURLs       []string      `yaml:"turn_urls"`
	TURNUsername   string        `yaml:"turn_username"`
	TURNCredential string        `yaml:"turn_credential"`
	CredentialTTL  time.Duration `yaml:"credential_ttl"`
}

// Load reads server configuration from an optional YAML file, then
// applies environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Address:         ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		ICE: ICEConfig{
			STUNURLs: []string{
				"stun:stun.cloudflare.com:3478",
				"stun:stun.l.google.com:19302",
			},
			CredentialTTL: 5 * time.Minute,
		},
	}
	cfg.Service.Name = "battleship-relay"
	cfg.Service.Environment = "development"

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)
	return cfg, nil
}

func applyEnvironmentOverrides(cfg *Config) {
	if addr := os.Getenv("HTTP_ADDRESS"); addr != "" {
		cfg.HTTP.Address = addr
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		cfg.Service.Environment = env
	}
	if extra := os.Getenv("EXTRA_STUNS"); extra != "" {
		cfg.ICE.STUNURLs = append(cfg.ICE.STUNURLs, splitList(extra)...)
	}
	if urls := os.Getenv("TURN_URLS"); urls != "" {
		cfg.ICE.TURNURLs = splitList(urls)
	}
	if user := os.Getenv("TURN_USERNAME"); user != "" {
		cfg.ICE.TURNUsername = user
	}
	if cred := os.Getenv("TURN_CREDENTIAL"); cred != "" {
		cfg.ICE.TURNCredential = cred
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
