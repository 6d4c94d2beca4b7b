// Package config loads the coralgate YAML configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BootstrapUser is created at startup when absent.
type BootstrapUser struct {
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Roles    []string `yaml:"roles"`
}

// File is the on-disk configuration. Zero values defer to the gateway
// defaults; flags may override individual fields.
type File struct {
	Listen        string `yaml:"listen"`
	Path          string `yaml:"path"`
	MetricsListen string `yaml:"metricsListen"`

	RequireAuth        bool     `yaml:"requireAuth"`
	ExposeErrorDetails bool     `yaml:"exposeErrorDetails"`
	AllowedOrigins     []string `yaml:"allowedOrigins"`
	AllowNoOrigin      *bool    `yaml:"allowNoOrigin"`

	Heartbeat struct {
		IntervalMS int64 `yaml:"intervalMs"`
		TimeoutMS  int64 `yaml:"timeoutMs"`
	} `yaml:"heartbeat"`

	Backpressure struct {
		MaxBufferedBytes int64   `yaml:"maxBufferedBytes"`
		HighWaterMark    float64 `yaml:"highWaterMark"`
	} `yaml:"backpressure"`

	MaxSubscriptionsPerConnection int   `yaml:"maxSubscriptionsPerConnection"`
	ReadLimit                     int64 `yaml:"readLimit"`
	ShutdownGraceMS               int64 `yaml:"shutdownGraceMs"`

	RateLimit struct {
		MaxRequests int   `yaml:"maxRequests"`
		WindowMS    int64 `yaml:"windowMs"`
	} `yaml:"rateLimit"`

	Identity struct {
		TokenSecret      string          `yaml:"tokenSecret"`
		SuperadminSecret string          `yaml:"superadminSecret"`
		SessionTTLMS     int64           `yaml:"sessionTtlMs"`
		Bootstrap        []BootstrapUser `yaml:"bootstrap"`
	} `yaml:"identity"`

	Permissions struct {
		Enabled      bool `yaml:"enabled"`
		DefaultAllow bool `yaml:"defaultAllow"`
	} `yaml:"permissions"`

	Rules struct {
		Disabled bool `yaml:"disabled"`
	} `yaml:"rules"`

	Audit struct {
		Capacity int `yaml:"capacity"`
	} `yaml:"audit"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
}

// Default returns the baseline file config.
func Default() File {
	var f File
	f.Listen = ":8080"
	f.Path = "/ws"
	return f
}

// Load reads and parses a YAML config file. An empty path returns the
// defaults.
func Load(path string) (File, error) {
	f := Default()
	if path == "" {
		return f, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("parse config: %w", err)
	}
	if f.Listen == "" {
		f.Listen = ":8080"
	}
	if f.Path == "" {
		f.Path = "/ws"
	}
	return f, nil
}
