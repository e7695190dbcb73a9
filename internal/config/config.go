package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Broker BrokerConfig `yaml:"broker"`
	GM     GMConfig     `yaml:"gm"`
	Assets AssetsConfig `yaml:"assets"`
}

type ServerConfig struct {
	Host string `yaml:"host" env:"ARENA_HOST"`
	Port int    `yaml:"port" env:"ARENA_PORT"`
}

type BrokerConfig struct {
	// Addr is the Redis host:port the relay subscribes and publishes on.
	Addr string `yaml:"addr" env:"ARENA_BROKER_ADDR"`
	// Namespace roots every subject, e.g. "arena" for arena.<session>.<suffix>.
	Namespace string `yaml:"namespace" env:"ARENA_NAMESPACE"`
}

type GMConfig struct {
	BaseURL        string        `yaml:"base_url" env:"ARENA_GM_URL"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type AssetsConfig struct {
	// SkinsDir holds the agent skin PNGs used for payload enrichment.
	SkinsDir string `yaml:"skins_dir" env:"ARENA_SKINS_DIR"`
}

// Load reads the YAML file at path over coded defaults, then applies
// environment overrides. A missing file is an error; pass "" to run on
// defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Broker: BrokerConfig{
			Addr:      "localhost:6379",
			Namespace: "arena",
		},
		GM: GMConfig{
			BaseURL:        "http://localhost:8001",
			ConnectTimeout: 10 * time.Second,
		},
		Assets: AssetsConfig{
			SkinsDir: "public/agent-skins",
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("applying env overrides: %w", err)
	}

	return cfg, nil
}
