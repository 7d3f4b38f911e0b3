// Package config loads the gateway configuration from YAML with environment
// variable expansion and overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/mtzanidakis/sminos/internal/oracle"
	"github.com/mtzanidakis/sminos/internal/swarm"
)

type Config struct {
	Oracle oracle.Config      `yaml:"oracle"`
	Store  StoreConfig        `yaml:"store"`
	Bus    BusConfig          `yaml:"bus"`
	Broker BrokerConfig       `yaml:"broker"`
	Swarms []swarm.Definition `yaml:"swarms"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type BusConfig struct {
	MaxHistory int `yaml:"max_history"`
}

type BrokerConfig struct {
	URL string `yaml:"url"`
}

func defaults() Config {
	return Config{
		Store: StoreConfig{
			Path: "data/sminos.db",
		},
		Bus: BusConfig{
			MaxHistory: 1000,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("SMINOS_CONFIG")
	if path == "" {
		path = "config/sminos.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	applyEnv(&cfg)

	for i := range cfg.Swarms {
		cfg.Swarms[i].Normalize()
		if err := cfg.Swarms[i].Validate(); err != nil {
			return nil, fmt.Errorf("swarm %q: %w", cfg.Swarms[i].ID, err)
		}
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Oracle.APIKey = v
	}
	if v := os.Getenv("SMINOS_ORACLE_MODEL"); v != "" {
		cfg.Oracle.Model = v
	}
	if v := os.Getenv("SMINOS_ORACLE_BASE_URL"); v != "" {
		cfg.Oracle.BaseURL = v
	}
	if v := os.Getenv("SMINOS_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SMINOS_BROKER_URL"); v != "" {
		cfg.Broker.URL = v
	}
	if v := os.Getenv("SMINOS_BUS_HISTORY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bus.MaxHistory = n
		}
	}
}
