package config

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads a YAML configuration file and unmarshals it into the
// specified type.
func LoadConfig[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg T
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// LoadSocketConfig reads a socket YAML configuration file, applies defaults
// and validates it.
func LoadSocketConfig(path string) (*Socket, error) {
	logger := log.With().Str("com", "config-loader").Logger()

	cfg, err := LoadConfig[Socket](path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("socket configuration validation failed: %w", err)
	}

	logger.Info().
		Int("project_id", cfg.ProjectID).
		Str("inbound_var", cfg.InboundVar).
		Int("outbound_slots", len(cfg.OutboundVars)).
		Int("packet_size", cfg.PacketSize).
		Msg("loaded socket configuration")

	return cfg, nil
}
