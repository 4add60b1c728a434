package centralized

import (
	"encoding/json"
	"fmt"
)

// Config holds the centralized backend's tunable parameters.
type Config struct {
	PingIntervalMs     float64 `json:"ping_interval_ms"`
	PingTimeoutMs      float64 `json:"ping_timeout_ms"`
	PingMaxNumTimeouts int     `json:"ping_max_num_timeouts"`
}

// DefaultConfig returns the centralized backend's documented defaults.
func DefaultConfig() Config {
	return Config{
		PingIntervalMs:     1000,
		PingTimeoutMs:      200,
		PingMaxNumTimeouts: 3,
	}
}

func parseConfig(raw json.RawMessage) (Config, error) {
	cfg := DefaultConfig()
	if len(raw) == 0 {
		return cfg, nil
	}

	var partial struct {
		PingIntervalMs     *float64 `json:"ping_interval_ms"`
		PingTimeoutMs      *float64 `json:"ping_timeout_ms"`
		PingMaxNumTimeouts *int     `json:"ping_max_num_timeouts"`
	}
	if err := json.Unmarshal(raw, &partial); err != nil {
		return Config{}, fmt.Errorf("centralized: invalid configuration: %w", err)
	}

	if partial.PingIntervalMs != nil {
		cfg.PingIntervalMs = *partial.PingIntervalMs
	}
	if partial.PingTimeoutMs != nil {
		cfg.PingTimeoutMs = *partial.PingTimeoutMs
	}
	if partial.PingMaxNumTimeouts != nil {
		cfg.PingMaxNumTimeouts = *partial.PingMaxNumTimeouts
	}

	if cfg.PingIntervalMs <= 0 || cfg.PingTimeoutMs <= 0 {
		return Config{}, fmt.Errorf("centralized: all duration options must be > 0")
	}
	if cfg.PingMaxNumTimeouts < 1 {
		return Config{}, fmt.Errorf("centralized: ping_max_num_timeouts must be >= 1")
	}
	return cfg, nil
}
