package swim

import (
	"encoding/json"
	"fmt"
)

// Config holds the SWIM backend's tunable parameters, all optional with the
// defaults below.
type Config struct {
	ProtocolPeriodMs   float64 `json:"protocol_period_ms"`
	PingTimeoutMs      float64 `json:"ping_timeout_ms"`
	PingReqTimeoutMs   float64 `json:"ping_req_timeout_ms"`
	PingReqMembers     int     `json:"ping_req_members"`
	SuspicionTimeoutMs float64 `json:"suspicion_timeout_ms"`
}

// DefaultConfig returns the SWIM backend's documented defaults.
func DefaultConfig() Config {
	return Config{
		ProtocolPeriodMs:   1000,
		PingTimeoutMs:      200,
		PingReqTimeoutMs:   500,
		PingReqMembers:     3,
		SuspicionTimeoutMs: 5000,
	}
}

// parseConfig fills in defaults for any field absent from raw, and
// validates the result.
func parseConfig(raw json.RawMessage) (Config, error) {
	cfg := DefaultConfig()
	if len(raw) == 0 {
		return cfg, nil
	}

	var partial struct {
		ProtocolPeriodMs   *float64 `json:"protocol_period_ms"`
		PingTimeoutMs      *float64 `json:"ping_timeout_ms"`
		PingReqTimeoutMs   *float64 `json:"ping_req_timeout_ms"`
		PingReqMembers     *int     `json:"ping_req_members"`
		SuspicionTimeoutMs *float64 `json:"suspicion_timeout_ms"`
	}
	if err := json.Unmarshal(raw, &partial); err != nil {
		return Config{}, fmt.Errorf("swim: invalid configuration: %w", err)
	}

	if partial.ProtocolPeriodMs != nil {
		cfg.ProtocolPeriodMs = *partial.ProtocolPeriodMs
	}
	if partial.PingTimeoutMs != nil {
		cfg.PingTimeoutMs = *partial.PingTimeoutMs
	}
	if partial.PingReqTimeoutMs != nil {
		cfg.PingReqTimeoutMs = *partial.PingReqTimeoutMs
	}
	if partial.PingReqMembers != nil {
		cfg.PingReqMembers = *partial.PingReqMembers
	}
	if partial.SuspicionTimeoutMs != nil {
		cfg.SuspicionTimeoutMs = *partial.SuspicionTimeoutMs
	}

	if cfg.PingReqMembers < 1 {
		return Config{}, fmt.Errorf("swim: ping_req_members must be >= 1")
	}
	if cfg.ProtocolPeriodMs <= 0 || cfg.PingTimeoutMs <= 0 ||
		cfg.PingReqTimeoutMs <= 0 || cfg.SuspicionTimeoutMs <= 0 {
		return Config{}, fmt.Errorf("swim: all duration options must be > 0")
	}

	return cfg, nil
}
