package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Bootstrap names one of the supported ways of populating a provider's
// initial view. Only BootstrapSelf and BootstrapFile are implemented; the
// others are accepted at the config level but rejected when the provider
// actually starts.
type Bootstrap string

const (
	BootstrapSelf Bootstrap = "self"
	BootstrapView Bootstrap = "view"
	BootstrapJoin Bootstrap = "join"
	BootstrapFile Bootstrap = "file"
	BootstrapMPI  Bootstrap = "mpi"
)

// Config represents the flock agent configuration.
type Config struct {
	// Node configuration
	Node NodeConfig `yaml:"node"`

	// Network configuration
	Network NetworkConfig `yaml:"network"`

	// Group configuration: which backend to run and how to bootstrap it
	Group GroupConfig `yaml:"group"`
}

// NodeConfig contains node-specific configuration.
type NodeConfig struct {
	// ID is the unique identifier for this node
	ID string `yaml:"id"`

	// Tags are arbitrary tags for this node
	Tags []string `yaml:"tags"`

	// DataDir is the directory for storing data
	DataDir string `yaml:"data_dir"`
}

// NetworkConfig contains network configuration.
type NetworkConfig struct {
	// ListenAddr is the address to listen on
	ListenAddr string `yaml:"listen_addr"`

	// PublicAddr is the public address for this node
	PublicAddr string `yaml:"public_addr"`

	// ProviderID disambiguates multiple providers sharing one transport endpoint
	ProviderID uint16 `yaml:"provider_id"`
}

// GroupConfig mirrors the provider configuration JSON schema: a backend
// name plus its opaque config, and how to populate the initial view.
type GroupConfig struct {
	Type      string          `yaml:"type" json:"type"`
	Config    json.RawMessage `yaml:"config" json:"config"`
	Bootstrap Bootstrap       `yaml:"bootstrap" json:"bootstrap"`
	File      string          `yaml:"file" json:"file,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "/tmp"
	}

	dataDir := filepath.Join(homeDir, ".flock")

	return &Config{
		Node: NodeConfig{
			ID:      "node-1",
			Tags:    []string{},
			DataDir: dataDir,
		},
		Network: NetworkConfig{
			ListenAddr: "0.0.0.0:4400",
			PublicAddr: "127.0.0.1:4400",
			ProviderID: 1,
		},
		Group: GroupConfig{
			Type:      "swim",
			Config:    json.RawMessage(`{}`),
			Bootstrap: BootstrapSelf,
		},
	}
}

// LoadConfig loads configuration from a file, returning the default
// configuration if the file does not exist.
func LoadConfig(filename string) (*Config, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return config, nil
}

// SaveConfig saves configuration to a file.
func (c *Config) SaveConfig(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
