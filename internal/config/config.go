// Package config loads and saves the Omesh node configuration.
//
// Config is stored at $XDG_CONFIG_HOME/omesh/node.yaml (defaults to
// ~/.config/omesh/node.yaml). It carries the node-level mesh settings
// (network name, transport set, relay behavior) alongside the settings
// the core itself needs to start (listen port, index directory,
// replication factor, seed peers).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the node's on-disk configuration.
type Config struct {
	NetworkName    string   `yaml:"network_name"`
	Transports     []string `yaml:"transports"`
	RelayForOthers bool     `yaml:"relay_for_others"`

	ListenPort        int      `yaml:"listen_port"`
	IndexDir          string   `yaml:"index_dir"`
	ReplicationFactor int      `yaml:"replication_factor"`
	SeedPeers         []string `yaml:"seed_peers,omitempty"`
}

// Default returns the built-in defaults used when no config file exists.
func Default() Config {
	return Config{
		NetworkName:       "default",
		Transports:        []string{"tcp", "udp"},
		RelayForOthers:    true,
		ListenPort:        7340,
		IndexDir:          filepath.Join(dataRoot(), "index"),
		ReplicationFactor: 2,
	}
}

func dataRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".local", "share", "omesh")
	}
	return filepath.Join(home, ".local", "share", "omesh")
}

// HasTransport reports whether name is present in the comma-separated-set
// stored as Transports.
func (c Config) HasTransport(name string) bool {
	for _, t := range c.Transports {
		if strings.EqualFold(strings.TrimSpace(t), name) {
			return true
		}
	}
	return false
}

// Path returns the config file location. It respects XDG_CONFIG_HOME,
// falling back to ~/.config/omesh/node.yaml.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "omesh", "node.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "omesh", "node.yaml")
}

// Load reads the config file. If the file does not exist, Default() is
// returned (not an error).
func Load() (Config, error) {
	data, err := os.ReadFile(Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("config: read: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}

// Save writes the config to disk, creating directories as needed.
func (c Config) Save() error {
	p := Path()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	return nil
}
