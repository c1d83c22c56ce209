// Package config loads the YAML configuration for both the Monitor and the
// Hub binaries. Grounded on mrf-agent-racer/backend/internal/config.Config
// (yaml.v3 struct tags, Load/LoadOrDefault/defaultConfig trio, an XDG-aware
// default path helper, a Diff that reports only the safe-to-reload subset)
// adapted from a single-process dashboard config to the Monitor/Hub split.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// MonitorConfig is the Monitor binary's configuration, per spec §6.
type MonitorConfig struct {
	ServerURL         string   `yaml:"server_url"`
	SourceID          string   `yaml:"source_id"`
	KeyPath           string   `yaml:"key_path"`
	PrivateKeyB64     string   `yaml:"private_key_b64"`
	WatchRoot         string   `yaml:"watch_root"`
	BufferSize        int      `yaml:"buffer_size"`
	BasenameAllowlist []string `yaml:"basename_allowlist"`
}

// HubConfig is the Hub binary's configuration, per spec §6.
type HubConfig struct {
	Listen            string            `yaml:"listen"`
	PublisherKeys     map[string]string `yaml:"publisher_keys"`
	PublisherKeysURL  string            `yaml:"publisher_keys_url"`
	SubscriberToken   string            `yaml:"subscriber_token"`
	UnsafeNoAuth      bool              `yaml:"unsafe_no_auth"`
	PerSourceRate     float64           `yaml:"per_source_rate"`
	PerSourceBurst    int               `yaml:"per_source_burst"`
	GlobalRate        float64           `yaml:"global_rate"`
	GlobalBurst       int               `yaml:"global_burst"`
	SubscriberMailbox int               `yaml:"subscriber_mailbox"`
	DropThreshold     int               `yaml:"drop_threshold"`
}

// Config is the union loaded from one YAML file; a process reads only the
// section relevant to its binary.
type Config struct {
	Monitor MonitorConfig `yaml:"monitor"`
	Hub     HubConfig     `yaml:"hub"`
}

// LoadMonitor reads a YAML file and returns its Monitor section merged onto
// defaults, or pure defaults if path does not exist.
func LoadMonitor(path string) (MonitorConfig, error) {
	cfg := Config{Monitor: defaultMonitorConfig()}
	if err := loadOrDefault(path, &cfg); err != nil {
		return MonitorConfig{}, err
	}
	return cfg.Monitor, nil
}

// LoadHub reads a YAML file and returns its Hub section merged onto
// defaults, or pure defaults if path does not exist.
func LoadHub(path string) (HubConfig, error) {
	cfg := Config{Hub: defaultHubConfig()}
	if err := loadOrDefault(path, &cfg); err != nil {
		return HubConfig{}, err
	}
	return cfg.Hub, nil
}

func loadOrDefault(path string, cfg *Config) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func defaultMonitorConfig() MonitorConfig {
	home, _ := os.UserHomeDir()
	hostname, _ := os.Hostname()
	return MonitorConfig{
		SourceID:   hostname,
		KeyPath:    filepath.Join(home, ".vibetea"),
		WatchRoot:  filepath.Join(home, ".claude"),
		BufferSize: 1000,
	}
}

func defaultHubConfig() HubConfig {
	return HubConfig{
		Listen:            ":8090",
		UnsafeNoAuth:      false,
		PerSourceRate:     100,
		PerSourceBurst:    200,
		GlobalRate:        1000,
		GlobalBurst:       1000,
		SubscriberMailbox: 256,
		DropThreshold:     1024,
	}
}

// DiffMonitor reports human-readable descriptions of changes between two
// MonitorConfigs, restricted to fields that are safe to apply to a running
// process without a restart (buffer size and the basename allowlist;
// identity and transport fields need a restart to take effect safely).
func DiffMonitor(old, new MonitorConfig) []string {
	var changes []string
	if old.BufferSize != new.BufferSize {
		changes = append(changes, fmt.Sprintf("buffer_size: %d -> %d", old.BufferSize, new.BufferSize))
	}
	if !stringSliceEqual(old.BasenameAllowlist, new.BasenameAllowlist) {
		changes = append(changes, fmt.Sprintf("basename_allowlist: %v -> %v", old.BasenameAllowlist, new.BasenameAllowlist))
	}
	return changes
}

// DiffHub reports human-readable descriptions of changes between two
// HubConfigs, restricted to the rate-limit and backpressure knobs that are
// safe to apply without dropping existing connections.
func DiffHub(old, new HubConfig) []string {
	var changes []string
	if old.PerSourceRate != new.PerSourceRate {
		changes = append(changes, fmt.Sprintf("per_source_rate: %.1f -> %.1f", old.PerSourceRate, new.PerSourceRate))
	}
	if old.PerSourceBurst != new.PerSourceBurst {
		changes = append(changes, fmt.Sprintf("per_source_burst: %d -> %d", old.PerSourceBurst, new.PerSourceBurst))
	}
	if old.GlobalRate != new.GlobalRate {
		changes = append(changes, fmt.Sprintf("global_rate: %.1f -> %.1f", old.GlobalRate, new.GlobalRate))
	}
	if old.GlobalBurst != new.GlobalBurst {
		changes = append(changes, fmt.Sprintf("global_burst: %d -> %d", old.GlobalBurst, new.GlobalBurst))
	}
	if old.DropThreshold != new.DropThreshold {
		changes = append(changes, fmt.Sprintf("drop_threshold: %d -> %d", old.DropThreshold, new.DropThreshold))
	}
	return changes
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DefaultConfigPath returns the XDG-compliant default config file path.
func DefaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "vibetea", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "vibetea", "config.yaml")
}
