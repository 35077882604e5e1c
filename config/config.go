// Package config loads the broker's TOML configuration, creating a default
// file with a freshly generated network secret on first run.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress  string `toml:"ListenAddress"`
	MetricsAddress string `toml:"MetricsAddress"`
	StorePath      string `toml:"StorePath"`
	Environment    string `toml:"Environment"`
	LogLevel       string `toml:"LogLevel"`

	// NetworkSecret is the shared secret every session key is derived
	// from. Generated on first run; never logged.
	NetworkSecret  string `toml:"NetworkSecret"`
	HandshakeToken string `toml:"HandshakeToken"`

	HandshakeTimeoutSeconds  uint64 `toml:"HandshakeTimeoutSeconds"`
	SweepIntervalSeconds     uint64 `toml:"SweepIntervalSeconds"`
	DeliveryDeadlineSeconds  uint64 `toml:"DeliveryDeadlineSeconds"`
	ComplaintDeadlineSeconds uint64 `toml:"ComplaintDeadlineSeconds"`

	RateWindowSeconds  uint64 `toml:"RateWindowSeconds"`
	RateThreshold      int    `toml:"RateThreshold"`
	BanDurationSeconds uint64 `toml:"BanDurationSeconds"`
	MessagesPerSecond  int    `toml:"MessagesPerSecond"`

	// ReplacePolicy chooses what happens when a fingerprint connects
	// twice: "silent" keeps the old connection unaware, "close" shuts it.
	ReplacePolicy string `toml:"ReplacePolicy"`
}

const defaultHandshakeToken = "x1Zf0o115HelloTestKey"

// Load reads the configuration from path, creating a default file when none
// exists yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// createDefault generates a network secret, writes a complete default file
// and returns it.
func createDefault(path string) (*Config, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate network secret: %w", err)
	}

	cfg := &Config{
		ListenAddress:  ":7431",
		MetricsAddress: ":9090",
		StorePath:      "./tlpbroker.db",
		NetworkSecret:  hex.EncodeToString(secret),
	}
	applyDefaults(cfg)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":7431"
	}
	if strings.TrimSpace(cfg.StorePath) == "" {
		cfg.StorePath = "./tlpbroker.db"
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.HandshakeToken) == "" {
		cfg.HandshakeToken = defaultHandshakeToken
	}
	if cfg.HandshakeTimeoutSeconds == 0 {
		cfg.HandshakeTimeoutSeconds = 30
	}
	if cfg.SweepIntervalSeconds == 0 {
		cfg.SweepIntervalSeconds = 60
	}
	if cfg.DeliveryDeadlineSeconds == 0 {
		cfg.DeliveryDeadlineSeconds = 8 * 60 * 60
	}
	if cfg.ComplaintDeadlineSeconds == 0 {
		cfg.ComplaintDeadlineSeconds = 24 * 60 * 60
	}
	if cfg.RateWindowSeconds == 0 {
		cfg.RateWindowSeconds = 10
	}
	if cfg.RateThreshold == 0 {
		cfg.RateThreshold = 20
	}
	if cfg.BanDurationSeconds == 0 {
		cfg.BanDurationSeconds = 300
	}
	if cfg.MessagesPerSecond == 0 {
		cfg.MessagesPerSecond = 8
	}
	if strings.TrimSpace(cfg.ReplacePolicy) == "" {
		cfg.ReplacePolicy = "silent"
	}
}

// Validate rejects configurations the broker cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.NetworkSecret) == "" {
		return fmt.Errorf("config: NetworkSecret must be set")
	}
	if c.RateThreshold < 0 {
		return fmt.Errorf("config: RateThreshold must not be negative")
	}
	if c.MessagesPerSecond < 0 {
		return fmt.Errorf("config: MessagesPerSecond must not be negative")
	}
	switch c.ReplacePolicy {
	case "silent", "close":
	default:
		return fmt.Errorf("config: unknown ReplacePolicy %q", c.ReplacePolicy)
	}
	return nil
}

func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c *Config) DeliveryDeadline() time.Duration {
	return time.Duration(c.DeliveryDeadlineSeconds) * time.Second
}

func (c *Config) ComplaintDeadline() time.Duration {
	return time.Duration(c.ComplaintDeadlineSeconds) * time.Second
}

func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateWindowSeconds) * time.Second
}

func (c *Config) BanDuration() time.Duration {
	return time.Duration(c.BanDurationSeconds) * time.Second
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
