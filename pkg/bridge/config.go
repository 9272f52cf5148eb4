// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the bridge configuration.
type Config struct {
	Homeserver struct {
		// Domain is the server name used in ghost MXIDs and room aliases.
		Domain string `yaml:"domain"`
		// Address is the URL the appservice uses to reach the homeserver.
		Address string `yaml:"address"`
		// PublicMediaURL is the externally reachable base URL used when a
		// file is too large to re-upload to Discord and only a download
		// link is posted instead.
		PublicMediaURL string `yaml:"public_media_url"`
	} `yaml:"homeserver"`

	Appservice struct {
		Hostname string `yaml:"hostname"`
		Port     uint16 `yaml:"port"`
		ASToken  string `yaml:"as_token"`
		HSToken  string `yaml:"hs_token"`
		// BotLocalpart is the localpart of the bridge's own service account.
		BotLocalpart string `yaml:"bot_localpart"`
	} `yaml:"appservice"`

	Discord struct {
		Token string `yaml:"token"`
		// ModRole and AdminRole name the Discord roles that grant the $mod
		// and $admin commands, and that elevate members to power level 50
		// and 75 on automatic bridges.
		ModRole   string `yaml:"mod_role"`
		AdminRole string `yaml:"admin_role"`
	} `yaml:"discord"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	// PresenceInterval between presence sync cycles. Defaults to 50s.
	PresenceInterval time.Duration `yaml:"presence_interval"`
}

// WriteExampleConfig writes the embedded example config to path. It refuses
// to overwrite an existing file.
func WriteExampleConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	return os.WriteFile(path, []byte(ExampleConfig), 0o600)
}

// LoadConfig reads and validates a config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostProcess validates required fields and fills defaults.
func (c *Config) PostProcess() error {
	if c.Discord.Token == "" {
		return fmt.Errorf("discord.token is required")
	}
	if c.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain is required")
	}
	if c.Appservice.BotLocalpart == "" {
		c.Appservice.BotLocalpart = "_discord_bridge"
	}
	if c.Database.Path == "" {
		c.Database.Path = "matrix-discord-bridge.db"
	}
	if c.PresenceInterval <= 0 {
		c.PresenceInterval = 50 * time.Second
	}
	return nil
}

// BotMXID returns the full Matrix user ID of the bridge's service account.
func (c *Config) BotMXID() string {
	return "@" + c.Appservice.BotLocalpart + ":" + c.Homeserver.Domain
}
