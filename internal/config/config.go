// Package config loads the server and proxy configuration from YAML.
// A missing file yields defaults, so a bare checkout runs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CheatMode is the cheat policy for created games.
type CheatMode string

const (
	CheatOff          CheatMode = "off"
	CheatOffByDefault CheatMode = "off-by-default"
	CheatOnByDefault  CheatMode = "on-by-default"
	CheatOn           CheatMode = "on"
)

// ProtoPolicy governs admissibility of the pre-v1 prototype builds.
type ProtoPolicy string

const (
	ProtoReject    ProtoPolicy = "reject"
	ProtoTemporary ProtoPolicy = "temporary-license"
	ProtoPermanent ProtoPolicy = "permanent"
)

// DropModeConfig is the default drop mode plus the allow-mask for one
// (version family × game mode) pair.
type DropModeConfig struct {
	Default string `yaml:"default"`
	// Allowed lists the modes a game leader may switch to.
	Allowed []string `yaml:"allowed"`
}

// Upstream is a proxy destination.
type Upstream struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// MinLevel keys minimum character level by episode and difficulty.
type MinLevel struct {
	Episode    int `yaml:"episode"`
	Difficulty int `yaml:"difficulty"`
	Level      int `yaml:"level"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// Config is the full configuration surface.
type Config struct {
	ServerName  string `yaml:"server_name"`
	BindAddress string `yaml:"bind_address"`
	GamePort    int    `yaml:"game_port"`
	ProxyPort   int    `yaml:"proxy_port"`

	Database           DatabaseConfig `yaml:"database"`
	AutoCreateAccounts bool           `yaml:"auto_create_accounts"`

	// BBKeyFiles are the candidate key files for the v4 multi-key
	// detector, in probe order.
	BBKeyFiles []string `yaml:"bb_key_files"`

	CheatMode   CheatMode   `yaml:"cheat_mode"`
	ProtoPolicy ProtoPolicy `yaml:"prototype_policy"`

	// DropModes is keyed by "<family>/<mode>", e.g. "v3/normal",
	// "v4/challenge".
	DropModes map[string]DropModeConfig `yaml:"drop_modes"`

	// ProxyUpstreams is keyed by version name (V1, V2, PC, GC, XB, BB).
	ProxyUpstreams map[string]Upstream `yaml:"proxy_upstreams"`

	// OverrideLobbyEvent replaces the upstream's lobby-event byte on
	// proxy connect; 0xFF leaves it alone.
	OverrideLobbyEvent uint8 `yaml:"override_lobby_event"`

	MinLevels []MinLevel `yaml:"min_levels"`

	PingInterval time.Duration `yaml:"ping_interval"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	SaveInterval time.Duration `yaml:"save_interval"`
}

// Default returns the configuration a bare checkout runs with.
func Default() Config {
	return Config{
		ServerName:         "ragol",
		BindAddress:        "0.0.0.0",
		GamePort:           9100,
		ProxyPort:          9110,
		AutoCreateAccounts: true,
		CheatMode:          CheatOffByDefault,
		ProtoPolicy:        ProtoTemporary,
		OverrideLobbyEvent: 0xFF,
		DropModes: map[string]DropModeConfig{
			"v3/normal":    {Default: "client", Allowed: []string{"client", "disabled"}},
			"v4/normal":    {Default: "server-shared", Allowed: []string{"server-shared", "server-duplicate", "server-private", "disabled"}},
			"v4/challenge": {Default: "server-shared", Allowed: []string{"server-shared", "disabled"}},
		},
		ProxyUpstreams: map[string]Upstream{},
		MinLevels: []MinLevel{
			{Episode: 1, Difficulty: 1, Level: 20},
			{Episode: 1, Difficulty: 2, Level: 40},
			{Episode: 1, Difficulty: 3, Level: 80},
			{Episode: 2, Difficulty: 1, Level: 30},
			{Episode: 2, Difficulty: 2, Level: 50},
			{Episode: 2, Difficulty: 3, Level: 90},
		},
		Database: DatabaseConfig{
			Host:     "127.0.0.1",
			Port:     5432,
			User:     "ragol",
			Password: "ragol",
			DBName:   "ragol",
			SSLMode:  "disable",
		},
		PingInterval: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		SaveInterval: 60 * time.Second,
	}
}

// Load reads configuration from a YAML file. A missing file returns the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// MinLevelFor returns the configured minimum character level for the
// episode/difficulty pair, or 0 when unrestricted.
func (c *Config) MinLevelFor(episode, difficulty int) int {
	for _, m := range c.MinLevels {
		if m.Episode == episode && m.Difficulty == difficulty {
			return m.Level
		}
	}
	return 0
}
