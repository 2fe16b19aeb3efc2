package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Database  DatabaseConfig `yaml:"database"`
	Auth      AuthConfig     `yaml:"auth"`
	Docker    DockerConfig   `yaml:"docker"`
	Instances InstanceConfig `yaml:"instances"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	HTTPPort   int    `yaml:"http_port"`
	StaticDir  string `yaml:"static_dir"`
}

// DatabaseConfig holds SQLite settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	TokenDuration time.Duration `yaml:"token_duration"`
}

// DockerConfig holds container runtime settings
type DockerConfig struct {
	Image         string        `yaml:"image"`
	Network       string        `yaml:"network"`
	RemoveVolumes bool          `yaml:"remove_volumes"`
	StopTimeout   time.Duration `yaml:"stop_timeout"`
}

// InstanceConfig holds per-instance policy and port ranges
type InstanceConfig struct {
	MaxInstances   int           `yaml:"max_instances"`
	PortRangeStart int           `yaml:"port_range_start"`
	PortRangeEnd   int           `yaml:"port_range_end"`
	RconRangeStart int           `yaml:"rcon_range_start"`
	RconRangeEnd   int           `yaml:"rcon_range_end"`
	AutoStart      bool          `yaml:"auto_start"`
	ReadyTimeout   time.Duration `yaml:"ready_timeout"`
	RconTimeout    time.Duration `yaml:"rcon_timeout"`
	StatsInterval  time.Duration `yaml:"stats_interval"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	setDefaults(&cfg)
	return &cfg, nil
}

// Default returns a configuration with every default applied,
// for when no config file is available
func Default() *Config {
	var cfg Config
	setDefaults(&cfg)
	return &cfg
}

// setDefaults fills in zero-valued fields
func setDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = "127.0.0.1"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/craftdock/craftdock.db"
	}
	// Note: StaticDir intentionally has no default - empty means don't serve static files

	// Auth defaults
	if cfg.Auth.TokenDuration == 0 {
		cfg.Auth.TokenDuration = 24 * time.Hour
	}

	// Docker defaults
	if cfg.Docker.Image == "" {
		cfg.Docker.Image = "itzg/minecraft-server:latest"
	}
	if cfg.Docker.Network == "" {
		cfg.Docker.Network = "craftdock"
	}
	if cfg.Docker.StopTimeout == 0 {
		cfg.Docker.StopTimeout = 30 * time.Second
	}

	// Instance defaults
	if cfg.Instances.MaxInstances == 0 {
		cfg.Instances.MaxInstances = 10
	}
	if cfg.Instances.PortRangeStart == 0 {
		cfg.Instances.PortRangeStart = 25565
	}
	if cfg.Instances.PortRangeEnd == 0 {
		cfg.Instances.PortRangeEnd = 25664
	}
	if cfg.Instances.RconRangeStart == 0 {
		cfg.Instances.RconRangeStart = 35565
	}
	if cfg.Instances.RconRangeEnd == 0 {
		cfg.Instances.RconRangeEnd = 35664
	}
	if cfg.Instances.ReadyTimeout == 0 {
		cfg.Instances.ReadyTimeout = 2 * time.Minute
	}
	if cfg.Instances.RconTimeout == 0 {
		cfg.Instances.RconTimeout = 10 * time.Second
	}
	if cfg.Instances.StatsInterval == 0 {
		cfg.Instances.StatsInterval = 5 * time.Second
	}
}
