// Package config loads engine configuration from a config file and the
// environment.
//
// Settings resolve in the usual precedence: explicit file values beat
// environment variables (prefix TASKMESH_), which beat built-in
// defaults. The config file is YAML, searched in the working directory
// and ~/.config/taskmesh.
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the sync engine.
type Config struct {
	// StoreDir is the shared document tree synchronized between
	// collaborators (network mount, synced folder, etc).
	StoreDir string `mapstructure:"store_dir" yaml:"store_dir"`

	// CachePath is the local SQLite cache database file.
	CachePath string `mapstructure:"cache_path" yaml:"cache_path"`

	// MemberID identifies the current user in project member sets.
	MemberID string `mapstructure:"member_id" yaml:"member_id"`

	// MemberEmail receives project invitations.
	MemberEmail string `mapstructure:"member_email" yaml:"member_email"`

	// EventsPort is the WebSocket event server port. Zero disables the
	// server.
	EventsPort int `mapstructure:"events_port" yaml:"events_port"`

	// LogFile, when set, routes daemon logs to a rotated file instead of
	// stderr.
	LogFile       string `mapstructure:"log_file" yaml:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`
}

func defaults() map[string]interface{} {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".taskmesh")
	return map[string]interface{}{
		"store_dir":       filepath.Join(base, "store"),
		"cache_path":      filepath.Join(base, "cache.db"),
		"member_id":       "",
		"member_email":    "",
		"events_port":     0,
		"log_file":        "",
		"log_max_size_mb": 10,
		"log_max_backups": 3,
	}
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()
	for key, val := range defaults() {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix("TASKMESH")
	v.AutomaticEnv()

	v.SetConfigName("taskmesh")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "taskmesh"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	return &cfg, nil
}

// WriteDefault writes a commented default config file to path. Refuses
// to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	cfg := &Config{
		LogMaxSizeMB:  10,
		LogMaxBackups: 3,
	}
	d := defaults()
	cfg.StoreDir = d["store_dir"].(string)
	cfg.CachePath = d["cache_path"].(string)

	body, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}

	header := []byte("# taskmesh configuration\n" +
		"# Point store_dir at the folder shared with your collaborators.\n" +
		"# Environment variables with the TASKMESH_ prefix override these values.\n\n")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, append(header, body...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// NewLogger builds a component logger honoring the log-file settings.
// With no log file configured, output goes to stderr.
func (c *Config) NewLogger(prefix string) *log.Logger {
	var w io.Writer = os.Stderr
	if c.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   c.LogFile,
			MaxSize:    c.LogMaxSizeMB,
			MaxBackups: c.LogMaxBackups,
			Compress:   true,
		}
	}
	return log.New(w, prefix, log.LstdFlags)
}
