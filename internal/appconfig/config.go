// Package appconfig loads pgrepl's TOML configuration file, applying
// environment overrides and defaults the same way the CLI's flags do,
// so a config file and PGREPL_* environment variables both work
// unattended (systemd units, containers) without flag plumbing.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jfoltran/pgrepl/internal/config"
)

// File is the on-disk TOML shape. Durations are strings
// (time.ParseDuration syntax, e.g. "10s") since BurntSushi/toml has no
// native duration type.
type File struct {
	Connection  ConnectionFile  `toml:"connection"`
	Replication ReplicationFile `toml:"replication"`
	Logging     LoggingFile     `toml:"logging"`
}

type ConnectionFile struct {
	Host     string `toml:"host"`
	Port     uint16 `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	DBName   string `toml:"dbname"`
}

type ReplicationFile struct {
	SlotName        string `toml:"slot_name"`
	Publication     string `toml:"publication"`
	OutputPlugin    string `toml:"output_plugin"`
	OriginID        string `toml:"origin_id"`
	StatusInterval  string `toml:"wal_receiver_status_interval"`
	ReceiverTimeout string `toml:"wal_receiver_timeout"`
}

type LoggingFile struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Defaults returns the configuration pgrepl runs with when no file and
// no environment overrides are present.
func Defaults() config.Config {
	return config.Config{
		Connection: config.DatabaseConfig{
			Host: "localhost",
			Port: 5432,
		},
		Replication: config.ReplicationConfig{
			OutputPlugin:    "pgoutput",
			StatusInterval:  config.DefaultStatusInterval,
			ReceiverTimeout: config.DefaultReceiverTimeout,
		},
		Logging: config.LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path (or, if empty, the first conventional location that
// exists) into a config.Config, applies PGREPL_* environment overrides,
// and fills in defaults for anything still unset.
func Load(path string) (config.Config, error) {
	cfg := Defaults()

	if path == "" {
		path = findConfigFile()
	}

	if path != "" {
		var f File
		if _, err := toml.DecodeFile(path, &f); err != nil {
			return cfg, fmt.Errorf("appconfig: parse %s: %w", path, err)
		}
		if err := applyFile(&cfg, f); err != nil {
			return cfg, fmt.Errorf("appconfig: %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("appconfig: environment: %w", err)
	}

	return cfg, nil
}

func findConfigFile() string {
	var candidates []string
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".pgrepl", "config.toml"))
	}
	candidates = append(candidates, "/etc/pgrepl/config.toml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyFile(cfg *config.Config, f File) error {
	if f.Connection.Host != "" {
		cfg.Connection.Host = f.Connection.Host
	}
	if f.Connection.Port != 0 {
		cfg.Connection.Port = f.Connection.Port
	}
	if f.Connection.User != "" {
		cfg.Connection.User = f.Connection.User
	}
	if f.Connection.Password != "" {
		cfg.Connection.Password = f.Connection.Password
	}
	if f.Connection.DBName != "" {
		cfg.Connection.DBName = f.Connection.DBName
	}

	if f.Replication.SlotName != "" {
		cfg.Replication.SlotName = f.Replication.SlotName
	}
	if f.Replication.Publication != "" {
		cfg.Replication.Publication = f.Replication.Publication
	}
	if f.Replication.OutputPlugin != "" {
		cfg.Replication.OutputPlugin = f.Replication.OutputPlugin
	}
	if f.Replication.OriginID != "" {
		cfg.Replication.OriginID = f.Replication.OriginID
	}
	if f.Replication.StatusInterval != "" {
		d, err := time.ParseDuration(f.Replication.StatusInterval)
		if err != nil {
			return fmt.Errorf("replication.wal_receiver_status_interval: %w", err)
		}
		cfg.Replication.StatusInterval = d
	}
	if f.Replication.ReceiverTimeout != "" {
		d, err := time.ParseDuration(f.Replication.ReceiverTimeout)
		if err != nil {
			return fmt.Errorf("replication.wal_receiver_timeout: %w", err)
		}
		cfg.Replication.ReceiverTimeout = d
	}

	if f.Logging.Level != "" {
		cfg.Logging.Level = f.Logging.Level
	}
	if f.Logging.Format != "" {
		cfg.Logging.Format = f.Logging.Format
	}
	return nil
}

func applyEnv(cfg *config.Config) error {
	if v := os.Getenv("PGREPL_HOST"); v != "" {
		cfg.Connection.Host = v
	}
	if v := os.Getenv("PGREPL_PORT"); v != "" {
		var port uint16
		if _, err := fmt.Sscanf(v, "%d", &port); err != nil {
			return fmt.Errorf("PGREPL_PORT: %w", err)
		}
		cfg.Connection.Port = port
	}
	if v := os.Getenv("PGREPL_USER"); v != "" {
		cfg.Connection.User = v
	}
	if v := os.Getenv("PGREPL_PASSWORD"); v != "" {
		cfg.Connection.Password = v
	}
	if v := os.Getenv("PGREPL_DBNAME"); v != "" {
		cfg.Connection.DBName = v
	}
	if v := os.Getenv("PGREPL_SLOT_NAME"); v != "" {
		cfg.Replication.SlotName = v
	}
	if v := os.Getenv("PGREPL_PUBLICATION"); v != "" {
		cfg.Replication.Publication = v
	}
	if v := os.Getenv("PGREPL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PGREPL_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("PGREPL_WAL_RECEIVER_STATUS_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PGREPL_WAL_RECEIVER_STATUS_INTERVAL: %w", err)
		}
		cfg.Replication.StatusInterval = d
	}
	if v := os.Getenv("PGREPL_WAL_RECEIVER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PGREPL_WAL_RECEIVER_TIMEOUT: %w", err)
		}
		cfg.Replication.ReceiverTimeout = d
	}
	return nil
}
