// Package config loads dispatchd configuration from a JSON file
// backend with DISPATCHD_* environment overrides. Secrets (the
// Telegram token and the API token) come from the environment only.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Telegram TelegramConfig
	Session  SessionConfig
	Finance  FinanceConfig
	Log      LogConfig
	API      APIConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type TelegramConfig struct {
	Token string
	// Masters is the comma-separated allow-list of privileged chat
	// ids; the first entry is the admin.
	Masters string
}

type SessionConfig struct {
	IdleTimeout string
}

type FinanceConfig struct {
	Commission int
}

type LogConfig struct {
	Level string
}

type APIConfig struct {
	Token string
}

func defaults() Config {
	return Config{
		Server:  ServerConfig{Port: 8090},
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Session: SessionConfig{IdleTimeout: "30m"},
		Finance: FinanceConfig{Commission: 500},
		Log:     LogConfig{Level: "info"},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "dispatchd-data"
		}
	}
	return filepath.Join(dir, "dispatchd")
}

// Load reads configuration from the JSON file backend
// ($XDG_CONFIG_HOME/dispatchd/config.json) and applies DISPATCHD_*
// environment overrides on top.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			// Secrets never live in the config file.
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw, ok := os.LookupEnv(s.env)
		if !ok || raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if v, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, v)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] ignoring %s: %q is not an integer\n", s.env, raw)
			}
		}
	}
}

// MasterIDs parses the configured allow-list. The first id is the
// admin.
func (c Config) MasterIDs() ([]int64, error) {
	raw := strings.TrimSpace(c.Telegram.Masters)
	if raw == "" {
		return nil, fmt.Errorf("no masters configured; set telegram.masters or DISPATCHD_TELEGRAM_MASTERS")
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid master id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no masters configured; set telegram.masters or DISPATCHD_TELEGRAM_MASTERS")
	}
	return ids, nil
}
