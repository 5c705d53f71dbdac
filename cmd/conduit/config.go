package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all conduit server configuration.
type Config struct {
	ListenAddr          string `json:"listen_addr"`
	DBPath              string `json:"db_path"`
	RedisAddr           string `json:"redis_addr"`
	MasterKey           string `json:"master_key"` // hex-encoded 32 bytes
	Passphrase          string `json:"passphrase"`
	LogLevel            string `json:"log_level"`
	LogFormat           string `json:"log_format"`
	PoolSize            int    `json:"pool_size"`
	StripeWebhookSecret string `json:"stripe_webhook_secret"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4200",
		DBPath:     filepath.Join(conduitDir(), "conduit.db"),
		LogLevel:   "info",
		LogFormat:  "text",
		PoolSize:   10,
	}
}

func conduitDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conduit"
	}
	return filepath.Join(home, ".conduit")
}

func settingsPath() string {
	return filepath.Join(conduitDir(), "settings.json")
}

// loadConfig layers settings.json over the defaults, then CONDUIT_* env
// vars over both. A missing or malformed settings file is ignored.
func loadConfig() Config {
	cfg := defaultConfig()

	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	for env, dst := range map[string]*string{
		"CONDUIT_LISTEN_ADDR":           &cfg.ListenAddr,
		"CONDUIT_DB_PATH":               &cfg.DBPath,
		"CONDUIT_REDIS_ADDR":            &cfg.RedisAddr,
		"CONDUIT_MASTER_KEY":            &cfg.MasterKey,
		"CONDUIT_PASSPHRASE":            &cfg.Passphrase,
		"CONDUIT_LOG_LEVEL":             &cfg.LogLevel,
		"CONDUIT_LOG_FORMAT":            &cfg.LogFormat,
		"CONDUIT_STRIPE_WEBHOOK_SECRET": &cfg.StripeWebhookSecret,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("CONDUIT_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}

	return cfg
}
