package config

import (
	"os"
	"strconv"
	"time"
)

// parseEnv overlays cfg with REPBOOK_* environment variables.
func parseEnv(cfg *Config) {
	if v := os.Getenv("REPBOOK_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("REPBOOK_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("REPBOOK_MACHINE_ID"); v != "" {
		cfg.MachineID = v
	}
	if v := os.Getenv("REPBOOK_OWNER_ID"); v != "" {
		cfg.OwnerID = v
	}
	if v := os.Getenv("REPBOOK_REMOTE_ENDPOINT"); v != "" {
		cfg.RemoteEndpoint = v
	}
	if v := os.Getenv("REPBOOK_REMOTE_MODE"); v != "" {
		cfg.RemoteMode = v
	}
	if v := os.Getenv("REPBOOK_SYNC_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.SyncInterval = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("REPBOOK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
