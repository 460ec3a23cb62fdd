// Package config loads runtime settings for the RepBook desktop daemon.
// Sources are applied in order: defaults, JSON file, environment,
// command-line flags. Later sources override earlier ones.
package config

import "time"

// Config holds runtime settings for the sync engine and its API surface.
type Config struct {
	ListenAddr     string        // REST/WebSocket bind address
	DBPath         string        // sqlite database path
	MachineID      string        // identifier used to derive the credential sealing key
	OwnerID        string        // owner scope at startup; empty means anonymous/local-only
	RemoteEndpoint string        // backend base URL
	RemoteMode     string        // backend transport: "http" or "memory"
	SyncInterval   time.Duration // retry scheduler tick
	LogLevel       string        // DEBUG, INFO, WARN or ERROR
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ListenAddr = "127.0.0.1:8090"
	c.DBPath = "./data/repbook.db"
	c.MachineID = ""
	c.OwnerID = ""
	c.RemoteEndpoint = ""
	c.RemoteMode = "http"
	c.SyncInterval = 5 * time.Second
	c.LogLevel = "INFO"
}

// Load constructs a Config, applies defaults, then overlays values from
// JSON (if present), environment variables and command-line flags.
func Load() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJSON(cfg)
	parseEnv(cfg)
	parseFlags(cfg)
	return cfg
}
