package config

import (
	"encoding/json"
	"os"
	"time"
)

// jsonConfig is a DTO used exclusively for JSON unmarshalling. Interval
// fields are integer seconds so config files stay editable by hand.
type jsonConfig struct {
	ListenAddr          string `json:"listen_addr"`
	DBPath              string `json:"db_path"`
	MachineID           string `json:"machine_id"`
	OwnerID             string `json:"owner_id"`
	RemoteEndpoint      string `json:"remote_endpoint"`
	RemoteMode          string `json:"remote_mode"`
	SyncIntervalSeconds int    `json:"sync_interval_seconds"`
	LogLevel            string `json:"log_level"`
}

// parseJSON overlays cfg with values from a JSON file. The file path
// comes from the -c/-config flag or the REPBOOK_CONFIG variable; when
// neither is set no JSON is loaded. Only fields present in the file
// override the current values.
func parseJSON(cfg *Config) {
	path := jsonConfigPath()
	if path == "" {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	var jc jsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.ListenAddr != "" {
		cfg.ListenAddr = jc.ListenAddr
	}
	if jc.DBPath != "" {
		cfg.DBPath = jc.DBPath
	}
	if jc.MachineID != "" {
		cfg.MachineID = jc.MachineID
	}
	if jc.OwnerID != "" {
		cfg.OwnerID = jc.OwnerID
	}
	if jc.RemoteEndpoint != "" {
		cfg.RemoteEndpoint = jc.RemoteEndpoint
	}
	if jc.RemoteMode != "" {
		cfg.RemoteMode = jc.RemoteMode
	}
	if jc.SyncIntervalSeconds > 0 {
		cfg.SyncInterval = time.Duration(jc.SyncIntervalSeconds) * time.Second
	}
	if jc.LogLevel != "" {
		cfg.LogLevel = jc.LogLevel
	}
}
