package config

import (
	"flag"
	"os"
	"strings"
	"time"
)

// filterArgs returns the subset of args containing only the allowed
// flags and their values, so each parsing stage can run its own FlagSet
// without tripping over flags it does not define (including the test
// binary's -test.* flags).
func filterArgs(args []string, allowedFlags []string) []string {
	allowed := make(map[string]struct{}, len(allowedFlags))
	for _, f := range allowedFlags {
		allowed[f] = struct{}{}
	}

	filtered := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]

		// "-flag=value" form
		if strings.HasPrefix(arg, "-") && strings.Contains(arg, "=") {
			name := strings.SplitN(arg, "=", 2)[0]
			if _, ok := allowed[name]; ok {
				filtered = append(filtered, arg)
			}
			continue
		}

		// "-flag value" form
		if _, ok := allowed[arg]; ok {
			filtered = append(filtered, arg)
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				filtered = append(filtered, args[i+1])
				i++
			}
		}
	}

	return filtered
}

// jsonConfigPath extracts the config file path from -c/-config flags,
// falling back to the REPBOOK_CONFIG environment variable.
func jsonConfigPath() string {
	var path string

	args := filterArgs(os.Args[1:], []string{"-c", "-config"})

	fs := flag.NewFlagSet("json", flag.ContinueOnError)
	fs.StringVar(&path, "config", "", "Path to config file")
	fs.StringVar(&path, "c", "", "Path to config file (short)")
	_ = fs.Parse(args)

	if path == "" {
		path = os.Getenv("REPBOOK_CONFIG")
	}
	return path
}

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags:
//
//	-a string   bind address for the REST/WebSocket API
//	-d string   sqlite database path
//	-o string   owner id to scope reads and writes to
//	-r string   backend base URL
//	-m string   backend transport mode (http or memory)
//	-i int      retry scheduler interval in seconds
//	-l string   log level
func parseFlags(cfg *Config) {
	args := filterArgs(os.Args[1:], []string{"-a", "-d", "-o", "-r", "-m", "-i", "-l"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ListenAddr, "a", cfg.ListenAddr, "address and port to serve the local API")
	fs.StringVar(&cfg.DBPath, "d", cfg.DBPath, "sqlite database path")
	fs.StringVar(&cfg.OwnerID, "o", cfg.OwnerID, "owner id (empty for anonymous)")
	fs.StringVar(&cfg.RemoteEndpoint, "r", cfg.RemoteEndpoint, "backend base URL")
	fs.StringVar(&cfg.RemoteMode, "m", cfg.RemoteMode, "backend transport mode (http or memory)")
	syncInterval := fs.Int("i", int(cfg.SyncInterval.Seconds()), "retry scheduler interval (in seconds)")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.SyncInterval = time.Duration(*syncInterval) * time.Second
}
