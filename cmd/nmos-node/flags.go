package main

import (
	"flag"
	"fmt"
	"os"
)

// cliConfig holds command-line configuration, distinct from the whitelisted
// runtime Config (spec.md §6): these flags select *how* the process starts,
// not what it advertises.
type cliConfig struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	ShowVersion bool
	ShowHelp    bool
}

func parseFlags() (*cliConfig, bool, error) {
	cfg := &cliConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("NMOS_NODE_CONFIG", "config.json"),
		"Path to configuration file (env: NMOS_NODE_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("NMOS_NODE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: NMOS_NODE_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("NMOS_NODE_LOG_FORMAT", "json"),
		"Log format: json, text (env: NMOS_NODE_LOG_FORMAT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")

	flag.Usage = printHelp
	flag.Parse()

	if cfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, appVersion)
		return cfg, true, nil
	}
	if cfg.ShowHelp {
		printHelp()
		return cfg, true, nil
	}
	return cfg, false, nil
}

func printHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - AMWA NMOS Node runtime

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
