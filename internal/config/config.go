package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the callstorm dialer.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	Servers  string // comma-separated host[:port] list of server nodes
	Password string // event socket password, shared by all nodes
	HTTPPort int    // ops API listen port

	Rate            int     // target offered calls per second
	Limit           int     // max concurrent calls
	MaxOffered      int     // stop after this many originated sessions (0 = unlimited)
	DurationSecs    float64 // per-call duration in seconds (0 = derive from rate/limit)
	MaxCallsPerNode int     // per-node admission cap (0 = unlimited)

	DestURL string // callee address, <user>@<host>[:<port>]
	Profile string // sofia UA profile for originated legs
	Gateway string // route through sofia/gateway/<name> instead of a profile
	Proxy   string // first-hop proxy inserted as fs_path

	StoreBackend string // measurement store: csv, sqlite, or pg
	DataDir      string // directory for csv/sqlite storage
	PGDSN        string // postgresql dsn when store-backend is pg

	CallTrackingHeader string // channel variable grouping legs into calls

	LogLevel  string
	LogFormat string // log output format: "text" or "json"
}

// defaults
const (
	defaultServers        = "127.0.0.1:8021"
	defaultPassword       = "ClueCon"
	defaultHTTPPort       = 8080
	defaultRate           = 30
	defaultLimit          = 1
	defaultProfile        = "external"
	defaultStoreBackend   = "csv"
	defaultDataDir        = "./data"
	defaultTrackingHeader = "variable_call_uuid"
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"

	// DefaultESLPort is assumed for servers listed without a port.
	DefaultESLPort = 8021
)

// envPrefix is the prefix for all callstorm environment variables.
const envPrefix = "CALLSTORM_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callstorm", flag.ContinueOnError)

	fs.StringVar(&cfg.Servers, "servers", defaultServers, "comma-separated host[:port] list of server nodes")
	fs.StringVar(&cfg.Password, "password", defaultPassword, "event socket password shared by all nodes")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "ops API listen port")
	fs.IntVar(&cfg.Rate, "rate", defaultRate, "target offered calls per second")
	fs.IntVar(&cfg.Limit, "limit", defaultLimit, "max concurrent calls")
	fs.IntVar(&cfg.MaxOffered, "max-offered", 0, "stop after this many originated sessions (0 = unlimited)")
	fs.Float64Var(&cfg.DurationSecs, "duration", 0, "per-call duration in seconds (0 = derive from rate and limit)")
	fs.IntVar(&cfg.MaxCallsPerNode, "max-calls-per-node", 0, "per-node call admission cap (0 = unlimited)")
	fs.StringVar(&cfg.DestURL, "dest-url", "", "callee address, <user>@<host>[:<port>]")
	fs.StringVar(&cfg.Profile, "profile", defaultProfile, "sofia UA profile for originated legs")
	fs.StringVar(&cfg.Gateway, "gateway", "", "route calls through sofia/gateway/<name> instead of a profile")
	fs.StringVar(&cfg.Proxy, "proxy", "", "first-hop proxy host[:port] inserted as fs_path")
	fs.StringVar(&cfg.StoreBackend, "store-backend", defaultStoreBackend, "measurement store backend (csv, sqlite, pg)")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "directory for csv and sqlite storage")
	fs.StringVar(&cfg.PGDSN, "pg-dsn", "", "postgresql dsn when store-backend is pg")
	fs.StringVar(&cfg.CallTrackingHeader, "call-tracking-header", defaultTrackingHeader, "channel variable grouping legs into calls")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"servers":              envPrefix + "SERVERS",
		"password":             envPrefix + "PASSWORD",
		"http-port":            envPrefix + "HTTP_PORT",
		"rate":                 envPrefix + "RATE",
		"limit":                envPrefix + "LIMIT",
		"max-offered":          envPrefix + "MAX_OFFERED",
		"duration":             envPrefix + "DURATION",
		"max-calls-per-node":   envPrefix + "MAX_CALLS_PER_NODE",
		"dest-url":             envPrefix + "DEST_URL",
		"profile":              envPrefix + "PROFILE",
		"gateway":              envPrefix + "GATEWAY",
		"proxy":                envPrefix + "PROXY",
		"store-backend":        envPrefix + "STORE_BACKEND",
		"data-dir":             envPrefix + "DATA_DIR",
		"pg-dsn":               envPrefix + "PG_DSN",
		"call-tracking-header": envPrefix + "CALL_TRACKING_HEADER",
		"log-level":            envPrefix + "LOG_LEVEL",
		"log-format":           envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "servers":
			cfg.Servers = val
		case "password":
			cfg.Password = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "rate":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.Rate = v
			}
		case "limit":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.Limit = v
			}
		case "max-offered":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxOffered = v
			}
		case "duration":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.DurationSecs = v
			}
		case "max-calls-per-node":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxCallsPerNode = v
			}
		case "dest-url":
			cfg.DestURL = val
		case "profile":
			cfg.Profile = val
		case "gateway":
			cfg.Gateway = val
		case "proxy":
			cfg.Proxy = val
		case "store-backend":
			cfg.StoreBackend = val
		case "data-dir":
			cfg.DataDir = val
		case "pg-dsn":
			cfg.PGDSN = val
		case "call-tracking-header":
			cfg.CallTrackingHeader = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.Rate < 1 {
		return fmt.Errorf("rate must be positive, got %d", c.Rate)
	}
	if c.Limit < 1 {
		return fmt.Errorf("limit must be positive, got %d", c.Limit)
	}
	if c.MaxOffered < 0 {
		return fmt.Errorf("max-offered must not be negative, got %d", c.MaxOffered)
	}
	if c.DurationSecs < 0 {
		return fmt.Errorf("duration must not be negative, got %g", c.DurationSecs)
	}
	if _, err := c.ServerList(); err != nil {
		return err
	}

	backend := strings.ToLower(c.StoreBackend)
	switch backend {
	case "csv", "sqlite":
	case "pg":
		if c.PGDSN == "" {
			return fmt.Errorf("pg-dsn is required when store-backend is pg")
		}
	default:
		return fmt.Errorf("store-backend must be one of csv, sqlite, pg; got %q", c.StoreBackend)
	}
	c.StoreBackend = backend

	if c.CallTrackingHeader == "" {
		return fmt.Errorf("call-tracking-header must not be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// ServerAddr is one parsed server endpoint.
type ServerAddr struct {
	Host string
	Port int
}

// ServerList parses the servers flag into endpoints, filling in the
// default event socket port where none is given.
func (c *Config) ServerList() ([]ServerAddr, error) {
	parts := strings.Split(c.Servers, ",")
	addrs := make([]ServerAddr, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(part)
		if err != nil {
			addrs = append(addrs, ServerAddr{Host: part, Port: DefaultESLPort})
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid server port in %q", part)
		}
		addrs = append(addrs, ServerAddr{Host: host, Port: port})
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("servers must list at least one host")
	}
	return addrs, nil
}

// Duration returns the configured per-call duration, 0 when it should be
// derived from rate and limit.
func (c *Config) Duration() time.Duration {
	return time.Duration(c.DurationSecs * float64(time.Second))
}

// Debug reports whether debug-level logging is configured.
func (c *Config) Debug() bool { return c.LogLevel == "debug" }

// SlogHandler returns a slog.Handler configured with the appropriate
// format (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
