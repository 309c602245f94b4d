package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file consulted when no --config flag is given.
const DefaultPath = "/etc/conditional-dns.yml"

// Config holds the application configuration
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Primary and secondary upstream resolvers
	Upstreams UpstreamsConfig `yaml:"upstreams"`

	// Routing rules
	Rules RulesConfig `yaml:"rules"`

	// Request log
	QueryLog QueryLogConfig `yaml:"query_log"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// WatchConfig reports on-disk edits to the config file while running
	WatchConfig bool `yaml:"watch_config"`
}

// ServerConfig holds server-specific settings
type ServerConfig struct {
	ListenAddress   string `yaml:"listen_address"` // host part only, port comes from Port
	Port            int    `yaml:"port"`
	TCPEnabled      bool   `yaml:"tcp_enabled"`
	UDPEnabled      bool   `yaml:"udp_enabled"`
	LocalHostname   string `yaml:"local_hostname"`    // PTR target for this host's reverse names
	ServfailOnError bool   `yaml:"servfail_on_error"` // answer SERVFAIL instead of dropping on resolver failure
	TCPReadBuffer   int    `yaml:"tcp_read_buffer"`
}

// Addr returns the host:port the listeners bind to.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.ListenAddress, fmt.Sprintf("%d", s.Port))
}

// UpstreamsConfig holds the two resolver pools used by the synthesizer
type UpstreamsConfig struct {
	Primary   UpstreamConfig `yaml:"primary"`
	Secondary UpstreamConfig `yaml:"secondary"`
}

// UpstreamConfig describes one resolver: its nameservers, tried in order
type UpstreamConfig struct {
	Servers          []string      `yaml:"servers"`
	Timeout          time.Duration `yaml:"timeout"`
	Net              string        `yaml:"net"`               // udp or tcp
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive failures before a server is tried last
	Cooldown         time.Duration `yaml:"cooldown"`          // how long a failing server stays demoted
}

// QueryLogConfig holds request log settings
type QueryLogConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Backend    string `yaml:"backend"` // file, sqlite
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`    // MB, file backend only
	MaxBackups int    `yaml:"max_backups"` // file backend only
	MaxAge     int    `yaml:"max_age"`     // days, file backend only
	BufferSize int    `yaml:"buffer_size"`
	Workers    int    `yaml:"workers"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json, text
	Output     string `yaml:"output"`      // stdout, stderr, file
	FilePath   string `yaml:"file_path"`   // if output=file
	AddSource  bool   `yaml:"add_source"`  // include source file/line
	MaxSize    int    `yaml:"max_size"`    // MB
	MaxBackups int    `yaml:"max_backups"` // number of old log files
	MaxAge     int    `yaml:"max_age"`     // days
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
	TracingEnabled    bool   `yaml:"tracing_enabled"`
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// LoadOrDefault behaves like Load but falls back to defaults when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return LoadWithDefaults(), nil
	}
	return cfg, err
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	cfg := preset()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := preset()
	cfg.applyDefaults()
	return &cfg
}

// preset returns the defaults that a zero value cannot express. YAML decoding
// only overwrites keys present in the document.
func preset() Config {
	return Config{
		QueryLog: QueryLogConfig{Enabled: true},
	}
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 5053
	}
	if c.Server.LocalHostname == "" {
		c.Server.LocalHostname = "localdns"
	}
	if c.Server.TCPReadBuffer == 0 {
		c.Server.TCPReadBuffer = 8192
	}

	if len(c.Upstreams.Primary.Servers) == 0 {
		c.Upstreams.Primary.Servers = []string{"208.67.222.123", "208.67.220.123"}
	}
	if len(c.Upstreams.Secondary.Servers) == 0 {
		c.Upstreams.Secondary.Servers = []string{"185.37.37.37", "185.37.39.39"}
	}
	for _, u := range []*UpstreamConfig{&c.Upstreams.Primary, &c.Upstreams.Secondary} {
		if u.Timeout == 0 {
			u.Timeout = 2 * time.Second
		}
		if u.Net == "" {
			u.Net = "udp"
		}
		if u.FailureThreshold == 0 {
			u.FailureThreshold = 3
		}
		if u.Cooldown == 0 {
			u.Cooldown = 30 * time.Second
		}
	}

	c.Rules.applyDefaults()

	if c.QueryLog.Backend == "" {
		c.QueryLog.Backend = "file"
	}
	if c.QueryLog.Path == "" {
		c.QueryLog.Path = "/var/log/conditional-dns.log"
	}
	if c.QueryLog.MaxSize == 0 {
		c.QueryLog.MaxSize = 100
	}
	if c.QueryLog.MaxBackups == 0 {
		c.QueryLog.MaxBackups = 3
	}
	if c.QueryLog.MaxAge == 0 {
		c.QueryLog.MaxAge = 7
	}
	if c.QueryLog.BufferSize == 0 {
		c.QueryLog.BufferSize = 1000
	}
	if c.QueryLog.Workers == 0 {
		c.QueryLog.Workers = 2
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Logging.MaxSize == 0 {
		c.Logging.MaxSize = 100 // 100MB
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAge == 0 {
		c.Logging.MaxAge = 7 // 7 days
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "conditional-dns"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid. Transport selection is not
// checked here because the command line may still enable a listener.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.Server.TCPReadBuffer < 2 || c.Server.TCPReadBuffer > 65537 {
		return fmt.Errorf("invalid server.tcp_read_buffer: %d", c.Server.TCPReadBuffer)
	}

	if err := c.Upstreams.Primary.validate("primary"); err != nil {
		return err
	}
	if err := c.Upstreams.Secondary.validate("secondary"); err != nil {
		return err
	}

	if err := c.Rules.Validate(); err != nil {
		return err
	}

	if c.QueryLog.Backend != "file" && c.QueryLog.Backend != "sqlite" {
		return fmt.Errorf("invalid query_log.backend: %s (must be file or sqlite)", c.QueryLog.Backend)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}

// RequireTransport fails unless at least one listener is enabled.
func (c *Config) RequireTransport() error {
	if !c.Server.TCPEnabled && !c.Server.UDPEnabled {
		return fmt.Errorf("at least one of TCP or UDP must be enabled")
	}
	return nil
}

func (u *UpstreamConfig) validate(name string) error {
	if len(u.Servers) == 0 {
		return fmt.Errorf("upstreams.%s: at least one server must be configured", name)
	}
	for _, s := range u.Servers {
		host := s
		if h, _, err := net.SplitHostPort(s); err == nil {
			host = h
		}
		if net.ParseIP(host) == nil {
			return fmt.Errorf("upstreams.%s: invalid server address %q", name, s)
		}
	}
	if u.Net != "udp" && u.Net != "tcp" {
		return fmt.Errorf("upstreams.%s: invalid net %q (must be udp or tcp)", name, u.Net)
	}
	if u.Timeout < 0 {
		return fmt.Errorf("upstreams.%s: timeout cannot be negative", name)
	}
	if u.FailureThreshold < 0 || u.Cooldown < 0 {
		return fmt.Errorf("upstreams.%s: failure_threshold and cooldown cannot be negative", name)
	}
	return nil
}

// Addresses returns the configured servers normalized to host:port.
func (u UpstreamConfig) Addresses() []string {
	out := make([]string, len(u.Servers))
	for i, s := range u.Servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			out[i] = net.JoinHostPort(s, "53")
		} else {
			out[i] = s
		}
	}
	return out
}
