// Package config provides configuration parsing and validation for the SIM
// tunnel broker.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mobileatlas/simtunnel/internal/directory"
	"github.com/mobileatlas/simtunnel/internal/protocol"
)

// Config represents the complete broker configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Broker    BrokerConfig    `yaml:"broker"`
	Relay     RelayConfig     `yaml:"relay"`
	GC        GCConfig        `yaml:"gc"`
	Auth      AuthConfig      `yaml:"auth"`
	Directory DirectoryConfig `yaml:"directory"`
	Health    HealthConfig    `yaml:"health"`
	Control   ControlConfig   `yaml:"control"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig defines the probe and provider listeners.
type ServerConfig struct {
	ProbeAddress    string          `yaml:"probe_address"`
	ProviderAddress string          `yaml:"provider_address"`
	TLS             TLSConfig       `yaml:"tls"`
	MaxConnections  int             `yaml:"max_connections"`
	AcceptRate      float64         `yaml:"accept_rate"`
	AcceptBurst     int             `yaml:"accept_burst"`
	KeepAlive       KeepAliveConfig `yaml:"keepalive"`
}

// TLSConfig enables TLS on both listeners. ClientCA enables client
// certificate verification.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Cert     string `yaml:"cert"`
	Key      string `yaml:"key"`
	ClientCA string `yaml:"client_ca"`
}

// KeepAliveConfig sets TCP keepalive on accepted connections.
type KeepAliveConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Idle     time.Duration `yaml:"idle"`
	Interval time.Duration `yaml:"interval"`
	Count    int           `yaml:"count"`
}

// TimeoutsConfig bounds each waiting step of a connection.
type TimeoutsConfig struct {
	Auth             time.Duration `yaml:"auth"`
	ConnectRequest   time.Duration `yaml:"connect_request"`
	Match            time.Duration `yaml:"match"`
	ProviderResponse time.Duration `yaml:"provider_response"`
}

// BrokerConfig limits the provider queues.
type BrokerConfig struct {
	MaxPendingPerProvider int           `yaml:"max_pending_per_provider"`
	MaxWait               time.Duration `yaml:"max_wait"`
	IdleQueueTTL          time.Duration `yaml:"idle_queue_ttl"`
}

// RelayConfig limits relay sessions.
type RelayConfig struct {
	MaxPendingWrites int           `yaml:"max_pending_writes"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	FlushTimeout     time.Duration `yaml:"flush_timeout"`
}

// GCConfig sets the housekeeping interval.
type GCConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// AuthConfig holds the static allow-list of long-lived API tokens.
type AuthConfig struct {
	APITokens []APITokenConfig `yaml:"api_tokens"`
	// MaxConcurrentHashChecks bounds bcrypt comparisons against hashed
	// tokens running at the same time.
	MaxConcurrentHashChecks int `yaml:"max_concurrent_hash_checks"`
}

// APITokenConfig is one allow-listed credential. Token is the base64 token;
// TokenHash is a bcrypt hash of the raw token bytes. Set exactly one.
type APITokenConfig struct {
	Name       string `yaml:"name"`
	Role       string `yaml:"role"`
	ProviderID string `yaml:"provider_id,omitempty"`
	Token      string `yaml:"token,omitempty"`
	TokenHash  string `yaml:"token_hash,omitempty"`
}

// DirectoryConfig selects the session directory. URL selects the HTTP
// directory; otherwise Static is used.
type DirectoryConfig struct {
	URL       string                `yaml:"url"`
	APIToken  string                `yaml:"api_token"`
	Timeout   time.Duration         `yaml:"timeout"`
	RateLimit float64               `yaml:"rate_limit"`
	Burst     int                   `yaml:"burst"`
	Static    StaticDirectoryConfig `yaml:"static"`
}

// StaticDirectoryConfig is an in-config session directory.
type StaticDirectoryConfig struct {
	Sessions []StaticSessionConfig `yaml:"sessions"`
	SIMs     []StaticSIMConfig     `yaml:"sims"`
}

// StaticSessionConfig is one session token of the static directory.
type StaticSessionConfig struct {
	Token     string    `yaml:"token"`
	Role      string    `yaml:"role"`
	ID        string    `yaml:"id"`
	ExpiresAt time.Time `yaml:"expires_at,omitempty"`
}

// StaticSIMConfig maps one SIM to the provider hosting it.
type StaticSIMConfig struct {
	IMSI       string `yaml:"imsi,omitempty"`
	ICCID      string `yaml:"iccid,omitempty"`
	ProviderID string `yaml:"provider_id"`
}

// HealthConfig defines the HTTP health and metrics server.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Pprof        bool          `yaml:"pprof"`
}

// ControlConfig defines the control socket.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			ProbeAddress:    ":5555",
			ProviderAddress: ":6666",
			MaxConnections:  1000,
			AcceptRate:      100,
			AcceptBurst:     50,
			KeepAlive: KeepAliveConfig{
				Enabled:  true,
				Idle:     10 * time.Minute,
				Interval: time.Minute,
				Count:    10,
			},
		},
		Timeouts: TimeoutsConfig{
			Auth:             30 * time.Second,
			ConnectRequest:   30 * time.Second,
			Match:            5 * time.Minute,
			ProviderResponse: time.Minute,
		},
		Broker: BrokerConfig{
			MaxPendingPerProvider: 10,
			MaxWait:               5 * time.Minute,
			IdleQueueTTL:          10 * time.Minute,
		},
		Relay: RelayConfig{
			MaxPendingWrites: 32,
			IdleTimeout:      0,
			FlushTimeout:     5 * time.Second,
		},
		GC: GCConfig{
			Interval: time.Minute,
		},
		Auth: AuthConfig{
			MaxConcurrentHashChecks: 4,
		},
		Directory: DirectoryConfig{
			Timeout:   5 * time.Second,
			RateLimit: 50,
			Burst:     20,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    false,
			SocketPath: "./simtunnel.sock",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes on top of Default.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR}, ${VAR:-default} or $VAR.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// Unset variables without a default are left untouched.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if !isValidLogLevel(c.Logging.Level) {
		add("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if !isValidLogFormat(c.Logging.Format) {
		add("invalid logging.format: %s (must be text or json)", c.Logging.Format)
	}

	if err := validateAddress(c.Server.ProbeAddress); err != nil {
		add("server.probe_address: %v", err)
	}
	if err := validateAddress(c.Server.ProviderAddress); err != nil {
		add("server.provider_address: %v", err)
	}
	if c.Server.ProbeAddress != "" && c.Server.ProbeAddress == c.Server.ProviderAddress {
		add("server.probe_address and server.provider_address must differ")
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.Cert == "" || c.Server.TLS.Key == "") {
		add("server.tls.cert and server.tls.key are required when tls is enabled")
	}
	if c.Server.MaxConnections < 0 {
		add("server.max_connections must not be negative")
	}
	if c.Server.AcceptRate < 0 {
		add("server.accept_rate must not be negative")
	}
	if c.Server.AcceptRate > 0 && c.Server.AcceptBurst < 1 {
		add("server.accept_burst must be positive when accept_rate is set")
	}
	if c.Server.KeepAlive.Enabled && (c.Server.KeepAlive.Idle <= 0 || c.Server.KeepAlive.Interval <= 0 || c.Server.KeepAlive.Count < 1) {
		add("server.keepalive idle, interval and count must be positive when enabled")
	}

	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"timeouts.auth", c.Timeouts.Auth},
		{"timeouts.connect_request", c.Timeouts.ConnectRequest},
		{"timeouts.match", c.Timeouts.Match},
		{"timeouts.provider_response", c.Timeouts.ProviderResponse},
		{"gc.interval", c.GC.Interval},
		{"broker.max_wait", c.Broker.MaxWait},
		{"broker.idle_queue_ttl", c.Broker.IdleQueueTTL},
	} {
		if d.value <= 0 {
			add("%s must be positive", d.name)
		}
	}

	if c.Broker.MaxPendingPerProvider < 1 {
		add("broker.max_pending_per_provider must be positive")
	}
	if c.Relay.MaxPendingWrites < 1 {
		add("relay.max_pending_writes must be positive")
	}
	if c.Relay.IdleTimeout < 0 {
		add("relay.idle_timeout must not be negative")
	}

	if c.Auth.MaxConcurrentHashChecks < 1 {
		add("auth.max_concurrent_hash_checks must be positive")
	}
	for i, t := range c.Auth.APITokens {
		if err := validateAPIToken(t); err != nil {
			add("auth.api_tokens[%d]: %v", i, err)
		}
	}

	if c.Directory.URL != "" {
		if !strings.HasPrefix(c.Directory.URL, "http://") && !strings.HasPrefix(c.Directory.URL, "https://") {
			add("directory.url must be an http or https URL")
		}
		if c.Directory.RateLimit < 0 {
			add("directory.rate_limit must not be negative")
		}
	}
	for i, s := range c.Directory.Static.Sessions {
		if err := validateStaticSession(s); err != nil {
			add("directory.static.sessions[%d]: %v", i, err)
		}
	}
	for i, s := range c.Directory.Static.SIMs {
		if _, err := s.Identifier(); err != nil {
			add("directory.static.sims[%d]: %v", i, err)
		}
		if _, err := directory.NormalizeProviderID(s.ProviderID); err != nil {
			add("directory.static.sims[%d]: invalid provider_id: %v", i, err)
		}
	}

	if c.Health.Enabled && c.Health.Address == "" {
		add("health.address is required when enabled")
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		add("control.socket_path is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Identifier returns the SIM identifier of a static SIM entry.
func (s StaticSIMConfig) Identifier() (protocol.Identifier, error) {
	switch {
	case s.IMSI != "" && s.ICCID != "":
		return protocol.Identifier{}, fmt.Errorf("set only one of imsi and iccid")
	case s.IMSI != "":
		return protocol.NewImsi(s.IMSI)
	case s.ICCID != "":
		return protocol.NewIccid(s.ICCID)
	}
	return protocol.Identifier{}, fmt.Errorf("imsi or iccid is required")
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func validateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return err
	}
	return nil
}

func validateAPIToken(t APITokenConfig) error {
	if t.Name == "" {
		return fmt.Errorf("name is required")
	}
	role, err := protocol.ParseRole(t.Role)
	if err != nil {
		return err
	}
	if role == protocol.RoleProvider {
		if _, err := directory.NormalizeProviderID(t.ProviderID); err != nil {
			return fmt.Errorf("provider tokens need a valid provider_id: %v", err)
		}
	}
	switch {
	case t.Token != "" && t.TokenHash != "":
		return fmt.Errorf("set only one of token and token_hash")
	case t.Token != "":
		if _, err := protocol.ParseToken(t.Token); err != nil {
			return err
		}
	case t.TokenHash != "":
		if !strings.HasPrefix(t.TokenHash, "$2") {
			return fmt.Errorf("token_hash must be a bcrypt hash")
		}
	default:
		return fmt.Errorf("token or token_hash is required")
	}
	return nil
}

func validateStaticSession(s StaticSessionConfig) error {
	if _, err := protocol.ParseToken(s.Token); err != nil {
		return err
	}
	role, err := protocol.ParseRole(s.Role)
	if err != nil {
		return err
	}
	if role == protocol.RoleProvider {
		if _, err := directory.NormalizeProviderID(s.ID); err != nil {
			return fmt.Errorf("provider sessions need a valid id: %v", err)
		}
	}
	return nil
}

// String returns the redacted configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with secrets replaced, safe to log.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}
	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Server.TLS.Key != "" {
		redacted.Server.TLS.Key = redactedValue
	}
	if redacted.Directory.APIToken != "" {
		redacted.Directory.APIToken = redactedValue
	}
	for i := range redacted.Auth.APITokens {
		if redacted.Auth.APITokens[i].Token != "" {
			redacted.Auth.APITokens[i].Token = redactedValue
		}
	}
	for i := range redacted.Directory.Static.Sessions {
		redacted.Directory.Static.Sessions[i].Token = redactedValue
	}
	return redacted
}
