package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable read by Load
const EnvPrefix = "FAUXNET"

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" envconfig:"SERVER"`
	Security   SecurityConfig   `yaml:"security" envconfig:"SECURITY"`
	Logging    LoggingConfig    `yaml:"logging" envconfig:"LOGGING"`
	Operations OperationsConfig `yaml:"operations" envconfig:"OPERATIONS"`
	Archive    ArchiveConfig    `yaml:"archive" envconfig:"ARCHIVE"`
	Emulator   EmulatorConfig   `yaml:"emulator" envconfig:"EMULATOR"`
	Vhosts     VhostsConfig     `yaml:"vhosts" envconfig:"VHOSTS"`
	WebSocket  WebSocketConfig  `yaml:"websocket" envconfig:"WEBSOCKET"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"LISTEN_HOST"`
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	MaxBodySize     int64         `yaml:"max_body_size" envconfig:"MAX_BODY_SIZE"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	// Credentials are "principal:token" pairs. A token starting with "$2" is a bcrypt hash.
	// No credentials disables authentication.
	Credentials []string `yaml:"credentials" envconfig:"CREDENTIALS"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL"`
	Format      string `yaml:"format" envconfig:"FORMAT"`
	Output      string `yaml:"output" envconfig:"OUTPUT"`
	FilePath    string `yaml:"file_path" envconfig:"FILE_PATH"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT"`
}

// OperationsConfig bounds operation tracking and delivery
type OperationsConfig struct {
	RetentionTTL    time.Duration `yaml:"retention_ttl" envconfig:"RETENTION_TTL"`
	MaxMessages     int           `yaml:"max_messages" envconfig:"MAX_MESSAGES"`
	StreamHeartbeat time.Duration `yaml:"stream_heartbeat" envconfig:"STREAM_HEARTBEAT"`
	StreamMaxIdle   time.Duration `yaml:"stream_max_idle" envconfig:"STREAM_MAX_IDLE"`
	SweepSchedule   string        `yaml:"sweep_schedule" envconfig:"SWEEP_SCHEDULE"`
	PollInterval    time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
}

// ArchiveConfig controls the sqlite archive of progress records
type ArchiveConfig struct {
	Enabled   bool          `yaml:"enabled" envconfig:"ENABLED"`
	Path      string        `yaml:"path" envconfig:"DB_PATH"`
	Retention time.Duration `yaml:"retention" envconfig:"RETENTION"`
}

// EmulatorConfig locates the CORE command line client and topology files
type EmulatorConfig struct {
	CLIPath        string        `yaml:"cli_path" envconfig:"CLI_PATH"`
	TopologyDir    string        `yaml:"topology_dir" envconfig:"TOPOLOGY_DIR"`
	CommandTimeout time.Duration `yaml:"command_timeout" envconfig:"COMMAND_TIMEOUT"`
}

// VhostsConfig controls virtual host generation
type VhostsConfig struct {
	BaseDir        string        `yaml:"base_dir" envconfig:"BASE_DIR"`
	DefaultDepth   int           `yaml:"default_depth" envconfig:"DEFAULT_DEPTH"`
	Concurrency    int           `yaml:"concurrency" envconfig:"CONCURRENCY"`
	RenderJS       bool          `yaml:"render_js" envconfig:"RENDER_JS"`
	NCSIURL        string        `yaml:"ncsi_url" envconfig:"NCSI_URL"`
	RequestTimeout time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	UserAgent      string        `yaml:"user_agent" envconfig:"USER_AGENT"`
	FallbackIP     string        `yaml:"fallback_ip" envconfig:"FALLBACK_IP"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT"`
}

// TelemetryConfig selects OpenTelemetry exporters
type TelemetryConfig struct {
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
}

// Credential is one principal allowed to call the API
type Credential struct {
	Principal string
	Token     string
}

// Hashed reports whether Token is a bcrypt hash
func (c Credential) Hashed() bool {
	return strings.HasPrefix(c.Token, "$2")
}

// Load builds the configuration from defaults, then the config file if one exists,
// then environment variables. Later sources win.
func Load() (*Config, error) {
	cfg := Default()

	if configFile := getConfigFilePath(); configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file %s: %w", configFile, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays a YAML file onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ParseCredentials splits the configured "principal:token" pairs
func (c *Config) ParseCredentials() ([]Credential, error) {
	out := make([]Credential, 0, len(c.Security.Credentials))
	for _, raw := range c.Security.Credentials {
		principal, token, ok := strings.Cut(raw, ":")
		principal = strings.TrimSpace(principal)
		token = strings.TrimSpace(token)
		if !ok || principal == "" || token == "" {
			return nil, fmt.Errorf("credential entries must look like principal:token")
		}
		out = append(out, Credential{Principal: principal, Token: token})
	}
	return out, nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server request timeout must be positive")
	}

	if c.Security.EnableCORS && len(c.Security.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin must be specified")
	}

	if _, err := c.ParseCredentials(); err != nil {
		return err
	}

	if c.Operations.MaxMessages <= 0 {
		return fmt.Errorf("operations max messages must be positive")
	}

	if c.Operations.RetentionTTL <= 0 {
		return fmt.Errorf("operations retention ttl must be positive")
	}

	if c.Operations.StreamHeartbeat <= 0 || c.Operations.StreamMaxIdle <= 0 {
		return fmt.Errorf("stream heartbeat and max idle must be positive")
	}

	if c.Operations.StreamHeartbeat >= c.Operations.StreamMaxIdle {
		return fmt.Errorf("stream heartbeat (%s) must be shorter than stream max idle (%s)",
			c.Operations.StreamHeartbeat, c.Operations.StreamMaxIdle)
	}

	if c.Archive.Enabled && c.Archive.Path == "" {
		return fmt.Errorf("archive path is required when the archive is enabled")
	}

	if c.Vhosts.Concurrency <= 0 {
		c.Vhosts.Concurrency = 1
	}

	if c.Vhosts.DefaultDepth < 0 {
		return fmt.Errorf("vhosts default depth cannot be negative")
	}

	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}

	switch c.Logging.Output {
	case "console", "file", "both":
	default:
		c.Logging.Output = "console"
	}

	if c.Logging.Output != "console" && c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/fauxnetd.log"
	}

	return nil
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if explicit := os.Getenv(EnvPrefix + "_CONFIG"); explicit != "" {
		return explicit
	}

	locations := []string{
		"config.yaml",
		"configs/config.yaml",
		"/etc/fauxnet/fauxnetd.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return "" // No config file found, use env vars only
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			MaxHeaderBytes:  1 << 20, // 1MB
			MaxBodySize:     1 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/fauxnetd.log",
		},
		Operations: OperationsConfig{
			RetentionTTL:    10 * time.Minute,
			MaxMessages:     100,
			StreamHeartbeat: 15 * time.Second,
			StreamMaxIdle:   5 * time.Minute,
			SweepSchedule:   "@every 1m",
			PollInterval:    time.Second,
		},
		Archive: ArchiveConfig{
			Enabled:   true,
			Path:      "data/operations.db",
			Retention: 24 * time.Hour,
		},
		Emulator: EmulatorConfig{
			CLIPath:        "core-cli",
			TopologyDir:    "/opt/fauxnet/topologies",
			CommandTimeout: 10 * time.Minute,
		},
		Vhosts: VhostsConfig{
			BaseDir:        "/opt/fauxnet/vhosts",
			DefaultDepth:   1,
			Concurrency:    4,
			NCSIURL:        "http://www.msftncsi.com",
			RequestTimeout: 30 * time.Second,
			UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) fauxnet-scraper",
			FallbackIP:     "1.0.0.0",
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingPeriod:      30 * time.Second,
			PongWait:        60 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
	}
}
