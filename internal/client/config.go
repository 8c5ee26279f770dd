package client

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces the client's environment variables
const EnvPrefix = "FAUXNETCTL"

// Channel selects how a tracker observes an operation
type Channel string

const (
	ChannelStream Channel = "stream"
	ChannelPoll   Channel = "poll"
)

// Config is the client configuration. Command line flags override it.
type Config struct {
	Server            string        `envconfig:"SERVER" default:"http://127.0.0.1:8080"`
	Credential        string        `envconfig:"CREDENTIAL"`
	Store             string        `envconfig:"STORE" default:"file"`
	StorePath         string        `envconfig:"STORE_PATH"`
	Channel           Channel       `envconfig:"CHANNEL" default:"stream"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
	RequestTimeout    time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	ReconnectAttempts int           `envconfig:"RECONNECT_ATTEMPTS" default:"5"`
	ReconnectBackoff  time.Duration `envconfig:"RECONNECT_BACKOFF" default:"1s"`
}

// LoadConfig reads FAUXNETCTL_* environment variables over the defaults
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load client config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the values flags and environment may have set
func (c Config) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("server address is required")
	}
	if c.Channel != ChannelStream && c.Channel != ChannelPoll {
		return fmt.Errorf("channel must be %q or %q, got %q", ChannelStream, ChannelPoll, c.Channel)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("reconnect attempts cannot be negative")
	}
	return nil
}
