package daemon

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/psaab/tethrx/pkg/forwarder"
	"github.com/psaab/tethrx/pkg/forwarder/bpfmaps"
)

// EngineAuto selects the BPF engine when the host supports it and falls
// back to the simulator otherwise.
const EngineAuto = "auto"

// Config is the daemon configuration. Every field can be set through a
// TETHRX_* environment variable; the command line overrides.
type Config struct {
	Engine       string        `envconfig:"ENGINE" default:"auto"`
	PinPath      string        `envconfig:"PIN_PATH"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
	EventRing    int           `envconfig:"EVENT_RING" default:"1024"`
	LockFile     string        `envconfig:"LOCK_FILE" default:"/run/tethrx.lock"`

	APIAddr   string `envconfig:"API_ADDR" default:"127.0.0.1:9909"`
	HTTPSAddr string `envconfig:"HTTPS_ADDR"`
	TLS       bool   `envconfig:"TLS"`
	APIKey    string `envconfig:"API_KEY"` // empty = no authentication

	Debug bool `envconfig:"DEBUG"`
}

// ConfigFromEnv loads the configuration from TETHRX_* environment
// variables, applying defaults for anything unset.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("TETHRX", &cfg); err != nil {
		return Config{}, fmt.Errorf("load environment config: %w", err)
	}
	return cfg, nil
}

// Validate normalizes the configuration and rejects inconsistent values.
func (c *Config) Validate() error {
	switch c.Engine {
	case EngineAuto, forwarder.KindBPF, forwarder.KindSim:
	default:
		return fmt.Errorf("unknown engine %q", c.Engine)
	}
	if c.PinPath == "" {
		c.PinPath = bpfmaps.DefaultPinPath
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.EventRing <= 0 {
		c.EventRing = 1024
	}
	return nil
}
