package spandb

import (
	"errors"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/spandb/spandb.go/pkg/auth"
	"github.com/spandb/spandb.go/pkg/logger"
	"github.com/spandb/spandb.go/pkg/session"
)

// EnvEmulatorHost, when set, redirects the client to a local emulator and
// disables authentication. The value is a host:port.
const EnvEmulatorHost = "SPANDB_EMULATOR_HOST"

// Config configures a Client.
type Config struct {
	// Database is the fully qualified database name.
	Database string `json:"database"`
	// Endpoint is the ws:// or wss:// base URL of the service.
	Endpoint string `json:"endpoint"`
	// NumConnections is the size of the connection pool.
	NumConnections int `json:"num_connections"`
	// Timeout bounds one unary RPC round trip.
	Timeout time.Duration `json:"timeout"`

	SessionPool session.Config `json:"session_pool"`

	TokenSource auth.TokenSource `json:"-"`
	Logger      logger.Logger    `json:"-"`
}

func (c Config) withDefaults() Config {
	if c.NumConnections <= 0 {
		c.NumConnections = 4
	}
	if c.SessionPool == (session.Config{}) {
		c.SessionPool = session.DefaultConfig()
	}
	if c.Logger == nil {
		c.Logger = logger.Discard()
	}
	if host := os.Getenv(EnvEmulatorHost); host != "" {
		c.Endpoint = "ws://" + host
		c.TokenSource = nil
	}
	return c
}

func (c Config) validate() error {
	if c.Database == "" {
		return errors.New("spandb: Database is required")
	}
	if c.Endpoint == "" {
		return errors.New("spandb: Endpoint is required")
	}
	return nil
}

// LoadConfig reads a Config from a JSON file. Fields absent from the file
// keep their defaults; the token source and logger are code-only.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
