package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// AddFlags binds command-line overrides to c. Values already in c are the
// flag defaults.
func (c *Config) AddFlags(fs *pflag.FlagSet) *Config {
	fs.StringVar(&c.Node.PeerID, "peer-id", c.Node.PeerID, "Peer id this node registers with the relay")
	fs.StringVar(&c.Server.Address, "listen", c.Server.Address, "Control API listen address")
	fs.StringVar(&c.Signal.Address, "signal-listen", c.Signal.Address, "Relay listen address")
	fs.StringVar(&c.Client.URL, "signal-url", c.Client.URL, "Relay websocket URL")
	fs.StringVar(&c.Client.Token, "signal-token", c.Client.Token, "Bearer token presented to the relay")
	fs.StringVar(&c.Logging.Level, "log-level", c.Logging.Level, "Log level: [debug, info, warn, error]")
	fs.StringVar(&c.Logging.Format, "log-format", c.Logging.Format, "Log format: [json, console]")
	fs.StringVar(&c.Storage.Driver, "storage", c.Storage.Driver, "Call history storage: [memory, redis, sqlite]")
	fs.StringVar(&c.Storage.SQLitePath, "sqlite-path", c.Storage.SQLitePath, "SQLite database file for call history")
	fs.BoolVar(&c.Redis.Enabled, "redis", c.Redis.Enabled, "Use Redis for presence and call history")
	fs.StringVar(&c.Redis.Address, "redis-address", c.Redis.Address, "Redis address")
	fs.BoolVar(&c.TURN.Enabled, "turn", c.TURN.Enabled, "Run the embedded TURN server")
	fs.StringVar(&c.TURN.PublicIP, "turn-public-ip", c.TURN.PublicIP, "Public IP advertised in TURN relay addresses")
	fs.StringVar(&c.Auth.JWTSecret, "jwt-secret", c.Auth.JWTSecret, "Secret used to sign and verify peer tokens")
	return c
}

// ParseFlags loads the file named by --config and applies the remaining
// flags on top of it. Flags win over the file and environment.
func ParseFlags(name string, args []string) (*Config, string, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	path := fs.StringP("config", "c", "config.yaml", "Path to the YAML config file")
	DefaultConfig().AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}

	cfg, err := Load(*path)
	if err != nil {
		return nil, "", err
	}

	bound := pflag.NewFlagSet(name, pflag.ContinueOnError)
	cfg.AddFlags(bound)
	var setErr error
	fs.Visit(func(f *pflag.Flag) {
		if f.Name == "config" || setErr != nil {
			return
		}
		if err := bound.Set(f.Name, f.Value.String()); err != nil {
			setErr = fmt.Errorf("flag --%s: %w", f.Name, err)
		}
	})
	if setErr != nil {
		return nil, "", setErr
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, *path, nil
}
