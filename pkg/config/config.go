package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"rillcall/pkg/validation"

	"gopkg.in/yaml.v2"
)

const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
	StorageSQLite = "sqlite"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Node struct {
		PeerID string `yaml:"peer_id"`
	} `yaml:"node"`

	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	// Signal configures the relay process.
	Signal struct {
		Address         string        `yaml:"address"`
		Path            string        `yaml:"path"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		SendBuffer      int           `yaml:"send_buffer"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	// Client configures the call node's connection to the relay.
	Client struct {
		URL                   string        `yaml:"url"`
		Token                 string        `yaml:"token"`
		DialTimeout           time.Duration `yaml:"dial_timeout"`
		ReconnectInitialDelay time.Duration `yaml:"reconnect_initial_delay"`
		ReconnectMaxDelay     time.Duration `yaml:"reconnect_max_delay"`
		ReconnectMaxAttempts  int           `yaml:"reconnect_max_attempts"`
		BreakerFailures       int           `yaml:"breaker_failures"`
		BreakerTimeout        time.Duration `yaml:"breaker_timeout"`
	} `yaml:"client"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		MinBitrate   int `yaml:"min_bitrate"`
		MaxBitrate   int `yaml:"max_bitrate"`
		StartBitrate int `yaml:"start_bitrate"`
	} `yaml:"webrtc"`

	Call struct {
		RejectDisplayDelay    time.Duration `yaml:"reject_display_delay"`
		RingTimeout           time.Duration `yaml:"ring_timeout"`
		DurationTick          time.Duration `yaml:"duration_tick"`
		QualityInterval       time.Duration `yaml:"quality_interval"`
		RestartMaxAttempts    int           `yaml:"restart_max_attempts"`
		RestartInitialBackoff time.Duration `yaml:"restart_initial_backoff"`
		RestartMaxBackoff     time.Duration `yaml:"restart_max_backoff"`
		RestartAnswerTimeout  time.Duration `yaml:"restart_answer_timeout"`
		NetworkPollInterval   time.Duration `yaml:"network_poll_interval"`
		HistoryLimit          int           `yaml:"history_limit"`
	} `yaml:"call"`

	// Storage selects where finished calls are recorded.
	Storage struct {
		Driver     string `yaml:"driver"` // memory, redis or sqlite
		SQLitePath string `yaml:"sqlite_path"`
		Capacity   int    `yaml:"capacity"`
	} `yaml:"storage"`

	// TURN runs an embedded TURN server next to the relay.
	TURN struct {
		Enabled  bool              `yaml:"enabled"`
		Address  string            `yaml:"address"`
		PublicIP string            `yaml:"public_ip"`
		Realm    string            `yaml:"realm"`
		Users    map[string]string `yaml:"users"`
	} `yaml:"turn"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		// JWTSecret verifies peer tokens on the relay. Empty disables verification.
		JWTSecret      string   `yaml:"jwt_secret"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"auth"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxConcurrent        int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if err := validation.ValidateNonEmptyString(c.Server.Address, "server.address"); err != nil {
		return err
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if err := validation.ValidateNonEmptyString(c.Signal.Address, "signal.address"); err != nil {
		return err
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.SendBuffer <= 0 {
		return fmt.Errorf("signal.send_buffer must be > 0")
	}

	// Client
	if err := validation.ValidateURL(c.Client.URL); err != nil {
		return fmt.Errorf("client.url: %w", err)
	}
	if c.Client.ReconnectInitialDelay <= 0 || c.Client.ReconnectMaxDelay < c.Client.ReconnectInitialDelay {
		return fmt.Errorf("client reconnect delays must satisfy 0 < initial <= max")
	}
	if c.Client.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("client.reconnect_max_attempts must be >= 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	for name, bps := range map[string]int{
		"min_bitrate":   c.WebRTC.MinBitrate,
		"max_bitrate":   c.WebRTC.MaxBitrate,
		"start_bitrate": c.WebRTC.StartBitrate,
	} {
		if err := validation.ValidateBitrate(bps); err != nil {
			return fmt.Errorf("webrtc.%s: %w", name, err)
		}
	}
	if c.WebRTC.MaxBitrate < c.WebRTC.MinBitrate {
		return fmt.Errorf("webrtc bitrates must satisfy min_bitrate <= max_bitrate")
	}
	if c.WebRTC.StartBitrate < c.WebRTC.MinBitrate || c.WebRTC.StartBitrate > c.WebRTC.MaxBitrate {
		return fmt.Errorf("webrtc.start_bitrate must be within [min_bitrate, max_bitrate]")
	}

	// Call
	if c.Call.DurationTick <= 0 {
		return fmt.Errorf("call.duration_tick must be > 0")
	}
	if c.Call.QualityInterval <= 0 {
		return fmt.Errorf("call.quality_interval must be > 0")
	}
	if c.Call.RejectDisplayDelay < 0 {
		return fmt.Errorf("call.reject_display_delay must be >= 0")
	}
	if c.Call.RingTimeout < 0 {
		return fmt.Errorf("call.ring_timeout must be >= 0")
	}
	if c.Call.RestartMaxAttempts <= 0 {
		return fmt.Errorf("call.restart_max_attempts must be > 0")
	}
	if c.Call.RestartInitialBackoff <= 0 || c.Call.RestartMaxBackoff < c.Call.RestartInitialBackoff {
		return fmt.Errorf("call restart backoff must satisfy 0 < initial <= max")
	}
	if c.Call.RestartAnswerTimeout <= 0 {
		return fmt.Errorf("call.restart_answer_timeout must be > 0")
	}
	if c.Call.NetworkPollInterval < 0 {
		return fmt.Errorf("call.network_poll_interval must be >= 0")
	}

	// Storage
	switch c.Storage.Driver {
	case StorageMemory, StorageRedis:
	case StorageSQLite:
		if err := validation.ValidateNonEmptyString(c.Storage.SQLitePath, "storage.sqlite_path"); err != nil {
			return fmt.Errorf("%w when storage.driver=sqlite", err)
		}
	default:
		return fmt.Errorf("storage.driver must be one of memory, redis, sqlite")
	}
	if c.Storage.Capacity < 0 {
		return fmt.Errorf("storage.capacity must be >= 0")
	}

	// TURN
	if c.TURN.Enabled {
		if c.TURN.Address == "" || c.TURN.PublicIP == "" {
			return fmt.Errorf("turn.address and turn.public_ip must be set when turn.enabled=true")
		}
		if len(c.TURN.Users) == 0 {
			return fmt.Errorf("turn.users must not be empty when turn.enabled=true")
		}
	}

	// Logging
	if err := validation.ValidateNonEmptyString(c.Logging.Level, "logging.level"); err != nil {
		return err
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if err := validation.ValidateURL(c.Tracing.JaegerURL); err != nil {
			return fmt.Errorf("tracing.jaeger_url: %w", err)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.Path = "/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendBuffer = 64
	cfg.Signal.ShutdownTimeout = 30 * time.Second

	cfg.Client.URL = "ws://localhost:8081/ws"
	cfg.Client.DialTimeout = 10 * time.Second
	cfg.Client.ReconnectInitialDelay = 500 * time.Millisecond
	cfg.Client.ReconnectMaxDelay = 30 * time.Second
	cfg.Client.ReconnectMaxAttempts = 10
	cfg.Client.BreakerFailures = 5
	cfg.Client.BreakerTimeout = 30 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}
	cfg.WebRTC.MinBitrate = 150_000
	cfg.WebRTC.MaxBitrate = 2_500_000
	cfg.WebRTC.StartBitrate = 1_000_000

	cfg.Call.RejectDisplayDelay = 2 * time.Second
	cfg.Call.RingTimeout = 45 * time.Second
	cfg.Call.DurationTick = time.Second
	cfg.Call.QualityInterval = 5 * time.Second
	cfg.Call.RestartMaxAttempts = 5
	cfg.Call.RestartInitialBackoff = time.Second
	cfg.Call.RestartMaxBackoff = 15 * time.Second
	cfg.Call.RestartAnswerTimeout = 10 * time.Second
	cfg.Call.NetworkPollInterval = 3 * time.Second
	cfg.Call.HistoryLimit = 50

	cfg.Storage.Driver = StorageMemory
	cfg.Storage.SQLitePath = "data/calls.db"
	cfg.Storage.Capacity = 1000

	cfg.TURN.Address = "0.0.0.0:3478"
	cfg.TURN.Realm = "rillcall"

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "rillcall"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if id := os.Getenv("RILLCALL_PEER_ID"); id != "" {
		c.Node.PeerID = id
	}
	if addr := os.Getenv("RILLCALL_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("RILLCALL_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if url := os.Getenv("RILLCALL_SIGNAL_URL"); url != "" {
		c.Client.URL = url
	}
	if token := os.Getenv("RILLCALL_SIGNAL_TOKEN"); token != "" {
		c.Client.Token = token
	}
	if level := os.Getenv("RILLCALL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("RILLCALL_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("RILLCALL_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if driver := os.Getenv("RILLCALL_STORAGE_DRIVER"); driver != "" {
		c.Storage.Driver = driver
	}
	if path := os.Getenv("RILLCALL_SQLITE_PATH"); path != "" {
		c.Storage.SQLitePath = path
	}
	if v := os.Getenv("RILLCALL_RESTART_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Call.RestartMaxAttempts = n
		}
	}
}
