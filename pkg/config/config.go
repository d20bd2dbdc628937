package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"relayspaces/pkg/validation"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	// Relay configures the standalone relay server (cmd/relay).
	Relay struct {
		Address             string        `yaml:"address"`
		Store               string        `yaml:"store"` // memory | redis
		PingInterval        time.Duration `yaml:"ping_interval"`
		PongTimeout         time.Duration `yaml:"pong_timeout"`
		ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
		MaxMessageSizeBytes int64         `yaml:"max_message_size_bytes"`
		MaxEventsPerQuery   int           `yaml:"max_events_per_query"`
	} `yaml:"relay"`

	// Relays configures how the spaces node reaches relays.
	Relays struct {
		Backend        string        `yaml:"backend"` // memory | redis | websocket
		URLs           []string      `yaml:"urls"`
		DialTimeout    time.Duration `yaml:"dial_timeout"`
		PublishTimeout time.Duration `yaml:"publish_timeout"`
		RetryAttempts  int           `yaml:"retry_attempts"`
		RetryDelay     time.Duration `yaml:"retry_delay"`
		Breaker        struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			OpenTimeout      time.Duration `yaml:"open_timeout"`
		} `yaml:"breaker"`
	} `yaml:"relays"`

	Profile struct {
		Name         string  `yaml:"name"`
		SecretKey    string  `yaml:"secret_key"` // hex; generated when empty
		UploadKbps   float64 `yaml:"upload_kbps"`
		DownloadKbps float64 `yaml:"download_kbps"`
	} `yaml:"profile"`

	Space struct {
		ReservationTimeout time.Duration `yaml:"reservation_timeout"`
		NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
		PublishTimeout     time.Duration `yaml:"publish_timeout"`
		DiscoveryWindow    time.Duration `yaml:"discovery_window"`
		ListCacheTTL       time.Duration `yaml:"list_cache_ttl"`
		HostOnStart        bool          `yaml:"host_on_start"`
		HostName           string        `yaml:"host_name"`
		JoinID             string        `yaml:"join_id"`

		Overlay struct {
			DistanceWeight           float64 `yaml:"distance_weight"`
			NetworkWeight            float64 `yaml:"network_weight"`
			LoadWeight               float64 `yaml:"load_weight"`
			OptimumUploadSpeedKbps   float64 `yaml:"optimum_upload_speed_kbps"`
			OptimumDownloadSpeedKbps float64 `yaml:"optimum_download_speed_kbps"`
		} `yaml:"overlay"`
	} `yaml:"space"`

	Signal struct {
		MessagesPerSecond float64       `yaml:"messages_per_second"`
		Burst             int           `yaml:"burst"`
		LimiterIdleTTL    time.Duration `yaml:"limiter_idle_ttl"`
		DedupTTL          time.Duration `yaml:"dedup_ttl"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`

	Auth struct {
		Enabled        bool          `yaml:"enabled"`
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent_connections"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
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

	// Relay server
	if c.Relay.Address == "" {
		return fmt.Errorf("relay.address must not be empty")
	}
	if !oneOf(c.Relay.Store, "memory", "redis") {
		return fmt.Errorf("relay.store must be memory or redis, got %q", c.Relay.Store)
	}
	if c.Relay.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be > 0")
	}
	if c.Relay.PongTimeout <= c.Relay.PingInterval {
		return fmt.Errorf("relay.pong_timeout must be > relay.ping_interval")
	}
	if c.Relay.ShutdownTimeout <= 0 {
		return fmt.Errorf("relay.shutdown_timeout must be > 0")
	}
	if c.Relay.MaxMessageSizeBytes <= 0 {
		return fmt.Errorf("relay.max_message_size_bytes must be > 0")
	}
	if c.Relay.MaxEventsPerQuery <= 0 {
		return fmt.Errorf("relay.max_events_per_query must be > 0")
	}

	// Relay clients
	if !oneOf(c.Relays.Backend, "memory", "redis", "websocket") {
		return fmt.Errorf("relays.backend must be memory, redis or websocket, got %q", c.Relays.Backend)
	}
	if c.Relays.Backend == "websocket" && len(c.Relays.URLs) == 0 {
		return fmt.Errorf("relays.urls must not be empty when relays.backend=websocket")
	}
	for _, u := range c.Relays.URLs {
		if err := validation.ValidateRelayURL(u); err != nil {
			return fmt.Errorf("relays.urls: %q: %w", u, err)
		}
	}
	if c.Relays.DialTimeout <= 0 {
		return fmt.Errorf("relays.dial_timeout must be > 0")
	}
	if c.Relays.PublishTimeout <= 0 {
		return fmt.Errorf("relays.publish_timeout must be > 0")
	}
	if c.Relays.RetryAttempts < 1 {
		return fmt.Errorf("relays.retry_attempts must be >= 1")
	}
	if c.Relays.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("relays.breaker.failure_threshold must be > 0")
	}
	if c.Relays.Breaker.OpenTimeout <= 0 {
		return fmt.Errorf("relays.breaker.open_timeout must be > 0")
	}

	// Profile
	if err := validation.ValidatePrivateKey(c.Profile.SecretKey); err != nil {
		return fmt.Errorf("profile.secret_key: %w", err)
	}
	if err := validation.ValidateSpeed(c.Profile.UploadKbps, "profile.upload_kbps"); err != nil {
		return err
	}
	if err := validation.ValidateSpeed(c.Profile.DownloadKbps, "profile.download_kbps"); err != nil {
		return err
	}

	// Space
	if c.Space.ReservationTimeout <= 0 {
		return fmt.Errorf("space.reservation_timeout must be > 0")
	}
	if c.Space.NegotiationTimeout <= 0 {
		return fmt.Errorf("space.negotiation_timeout must be > 0")
	}
	if c.Space.PublishTimeout <= 0 {
		return fmt.Errorf("space.publish_timeout must be > 0")
	}
	if c.Space.DiscoveryWindow <= 0 {
		return fmt.Errorf("space.discovery_window must be > 0")
	}
	if c.Space.ListCacheTTL < 0 {
		return fmt.Errorf("space.list_cache_ttl must be >= 0")
	}
	if c.Space.HostOnStart && c.Space.JoinID != "" {
		return fmt.Errorf("space.host_on_start and space.join_id are mutually exclusive")
	}
	o := c.Space.Overlay
	if o.DistanceWeight < 0 || o.NetworkWeight < 0 || o.LoadWeight < 0 {
		return fmt.Errorf("space.overlay weights must be >= 0")
	}
	if o.OptimumUploadSpeedKbps <= 0 || o.OptimumDownloadSpeedKbps <= 0 {
		return fmt.Errorf("space.overlay optimum speeds must be > 0")
	}

	// Signal
	if c.Signal.MessagesPerSecond <= 0 {
		return fmt.Errorf("signal.messages_per_second must be > 0")
	}
	if c.Signal.Burst <= 0 {
		return fmt.Errorf("signal.burst must be > 0")
	}
	if c.Signal.LimiterIdleTTL <= 0 {
		return fmt.Errorf("signal.limiter_idle_ttl must be > 0")
	}
	if c.Signal.DedupTTL <= 0 {
		return fmt.Errorf("signal.dedup_ttl must be > 0")
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

	// Monitoring
	if c.Monitoring.MetricsInterval <= 0 {
		return fmt.Errorf("monitoring.metrics_interval must be > 0")
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.JaegerURL == "" {
		return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	if !oneOf(c.Logging.Format, "json", "console") {
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	// Redis
	if c.Relays.Backend == "redis" || c.Relay.Store == "redis" {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when a redis backend is used")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when a redis backend is used")
		}
	}

	// Auth
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when auth.enabled=true")
		}
		if c.Auth.AccessTokenTTL <= 0 {
			return fmt.Errorf("auth.access_token_ttl must be > 0")
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
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
			// fall back to defaults
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
			}
		}
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

	cfg.Relay.Address = ":7447"
	cfg.Relay.Store = "memory"
	cfg.Relay.PingInterval = 30 * time.Second
	cfg.Relay.PongTimeout = 60 * time.Second
	cfg.Relay.ShutdownTimeout = 30 * time.Second
	cfg.Relay.MaxMessageSizeBytes = 64 * 1024
	cfg.Relay.MaxEventsPerQuery = 500

	cfg.Relays.Backend = "memory"
	cfg.Relays.DialTimeout = 10 * time.Second
	cfg.Relays.PublishTimeout = 10 * time.Second
	cfg.Relays.RetryAttempts = 3
	cfg.Relays.RetryDelay = 200 * time.Millisecond
	cfg.Relays.Breaker.FailureThreshold = 5
	cfg.Relays.Breaker.OpenTimeout = 30 * time.Second

	cfg.Profile.Name = "anonymous"

	cfg.Space.ReservationTimeout = 10 * time.Second
	cfg.Space.NegotiationTimeout = 15 * time.Second
	cfg.Space.PublishTimeout = 10 * time.Second
	cfg.Space.DiscoveryWindow = 2 * time.Hour
	cfg.Space.ListCacheTTL = 5 * time.Second
	cfg.Space.HostName = "My space"
	cfg.Space.Overlay.DistanceWeight = 0.4
	cfg.Space.Overlay.NetworkWeight = 0.4
	cfg.Space.Overlay.LoadWeight = 0.2
	cfg.Space.Overlay.OptimumUploadSpeedKbps = 500
	cfg.Space.Overlay.OptimumDownloadSpeedKbps = 320

	cfg.Signal.MessagesPerSecond = 50
	cfg.Signal.Burst = 100
	cfg.Signal.LimiterIdleTTL = 5 * time.Minute
	cfg.Signal.DedupTTL = 10 * time.Minute

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsInterval = 30 * time.Second

	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.Prefix = "relayspaces"

	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200

	return cfg
}

const envPrefix = "RELAYSPACES_"

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(envPrefix + "SERVER_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv(envPrefix + "RELAY_ADDRESS"); v != "" {
		c.Relay.Address = v
	}
	if v := os.Getenv(envPrefix + "RELAYS_BACKEND"); v != "" {
		c.Relays.Backend = v
	}
	if v := os.Getenv(envPrefix + "RELAYS_URLS"); v != "" {
		c.Relays.URLs = strings.Split(v, ",")
	}
	if v := os.Getenv(envPrefix + "SECRET_KEY"); v != "" {
		c.Profile.SecretKey = v
	}
	if v := os.Getenv(envPrefix + "PROFILE_NAME"); v != "" {
		c.Profile.Name = v
	}
	if v := os.Getenv(envPrefix + "REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(envPrefix + "JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
}
