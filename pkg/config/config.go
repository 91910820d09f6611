// Package config provides unified configuration for the sitehost server.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (SITEHOST_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import "time"

// Config holds all configuration for the sitehost server.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Limits        LimitsConfig        `yaml:"limits"`
	Streaming     StreamingConfig     `yaml:"streaming"`
	WebSocket     WebSocketConfig     `yaml:"websocket"`
	Headers       HeadersConfig       `yaml:"headers"`
	Auth          AuthConfig          `yaml:"auth"`
	Sites         []SiteConfig        `yaml:"sites"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`                // default: ":8080"
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"` // default: 10s
	IdleTimeout       time.Duration `yaml:"idle_timeout"`        // default: 120s
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`    // default: 30s
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error; default: "info"
	Format string `yaml:"format"` // "text" or "json", default: "text"
	File   string `yaml:"file"`   // empty logs to stderr
	Debug  string `yaml:"debug"`  // debug categories, e.g. "dispatch,streaming"
}

// LimitsConfig holds hard limits.
type LimitsConfig struct {
	MaxBodySize   int64 `yaml:"max_body_size"`  // default: 10 MiB
	EntityPreload int64 `yaml:"entity_preload"` // default: 64 KiB
	MaxStreams    int   `yaml:"max_streams"`    // default: 10000, 0 = unlimited
	MaxChannels   int   `yaml:"max_channels"`   // default: 10000, 0 = unlimited
	MaxWorkers    int   `yaml:"max_workers"`    // default: 512
}

// StreamingConfig holds event stream keep-alive and shutdown settings.
type StreamingConfig struct {
	Heartbeat      time.Duration `yaml:"heartbeat"`       // default: 15s
	StopRetries    int           `yaml:"stop_retries"`    // default: 300
	StopInterval   time.Duration `yaml:"stop_interval"`   // default: 100ms
	SubscribeRate  float64       `yaml:"subscribe_rate"`  // per sender per second, default: 5
	SubscribeBurst int           `yaml:"subscribe_burst"` // default: 10
	WriteTimeout   time.Duration `yaml:"write_timeout"`   // per frame, 0 disables, default: 10s
}

// WebSocketConfig holds channel limits.
type WebSocketConfig struct {
	ReadLimit    int64         `yaml:"read_limit"`    // default: 64 KiB
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 60s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 10s
	PingInterval time.Duration `yaml:"ping_interval"` // default: 30s
}

// HeadersConfig holds the default response header policy.
type HeadersConfig struct {
	Server      string `yaml:"server"` // vendor, product, application, operator, suppressed
	Product     string `yaml:"product"`
	Application string `yaml:"application"`
	Operator    string `yaml:"operator"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Type      string            `yaml:"type"`     // "none", "apikey", "jwt", "basic"; default: "none"
	APIKeys   []APIKeyConfig    `yaml:"api_keys"` // entries for type=apikey
	JWT       JWTConfig         `yaml:"jwt"`
	Users     []BasicUserConfig `yaml:"users"` // entries for type=basic
	RateLimit RateLimitConfig   `yaml:"rate_limit"`
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	Key         string   `yaml:"key"`
	KeyFile     string   `yaml:"key_file"` // _file variant for key
	Subject     string   `yaml:"subject"`
	TenantID    string   `yaml:"tenant_id"`
	ServiceTier string   `yaml:"service_tier"`
	Sites       []string `yaml:"sites"` // empty = every site
}

// JWTConfig holds bearer token verification settings.
type JWTConfig struct {
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
	Secret        string `yaml:"secret"`
	SecretFile    string `yaml:"secret_file"` // _file variant for secret
	PublicKeyFile string `yaml:"public_key_file"`
	SubjectClaim  string `yaml:"subject_claim"`
	TierClaim     string `yaml:"tier_claim"`
	ScopesClaim   string `yaml:"scopes_claim"`
}

// BasicUserConfig describes one basic auth user with a bcrypt hash.
type BasicUserConfig struct {
	Name             string `yaml:"name"`
	PasswordHash     string `yaml:"password_hash"`
	PasswordHashFile string `yaml:"password_hash_file"` // _file variant
	ServiceTier      string `yaml:"service_tier"`
}

// RateLimitConfig holds per-identity request limits.
type RateLimitConfig struct {
	DefaultRPM int            `yaml:"default_rpm"` // 0 = unlimited
	Tiers      map[string]int `yaml:"tiers"`       // tier -> requests per minute
}

// SiteConfig describes one site.
type SiteConfig struct {
	Name          string        `yaml:"name"`
	Port          int           `yaml:"port"`     // default: port of server.addr
	BaseURL       string        `yaml:"base_url"` // default: "/"
	Prefix        string        `yaml:"prefix"`
	Main          string        `yaml:"main"` // base URL of the main site, for sub-sites
	Secure        bool          `yaml:"secure"`
	Root          string        `yaml:"root"` // directory served as static files
	Auth          SiteAuth      `yaml:"auth"`
	Cookies       CookiesConfig `yaml:"cookies"`
	Compression   bool          `yaml:"compression"`
	EventStream   bool          `yaml:"event_stream"`
	VerbTunneling bool          `yaml:"verb_tunneling"`
	WebSockets    bool          `yaml:"websockets"`
	VerbFallback  string        `yaml:"verb_fallback"`
}

// SiteAuth is a site's authentication requirement.
type SiteAuth struct {
	Required bool   `yaml:"required"`
	Scheme   string `yaml:"scheme"` // default: "Bearer"
	Realm    string `yaml:"realm"`
}

// CookiesConfig is a site's cookie policy. An attribute is policy
// controlled when it is set here; unset attributes pass through from the
// handler's cookie.
type CookiesConfig struct {
	Secure         *bool  `yaml:"secure"`
	HTTPOnly       *bool  `yaml:"http_only"`
	SameSite       string `yaml:"same_site"` // lax, strict, none
	Path           string `yaml:"path"`
	Domain         string `yaml:"domain"`
	ExpiresMinutes *int   `yaml:"expires_minutes"`
	MaxAge         *int   `yaml:"max_age"`
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Addr    string `yaml:"addr"`    // default: ":9090"
	Path    string `yaml:"path"`    // default: "/metrics"
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Limits: LimitsConfig{
			MaxBodySize:   10 << 20,
			EntityPreload: 64 << 10,
			MaxStreams:    10000,
			MaxChannels:   10000,
			MaxWorkers:    512,
		},
		Streaming: StreamingConfig{
			Heartbeat:      15 * time.Second,
			StopRetries:    300,
			StopInterval:   100 * time.Millisecond,
			SubscribeRate:  5,
			SubscribeBurst: 10,
			WriteTimeout:   10 * time.Second,
		},
		WebSocket: WebSocketConfig{
			ReadLimit:    64 << 10,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			PingInterval: 30 * time.Second,
		},
		Headers: HeadersConfig{
			Server: "vendor",
		},
		Auth: AuthConfig{
			Type: "none",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Addr:    ":9090",
				Path:    "/metrics",
			},
		},
	}
}
