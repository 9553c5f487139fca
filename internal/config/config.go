package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zep-us/impxy/internal/profile"
)

// Config holds all configuration values for the application
type Config struct {
	UpstreamURL            string   `mapstructure:"upstream_url"` // Base URL inbound requests are forwarded to
	ShutdownDrainSeconds   int      `mapstructure:"shutdown_drain_seconds"`
	ShutdownTimeoutSeconds int      `mapstructure:"shutdown_timeout_seconds"`
	ServerPort             int      `mapstructure:"server_port"`
	AllowedOrigins         []string `mapstructure:"allowed_origins"`     // CORS allowed origins
	MaxRequestSizeMB       int      `mapstructure:"max_request_size_mb"` // Request body size limit in MB

	ImpersonateTarget string   `mapstructure:"impersonate_target"` // Default impersonation target, empty disables
	FallbackPolicy    string   `mapstructure:"fallback_policy"`    // prefer_lower, strict or highest_available
	CandidateTargets  []string `mapstructure:"candidate_targets"`  // Ordered fallback candidates, newest first
	TargetHeader      string   `mapstructure:"target_header"`      // Request header selecting a per-request target

	RequestTimeoutMs   int    `mapstructure:"request_timeout_ms"`
	MaxConcurrent      int    `mapstructure:"max_concurrent"`       // Max transfers in flight
	ChunkQueueCapacity int    `mapstructure:"chunk_queue_capacity"` // Body chunks buffered per transfer
	PollTimeoutMs      int    `mapstructure:"poll_timeout_ms"`      // Dispatcher poll bound
	LibraryPath        string `mapstructure:"library_path"`         // Runtime identity of the native engine
	LogLevel           string `mapstructure:"log_level"`

	// Policy is FallbackPolicy parsed.
	Policy profile.Policy `mapstructure:"-"`
}

// RequestTimeout returns the default per-transfer timeout
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// PollTimeout returns the dispatcher poll bound
func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMs) * time.Millisecond
}

// Load reads configuration from config.toml file in . or ./config
// Returns error if configuration file is missing or required fields are not set
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	return load(v)
}

// LoadFile reads configuration from the given TOML file
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	// Set default values
	v.SetDefault("shutdown_drain_seconds", 2)
	v.SetDefault("shutdown_timeout_seconds", 10)
	v.SetDefault("server_port", 8080)
	v.SetDefault("allowed_origins", []string{"*"}) // Default wildcard for development
	v.SetDefault("max_request_size_mb", 10)
	v.SetDefault("impersonate_target", "chrome124")
	v.SetDefault("fallback_policy", "prefer_lower")
	v.SetDefault("candidate_targets", profile.DefaultCandidates)
	v.SetDefault("target_header", "X-Impersonate-Target")
	v.SetDefault("request_timeout_ms", 30000)
	v.SetDefault("max_concurrent", 1024)
	v.SetDefault("chunk_queue_capacity", 128)
	v.SetDefault("poll_timeout_ms", 100)
	v.SetDefault("library_path", "")
	v.SetDefault("log_level", "info")

	// IMPXY_UPSTREAM_URL etc. override the file
	v.SetEnvPrefix("impxy")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate required configuration
	if config.UpstreamURL == "" {
		return nil, fmt.Errorf("upstream_url is required in config file")
	}
	if !strings.HasPrefix(config.UpstreamURL, "http://") && !strings.HasPrefix(config.UpstreamURL, "https://") {
		return nil, fmt.Errorf("upstream_url must be an absolute http(s) URL, got %q", config.UpstreamURL)
	}
	config.UpstreamURL = strings.TrimRight(config.UpstreamURL, "/")

	policy, err := profile.ParsePolicy(config.FallbackPolicy)
	if err != nil {
		log.Printf("WARN:  %v, defaulting to 'prefer_lower'", err)
	}
	config.Policy = policy
	config.FallbackPolicy = policy.String()

	if len(config.CandidateTargets) == 0 {
		log.Printf("WARN:  candidate_targets is empty, using built-in list")
		config.CandidateTargets = profile.DefaultCandidates
	}

	if config.MaxConcurrent <= 0 {
		log.Printf("WARN:  max_concurrent <= 0 (%d), defaulting to 1024", config.MaxConcurrent)
		config.MaxConcurrent = 1024
	}
	if config.ChunkQueueCapacity <= 0 {
		log.Printf("WARN:  chunk_queue_capacity <= 0 (%d), defaulting to 128", config.ChunkQueueCapacity)
		config.ChunkQueueCapacity = 128
	}
	if config.PollTimeoutMs <= 0 {
		log.Printf("WARN:  poll_timeout_ms <= 0 (%d), defaulting to 100", config.PollTimeoutMs)
		config.PollTimeoutMs = 100
	}
	if config.RequestTimeoutMs < 0 {
		log.Printf("WARN:  request_timeout_ms < 0 (%d), disabling the default timeout", config.RequestTimeoutMs)
		config.RequestTimeoutMs = 0
	}
	if config.ImpersonateTarget == "" {
		log.Printf("WARN:  impersonate_target is empty - requests without %s are sent without impersonation", config.TargetHeader)
	}

	log.Printf("INFO:  Configuration loaded successfully from %s", v.ConfigFileUsed())
	log.Printf("INFO:    upstream_url: %s", config.UpstreamURL)
	log.Printf("INFO:    shutdown_drain_seconds: %d", config.ShutdownDrainSeconds)
	log.Printf("INFO:    shutdown_timeout_seconds: %d", config.ShutdownTimeoutSeconds)
	log.Printf("INFO:    server_port: %d", config.ServerPort)
	log.Printf("INFO:    allowed_origins: %v", config.AllowedOrigins)
	log.Printf("INFO:    max_request_size_mb: %d", config.MaxRequestSizeMB)
	log.Printf("INFO:    impersonate_target: %s (policy %s)", config.ImpersonateTarget, config.FallbackPolicy)
	log.Printf("INFO:    candidate_targets: %v", config.CandidateTargets)
	log.Printf("INFO:    max_concurrent: %d", config.MaxConcurrent)
	log.Printf("INFO:    request_timeout_ms: %d", config.RequestTimeoutMs)
	log.Printf("INFO:    library_path: %q", config.LibraryPath)

	return &config, nil
}
