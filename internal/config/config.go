package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"
	_ "time/tzdata" // dispatch.timezone must resolve on hosts without zoneinfo

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Notify    NotifyConfig    `yaml:"notify"`
	Relay     RelayConfig     `yaml:"relay"`
}

// ServerConfig contains process-wide settings
type ServerConfig struct {
	Hostname        string        `yaml:"hostname"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr" validate:"required"`
	APIKey         string        `yaml:"api_key"`
	APIKeyHash     string        `yaml:"api_key_hash"` // bcrypt hash, alternative to api_key
	MaxHeaderBytes int           `yaml:"max_header_bytes" validate:"gte=0"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes" validate:"gte=0"` // Multipart body limit (default: 16MB)
	ReadTimeout    time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout   time.Duration `yaml:"write_timeout" validate:"gte=0"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" validate:"gte=0"`
	AllowedIPs     []string      `yaml:"allowed_ips"`  // IP addresses/CIDRs allowed to access API (empty = allow all)
	CORSOrigins    []string      `yaml:"cors_origins"` // Default: *
	TrustProxy     bool          `yaml:"trust_proxy"`  // Take client IP from X-Forwarded-For / X-Real-IP
	TLS            TLSConfig     `yaml:"tls"`
}

// TLSConfig contains HTTPS settings for the API listener
type TLSConfig struct {
	CertFile string     `yaml:"cert_file"`
	KeyFile  string     `yaml:"key_file"`
	ACME     ACMEConfig `yaml:"acme"`
}

// ACMEConfig contains Let's Encrypt settings
type ACMEConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Email         string   `yaml:"email" validate:"omitempty,email"`
	Domains       []string `yaml:"domains" validate:"dive,hostname"`
	CacheDir      string   `yaml:"cache_dir"`
	ChallengeAddr string   `yaml:"challenge_addr"` // HTTP-01 listener (default: :80)
}

// Enabled returns true if the API should serve HTTPS
func (t TLSConfig) Enabled() bool {
	return t.ACME.Enabled || t.CertFile != ""
}

// WhatsAppConfig contains chat session settings
type WhatsAppConfig struct {
	StorePath      string        `yaml:"store_path" validate:"required"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" validate:"gte=0"` // Default: 3s
	GroupsCacheTTL time.Duration `yaml:"groups_cache_ttl" validate:"gte=0"`
	DeviceName     string        `yaml:"device_name"`
}

// DispatchConfig contains dispatch loop settings
type DispatchConfig struct {
	SendDelay        time.Duration `yaml:"send_delay" validate:"gte=0"` // Default: 1.2s
	CaptionSeparator string        `yaml:"caption_separator"`           // Default: "\n"

	// Zone for schedule times without an offset (default: local)
	Timezone string `yaml:"timezone"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ListenAddr      string        `yaml:"listen_addr"` // Default: :9090
	Path            string        `yaml:"path"`        // Default: /metrics
	CollectInterval time.Duration `yaml:"collect_interval" validate:"gte=0"`
	AllowedIPs      []string      `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to access metrics
}

// RateLimitConfig contains send quota settings
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Global        *LimitValues  `yaml:"global,omitempty"`
	PerRecipient  *LimitValues  `yaml:"per_recipient,omitempty"`
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gte=0"`
}

// LimitValues contains rate limit values
type LimitValues struct {
	MessagesPerHour int `yaml:"messages_per_hour" validate:"gte=0"`
	MessagesPerDay  int `yaml:"messages_per_day" validate:"gte=0"`
}

// NotifyConfig contains email notification settings
type NotifyConfig struct {
	Enabled       bool          `yaml:"enabled"`
	SMTPAddr      string        `yaml:"smtp_addr" validate:"omitempty,hostname_port"`
	TLSMode       string        `yaml:"tls_mode" validate:"omitempty,oneof=starttls none"` // Default: starttls
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	From          string        `yaml:"from" validate:"omitempty,email"`
	To            []string      `yaml:"to" validate:"dive,email"`
	Statuses      []string      `yaml:"statuses" validate:"dive,oneof=sent failed connecting connected disconnected delivered read played"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	RatePerMinute int           `yaml:"rate_per_minute" validate:"gte=0"`
	Timeout       time.Duration `yaml:"timeout" validate:"gte=0"`
	DKIM          DKIMConfig    `yaml:"dkim"`
}

// DKIMConfig contains DKIM signing settings for notification mail
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
	Domain   string `yaml:"domain"`
}

// RelayConfig contains AMQP event relay settings
type RelayConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url" validate:"omitempty,url"`
	Exchange      string        `yaml:"exchange"`
	RoutingPrefix string        `yaml:"routing_prefix"`
	MaxRetries    int           `yaml:"max_retries" validate:"gte=0"`
	RetryDelay    time.Duration `yaml:"retry_delay" validate:"gte=0"`
	BufferSize    int           `yaml:"buffer_size" validate:"gte=0"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":5000"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.MaxUploadBytes == 0 {
		c.API.MaxUploadBytes = 16 << 20
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 60 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 60 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 120 * time.Second
	}
	if len(c.API.CORSOrigins) == 0 {
		c.API.CORSOrigins = []string{"*"}
	}
	if c.API.TLS.ACME.CacheDir == "" {
		c.API.TLS.ACME.CacheDir = "/var/lib/groupsend/certs"
	}
	if c.API.TLS.ACME.ChallengeAddr == "" {
		c.API.TLS.ACME.ChallengeAddr = ":80"
	}

	if c.WhatsApp.StorePath == "" {
		c.WhatsApp.StorePath = "/var/lib/groupsend/whatsapp.db"
	}
	if c.WhatsApp.ReconnectDelay == 0 {
		c.WhatsApp.ReconnectDelay = 3 * time.Second
	}
	if c.WhatsApp.GroupsCacheTTL == 0 {
		c.WhatsApp.GroupsCacheTTL = time.Minute
	}
	if c.WhatsApp.DeviceName == "" {
		c.WhatsApp.DeviceName = "groupsend"
	}

	if c.Dispatch.SendDelay == 0 {
		c.Dispatch.SendDelay = 1200 * time.Millisecond
	}
	if c.Dispatch.CaptionSeparator == "" {
		c.Dispatch.CaptionSeparator = "\n"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/groupsend/groupsend.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.CollectInterval == 0 {
		c.Metrics.CollectInterval = 5 * time.Second
	}

	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 10 * time.Second
	}

	if len(c.Notify.Statuses) == 0 {
		c.Notify.Statuses = []string{"failed", "disconnected"}
	}
	if c.Notify.TLSMode == "" {
		c.Notify.TLSMode = "starttls"
	}
	if c.Notify.SubjectPrefix == "" {
		c.Notify.SubjectPrefix = "[groupsend]"
	}
	if c.Notify.RatePerMinute == 0 {
		c.Notify.RatePerMinute = 10
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = 30 * time.Second
	}

	if c.Relay.Exchange == "" {
		c.Relay.Exchange = "groupsend.events"
	}
	if c.Relay.RoutingPrefix == "" {
		c.Relay.RoutingPrefix = "groupsend"
	}
	if c.Relay.MaxRetries == 0 {
		c.Relay.MaxRetries = 5
	}
	if c.Relay.RetryDelay == 0 {
		c.Relay.RetryDelay = time.Second
	}
	if c.Relay.BufferSize == 0 {
		c.Relay.BufferSize = 256
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: %q fails %q", fieldPath(fe.Namespace()), fmt.Sprint(fe.Value()), fe.Tag())
		}
		return err
	}

	if c.API.APIKey != "" && c.API.APIKeyHash != "" {
		return fmt.Errorf("api.api_key and api.api_key_hash are mutually exclusive")
	}

	if err := c.validateTLS(); err != nil {
		return err
	}

	if _, err := c.Dispatch.Location(); err != nil {
		return fmt.Errorf("invalid dispatch.timezone: %w", err)
	}

	if err := c.validateNotify(); err != nil {
		return err
	}

	if c.Relay.Enabled && c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required when relay is enabled")
	}

	return nil
}

func (c *Config) validateTLS() error {
	t := c.API.TLS
	if (t.CertFile == "") != (t.KeyFile == "") {
		return fmt.Errorf("api.tls.cert_file and api.tls.key_file must be set together")
	}
	if t.ACME.Enabled {
		if t.CertFile != "" {
			return fmt.Errorf("api.tls.acme and api.tls.cert_file are mutually exclusive")
		}
		if len(t.ACME.Domains) == 0 {
			return fmt.Errorf("api.tls.acme.domains is required when ACME is enabled")
		}
	}
	return nil
}

func (c *Config) validateNotify() error {
	n := c.Notify
	if !n.Enabled {
		return nil
	}

	if n.SMTPAddr == "" {
		return fmt.Errorf("notify.smtp_addr is required when notifications are enabled")
	}
	if n.From == "" {
		return fmt.Errorf("notify.from is required when notifications are enabled")
	}
	if len(n.To) == 0 {
		return fmt.Errorf("notify.to must not be empty when notifications are enabled")
	}

	if n.DKIM.Enabled {
		if n.DKIM.Selector == "" {
			return fmt.Errorf("notify.dkim.selector is required when DKIM is enabled")
		}
		if n.DKIM.KeyFile == "" {
			return fmt.Errorf("notify.dkim.key_file is required when DKIM is enabled")
		}
		if n.DKIM.Domain == "" {
			return fmt.Errorf("notify.dkim.domain is required when DKIM is enabled")
		}
		_, host, _ := strings.Cut(n.From, "@")
		host, domain := strings.ToLower(host), strings.ToLower(n.DKIM.Domain)
		if host != domain && !strings.HasSuffix(host, "."+domain) {
			return fmt.Errorf("notify.from domain %q is not within notify.dkim.domain %q", host, domain)
		}
	}

	return nil
}

// Location returns the zone used for schedule times without an offset
func (d DispatchConfig) Location() (*time.Location, error) {
	if d.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(d.Timezone)
}

// HasAPIAuth returns true if requests must carry an API key
func (a APIConfig) HasAPIAuth() bool {
	return a.APIKey != "" || a.APIKeyHash != ""
}

// newValidator reports fields by their YAML names
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// fieldPath drops the root type from a validator namespace, so
// Config.logging.level becomes logging.level
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
