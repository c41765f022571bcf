package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/developingchet/meeting-scheduler/internal/slots"
)

// Config holds all application configuration.
type Config struct {
	// Server
	ListenAddr        string `koanf:"listen_addr"`
	TrustProxyHeaders bool   `koanf:"trust_proxy_headers"`

	// Schedule
	Timezone     string        `koanf:"timezone"`
	PublicHours  string        `koanf:"public_hours"`
	FriendHours  string        `koanf:"friend_hours"`
	PublicNotice time.Duration `koanf:"public_notice"`
	FriendNotice time.Duration `koanf:"friend_notice"`
	SlotInterval time.Duration `koanf:"slot_interval"`
	MaxRangeDays int           `koanf:"max_range_days"`
	MaxDuration  time.Duration `koanf:"max_duration"`

	// Credentials
	TokenSecret       string        `koanf:"token_secret"`
	FriendTokenTTL    time.Duration `koanf:"friend_token_ttl"`
	AdminPasswordHash string        `koanf:"admin_password_hash"`

	// Abuse Guard
	TrustedEmails    []string      `koanf:"trusted_emails"`
	TrustedAddresses []string      `koanf:"trusted_addresses"`
	HoneypotBanTTL   time.Duration `koanf:"honeypot_ban_ttl"`
	SpamBanTTL       time.Duration `koanf:"spam_ban_ttl"`
	MaxPending       int           `koanf:"max_pending"`
	MaxRejected      int           `koanf:"max_rejected"`
	RejectedWindow   time.Duration `koanf:"rejected_window"`

	// Submission Throttle
	SubmitRateMax    int           `koanf:"submit_rate_max"`
	SubmitRateWindow time.Duration `koanf:"submit_rate_window"`

	// Calendar
	CacheTTL           time.Duration `koanf:"cache_ttl"`
	CalendarIDs        []string      `koanf:"calendar_ids"`
	BufferKeywords     []string      `koanf:"buffer_keywords"`
	BufferColorIDs     []string      `koanf:"buffer_color_ids"`
	BufferDuration     time.Duration `koanf:"buffer_duration"`
	CalendarTimeout    time.Duration `koanf:"calendar_timeout"`
	GoogleClientID     string        `koanf:"google_client_id"`
	GoogleClientSecret string        `koanf:"google_client_secret"`
	GoogleRefreshToken string        `koanf:"google_refresh_token"`
	PushCallbackURL    string        `koanf:"push_callback_url"`
	PushChannelToken   string        `koanf:"push_channel_token"`
	PushRenewInterval  time.Duration `koanf:"push_renew_interval"`

	// Notifications
	DiscordWebhookURL string `koanf:"discord_webhook_url"`
	EmailSender       string `koanf:"email_sender"`
	OperatorEmail     string `koanf:"operator_email"`
	MeetingLink       string `koanf:"meeting_link"`
	OwnerName         string `koanf:"owner_name"`

	// Worker Pool
	PoolWorkers    int           `koanf:"pool_workers"`
	PoolQueueDepth int           `koanf:"pool_queue_depth"`
	PoolMaxRetries int           `koanf:"pool_max_retries"`
	PoolRetryBase  time.Duration `koanf:"pool_retry_base"`

	// Storage
	DataDir string `koanf:"data_dir"`

	// Operational
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	MetricsEnabled  bool          `koanf:"metrics_enabled"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	HealthAddr      string        `koanf:"health_addr"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`

	// Derived by Validate
	location     *time.Location
	publicWindow slots.HoursWindow
	friendWindow slots.HoursWindow
}

// Location returns the operating timezone. Valid after Validate.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// PublicWindow returns the parsed PUBLIC_HOURS. Valid after Validate.
func (c *Config) PublicWindow() slots.HoursWindow { return c.publicWindow }

// FriendWindow returns the parsed FRIEND_HOURS. Valid after Validate.
func (c *Config) FriendWindow() slots.HoursWindow { return c.friendWindow }

// CalendarEnabled reports whether Google credentials are configured.
func (c *Config) CalendarEnabled() bool {
	return c.GoogleRefreshToken != ""
}

// PushEnabled reports whether push subscriptions should be maintained.
func (c *Config) PushEnabled() bool {
	return c.CalendarEnabled() && c.PushCallbackURL != ""
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields and string slice elements. This normalises values from Docker --env-file
// which does not strip shell quoting.
func (c *Config) sanitise() {
	for _, p := range []*string{
		&c.ListenAddr, &c.Timezone, &c.PublicHours, &c.FriendHours,
		&c.TokenSecret, &c.AdminPasswordHash,
		&c.GoogleClientID, &c.GoogleClientSecret, &c.GoogleRefreshToken,
		&c.PushCallbackURL, &c.PushChannelToken,
		&c.DiscordWebhookURL, &c.EmailSender, &c.OperatorEmail, &c.MeetingLink, &c.OwnerName,
		&c.DataDir, &c.LogLevel, &c.LogFormat, &c.MetricsAddr, &c.HealthAddr,
	} {
		*p = stripEnvQuotes(*p)
	}

	// Slice fields: strip each element
	for _, list := range [][]string{c.TrustedEmails, c.TrustedAddresses, c.CalendarIDs, c.BufferKeywords, c.BufferColorIDs} {
		for i, s := range list {
			list[i] = stripEnvQuotes(s)
		}
	}
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"listen_addr":         ":8000",
		"trust_proxy_headers": false,
		"timezone":            "Australia/Brisbane",
		"public_hours":        "9-17",
		"friend_hours":        "7-21",
		"public_notice":       "24h",
		"friend_notice":       "30m",
		"slot_interval":       "15m",
		"max_range_days":      62,
		"max_duration":        "8h",
		"friend_token_ttl":    "0s",
		"honeypot_ban_ttl":    "1h",
		"spam_ban_ttl":        "24h",
		"max_pending":         3,
		"max_rejected":        3,
		"rejected_window":     "24h",
		"submit_rate_max":     10,
		"submit_rate_window":  "1h",
		"cache_ttl":           "5m",
		"calendar_ids":        "primary",
		"buffer_keywords":     "work,shift,ambassador,class",
		"buffer_duration":     "1h",
		"calendar_timeout":    "5s",
		"push_renew_interval": "6h",
		"pool_workers":        2,
		"pool_queue_depth":    256,
		"pool_max_retries":    3,
		"pool_retry_base":     "1s",
		"data_dir":            "/data",
		"log_level":           "info",
		"log_format":          "json",
		"metrics_enabled":     true,
		"metrics_addr":        ":9090",
		"health_addr":         ":8081",
		"janitor_interval":    "1h",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. This normalises values set via Docker --env-file, which does not
// strip shell quoting. Only symmetric pairs are stripped: 'x' → x, "x" → x.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// "." keeps env names containing "_" as flat keys: LISTEN_ADDR → "listen_addr".
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Post-process comma-separated list fields that koanf won't split automatically
	cfg.TrustedEmails = splitCSV(k.String("trusted_emails"))
	cfg.TrustedAddresses = splitCSV(k.String("trusted_addresses"))
	cfg.CalendarIDs = splitCSV(k.String("calendar_ids"))
	cfg.BufferKeywords = splitCSV(k.String("buffer_keywords"))
	cfg.BufferColorIDs = splitCSV(k.String("buffer_color_ids"))

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints, and fills the
// derived fields.
func (c *Config) Validate() error {
	if c.TokenSecret == "" {
		return fmt.Errorf("TOKEN_SECRET is required")
	}
	if len(c.TokenSecret) < 16 {
		return fmt.Errorf("TOKEN_SECRET must be at least 16 characters")
	}
	if c.AdminPasswordHash == "" {
		return fmt.Errorf("ADMIN_PASSWORD_HASH is required")
	}
	if !strings.HasPrefix(c.AdminPasswordHash, "$2") {
		return fmt.Errorf("ADMIN_PASSWORD_HASH must be a bcrypt hash")
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("TIMEZONE: %w", err)
	}
	c.location = loc

	if c.publicWindow, err = slots.ParseHoursWindow(c.PublicHours); err != nil {
		return fmt.Errorf("PUBLIC_HOURS: %w", err)
	}
	if c.friendWindow, err = slots.ParseHoursWindow(c.FriendHours); err != nil {
		return fmt.Errorf("FRIEND_HOURS: %w", err)
	}
	if c.PublicNotice < 0 || c.FriendNotice < 0 {
		return fmt.Errorf("PUBLIC_NOTICE and FRIEND_NOTICE must be >= 0")
	}
	if c.SlotInterval <= 0 {
		return fmt.Errorf("SLOT_INTERVAL must be > 0; got %s", c.SlotInterval)
	}
	if c.MaxRangeDays < 1 {
		return fmt.Errorf("MAX_RANGE_DAYS must be >= 1; got %d", c.MaxRangeDays)
	}
	if c.MaxDuration < time.Minute {
		return fmt.Errorf("MAX_DURATION must be >= 1m; got %s", c.MaxDuration)
	}
	if c.FriendTokenTTL < 0 {
		return fmt.Errorf("FRIEND_TOKEN_TTL must be >= 0; got %s", c.FriendTokenTTL)
	}

	if c.HoneypotBanTTL <= 0 {
		return fmt.Errorf("HONEYPOT_BAN_TTL must be > 0; got %s", c.HoneypotBanTTL)
	}
	if c.SpamBanTTL <= 0 {
		return fmt.Errorf("SPAM_BAN_TTL must be > 0; got %s", c.SpamBanTTL)
	}
	if c.MaxPending < 0 || c.MaxRejected < 0 {
		return fmt.Errorf("MAX_PENDING and MAX_REJECTED must be >= 0")
	}
	if c.RejectedWindow <= 0 {
		return fmt.Errorf("REJECTED_WINDOW must be > 0; got %s", c.RejectedWindow)
	}
	if c.SubmitRateMax < 0 {
		return fmt.Errorf("SUBMIT_RATE_MAX must be >= 0; got %d", c.SubmitRateMax)
	}
	if c.SubmitRateMax > 0 && c.SubmitRateWindow <= 0 {
		return fmt.Errorf("SUBMIT_RATE_WINDOW must be > 0 when SUBMIT_RATE_MAX is set")
	}

	for _, entry := range c.TrustedAddresses {
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return fmt.Errorf("TRUSTED_ADDRESSES: invalid CIDR %q: %w", entry, err)
			}
		} else if net.ParseIP(entry) == nil {
			return fmt.Errorf("TRUSTED_ADDRESSES: invalid IP address %q", entry)
		}
	}

	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be > 0; got %s", c.CacheTTL)
	}
	if c.CalendarTimeout <= 0 {
		return fmt.Errorf("CALENDAR_TIMEOUT must be > 0; got %s", c.CalendarTimeout)
	}
	if c.BufferDuration < 0 {
		return fmt.Errorf("BUFFER_DURATION must be >= 0; got %s", c.BufferDuration)
	}
	if c.CalendarEnabled() {
		if c.GoogleClientID == "" || c.GoogleClientSecret == "" {
			return fmt.Errorf("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET are required with GOOGLE_REFRESH_TOKEN")
		}
		if len(c.CalendarIDs) == 0 {
			return fmt.Errorf("CALENDAR_IDS must not be empty")
		}
	}
	if c.PushCallbackURL != "" {
		u, err := url.Parse(c.PushCallbackURL)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return fmt.Errorf("PUSH_CALLBACK_URL must be an https:// URL; got %q", c.PushCallbackURL)
		}
		if c.PushChannelToken == "" {
			return fmt.Errorf("PUSH_CHANNEL_TOKEN is required with PUSH_CALLBACK_URL")
		}
		if c.PushRenewInterval <= 0 {
			return fmt.Errorf("PUSH_RENEW_INTERVAL must be > 0; got %s", c.PushRenewInterval)
		}
	}
	if c.DiscordWebhookURL != "" && !strings.HasPrefix(c.DiscordWebhookURL, "https://") {
		return fmt.Errorf("DISCORD_WEBHOOK_URL must start with https://")
	}

	if c.PoolWorkers < 1 || c.PoolWorkers > 64 {
		return fmt.Errorf("POOL_WORKERS must be 1–64; got %d", c.PoolWorkers)
	}
	if c.PoolQueueDepth < 1 {
		return fmt.Errorf("POOL_QUEUE_DEPTH must be >= 1; got %d", c.PoolQueueDepth)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}

	return nil
}

// injectFileSecrets reads _FILE env vars and injects their file contents.
var fileSecretKeys = []string{
	"token_secret",
	"admin_password_hash",
	"google_client_secret",
	"google_refresh_token",
	"discord_webhook_url",
	"push_channel_token",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			// Also check uppercased env var with _FILE suffix
			envKey := strings.ToUpper(key) + "_FILE"
			filePath = os.Getenv(envKey)
		}
		if filePath == "" {
			continue
		}
		// Strip quotes from file path in case it was quoted in Docker --env-file
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
