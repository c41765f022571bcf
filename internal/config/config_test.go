package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testHash = "$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z3dG1fYvUQ9L6C5uK1x7e8Aa"

func setEnv(t *testing.T, key, val string) {
	t.Helper()
	t.Setenv(key, val)
}

// baseEnv sets the minimum required fields for a valid config and clears
// fields that might cause spurious validation failures between test cases.
func baseEnv(t *testing.T) {
	t.Helper()
	setEnv(t, "TOKEN_SECRET", "0123456789abcdef0123")
	setEnv(t, "ADMIN_PASSWORD_HASH", testHash)
	for _, k := range []string{
		"LOG_LEVEL", "LOG_FORMAT", "TIMEZONE", "PUBLIC_HOURS", "FRIEND_HOURS",
		"TRUSTED_ADDRESSES", "TRUSTED_EMAILS", "GOOGLE_REFRESH_TOKEN", "GOOGLE_CLIENT_ID",
		"GOOGLE_CLIENT_SECRET", "PUSH_CALLBACK_URL", "PUSH_CHANNEL_TOKEN", "POOL_WORKERS",
		"POOL_QUEUE_DEPTH", "JANITOR_INTERVAL", "CALENDAR_IDS", "DISCORD_WEBHOOK_URL",
		"SUBMIT_RATE_MAX", "SUBMIT_RATE_WINDOW", "TOKEN_SECRET_FILE",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	baseEnv(t)
	os.Unsetenv("TOKEN_SECRET")
	if _, err := Load(); err == nil {
		t.Error("expected error when TOKEN_SECRET missing")
	}

	baseEnv(t)
	os.Unsetenv("ADMIN_PASSWORD_HASH")
	if _, err := Load(); err == nil {
		t.Error("expected error when ADMIN_PASSWORD_HASH missing")
	}
}

func TestDefaults(t *testing.T) {
	baseEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8000" || cfg.HealthAddr != ":8081" || cfg.MetricsAddr != ":9090" {
		t.Errorf("addresses: %q %q %q", cfg.ListenAddr, cfg.HealthAddr, cfg.MetricsAddr)
	}
	if cfg.Location().String() != "Australia/Brisbane" {
		t.Errorf("Location: got %s", cfg.Location())
	}
	if w := cfg.PublicWindow(); w.StartHour != 9 || w.EndHour != 17 {
		t.Errorf("PublicWindow: %+v", w)
	}
	if w := cfg.FriendWindow(); w.StartHour != 7 || w.EndHour != 21 {
		t.Errorf("FriendWindow: %+v", w)
	}
	if cfg.PublicNotice != 24*time.Hour || cfg.FriendNotice != 30*time.Minute {
		t.Errorf("notice: %s %s", cfg.PublicNotice, cfg.FriendNotice)
	}
	if cfg.SlotInterval != 15*time.Minute || cfg.MaxRangeDays != 62 || cfg.MaxDuration != 8*time.Hour {
		t.Errorf("query bounds: %s %d %s", cfg.SlotInterval, cfg.MaxRangeDays, cfg.MaxDuration)
	}
	if cfg.HoneypotBanTTL != time.Hour || cfg.SpamBanTTL != 24*time.Hour {
		t.Errorf("ban TTLs: %s %s", cfg.HoneypotBanTTL, cfg.SpamBanTTL)
	}
	if cfg.MaxPending != 3 || cfg.MaxRejected != 3 || cfg.RejectedWindow != 24*time.Hour {
		t.Errorf("guard limits: %d %d %s", cfg.MaxPending, cfg.MaxRejected, cfg.RejectedWindow)
	}
	if len(cfg.CalendarIDs) != 1 || cfg.CalendarIDs[0] != "primary" {
		t.Errorf("CalendarIDs: %v", cfg.CalendarIDs)
	}
	if len(cfg.BufferKeywords) != 4 || cfg.BufferKeywords[3] != "class" {
		t.Errorf("BufferKeywords: %v", cfg.BufferKeywords)
	}
	if cfg.CacheTTL != 5*time.Minute || cfg.CalendarTimeout != 5*time.Second {
		t.Errorf("calendar timings: %s %s", cfg.CacheTTL, cfg.CalendarTimeout)
	}
	if cfg.PoolWorkers != 2 || cfg.PoolQueueDepth != 256 {
		t.Errorf("pool: %d %d", cfg.PoolWorkers, cfg.PoolQueueDepth)
	}
	if cfg.CalendarEnabled() || cfg.PushEnabled() {
		t.Error("calendar should be disabled without a refresh token")
	}
}

func TestFileSecretInjection(t *testing.T) {
	baseEnv(t)
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "token_secret.txt")
	if err := os.WriteFile(keyFile, []byte("  secret-from-file-0123  \n"), 0600); err != nil {
		t.Fatal(err)
	}
	os.Unsetenv("TOKEN_SECRET")
	setEnv(t, "TOKEN_SECRET_FILE", keyFile)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with file secret: %v", err)
	}
	if cfg.TokenSecret != "secret-from-file-0123" {
		t.Errorf("expected trimmed file secret, got %q", cfg.TokenSecret)
	}
}

func TestFileSecretMissingFile(t *testing.T) {
	baseEnv(t)
	setEnv(t, "GOOGLE_REFRESH_TOKEN_FILE", filepath.Join(t.TempDir(), "nope"))
	if _, err := Load(); err == nil {
		t.Error("expected error for unreadable secret file")
	}
}

func TestListParsing(t *testing.T) {
	baseEnv(t)
	setEnv(t, "TRUSTED_EMAILS", "me@example.com, friend@example.com ,")
	setEnv(t, "TRUSTED_ADDRESSES", "10.0.0.0/8,'192.168.1.5'")
	setEnv(t, "CALENDAR_IDS", "primary,work@group.calendar.google.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.TrustedEmails) != 2 || cfg.TrustedEmails[1] != "friend@example.com" {
		t.Errorf("TrustedEmails: %v", cfg.TrustedEmails)
	}
	if len(cfg.TrustedAddresses) != 2 || cfg.TrustedAddresses[1] != "192.168.1.5" {
		t.Errorf("TrustedAddresses: %v", cfg.TrustedAddresses)
	}
	if len(cfg.CalendarIDs) != 2 {
		t.Errorf("CalendarIDs: %v", cfg.CalendarIDs)
	}
}

func TestQuotedValuesStripped(t *testing.T) {
	baseEnv(t)
	setEnv(t, "OWNER_NAME", `"Chet"`)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OwnerName != "Chet" {
		t.Errorf("OwnerName: got %q", cfg.OwnerName)
	}
}

func TestCalendarEnabled(t *testing.T) {
	baseEnv(t)
	setEnv(t, "GOOGLE_REFRESH_TOKEN", "1//refresh")
	setEnv(t, "GOOGLE_CLIENT_ID", "id.apps.googleusercontent.com")
	setEnv(t, "GOOGLE_CLIENT_SECRET", "secret")
	setEnv(t, "PUSH_CALLBACK_URL", "https://sched.example.com/api/calendar/webhook")
	setEnv(t, "PUSH_CHANNEL_TOKEN", "channel-token")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.CalendarEnabled() || !cfg.PushEnabled() {
		t.Error("calendar and push should be enabled")
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name    string
		setup   func(t *testing.T)
		wantErr bool
	}{
		{"valid_minimal", func(t *testing.T) {}, false},
		{"short_token_secret", func(t *testing.T) { setEnv(t, "TOKEN_SECRET", "short") }, true},
		{"hash_not_bcrypt", func(t *testing.T) { setEnv(t, "ADMIN_PASSWORD_HASH", "plaintext") }, true},
		{"invalid_timezone", func(t *testing.T) { setEnv(t, "TIMEZONE", "Mars/Olympus") }, true},
		{"valid_timezone_utc", func(t *testing.T) { setEnv(t, "TIMEZONE", "UTC") }, false},
		{"invalid_public_hours", func(t *testing.T) { setEnv(t, "PUBLIC_HOURS", "17-9") }, true},
		{"invalid_friend_hours", func(t *testing.T) { setEnv(t, "FRIEND_HOURS", "seven") }, true},
		{"invalid_log_level", func(t *testing.T) { setEnv(t, "LOG_LEVEL", "invalid") }, true},
		{"valid_log_level_debug", func(t *testing.T) { setEnv(t, "LOG_LEVEL", "debug") }, false},
		{"invalid_log_format", func(t *testing.T) { setEnv(t, "LOG_FORMAT", "yaml") }, true},
		{"valid_log_format_text", func(t *testing.T) { setEnv(t, "LOG_FORMAT", "text") }, false},
		{"invalid_trusted_address", func(t *testing.T) { setEnv(t, "TRUSTED_ADDRESSES", "not-an-ip") }, true},
		{"invalid_trusted_cidr", func(t *testing.T) { setEnv(t, "TRUSTED_ADDRESSES", "10.0.0.0/99") }, true},
		{"valid_trusted_cidr", func(t *testing.T) { setEnv(t, "TRUSTED_ADDRESSES", "192.168.0.0/16") }, false},
		{"refresh_without_client", func(t *testing.T) { setEnv(t, "GOOGLE_REFRESH_TOKEN", "x") }, true},
		{"push_http_callback", func(t *testing.T) {
			setEnv(t, "PUSH_CALLBACK_URL", "http://insecure.example.com/hook")
			setEnv(t, "PUSH_CHANNEL_TOKEN", "tok")
		}, true},
		{"push_without_token", func(t *testing.T) {
			setEnv(t, "PUSH_CALLBACK_URL", "https://sched.example.com/hook")
		}, true},
		{"discord_http", func(t *testing.T) { setEnv(t, "DISCORD_WEBHOOK_URL", "http://discord.com/api/webhooks/1/x") }, true},
		{"invalid_pool_workers", func(t *testing.T) { setEnv(t, "POOL_WORKERS", "100") }, true},
		{"invalid_pool_queue_depth_zero", func(t *testing.T) { setEnv(t, "POOL_QUEUE_DEPTH", "0") }, true},
		{"invalid_janitor_interval_zero", func(t *testing.T) { setEnv(t, "JANITOR_INTERVAL", "0s") }, true},
		{"submit_rate_disabled", func(t *testing.T) { setEnv(t, "SUBMIT_RATE_MAX", "0") }, false},
		{"submit_rate_without_window", func(t *testing.T) {
			setEnv(t, "SUBMIT_RATE_MAX", "5")
			setEnv(t, "SUBMIT_RATE_WINDOW", "0s")
		}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			baseEnv(t)
			tc.setup(t)

			_, err := Load()
			if tc.wantErr && err == nil {
				t.Errorf("expected validation error, got nil")
			} else if !tc.wantErr && err != nil {
				t.Errorf("expected no error, got: %v", err)
			}
		})
	}
}

func TestStripEnvQuotes(t *testing.T) {
	cases := map[string]string{
		`"x"`:  "x",
		`'x'`:  "x",
		`"x'`:  `"x'`,
		`"`:    `"`,
		"":     "",
		"none": "none",
	}
	for in, want := range cases {
		if got := stripEnvQuotes(in); got != want {
			t.Errorf("stripEnvQuotes(%q) = %q, want %q", in, got, want)
		}
	}
}
