// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Account holds the B2 credentials and bucket binding for one logical account.
// An account with incomplete credentials is kept as an unconfigured
// placeholder so the rest of the server still starts.
type Account struct {
	Name       string
	KeyID      string
	AppKey     string
	BucketID   string
	BucketName string
	Configured bool
}

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string

	// B2 accounts, keyed by account name.
	Accounts map[string]Account

	// Remote listing cache
	ListingTTL time.Duration

	// Download authorizations
	DownloadTTL time.Duration

	// Uploads
	MaxUploadSize int64

	// Media enrichment tools
	FFmpegPath  string
	FFprobePath string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:    envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:   envOr("METRICS_ADDR", ":9090"),
		LogLevel:      envOr("LOG_LEVEL", "info"),
		LogFormat:     envOr("LOG_FORMAT", "json"),
		DatabaseURL:   envOr("DATABASE_URL", ""),
		ListingTTL:    envDuration("LISTING_CACHE_TTL", 5*time.Minute),
		DownloadTTL:   envDuration("DOWNLOAD_URL_TTL", time.Hour),
		MaxUploadSize: envInt64("MAX_UPLOAD_SIZE", 500*1024*1024), // 500MB default
		FFmpegPath:    envOr("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:   envOr("FFPROBE_PATH", "ffprobe"),
		Accounts:      loadAccounts(),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// loadAccounts reads the account list and per-account credentials.
// Example: B2_ACCOUNTS=account1,account2 with B2_ACCOUNT1_KEY_ID,
// B2_ACCOUNT1_APP_KEY, B2_ACCOUNT1_BUCKET_ID, B2_ACCOUNT1_BUCKET_NAME.
func loadAccounts() map[string]Account {
	accounts := make(map[string]Account)
	for _, name := range strings.Split(envOr("B2_ACCOUNTS", "account1,account2"), ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		prefix := "B2_" + strings.ToUpper(name) + "_"
		acct := Account{
			Name:       name,
			KeyID:      os.Getenv(prefix + "KEY_ID"),
			AppKey:     os.Getenv(prefix + "APP_KEY"),
			BucketID:   os.Getenv(prefix + "BUCKET_ID"),
			BucketName: os.Getenv(prefix + "BUCKET_NAME"),
		}
		acct.Configured = acct.KeyID != "" && acct.AppKey != "" &&
			acct.BucketID != "" && acct.BucketName != ""
		accounts[name] = acct
	}
	return accounts
}

// AccountNames returns the configured account names in stable order.
func (c *Config) AccountNames() []string {
	names := make([]string, 0, len(c.Accounts))
	for name := range c.Accounts {
		names = append(names, name)
	}
	// Deterministic ordering for the UI
	sort.Strings(names)
	return names
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
