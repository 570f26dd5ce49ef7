package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the FamCall server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir  string
	HTTPPort int
	DBDSN    string // postgres DSN; empty selects sqlite under DataDir

	LogLevel  string
	LogFormat string // log output format: "text" or "json"

	CORSOrigins string
	JWTSecret   string // hex-encoded 32-byte secret for bearer token signing

	MaxConcurrentRecordings int
	QueueTimeoutMs          int
	QueueCleanupIntervalMs  int
	QueueAlertCooldownMs    int
	QueueAlertRecipient     string

	SignalTTLMs int

	STUNServers    string // comma-separated STUN URLs
	TURNURL        string
	TURNUser       string
	TURNCredential string

	DirectoryURL   string // family backend base URL for group roster lookups
	DirectoryToken string // service token presented to the family backend

	RecorderURL   string // recorder farm base URL; empty disables recording
	RecorderToken string // shared secret presented to the recorder farm
	PublicURL     string // API base URL handed to the recorder for callbacks

	RecordingRetentionDays int // delete recording artifacts this many days after the call ended; 0 keeps them forever

	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	SMTPFrom string

	FCMCredentials string // path to a Firebase service-account JSON file

	TLSCert    string
	TLSKey     string
	ACMEDomain string // domain for automatic Let's Encrypt certificate
	ACMEEmail  string // contact email for Let's Encrypt account notifications
}

// defaults
const (
	defaultDataDir                = "./data"
	defaultHTTPPort               = 8080
	defaultLogLevel               = "info"
	defaultLogFormat              = "text"
	defaultMaxConcurrent          = 2
	defaultQueueTimeoutMs         = 600000
	defaultQueueCleanupIntervalMs = 30000
	defaultQueueAlertCooldownMs   = 300000
	defaultSignalTTLMs            = 300000
	defaultSTUNServers            = "stun:stun.l.google.com:19302"
	defaultPublicURL              = "http://localhost:8080"
	defaultSMTPPort               = 587
)

// envPrefix is the prefix for all FamCall environment variables.
const envPrefix = "FAMCALL_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("famcall", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database and recording storage")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.DBDSN, "db-dsn", "", "postgres connection string (empty uses sqlite in the data directory)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for bearer token signing (auto-generated if empty)")
	fs.IntVar(&cfg.MaxConcurrentRecordings, "max-concurrent-recordings", defaultMaxConcurrent, "hard cap on simultaneously running recorders")
	fs.IntVar(&cfg.QueueTimeoutMs, "queue-timeout-ms", defaultQueueTimeoutMs, "recording queue entry timeout in milliseconds")
	fs.IntVar(&cfg.QueueCleanupIntervalMs, "queue-cleanup-interval-ms", defaultQueueCleanupIntervalMs, "recording queue sweep interval in milliseconds")
	fs.IntVar(&cfg.QueueAlertCooldownMs, "queue-alert-cooldown-ms", defaultQueueAlertCooldownMs, "minimum spacing between capacity alerts in milliseconds")
	fs.StringVar(&cfg.QueueAlertRecipient, "queue-alert-recipient", "", "email address that receives recorder capacity alerts")
	fs.IntVar(&cfg.SignalTTLMs, "signal-ttl-ms", defaultSignalTTLMs, "signaling mailbox message TTL in milliseconds")
	fs.StringVar(&cfg.STUNServers, "stun-servers", defaultSTUNServers, "comma-separated STUN server URLs")
	fs.StringVar(&cfg.TURNURL, "turn-url", "", "TURN server URL (optional)")
	fs.StringVar(&cfg.TURNUser, "turn-user", "", "TURN server username")
	fs.StringVar(&cfg.TURNCredential, "turn-credential", "", "TURN server credential")
	fs.StringVar(&cfg.DirectoryURL, "directory-url", "", "family backend base URL for group roster lookups")
	fs.StringVar(&cfg.DirectoryToken, "directory-token", "", "service token presented to the family backend")
	fs.StringVar(&cfg.RecorderURL, "recorder-url", "", "recorder farm base URL (empty disables call recording)")
	fs.StringVar(&cfg.RecorderToken, "recorder-token", "", "shared secret presented to the recorder farm")
	fs.StringVar(&cfg.PublicURL, "public-url", defaultPublicURL, "public API base URL handed to the recorder for callbacks")
	fs.IntVar(&cfg.RecordingRetentionDays, "recording-retention-days", 0, "delete recording artifacts this many days after the call ended (0 keeps them forever)")
	fs.StringVar(&cfg.SMTPHost, "smtp-host", "", "SMTP host for operator alert email")
	fs.IntVar(&cfg.SMTPPort, "smtp-port", defaultSMTPPort, "SMTP port")
	fs.StringVar(&cfg.SMTPUser, "smtp-user", "", "SMTP username")
	fs.StringVar(&cfg.SMTPPass, "smtp-pass", "", "SMTP password")
	fs.StringVar(&cfg.SMTPFrom, "smtp-from", "", "From address for alert email")
	fs.StringVar(&cfg.FCMCredentials, "fcm-credentials", "", "path to a Firebase service-account JSON file for push notifications")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.ACMEDomain, "acme-domain", "", "domain for automatic Let's Encrypt TLS certificate (e.g., calls.example.com)")
	fs.StringVar(&cfg.ACMEEmail, "acme-email", "", "contact email for Let's Encrypt account notifications")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	str := map[string]*string{
		"data-dir":              &cfg.DataDir,
		"db-dsn":                &cfg.DBDSN,
		"log-level":             &cfg.LogLevel,
		"log-format":            &cfg.LogFormat,
		"cors-origins":          &cfg.CORSOrigins,
		"jwt-secret":            &cfg.JWTSecret,
		"queue-alert-recipient": &cfg.QueueAlertRecipient,
		"stun-servers":          &cfg.STUNServers,
		"turn-url":              &cfg.TURNURL,
		"turn-user":             &cfg.TURNUser,
		"turn-credential":       &cfg.TURNCredential,
		"directory-url":         &cfg.DirectoryURL,
		"directory-token":       &cfg.DirectoryToken,
		"recorder-url":          &cfg.RecorderURL,
		"recorder-token":        &cfg.RecorderToken,
		"public-url":            &cfg.PublicURL,
		"smtp-host":             &cfg.SMTPHost,
		"smtp-user":             &cfg.SMTPUser,
		"smtp-pass":             &cfg.SMTPPass,
		"smtp-from":             &cfg.SMTPFrom,
		"fcm-credentials":       &cfg.FCMCredentials,
		"tls-cert":              &cfg.TLSCert,
		"tls-key":               &cfg.TLSKey,
		"acme-domain":           &cfg.ACMEDomain,
		"acme-email":            &cfg.ACMEEmail,
	}
	num := map[string]*int{
		"http-port":                 &cfg.HTTPPort,
		"max-concurrent-recordings": &cfg.MaxConcurrentRecordings,
		"queue-timeout-ms":          &cfg.QueueTimeoutMs,
		"queue-cleanup-interval-ms": &cfg.QueueCleanupIntervalMs,
		"queue-alert-cooldown-ms":   &cfg.QueueAlertCooldownMs,
		"signal-ttl-ms":             &cfg.SignalTTLMs,
		"smtp-port":                 &cfg.SMTPPort,
		"recording-retention-days":  &cfg.RecordingRetentionDays,
	}

	for flagName, dst := range str {
		if set[flagName] {
			continue
		}
		if val, ok := os.LookupEnv(envName(flagName)); ok && val != "" {
			*dst = val
		}
	}
	for flagName, dst := range num {
		if set[flagName] {
			continue
		}
		if val, ok := os.LookupEnv(envName(flagName)); ok && val != "" {
			if v, err := strconv.Atoi(val); err == nil {
				*dst = v
			}
		}
	}
}

// envName maps a flag name to its environment variable:
// "queue-timeout-ms" becomes "FAMCALL_QUEUE_TIMEOUT_MS".
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SMTPPort < 1 || c.SMTPPort > 65535 {
		return fmt.Errorf("smtp-port must be between 1 and 65535, got %d", c.SMTPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.MaxConcurrentRecordings < 1 {
		return fmt.Errorf("max-concurrent-recordings must be at least 1, got %d", c.MaxConcurrentRecordings)
	}
	if c.QueueTimeoutMs < 1 {
		return fmt.Errorf("queue-timeout-ms must be positive, got %d", c.QueueTimeoutMs)
	}
	if c.QueueCleanupIntervalMs < 1 {
		return fmt.Errorf("queue-cleanup-interval-ms must be positive, got %d", c.QueueCleanupIntervalMs)
	}
	if c.QueueAlertCooldownMs < 1 {
		return fmt.Errorf("queue-alert-cooldown-ms must be positive, got %d", c.QueueAlertCooldownMs)
	}
	if c.SignalTTLMs < 1 {
		return fmt.Errorf("signal-ttl-ms must be positive, got %d", c.SignalTTLMs)
	}
	if c.RecordingRetentionDays < 0 {
		return fmt.Errorf("recording-retention-days must not be negative, got %d", c.RecordingRetentionDays)
	}

	if len(c.StunServerList()) == 0 {
		return fmt.Errorf("stun-servers must list at least one server")
	}

	// TURN requires the full credential triple.
	turnSet := 0
	for _, v := range []string{c.TURNURL, c.TURNUser, c.TURNCredential} {
		if v != "" {
			turnSet++
		}
	}
	if turnSet != 0 && turnSet != 3 {
		return fmt.Errorf("turn-url, turn-user and turn-credential must all be provided together")
	}

	// TLS cert and key must both be set or both be empty.
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}

	// ACME domain and manual TLS cert/key are mutually exclusive.
	if c.ACMEDomain != "" && c.TLSCert != "" {
		return fmt.Errorf("acme-domain and tls-cert/tls-key are mutually exclusive")
	}

	return nil
}

// TLSEnabled returns true if either manual TLS certificates or automatic
// ACME (Let's Encrypt) certificates are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" || c.ACMEDomain != ""
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// StunServerList splits the configured STUN servers into a slice.
func (c *Config) StunServerList() []string {
	return splitTrimmed(c.STUNServers)
}

// CORSOriginList splits the configured CORS origins into a slice.
func (c *Config) CORSOriginList() []string {
	return splitTrimmed(c.CORSOrigins)
}

func splitTrimmed(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// QueueTimeout returns the queue entry TTL as a duration.
func (c *Config) QueueTimeout() time.Duration {
	return time.Duration(c.QueueTimeoutMs) * time.Millisecond
}

// QueueCleanupInterval returns the queue sweep cadence as a duration.
func (c *Config) QueueCleanupInterval() time.Duration {
	return time.Duration(c.QueueCleanupIntervalMs) * time.Millisecond
}

// QueueAlertCooldown returns the alert spacing as a duration.
func (c *Config) QueueAlertCooldown() time.Duration {
	return time.Duration(c.QueueAlertCooldownMs) * time.Millisecond
}

// SignalTTL returns the mailbox message TTL as a duration.
func (c *Config) SignalTTL() time.Duration {
	return time.Duration(c.SignalTTLMs) * time.Millisecond
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
