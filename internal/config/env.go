// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/net/http/httpguts"
	"gopkg.in/yaml.v3"
)

// EnvConfig holds all configuration settings, resolved with precedence
// env > config file > default.
type EnvConfig struct {
	// Remote Client System
	ClientAPIURL string
	ClientAPIKey string

	// Database
	DatabaseURL string
	DBPoolSize  int32

	// Cycle periods
	CollectionInterval   time.Duration
	UploadInterval       time.Duration
	SyncInterval         time.Duration
	ConnectivityInterval time.Duration

	// BACnet (C1)
	BACnetConnectTimeout time.Duration
	BACnetReadTimeout    time.Duration
	BACnetPoolSize       int

	// Outbox Writer (C7)
	InsertBatchSize  int
	PendingHighWater int

	// Upload Manager (C8)
	UploadBatchSize       int
	MaxRetries            int
	UploadDeadline        time.Duration
	EdgeTriggerMinReadings int

	// Collection Cycle Manager (C6)
	MaxConcurrentMeters int
	CycleDeadline       time.Duration

	// Supervisor
	ShutdownGrace time.Duration

	// Optional retention stub (§2.3)
	OutboxRetentionSchedule string

	// Local Control API
	ListenAddress   string
	APIMaxBodyBytes int
	AdminToken      string
}

// fileOverlay holds string values read from an optional YAML config file,
// consulted when an environment variable is unset.
type fileOverlay map[string]string

// loadFileOverlay reads an optional YAML document of flat string/number/bool
// keys from path. A missing path (empty string) or missing file is not an
// error: the overlay is simply empty.
func loadFileOverlay(path string) (fileOverlay, error) {
	overlay := fileOverlay{}
	if path == "" {
		return overlay, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return overlay, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	for k, v := range raw {
		overlay[strings.ToUpper(k)] = fmt.Sprintf("%v", v)
	}
	return overlay, nil
}

// LoadEnvConfig reads environment variables (and, if SYNCAGENT_CONFIG_FILE
// is set, an optional YAML overlay consulted when an env var is absent) and
// returns a validated EnvConfig. Returns an error if any required variable
// is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	overlay, err := loadFileOverlay(os.Getenv("SYNCAGENT_CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	cfg.ClientAPIURL = strings.TrimSpace(envStr(overlay, "CLIENT_API_URL", ""))
	cfg.ClientAPIKey = envStr(overlay, "CLIENT_API_KEY", "")
	cfg.DatabaseURL = envStr(overlay, "DATABASE_URL", "")

	cfg.DBPoolSize = int32(envInt(overlay, "DB_POOL_SIZE", 10, &errs))

	cfg.CollectionInterval = envDuration(overlay, "COLLECTION_INTERVAL_SECONDS", 600*time.Second, time.Second, &errs)
	cfg.UploadInterval = envDuration(overlay, "UPLOAD_INTERVAL_MINUTES", 15*time.Minute, time.Minute, &errs)
	cfg.SyncInterval = envDuration(overlay, "SYNC_INTERVAL_MINUTES", 45*time.Minute, time.Minute, &errs)
	cfg.ConnectivityInterval = envDuration(overlay, "CONNECTIVITY_INTERVAL_SECONDS", 60*time.Second, time.Second, &errs)

	cfg.BACnetConnectTimeout = envDuration(overlay, "BACNET_CONNECT_TIMEOUT_MS", 5000*time.Millisecond, time.Millisecond, &errs)
	cfg.BACnetReadTimeout = envDuration(overlay, "BACNET_READ_TIMEOUT_MS", 3000*time.Millisecond, time.Millisecond, &errs)
	cfg.BACnetPoolSize = envInt(overlay, "BACNET_POOL_SIZE", 8, &errs)

	cfg.InsertBatchSize = envInt(overlay, "INSERT_BATCH_SIZE", 100, &errs)
	cfg.PendingHighWater = envInt(overlay, "PENDING_HIGH_WATER", 50000, &errs)

	cfg.UploadBatchSize = envInt(overlay, "UPLOAD_BATCH_SIZE", 500, &errs)
	cfg.MaxRetries = envInt(overlay, "MAX_RETRIES", 5, &errs)
	cfg.UploadDeadline = envDuration(overlay, "UPLOAD_DEADLINE_MINUTES", 10*time.Minute, time.Minute, &errs)
	cfg.EdgeTriggerMinReadings = envInt(overlay, "EDGE_TRIGGER_MIN", 50, &errs)

	cfg.MaxConcurrentMeters = envInt(overlay, "MAX_CONCURRENT_METERS", 4, &errs)
	cfg.CycleDeadline = envDuration(overlay, "CYCLE_DEADLINE_SECONDS", cfg.CollectionInterval, time.Second, &errs)

	cfg.ShutdownGrace = envDuration(overlay, "SHUTDOWN_GRACE_SECONDS", 30*time.Second, time.Second, &errs)
	cfg.OutboxRetentionSchedule = envStr(overlay, "OUTBOX_RETENTION_SCHEDULE", "")

	cfg.ListenAddress = envStr(overlay, "LISTEN_ADDRESS", "0.0.0.0:8080")
	cfg.APIMaxBodyBytes = envInt(overlay, "API_MAX_BODY_BYTES", 1<<20, &errs)

	adminToken, hasAdminToken := os.LookupEnv("ADMIN_TOKEN")
	if !hasAdminToken {
		adminToken = overlay["ADMIN_TOKEN"]
	}
	cfg.AdminToken = adminToken

	// --- Validation ---
	if cfg.ClientAPIURL == "" {
		errs = append(errs, "CLIENT_API_URL must be defined")
	}
	if cfg.ClientAPIKey == "" {
		errs = append(errs, "CLIENT_API_KEY must be defined")
	}
	if cfg.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL must be defined")
	}
	// CLIENT_API_KEY is echoed verbatim into outgoing Authorization headers
	// and ADMIN_TOKEN is compared against incoming ones; reject values that
	// could not form a single
	// legal header field (e.g. embedded CR/LF) before they ever reach
	// net/http, rather than relying on it to reject them per-request.
	if cfg.ClientAPIKey != "" && !httpguts.ValidHeaderFieldValue(cfg.ClientAPIKey) {
		errs = append(errs, "CLIENT_API_KEY: contains characters not legal in an HTTP header value")
	}
	if cfg.AdminToken != "" && !httpguts.ValidHeaderFieldValue(cfg.AdminToken) {
		errs = append(errs, "ADMIN_TOKEN: contains characters not legal in an HTTP header value")
	}

	validatePositive("DB_POOL_SIZE", int(cfg.DBPoolSize), &errs)
	validatePositiveDuration("COLLECTION_INTERVAL_SECONDS", cfg.CollectionInterval, &errs)
	validatePositiveDuration("UPLOAD_INTERVAL_MINUTES", cfg.UploadInterval, &errs)
	validatePositiveDuration("SYNC_INTERVAL_MINUTES", cfg.SyncInterval, &errs)
	validatePositiveDuration("CONNECTIVITY_INTERVAL_SECONDS", cfg.ConnectivityInterval, &errs)
	validatePositiveDuration("BACNET_CONNECT_TIMEOUT_MS", cfg.BACnetConnectTimeout, &errs)
	validatePositiveDuration("BACNET_READ_TIMEOUT_MS", cfg.BACnetReadTimeout, &errs)
	validatePositive("BACNET_POOL_SIZE", cfg.BACnetPoolSize, &errs)
	validatePositive("INSERT_BATCH_SIZE", cfg.InsertBatchSize, &errs)
	validatePositive("PENDING_HIGH_WATER", cfg.PendingHighWater, &errs)
	validatePositive("UPLOAD_BATCH_SIZE", cfg.UploadBatchSize, &errs)
	validatePositive("MAX_RETRIES", cfg.MaxRetries, &errs)
	validatePositiveDuration("UPLOAD_DEADLINE_MINUTES", cfg.UploadDeadline, &errs)
	validatePositive("EDGE_TRIGGER_MIN", cfg.EdgeTriggerMinReadings, &errs)
	validatePositive("MAX_CONCURRENT_METERS", cfg.MaxConcurrentMeters, &errs)
	validatePositiveDuration("CYCLE_DEADLINE_SECONDS", cfg.CycleDeadline, &errs)
	validatePositiveDuration("SHUTDOWN_GRACE_SECONDS", cfg.ShutdownGrace, &errs)
	validatePositive("API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)

	if cfg.OutboxRetentionSchedule != "" {
		if _, err := cron.ParseStandard(cfg.OutboxRetentionSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("OUTBOX_RETENTION_SCHEDULE: invalid cron expression %q: %v", cfg.OutboxRetentionSchedule, err))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(overlay fileOverlay, key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	if v, ok := overlay[key]; ok {
		return v
	}
	return defaultVal
}

func envInt(overlay fileOverlay, key string, defaultVal int, errs *[]string) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		v, ok = overlay[key]
	}
	if !ok || v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

// envDuration reads an integer value in unit-sized increments (e.g. seconds,
// minutes, milliseconds per the variable's name) and returns it as a
// time.Duration.
func envDuration(overlay fileOverlay, key string, defaultVal time.Duration, unit time.Duration, errs *[]string) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		v, ok = overlay[key]
	}
	if !ok || v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return time.Duration(n) * unit
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositiveDuration(name string, value time.Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %s", name, value))
	}
}
