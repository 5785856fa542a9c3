package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

// requiredEnvs returns the minimum env vars needed for LoadEnvConfig to succeed.
func requiredEnvs() map[string]string {
	return map[string]string{
		"CLIENT_API_URL": "https://client-system.example.com",
		"CLIENT_API_KEY": "secret-key",
		"DATABASE_URL":   "postgres://agent:pw@localhost:5432/syncagent",
	}
}

func TestLoadEnvConfig_Defaults(t *testing.T) {
	setEnvs(t, requiredEnvs())

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "DBPoolSize", cfg.DBPoolSize, int32(10))
	assertEqual(t, "CollectionInterval", cfg.CollectionInterval, 600*time.Second)
	assertEqual(t, "UploadInterval", cfg.UploadInterval, 15*time.Minute)
	assertEqual(t, "SyncInterval", cfg.SyncInterval, 45*time.Minute)
	assertEqual(t, "ConnectivityInterval", cfg.ConnectivityInterval, 60*time.Second)
	assertEqual(t, "BACnetConnectTimeout", cfg.BACnetConnectTimeout, 5000*time.Millisecond)
	assertEqual(t, "BACnetReadTimeout", cfg.BACnetReadTimeout, 3000*time.Millisecond)
	assertEqual(t, "BACnetPoolSize", cfg.BACnetPoolSize, 8)
	assertEqual(t, "InsertBatchSize", cfg.InsertBatchSize, 100)
	assertEqual(t, "PendingHighWater", cfg.PendingHighWater, 50000)
	assertEqual(t, "UploadBatchSize", cfg.UploadBatchSize, 500)
	assertEqual(t, "MaxRetries", cfg.MaxRetries, 5)
	assertEqual(t, "UploadDeadline", cfg.UploadDeadline, 10*time.Minute)
	assertEqual(t, "EdgeTriggerMinReadings", cfg.EdgeTriggerMinReadings, 50)
	assertEqual(t, "MaxConcurrentMeters", cfg.MaxConcurrentMeters, 4)
	assertEqual(t, "CycleDeadline", cfg.CycleDeadline, cfg.CollectionInterval)
	assertEqual(t, "ShutdownGrace", cfg.ShutdownGrace, 30*time.Second)
	assertEqual(t, "OutboxRetentionSchedule", cfg.OutboxRetentionSchedule, "")
	assertEqual(t, "ListenAddress", cfg.ListenAddress, "0.0.0.0:8080")
	assertEqual(t, "APIMaxBodyBytes", cfg.APIMaxBodyBytes, 1<<20)
}

func TestLoadEnvConfig_EnvOverrides(t *testing.T) {
	envs := requiredEnvs()
	envs["DB_POOL_SIZE"] = "20"
	envs["COLLECTION_INTERVAL_SECONDS"] = "120"
	envs["UPLOAD_INTERVAL_MINUTES"] = "5"
	envs["MAX_CONCURRENT_METERS"] = "16"
	envs["LISTEN_ADDRESS"] = "127.0.0.1:9000"
	setEnvs(t, envs)

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "DBPoolSize", cfg.DBPoolSize, int32(20))
	assertEqual(t, "CollectionInterval", cfg.CollectionInterval, 120*time.Second)
	assertEqual(t, "UploadInterval", cfg.UploadInterval, 5*time.Minute)
	assertEqual(t, "MaxConcurrentMeters", cfg.MaxConcurrentMeters, 16)
	assertEqual(t, "ListenAddress", cfg.ListenAddress, "127.0.0.1:9000")
}

func TestLoadEnvConfig_MissingRequired(t *testing.T) {
	os.Unsetenv("CLIENT_API_URL")
	os.Unsetenv("CLIENT_API_KEY")
	os.Unsetenv("DATABASE_URL")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error for missing required configuration")
	}
	assertContains(t, err.Error(), "CLIENT_API_URL")
	assertContains(t, err.Error(), "CLIENT_API_KEY")
	assertContains(t, err.Error(), "DATABASE_URL")
}

func TestLoadEnvConfig_InvalidRetentionSchedule(t *testing.T) {
	envs := requiredEnvs()
	envs["OUTBOX_RETENTION_SCHEDULE"] = "not-a-cron"
	setEnvs(t, envs)

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error for invalid retention schedule")
	}
	assertContains(t, err.Error(), "OUTBOX_RETENTION_SCHEDULE")
}

func TestLoadEnvConfig_NonPositiveValue(t *testing.T) {
	envs := requiredEnvs()
	envs["MAX_CONCURRENT_METERS"] = "0"
	setEnvs(t, envs)

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error for non-positive value")
	}
	assertContains(t, err.Error(), "MAX_CONCURRENT_METERS")
}

func TestLoadEnvConfig_FileOverlayUsedWhenEnvAbsent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syncagent.yaml")
	content := "client_api_url: https://from-file.example.com\n" +
		"client_api_key: file-key\n" +
		"database_url: postgres://file/db\n" +
		"max_concurrent_meters: 9\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write overlay file: %v", err)
	}

	os.Unsetenv("CLIENT_API_URL")
	os.Unsetenv("CLIENT_API_KEY")
	os.Unsetenv("DATABASE_URL")
	os.Unsetenv("MAX_CONCURRENT_METERS")
	t.Setenv("SYNCAGENT_CONFIG_FILE", path)

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertEqual(t, "ClientAPIURL", cfg.ClientAPIURL, "https://from-file.example.com")
	assertEqual(t, "MaxConcurrentMeters", cfg.MaxConcurrentMeters, 9)
}

func TestLoadEnvConfig_EnvTakesPrecedenceOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syncagent.yaml")
	content := "max_concurrent_meters: 9\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write overlay file: %v", err)
	}

	envs := requiredEnvs()
	envs["SYNCAGENT_CONFIG_FILE"] = path
	envs["MAX_CONCURRENT_METERS"] = "3"
	setEnvs(t, envs)

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertEqual(t, "MaxConcurrentMeters", cfg.MaxConcurrentMeters, 3)
}

// --- test helpers ---

func assertEqual[T comparable](t *testing.T, name string, got, want T) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %v, want %v", name, got, want)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
