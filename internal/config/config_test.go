package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.ServiceName != "exchange-saga" {
		t.Fatalf("ServiceName = %s, want exchange-saga", cfg.ServiceName)
	}
	if cfg.HTTPPort != 8086 {
		t.Fatalf("HTTPPort = %d, want 8086", cfg.HTTPPort)
	}
	if cfg.DBPort != 5436 {
		t.Fatalf("DBPort = %d, want 5436", cfg.DBPort)
	}
	if cfg.RedisAddr != "localhost:6380" {
		t.Fatalf("RedisAddr = %s, want localhost:6380", cfg.RedisAddr)
	}
	if cfg.EventStream != "exchange:events" {
		t.Fatalf("EventStream = %s, want exchange:events", cfg.EventStream)
	}
	if cfg.CommandStream != "exchange:commands" {
		t.Fatalf("CommandStream = %s, want exchange:commands", cfg.CommandStream)
	}
	if cfg.RecoveryInterval != 5*time.Second {
		t.Fatalf("RecoveryInterval = %v, want 5s", cfg.RecoveryInterval)
	}
	if cfg.RecoveryBatchSize != 100 {
		t.Fatalf("RecoveryBatchSize = %d, want 100", cfg.RecoveryBatchSize)
	}
	if cfg.ConflictRetries != 3 {
		t.Fatalf("ConflictRetries = %d, want 3", cfg.ConflictRetries)
	}
	if cfg.TracingEnabled {
		t.Fatal("TracingEnabled = true, want false by default")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVICE_NAME", "saga-test")
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("RECOVERY_INTERVAL", "250ms")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("TRACING_SAMPLE_RATE", "0.5")

	cfg := Load()

	if cfg.ServiceName != "saga-test" {
		t.Fatalf("ServiceName = %s, want saga-test", cfg.ServiceName)
	}
	if cfg.HTTPPort != 9999 {
		t.Fatalf("HTTPPort = %d, want 9999", cfg.HTTPPort)
	}
	if cfg.RecoveryInterval != 250*time.Millisecond {
		t.Fatalf("RecoveryInterval = %v, want 250ms", cfg.RecoveryInterval)
	}
	if !cfg.TracingEnabled {
		t.Fatal("TracingEnabled = false, want true")
	}
	if cfg.TracingSampleRate != 0.5 {
		t.Fatalf("TracingSampleRate = %v, want 0.5", cfg.TracingSampleRate)
	}
}

func TestLoadIgnoresInvalidValues(t *testing.T) {
	t.Setenv("HTTP_PORT", "not-a-number")
	t.Setenv("RECOVERY_INTERVAL", "soon")

	cfg := Load()

	if cfg.HTTPPort != 8086 {
		t.Fatalf("HTTPPort = %d, want default on parse failure", cfg.HTTPPort)
	}
	if cfg.RecoveryInterval != 5*time.Second {
		t.Fatalf("RecoveryInterval = %v, want default on parse failure", cfg.RecoveryInterval)
	}
}

func TestDSN(t *testing.T) {
	cfg := &Config{
		DBHost:     "db.internal",
		DBPort:     5432,
		DBUser:     "saga",
		DBPassword: "secret",
		DBName:     "exchange",
	}

	want := "host=db.internal port=5432 user=saga password=secret dbname=exchange sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Fatalf("DSN() = %q, want %q", got, want)
	}
}
