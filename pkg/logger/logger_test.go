package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line %q: %v", buf.String(), err)
	}
	return entry
}

func TestNewAddsServiceField(t *testing.T) {
	var buf bytes.Buffer
	log := New("exchange-saga", &buf)

	log.Info("started")

	entry := decodeLine(t, &buf)
	if entry["service"] != "exchange-saga" {
		t.Fatalf("service = %v, want exchange-saga", entry["service"])
	}
	if entry["message"] != "started" {
		t.Fatalf("message = %v, want started", entry["message"])
	}
	if entry["level"] != "info" {
		t.Fatalf("level = %v, want info", entry["level"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatal("timestamp field missing")
	}
}

func TestWithContextAddsCorrelation(t *testing.T) {
	var buf bytes.Buffer
	log := New("test", &buf)

	ctx := ContextWithCorrelation(context.Background(), "tx1")
	log.WithContext(ctx).Info("handled")

	entry := decodeLine(t, &buf)
	if entry["correlationId"] != "tx1" {
		t.Fatalf("correlationId = %v, want tx1", entry["correlationId"])
	}
}

func TestWithContextWithoutCorrelation(t *testing.T) {
	var buf bytes.Buffer
	log := New("test", &buf)

	log.WithContext(context.Background()).Info("handled")

	entry := decodeLine(t, &buf)
	if _, ok := entry["correlationId"]; ok {
		t.Fatal("correlationId present without context value")
	}
}

func TestCorrelationFromContext(t *testing.T) {
	if got := CorrelationFromContext(nil); got != "" {
		t.Fatalf("CorrelationFromContext(nil) = %q, want empty", got)
	}
	if got := CorrelationFromContext(context.Background()); got != "" {
		t.Fatalf("CorrelationFromContext(empty) = %q, want empty", got)
	}
	ctx := ContextWithCorrelation(context.Background(), "tx1")
	if got := CorrelationFromContext(ctx); got != "tx1" {
		t.Fatalf("CorrelationFromContext() = %q, want tx1", got)
	}
}

func TestWithErrorAndFields(t *testing.T) {
	var buf bytes.Buffer
	log := New("test", &buf)

	log.WithError(errors.New("boom")).WithField("sagaId", "s1").Error("save failed")

	entry := decodeLine(t, &buf)
	if entry["error"] != "boom" {
		t.Fatalf("error = %v, want boom", entry["error"])
	}
	if entry["sagaId"] != "s1" {
		t.Fatalf("sagaId = %v, want s1", entry["sagaId"])
	}
}

func TestInfofFields(t *testing.T) {
	var buf bytes.Buffer
	log := New("test", &buf)

	log.Infof("listening", map[string]interface{}{"port": 8086})

	entry := decodeLine(t, &buf)
	if entry["port"] != float64(8086) {
		t.Fatalf("port = %v, want 8086", entry["port"])
	}
}

func TestNopDiscards(t *testing.T) {
	log := Nop()
	log.Info("dropped")
	log.WithError(errors.New("x")).Error("dropped")
}
