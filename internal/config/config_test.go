package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Booking.HoldWindow != 15*time.Minute {
		t.Fatalf("hold window = %s", cfg.Booking.HoldWindow)
	}
	if cfg.Retry.Attempts != 3 {
		t.Fatalf("retry attempts = %d", cfg.Retry.Attempts)
	}
	if cfg.Booking.Currency != "DZD" {
		t.Fatalf("currency = %s", cfg.Booking.Currency)
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("booking:\n  hold_window: 5m\nmatching:\n  weights:\n    price: 1\n    overlap: 0\n    reliability: 0\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Booking.HoldWindow != 5*time.Minute {
		t.Fatalf("hold window = %s", cfg.Booking.HoldWindow)
	}
	if cfg.Messaging.GracePeriod != 72*time.Hour {
		t.Fatalf("grace period lost: %s", cfg.Messaging.GracePeriod)
	}
	if cfg.Matching.Weights.Overlap != 0 {
		t.Fatalf("weights not overridden")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"driver":  "database:\n  driver: mysql\n",
		"weights": "matching:\n  weights:\n    price: 0\n    overlap: 0\n    reliability: 0\n",
		"sink":    "notify:\n  sink: kafka\n  kafka:\n    brokers: []\n",
		"queue":   "queue:\n  driver: nats\n",
		"hold":    "booking:\n  hold_window: 0s\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.Driver != "memory" {
		t.Fatalf("queue driver = %s", cfg.Queue.Driver)
	}
	if err := os.WriteFile(filepath.Join(dir, "kerya.yml"), []byte("sweep:\n  interval: 30s\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if cfg.Sweep.Interval != 30*time.Second {
		t.Fatalf("sweep interval = %s", cfg.Sweep.Interval)
	}
}
