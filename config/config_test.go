package config

import (
	"os"
	"testing"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T) string {
	t.Helper()
	content := `priceflow:
  name: "TestApp"
  version: "1.0"
channels:
  raw_buffer: 1
  norm_buffer: 1
ingest:
  input_dirs: ["data/raw"]
processor:
  max_workers: 2
storage:
  sqlite:
    path: "test.db"
  s3:
    enabled: false
`
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Priceflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Priceflow.Name)
	}
	if cfg.Processor.MaxWorkers != 2 {
		t.Errorf("unexpected max workers: %d", cfg.Processor.MaxWorkers)
	}
	if cfg.Storage.SQLite.Path != "test.db" {
		t.Errorf("unexpected sqlite path: %s", cfg.Storage.SQLite.Path)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Aggregation.EvidenceMaxFiles != 32 {
		t.Errorf("evidence cap default: %d", cfg.Aggregation.EvidenceMaxFiles)
	}
	if cfg.Suggestion.DefaultMargin != 0.35 {
		t.Errorf("default margin: %f", cfg.Suggestion.DefaultMargin)
	}
	if cfg.Suggestion.LowStockThreshold != 5 {
		t.Errorf("low stock threshold: %d", cfg.Suggestion.LowStockThreshold)
	}
	if !cfg.Suggestion.CharmEnabled() {
		t.Errorf("charm pricing should default on")
	}
}

func TestLoadConfigMissingName(t *testing.T) {
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString("priceflow:\n  version: \"1.0\"\ningest:\n  input_dirs: [\"x\"]\n"); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()

	if _, err := LoadConfig(f.Name()); err == nil {
		t.Fatalf("expected validation error for missing name")
	}
}

func TestLoadConfigS3RequiresParquet(t *testing.T) {
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer os.Remove(f.Name())
	content := `priceflow:
  name: "x"
  version: "1.0"
ingest:
  input_dirs: ["data/raw"]
storage:
  s3:
    enabled: true
    bucket: "my-bucket"
    region: "us-east-1"
    access_key_id: "k"
    secret_access_key: "s"
`
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()

	if _, err := LoadConfig(f.Name()); err == nil {
		t.Fatalf("expected error: s3 upload without parquet export")
	}
}
