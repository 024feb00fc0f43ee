package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "domain: example.social\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Conf.Domain != "example.social" {
		t.Errorf("Domain = %q, want example.social", cfg.Conf.Domain)
	}
	if cfg.Conf.HttpPort != 8080 {
		t.Errorf("HttpPort = %d, want 8080", cfg.Conf.HttpPort)
	}
	if cfg.Conf.PageSizes != DefaultPageSizes() {
		t.Errorf("PageSizes = %+v, want defaults", cfg.Conf.PageSizes)
	}
	if cfg.Conf.NodeName != "driftpub" {
		t.Errorf("NodeName = %q, want driftpub", cfg.Conf.NodeName)
	}
	if cfg.Conf.KeyRoot != "keys" {
		t.Errorf("KeyRoot = %q, want keys", cfg.Conf.KeyRoot)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
domain: example.social
host: 127.0.0.1
httpPort: 9090
pageSizes:
  followers: 5
  following: 5
  outbox: 10
  replies: 5
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Conf.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want 127.0.0.1", cfg.Conf.Host)
	}
	if cfg.Conf.HttpPort != 9090 {
		t.Errorf("HttpPort = %d, want 9090", cfg.Conf.HttpPort)
	}
	if cfg.Conf.PageSizes.Outbox != 10 {
		t.Errorf("Outbox page size = %d, want 10", cfg.Conf.PageSizes.Outbox)
	}
}

func TestLoadMissingDomain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("host: 127.0.0.1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing domain")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
