package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	if cfg.BindAddress != "127.0.0.1" {
		t.Errorf("BindAddress = %q, want 127.0.0.1", cfg.BindAddress)
	}
	if cfg.DNSPort != 5300 || cfg.TLSPort != 8530 {
		t.Fatalf("unexpected default ports: dns=%d tls=%d", cfg.DNSPort, cfg.TLSPort)
	}
	if cfg.BlocklistPath != "./black.list" {
		t.Errorf("BlocklistPath = %q, want ./black.list", cfg.BlocklistPath)
	}
	if cfg.VendorPath != "./vendor.list" {
		t.Errorf("VendorPath = %q, want ./vendor.list", cfg.VendorPath)
	}
	if cfg.RequestDeadline() != 5*time.Second {
		t.Fatalf("RequestDeadline() = %v, want 5s", cfg.RequestDeadline())
	}
	if cfg.DefaultTTL() != 60*time.Second {
		t.Fatalf("DefaultTTL() = %v, want 60s", cfg.DefaultTTL())
	}
}

func TestLoadOverridesOnlySpecifiedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := "dns_port: 5353\nupstream_host: 9.9.9.9\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.DNSPort != 5353 {
		t.Errorf("DNSPort = %d, want 5353", cfg.DNSPort)
	}
	if cfg.UpstreamHost != "9.9.9.9" {
		t.Errorf("UpstreamHost = %q, want 9.9.9.9", cfg.UpstreamHost)
	}
	// Unspecified keys keep their Default() value.
	if cfg.TLSPort != 8530 {
		t.Errorf("TLSPort = %d, want unchanged default 8530", cfg.TLSPort)
	}
	if cfg.UpstreamPort != 853 {
		t.Errorf("UpstreamPort = %d, want unchanged default 853", cfg.UpstreamPort)
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
