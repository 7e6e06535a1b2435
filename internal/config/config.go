// Package config loads the YAML configuration described in spec.md §6,
// following the plain struct + yaml.v3 style of the teacher repository's
// cmd/dnsscience-grpc/config.go.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every externally tunable knob of the proxy.
type Config struct {
	BindAddress string `yaml:"bind_address"`
	DNSPort     int    `yaml:"dns_port"`
	TLSPort     int    `yaml:"tls_port"`

	UpstreamHost string `yaml:"upstream_host"`
	UpstreamPort int    `yaml:"upstream_port"`

	BlocklistPath string `yaml:"blocklist_path"`
	VendorPath    string `yaml:"vendor_path"`

	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`

	DefaultTTLSeconds int `yaml:"default_ttl_seconds"`
	RequestDeadlineMS int `yaml:"request_deadline_ms"`

	MetricsListen string `yaml:"metrics_listen"`
}

// Default returns the configuration spec.md §6 specifies when a key is
// absent from the file on disk.
func Default() Config {
	return Config{
		BindAddress:       "127.0.0.1",
		DNSPort:           5300,
		TLSPort:           8530,
		UpstreamHost:      "1.1.1.1",
		UpstreamPort:      853,
		BlocklistPath:     "./black.list",
		VendorPath:        "./vendor.list",
		CertPath:          "",
		KeyPath:           "",
		DefaultTTLSeconds: 60,
		RequestDeadlineMS: 5000,
		MetricsListen:     ":9100",
	}
}

// Load reads and parses a YAML config file, starting from Default() so
// any key the file omits keeps its default value.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// RequestDeadline is the per-request resolution deadline of spec.md §5.
func (c Config) RequestDeadline() time.Duration {
	return time.Duration(c.RequestDeadlineMS) * time.Millisecond
}

// DefaultTTL returns DefaultTTLSeconds as a duration. Nothing outside this
// package reads it: blocked answers carry the request handler's fixed
// 60-second TTL, and upstream records keep the TTL they arrived with.
func (c Config) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}
