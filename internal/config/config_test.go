package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 8080",
			check:  func(c *Config) bool { return c.Port == 8080 },
			expect: "8080",
		},
		{
			name:   "default store driver is memory",
			check:  func(c *Config) bool { return c.StoreDriver == "memory" },
			expect: "memory",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default audit buffer size is 100",
			check:  func(c *Config) bool { return c.AuditBufferSize == 100 },
			expect: "100",
		},
		{
			name:   "default audit flush interval is 10s",
			check:  func(c *Config) bool { return c.AuditFlushInterval == 10*time.Second },
			expect: "10s",
		},
		{
			name:   "default lock timeout is 5m",
			check:  func(c *Config) bool { return c.LockTimeout == 5*time.Minute },
			expect: "5m",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}
