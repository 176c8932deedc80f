package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ttybridge/devhubd-go/hub"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "no-such-file.yaml"))
	if err != nil {
		t.Fatalf("load: %s", err)
	}
	if cfg.Server.Listen != "127.0.0.1:21343" {
		t.Errorf("listen = %q, want the default", cfg.Server.Listen)
	}
	if cfg.Bridge.Kind != "exec" {
		t.Errorf("bridge kind = %q, want exec", cfg.Bridge.Kind)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("defaults do not validate: %s", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devhubd.yaml")
	raw := `
server:
  listen: "0.0.0.0:9999"
hub:
  port_base: 20000
bridge:
  kind: tcp
devices:
  - host: lab
    path: "10.0.0.7:5555"
    app_running: true
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %s", err)
	}
	if cfg.Server.Listen != "0.0.0.0:9999" {
		t.Errorf("listen = %q, want 0.0.0.0:9999", cfg.Server.Listen)
	}
	if cfg.Hub.PortBase != 20000 {
		t.Errorf("port_base = %d, want 20000", cfg.Hub.PortBase)
	}
	// untouched keys keep their defaults
	if cfg.Hub.PortRange != 16384 {
		t.Errorf("port_range = %d, want the default 16384", cfg.Hub.PortRange)
	}
	if cfg.Bridge.Kind != "tcp" {
		t.Errorf("bridge kind = %q, want tcp", cfg.Bridge.Kind)
	}
	if len(cfg.Devices) != 1 || !cfg.Devices[0].AppRunning || cfg.Devices[0].Host != "lab" {
		t.Errorf("devices = %+v", cfg.Devices)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("validate: %s", err)
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devhubd.yaml")
	if err := os.WriteFile(path, []byte("server: [not: a: mapping"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed yaml loaded without error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"empty listen", func(c *Config) { c.Server.Listen = "" }, false},
		{"port base too low", func(c *Config) { c.Hub.PortBase = 0 }, false},
		{"range past 65535", func(c *Config) { c.Hub.PortBase = 65000; c.Hub.PortRange = 2000 }, false},
		{"zero timeout", func(c *Config) { c.Hub.CallTimeoutMs = 0 }, false},
		{"exec without command", func(c *Config) { c.Bridge.Command = nil }, false},
		{"tcp kind", func(c *Config) { c.Bridge.Kind = "tcp"; c.Bridge.Command = nil }, true},
		{"unknown kind", func(c *Config) { c.Bridge.Kind = "serial" }, false},
		{"device with path", func(c *Config) {
			c.Devices = []hub.Notification{{Host: "lab", Path: "/dev/ttyACM0"}}
		}, true},
		{"device without path", func(c *Config) {
			c.Devices = []hub.Notification{{Host: "lab"}}
		}, false},
	}
	for _, tt := range tests {
		cfg := Default()
		tt.mutate(&cfg)
		err := Validate(cfg)
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected error %s", tt.name, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("%s: error expected", tt.name)
		}
	}
}
