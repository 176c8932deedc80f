package config

import (
	"fmt"
	"os"

	"github.com/ttybridge/devhubd-go/hub"
	"gopkg.in/yaml.v3"
)

// Daemon configuration. Everything has a usable default; the file and
// the command-line flags only override.

type Config struct {
	Server  ServerConfig       `yaml:"server"`
	Hub     HubConfig          `yaml:"hub"`
	Bridge  BridgeConfig       `yaml:"bridge"`
	Log     LogConfig          `yaml:"log"`
	Devices []hub.Notification `yaml:"devices"` // attached at startup
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
}

type HubConfig struct {
	PortBase      int `yaml:"port_base"`
	PortRange     int `yaml:"port_range"`
	CallTimeoutMs int `yaml:"call_timeout_ms"`
}

type BridgeConfig struct {
	// Kind selects the collaborator: "exec" spawns Command per
	// device, "tcp" dials the device path as an endpoint.
	Kind        string   `yaml:"kind"`
	Command     []string `yaml:"command"` // {devpath} is substituted
	RemoteShell []string `yaml:"remote_shell"`
	LocalHost   string   `yaml:"local_host"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen: "127.0.0.1:21343",
		},
		Hub: HubConfig{
			PortBase:      hub.DefaultPortBase,
			PortRange:     hub.DefaultPortRange,
			CallTimeoutMs: 3000,
		},
		Bridge: BridgeConfig{
			Kind:        "exec",
			Command:     []string{"ttybridge", "{devpath}"},
			RemoteShell: []string{"ssh"},
		},
		Log: LogConfig{
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
	}
}

// Load reads path over the defaults. A missing file is not an error;
// the defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if cfg.Server.Listen == "" {
		return fmt.Errorf("config: server.listen must not be empty")
	}
	if cfg.Hub.PortBase < 1 || cfg.Hub.PortBase > 65535 {
		return fmt.Errorf("config: hub.port_base %d out of range", cfg.Hub.PortBase)
	}
	if cfg.Hub.PortRange < 1 || cfg.Hub.PortBase+cfg.Hub.PortRange > 65536 {
		return fmt.Errorf("config: hub.port_range %d out of range", cfg.Hub.PortRange)
	}
	if cfg.Hub.CallTimeoutMs < 1 {
		return fmt.Errorf("config: hub.call_timeout_ms must be positive")
	}
	switch cfg.Bridge.Kind {
	case "exec":
		if len(cfg.Bridge.Command) == 0 {
			return fmt.Errorf("config: bridge.command must not be empty")
		}
	case "tcp":
	default:
		return fmt.Errorf("config: unknown bridge.kind %q", cfg.Bridge.Kind)
	}
	for i, n := range cfg.Devices {
		if n.Path == "" {
			return fmt.Errorf("config: devices[%d] has no path", i)
		}
	}
	return nil
}
