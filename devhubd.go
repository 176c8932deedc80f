package main

import (
	"fmt"
	"time"

	"github.com/ttybridge/devhubd-go/bridge"
	"github.com/ttybridge/devhubd-go/config"
	"github.com/ttybridge/devhubd-go/hub"
	"github.com/ttybridge/devhubd-go/server"
)

const version = "1.2.0"

func main() {
	options := parseFlags()

	if options.versionFlag {
		fmt.Printf("devhubd version %s\n", version)
		return
	}

	cfg, err := config.Load(options.configPath)
	if err != nil {
		fmt.Println(err)
		return
	}
	if options.logfile != "" {
		cfg.Log.File = options.logfile
	}
	if options.listen != "" {
		cfg.Server.Listen = options.listen
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Println(err)
		return
	}

	stderrWriter, stderrLogger, shortMemoryWriter, longMemoryWriter := initLoggers(
		cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups, options.verbose,
	)

	stderrLogger.Print("devhubd is starting.")

	var spawner hub.Spawner
	switch cfg.Bridge.Kind {
	case "tcp":
		longMemoryWriter.Log("main - using tcp bridge")
		spawner = &bridge.TCP{Log: longMemoryWriter}
	default:
		longMemoryWriter.Log("main - using exec bridge")
		spawner = &bridge.Command{
			Argv:        cfg.Bridge.Command,
			RemoteShell: cfg.Bridge.RemoteShell,
			LocalHost:   cfg.Bridge.LocalHost,
			Log:         longMemoryWriter,
		}
	}

	h := hub.New(spawner, longMemoryWriter, hub.Config{
		PortBase:    cfg.Hub.PortBase,
		PortRange:   cfg.Hub.PortRange,
		CallTimeout: time.Duration(cfg.Hub.CallTimeoutMs) * time.Millisecond,
	})

	for _, n := range cfg.Devices {
		longMemoryWriter.Log("main - attaching configured device " + n.Path)
		if _, err := h.Attach(n); err != nil {
			stderrLogger.Printf("attach %s: %s", n.Path, err)
		}
	}

	longMemoryWriter.Log("main - creating admin server")
	s := server.New(h, cfg.Server.Listen, version, stderrWriter, shortMemoryWriter, longMemoryWriter)

	longMemoryWriter.Log("main - running admin server")
	if err := s.Run(); err != nil {
		stderrLogger.Fatalf("admin server: %s", err)
	}

	longMemoryWriter.Log("main - ended successfully")
}
