// main.go
package main

import (
	"fmt"
	"os"

	"github.com/cilium/ebpf/rlimit"
	"github.com/phuslu/log"

	"runqlat_exporter/internal/config"
	"runqlat_exporter/internal/logger"
)

var (
	version = "0.1.0"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		// -generate-config was handled
		os.Exit(0)
	}

	logs, err := logger.ConfigureLogging(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure loggers: %v\n", err)
		os.Exit(1)
	}

	if cfg.Probe.RemoveMemlock {
		if err := rlimit.RemoveMemlock(); err != nil {
			log.Warn().Err(err).Msg("Failed to remove memlock limit, loading may fail on older kernels")
		}
	}

	exporter, err := NewRunqlatExporter(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to create exporter")
	}

	if err := exporter.Run(); err != nil {
		log.Fatal().Err(err).Msg("❌ Exporter failed")
	}
	_ = logs.Close()
}
