package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // For pprof server
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	plog "github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"runqlat_exporter/internal/collectors/runqlat"
	"runqlat_exporter/internal/config"
	"runqlat_exporter/internal/controller"
	"runqlat_exporter/internal/maps"
	"runqlat_exporter/internal/output"
	"runqlat_exporter/internal/probe"
	"runqlat_exporter/internal/procfilter"
)

// RunqlatExporter encapsulates the core components of the application.
type RunqlatExporter struct {
	config     *config.AppConfig
	controller *controller.Controller
	filter     *procfilter.Filter
	collector  *runqlat.RunqlatCollector
	httpServer *http.Server
	log        plog.Logger
}

// NewRunqlatExporter creates and initializes a new RunqlatExporter instance.
// Nothing is loaded into the kernel until Run.
func NewRunqlatExporter(config *config.AppConfig) (*RunqlatExporter, error) {
	exporter := &RunqlatExporter{
		config: config,
	}

	exporter.log = plog.DefaultLogger // main app uses default logger
	exporter.log.Info().
		Str("version", version).
		Str("mode", config.Probe.Mode).
		Str("listen_address", config.Server.ListenAddress).
		Str("metrics_path", config.Server.MetricsPath).
		Msg("Starting runqlat exporter")

	if err := exporter.setupTracking(); err != nil {
		return nil, err
	}
	exporter.setupHTTPServer()

	prometheus.MustRegister(exporter.collector)
	exporter.log.Info().Msg("Run queue latency collector registered with Prometheus")

	return exporter, nil
}

// newBackend selects the backend for the configured probe mode.
func newBackend(cfg *config.AppConfig) controller.Backend {
	opts := probe.Options{
		ObjectPath: cfg.Probe.ObjectPath,
		MaxEntries: uint32(cfg.Probe.MaxEntries),
		RingSize:   uint32(cfg.Probe.RingSize),
	}
	if cfg.Probe.Mode == config.ModeUserspace {
		return controller.NewUserspaceBackend(controller.UserspaceOptions{
			Probe:             opts,
			MapImplementation: maps.Implementation(cfg.Store.MapImplementation),
			MaxEntries:        cfg.Probe.MaxEntries,
			Workers:           cfg.Probe.Workers,
			QueueSize:         cfg.Probe.QueueSize,
		})
	}
	return controller.NewKernelBackend(opts)
}

// setupTracking builds the controller, the process filter and the collector.
func (e *RunqlatExporter) setupTracking() error {
	e.controller = controller.New(newBackend(e.config))

	filter, err := procfilter.New(procfilter.Options{
		Pids:           e.config.Tracking.Pids,
		IncludeNames:   e.config.Tracking.IncludeNames,
		IncludeSelf:    e.config.Tracking.IncludeSelf,
		RescanInterval: e.config.Tracking.RescanInterval,
	}, e.controller)
	if err != nil {
		return fmt.Errorf("failed to create process filter: %w", err)
	}
	e.filter = filter

	e.collector = runqlat.NewRunqlatCollector(e.controller, e.filter, e.config.Drain.Interval)
	if e.config.Output.Print {
		printer := output.NewPrinter(os.Stdout, e.filter)
		e.collector.Subscribe(printer.Print)
	}
	return nil
}

// setupHTTPServer configures the HTTP server for metrics.
func (e *RunqlatExporter) setupHTTPServer() {
	e.log.Debug().Str("metrics_path", e.config.Server.MetricsPath).Msg("Setting up HTTP handlers")
	mux := http.NewServeMux()
	mux.Handle(e.config.Server.MetricsPath, promhttp.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>
            <head><title>Runqlat Exporter</title></head>
            <body>
            <h1>Runqlat Exporter v` + version + ` </h1>
            <p><a href="` + e.config.Server.MetricsPath + `">Metrics</a></p>
            </body>
            </html>`))
	})

	e.httpServer = &http.Server{
		Addr:    e.config.Server.ListenAddress,
		Handler: mux,
	}
}

// Run attaches the probe, starts all services and waits for a shutdown signal.
func (e *RunqlatExporter) Run() error {
	// Create a context that we can stop to trigger a graceful shutdown.
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Listen for OS signals in a separate goroutine.
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		e.log.Info().Msg("! Received OS shutdown signal, shutting down gracefully...")
		stop()
	}()

	if e.config.Server.PprofEnabled {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().Interface("panic", r).Msg("Panic recovered in pprof server, initiating shutdown")
					stop()
				}
			}()
			// go tool pprof -http=:8080 runqlat_exporter http://localhost:6060/debug/pprof/profile?seconds=30
			e.log.Info().Msg("Starting pprof HTTP server on localhost:6060")
			// pprof registers its handlers on http.DefaultServeMux
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				e.log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	e.log.Info().Str("object", e.config.Probe.ObjectPath).Msg("Loading and attaching BPF programs...")
	if err := e.controller.Attach(ctx); err != nil {
		_ = e.controller.Close()
		return fmt.Errorf("failed to attach probe: %w", err)
	}
	e.log.Info().Msg("BPF programs attached")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := e.filter.Run(ctx); err != nil {
			e.log.Error().Err(err).Msg("Process filter stopped")
		}
	}()
	go func() {
		defer wg.Done()
		e.collector.Run(ctx)
	}()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error().Interface("panic", r).Msg("Panic recovered in HTTP server, initiating shutdown")
				stop()
			}
		}()
		e.log.Info().Str("address", e.config.Server.ListenAddress).Msg("Starting HTTP server")
		if err := e.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.log.Error().Err(err).Msg("❌ Failed to start HTTP server")
			stop() // Trigger shutdown on server error
		}
	}()

	e.log.Info().
		Dur("drain_interval", e.config.Drain.Interval).
		Msg("Runqlat exporter is ready and collecting events...")

	// Block until a shutdown is triggered (from OS signal, panic, or other error).
	<-ctx.Done()
	e.log.Info().Msg("! Shutdown initiated...")

	// --- Graceful shutdown sequence ---

	httpCtx, cancelhttp := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelhttp()

	if err := e.httpServer.Shutdown(httpCtx); err != nil {
		e.log.Error().Err(err).Msg("❌ Error shutting down HTTP server")
	} else {
		e.log.Debug().Msg("HTTP server shut down cleanly")
	}

	// The collector drains once more on its way out, so the probe stays
	// attached until it returns.
	wg.Wait()

	if err := e.controller.Close(); err != nil {
		e.log.Error().Err(err).Msg("Error detaching BPF programs")
	} else {
		e.log.Info().Msg("BPF programs detached")
	}

	e.log.Info().Msg("Runqlat exporter stopped gracefully")
	return nil
}
