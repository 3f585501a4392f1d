package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"runqlat_exporter/internal/maps"
)

// Configuration system:
// - config.example.toml is generated with -generate-config
// - Use brief comments here for reference only

// Probe modes.
const (
	ModeKernel    = "kernel"
	ModeUserspace = "userspace"
)

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Server configuration
	Server ServerConfig `toml:"server"`

	// eBPF probe configuration
	Probe ProbeConfig `toml:"probe"`

	// Which processes to observe
	Tracking TrackingConfig `toml:"tracking"`

	// Histogram harvesting
	Drain DrainConfig `toml:"drain"`

	// In-memory store settings (userspace mode)
	Store StoreConfig `toml:"store"`

	// Text output
	Output OutputConfig `toml:"output"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Listen address (default: ":9189")
	ListenAddress string `toml:"listen_address"`

	// Metrics endpoint path (default: "/metrics")
	MetricsPath string `toml:"metrics_path"`

	// Enable pprof endpoint for debugging (default: false)
	PprofEnabled bool `toml:"pprof_enabled"`
}

// ProbeConfig contains settings for loading and attaching the BPF object.
type ProbeConfig struct {
	// Where the state machine runs: "kernel" or "userspace" (default: "kernel")
	Mode string `toml:"mode"`

	// Compiled BPF object (default: "bpf/runqlat.bpf.o")
	ObjectPath string `toml:"object_path"`

	// Capacity of the tracked, pending and histogram stores (default: 2048)
	MaxEntries int `toml:"max_entries"`

	// Ring buffer size in bytes for userspace mode, power of two (default: 262144)
	RingSize int `toml:"ring_size"`

	// Event workers in userspace mode, 0 = one per CPU (default: 0)
	Workers int `toml:"workers"`

	// Queue length per worker in userspace mode (default: 4096)
	QueueSize int `toml:"queue_size"`

	// Lift RLIMIT_MEMLOCK before loading, needed on kernels before 5.11 (default: true)
	RemoveMemlock bool `toml:"remove_memlock"`
}

// TrackingConfig selects the processes to observe.
type TrackingConfig struct {
	// Explicit tgids, always tracked
	Pids []uint32 `toml:"pids"`

	// Regular expressions matched against /proc/<pid>/comm (Go regexp syntax)
	IncludeNames []string `toml:"include_names"`

	// Track the exporter's own process (default: false)
	IncludeSelf bool `toml:"include_self"`

	// How often to rescan /proc for matching processes, 0 disables (default: "10s")
	RescanInterval time.Duration `toml:"rescan_interval"`
}

// DrainConfig contains histogram harvesting settings.
type DrainConfig struct {
	// Interval between drains of the histogram store (default: "5s")
	Interval time.Duration `toml:"interval"`
}

// StoreConfig contains in-memory store settings.
type StoreConfig struct {
	// Concurrent map backend: "xsync", "sharded", "cornelk" or "sync" (default: "xsync")
	MapImplementation string `toml:"map_implementation"`
}

// OutputConfig contains text output settings.
type OutputConfig struct {
	// Print every drained snapshot to stdout (default: false)
	Print bool `toml:"print"`
}

// LoggingConfig contains the complete logging configuration
type LoggingConfig struct {
	// Default logging settings applied to all loggers
	Defaults LogDefaults `toml:"defaults"`

	// Output configurations - can have multiple outputs
	Outputs []LogOutput `toml:"outputs"`
}

// LogDefaults contains default logger settings
type LogDefaults struct {
	// Log level (default: "info")
	Level string `toml:"level"`

	// Include caller information (default: 0)
	Caller int `toml:"caller"`

	// Time field name (default: "time")
	TimeField string `toml:"time_field"`

	// Time format (default: "" = RFC3339 with milliseconds)
	TimeFormat string `toml:"time_format"`

	// Time zone (default: "Local")
	TimeLocation string `toml:"time_location"`
}

// LogOutput represents a single output configuration
type LogOutput struct {
	// Output type: "console", "file", "syslog"
	Type string `toml:"type"`

	// Enable this output (default: true)
	Enabled bool `toml:"enabled"`

	// Configuration specific to the output type
	Console *ConsoleConfig `toml:"console,omitempty"`
	File    *FileConfig    `toml:"file,omitempty"`
	Syslog  *SyslogConfig  `toml:"syslog,omitempty"`
}

// ConsoleConfig contains console/terminal output settings
type ConsoleConfig struct {
	// Use fast JSON output (default: false)
	FastIO bool `toml:"fast_io"`

	// Output format when fast_io=false (default: "auto")
	Format string `toml:"format"`

	// Enable colored output (default: true)
	ColorOutput bool `toml:"color_output"`

	// Quote string values (default: true)
	QuoteString bool `toml:"quote_string"`

	// Output destination (default: "stderr")
	Writer string `toml:"writer"`

	// Use asynchronous writing (default: false)
	Async bool `toml:"async"`
}

// FileConfig contains file output settings
type FileConfig struct {
	// Log file path (required)
	Filename string `toml:"filename"`

	// Maximum file size in megabytes (default: 10)
	MaxSize int64 `toml:"max_size"`

	// Maximum number of old log files to keep (default: 7)
	MaxBackups int `toml:"max_backups"`

	// Time format for rotated filenames (default: "2006-01-02T15-04-05")
	TimeFormat string `toml:"time_format"`

	// Use local time for rotation timestamps (default: true)
	LocalTime bool `toml:"local_time"`

	// Include hostname in filename (default: true)
	HostName bool `toml:"host_name"`

	// Include process ID in filename (default: true)
	ProcessID bool `toml:"process_id"`

	// Create directory if it doesn't exist (default: true)
	EnsureFolder bool `toml:"ensure_folder"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// SyslogConfig contains syslog output settings
type SyslogConfig struct {
	// Network protocol (default: "udp")
	Network string `toml:"network"`

	// Syslog server address (default: "localhost:514")
	Address string `toml:"address"`

	// Hostname for syslog messages (default: system hostname)
	Hostname string `toml:"hostname"`

	// Syslog tag/program name (default: "runqlat_exporter")
	Tag string `toml:"tag"`

	// Message prefix marker (default: "@cee:")
	Marker string `toml:"marker"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			ListenAddress: ":9189",
			MetricsPath:   "/metrics",
			PprofEnabled:  false,
		},
		Probe: ProbeConfig{
			Mode:          ModeKernel,
			ObjectPath:    "bpf/runqlat.bpf.o",
			MaxEntries:    2048,
			RingSize:      256 * 1024,
			Workers:       0,
			QueueSize:     4096,
			RemoveMemlock: true,
		},
		Tracking: TrackingConfig{
			Pids:           []uint32{},
			IncludeNames:   []string{},
			IncludeSelf:    false,
			RescanInterval: 10 * time.Second,
		},
		Drain: DrainConfig{
			Interval: 5 * time.Second,
		},
		Store: StoreConfig{
			MapImplementation: string(maps.DefaultImplementation),
		},
		Output: OutputConfig{
			Print: false,
		},
		Logging: LoggingConfig{
			Defaults: LogDefaults{
				Level:        "info",
				Caller:       0,
				TimeField:    "time",
				TimeFormat:   "",
				TimeLocation: "Local",
			},
			Outputs: []LogOutput{
				{
					Type:    "console",
					Enabled: true,
					Console: &ConsoleConfig{
						FastIO:      false,
						Format:      "auto",
						ColorOutput: true,
						QuoteString: true,
						Writer:      "stderr",
						Async:       false,
					},
				},
				{
					Type:    "file",
					Enabled: false,
					File: &FileConfig{
						Filename:     "logs/app.log",
						MaxSize:      10, // 10MB
						MaxBackups:   7,
						TimeFormat:   "2006-01-02T15-04-05",
						LocalTime:    true,
						HostName:     true,
						ProcessID:    true,
						EnsureFolder: true,
						Async:        true,
					},
				},
				{
					Type:    "syslog",
					Enabled: false,
					Syslog: &SyslogConfig{
						Network:  "udp",
						Address:  "localhost:514",
						Tag:      "runqlat_exporter",
						Hostname: "", // Uses system hostname by default
						Marker:   "@cee:",
						Async:    true, // Syslog is typically asynchronous
					},
				},
			},
		},
	}
}

// LoadConfig loads configuration from a TOML file, falling back to defaults
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	// If no config file specified, use defaults
	if configPath == "" {
		return config, nil
	}

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return config, fmt.Errorf("config file not found: %s", configPath)
	}

	// Parse TOML file
	if _, err := toml.DecodeFile(configPath, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a TOML file
func SaveConfig(configPath string, config *AppConfig) error {
	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Create file
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file %s: %w", configPath, err)
	}
	defer file.Close()

	// Encode to TOML
	if err := toml.NewEncoder(file).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// GenerateExampleConfig generates a TOML configuration file with default values
func GenerateExampleConfig(outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	// Write header comments
	header := `# runqlat exporter example configuration
# This file is auto-generated and serves as an example configuration.
# Copy this file to create your own configuration and modify as needed.
#
# Format: TOML (Tom's Obvious, Minimal Language)

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	// Create default config and encode to TOML
	config := DefaultConfig()
	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors
func (c *AppConfig) Validate() error {
	// Validate server config
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if c.Server.MetricsPath == "" {
		return fmt.Errorf("server.metrics_path cannot be empty")
	}

	// Validate probe config
	switch c.Probe.Mode {
	case ModeKernel, ModeUserspace:
	default:
		return fmt.Errorf("probe.mode must be %q or %q, got %q", ModeKernel, ModeUserspace, c.Probe.Mode)
	}
	if c.Probe.ObjectPath == "" {
		return fmt.Errorf("probe.object_path cannot be empty")
	}
	// Both become uint32 BPF map attributes.
	if c.Probe.MaxEntries <= 0 || int64(c.Probe.MaxEntries) > math.MaxUint32 {
		return fmt.Errorf("probe.max_entries must be between 1 and %d, got %d", uint32(math.MaxUint32), c.Probe.MaxEntries)
	}
	if c.Probe.RingSize <= 0 || int64(c.Probe.RingSize) > math.MaxUint32 || c.Probe.RingSize&(c.Probe.RingSize-1) != 0 {
		return fmt.Errorf("probe.ring_size must be a power of two no larger than %d, got %d", uint32(math.MaxUint32), c.Probe.RingSize)
	}
	if c.Probe.Workers < 0 || c.Probe.QueueSize < 0 {
		return fmt.Errorf("probe.workers and probe.queue_size cannot be negative")
	}

	// Validate tracking config
	for _, pattern := range c.Tracking.IncludeNames {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("tracking.include_names: %w", err)
		}
	}
	if c.Tracking.RescanInterval < 0 {
		return fmt.Errorf("tracking.rescan_interval cannot be negative")
	}

	if c.Drain.Interval <= 0 {
		return fmt.Errorf("drain.interval must be positive")
	}

	if !maps.ValidImplementation(c.Store.MapImplementation) {
		return fmt.Errorf("store.map_implementation: unknown implementation %q", c.Store.MapImplementation)
	}

	// Validate that at least one output is enabled
	hasEnabledOutput := false
	for _, output := range c.Logging.Outputs {
		if output.Enabled {
			hasEnabledOutput = true
			break
		}
	}
	if !hasEnabledOutput {
		return fmt.Errorf("at least one logging output must be enabled")
	}

	return nil
}

// Flags holds the command-line flags
type Flags struct {
	ListenAddress  string
	MetricsPath    string
	ConfigPath     string
	GenerateConfig string
	Pids           string
	Print          bool
}

// ParsePids parses a comma-separated list of tgids.
func ParsePids(s string) ([]uint32, error) {
	var pids []uint32
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		pid, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid pid %q: %w", field, err)
		}
		pids = append(pids, uint32(pid))
	}
	return pids, nil
}

// NewConfig creates a new configuration by parsing flags and loading the config file.
func NewConfig() (*AppConfig, error) {
	flags := &Flags{}

	// Define flags and bind them to the Flags struct
	flag.StringVar(&flags.ListenAddress,
		"web.listen-address",
		":9189",
		"Address to listen on for web interface and telemetry.")
	flag.StringVar(&flags.MetricsPath,
		"web.telemetry-path",
		"/metrics",
		"Path under which to expose metrics.")
	flag.StringVar(&flags.ConfigPath,
		"config",
		"",
		"Path to configuration file (optional).")
	flag.StringVar(&flags.GenerateConfig,
		"generate-config",
		"",
		"Generate example config file to specified path and exit.")
	flag.StringVar(&flags.Pids,
		"pids",
		"",
		"Comma-separated tgids to track, added to tracking.pids.")
	flag.BoolVar(&flags.Print,
		"print",
		false,
		"Print histograms to stdout after every drain.")
	flag.Parse()

	// Handle config generation and exit.
	// We return a special error to signal that the program should exit cleanly.
	if flags.GenerateConfig != "" {
		if err := GenerateExampleConfig(flags.GenerateConfig); err != nil {
			return nil, fmt.Errorf("error generating example config: %w", err)
		}
		fmt.Printf("Generated %s successfully\n", flags.GenerateConfig)
		return nil, nil // Signal clean exit
	}

	// Start with default config
	config := DefaultConfig()

	// Load configuration from file if a path is provided
	if flags.ConfigPath != "" {
		var err error
		config, err = LoadConfig(flags.ConfigPath)
		if err != nil {
			return nil, err
		}
	}

	// Override config with command-line flags if they were set by the user
	if isFlagPassed("web.listen-address") {
		config.Server.ListenAddress = flags.ListenAddress
	}
	if isFlagPassed("web.telemetry-path") {
		config.Server.MetricsPath = flags.MetricsPath
	}
	if isFlagPassed("pids") {
		pids, err := ParsePids(flags.Pids)
		if err != nil {
			return nil, err
		}
		config.Tracking.Pids = append(config.Tracking.Pids, pids...)
	}
	if isFlagPassed("print") {
		config.Output.Print = flags.Print
	}

	// Validate the final configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// isFlagPassed checks if a flag was explicitly set on the command line.
func isFlagPassed(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}
