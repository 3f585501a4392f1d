package logger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/phuslu/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runqlat_exporter/internal/config"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]log.Level{
		"trace":   log.TraceLevel,
		"debug":   log.DebugLevel,
		"warning": log.WarnLevel,
		"error":   log.ErrorLevel,
		"bogus":   log.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLogLevel(in), in)
	}
}

func TestParseTimeLocation(t *testing.T) {
	assert.Equal(t, time.UTC, parseTimeLocation("UTC"))
	assert.Equal(t, time.Local, parseTimeLocation("Not/AZone"))
}

func TestBuildOutputRejectsIncompleteOutput(t *testing.T) {
	o := &outputs{}
	assert.Error(t, o.buildOutput(config.LogOutput{Type: "file", Enabled: true}))
	assert.Error(t, o.buildOutput(config.LogOutput{Type: "file", Enabled: true, File: &config.FileConfig{}}))
	assert.Error(t, o.buildOutput(config.LogOutput{Type: "eventlog", Enabled: true}))

	require.NoError(t, o.buildOutput(config.LogOutput{Type: "console", Enabled: false}))
	assert.Empty(t, o.writers)
}

func TestOutputsCloseOnlyOwnedWriters(t *testing.T) {
	o := &outputs{}
	o.add(consoleWriter(&config.ConsoleConfig{Writer: "stderr"}), false, false)
	o.add(consoleWriter(&config.ConsoleConfig{FastIO: true, Writer: "stdout"}), false, false)
	assert.Len(t, o.writers, 2)
	assert.Empty(t, o.closers)

	w, err := fileWriter(&config.FileConfig{Filename: filepath.Join(t.TempDir(), "a.log")})
	require.NoError(t, err)
	o.add(w, true, true)
	assert.Len(t, o.closers, 1)
	assert.NoError(t, o.Close())
	assert.Empty(t, o.closers)
}

func TestConfigureLogging(t *testing.T) {
	saved := log.DefaultLogger
	t.Cleanup(func() { log.DefaultLogger = saved })

	cfg := config.DefaultConfig().Logging
	cfg.Defaults.Level = "Debug"
	cfg.Outputs[1].Enabled = true
	cfg.Outputs[1].File.Filename = filepath.Join(t.TempDir(), "logs", "test.log")
	cfg.Outputs[1].File.Async = false

	closer, err := ConfigureLogging(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = closer.Close() })
	assert.Equal(t, log.DebugLevel, log.DefaultLogger.Level)

	l := NewLoggerWithContext("controller")
	assert.Equal(t, log.DebugLevel, l.Level)
	assert.Zero(t, l.Caller)
	assert.Contains(t, string(l.Context), "controller")
}

func TestConfigureLoggingFailsOnBadOutput(t *testing.T) {
	saved := log.DefaultLogger
	t.Cleanup(func() { log.DefaultLogger = saved })

	cfg := config.LoggingConfig{Outputs: []config.LogOutput{{Type: "syslog", Enabled: true}}}
	_, err := ConfigureLogging(cfg)
	assert.Error(t, err)
}
