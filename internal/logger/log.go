// Package logger builds phuslu/log writers from the [logging] section and
// hands out per-component loggers.
//
// Component loggers are copies of log.DefaultLogger taken when they are
// created, so ConfigureLogging must run before any component is constructed.
// Event handlers on the scheduler hot path never log.
package logger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/phuslu/log"

	"runqlat_exporter/internal/config"
)

// asyncChannelSize is the queue length of every AsyncWriter.
const asyncChannelSize = 4096

var levels = map[string]log.Level{
	"trace":   log.TraceLevel,
	"debug":   log.DebugLevel,
	"info":    log.InfoLevel,
	"warn":    log.WarnLevel,
	"warning": log.WarnLevel,
	"error":   log.ErrorLevel,
	"fatal":   log.FatalLevel,
}

// parseLogLevel maps a configured level name to log.Level, info when unknown.
func parseLogLevel(name string) log.Level {
	if l, ok := levels[strings.ToLower(strings.TrimSpace(name))]; ok {
		return l
	}
	return log.InfoLevel
}

func parseTimeLocation(location string) *time.Location {
	switch location {
	case "", "Local":
		return time.Local
	case "UTC":
		return time.UTC
	}
	if loc, err := time.LoadLocation(location); err == nil {
		return loc
	}
	return time.Local
}

func mapTimeFormat(format string) string {
	switch format {
	case "Unix":
		return log.TimeFormatUnix
	case "UnixMs":
		return log.TimeFormatUnixMs
	}
	return format
}

// glogFormatter renders "Lhh:mm:ss.uuuuuu goid caller] message".
func glogFormatter(w io.Writer, a *log.FormatterArgs) (int, error) {
	level := byte('?')
	if a.Level != "" {
		level = a.Level[0] - 'a' + 'A'
	}
	var b strings.Builder
	b.Grow(len(a.Time) + len(a.Caller) + len(a.Message) + 16)
	b.WriteByte(level)
	b.WriteString(a.Time)
	b.WriteByte(' ')
	b.WriteString(a.Goid)
	b.WriteByte(' ')
	b.WriteString(a.Caller)
	b.WriteString("] ")
	b.WriteString(a.Message)
	b.WriteByte('\n')
	return io.WriteString(w, b.String())
}

// outputs collects the writers built from the configuration together with
// the ones that need flushing on shutdown.
type outputs struct {
	writers []log.Writer
	closers []io.Closer
}

// add registers w. Async writers and owned writers (files, syslog
// connections) are closed by Close; standard streams never are.
func (o *outputs) add(w log.Writer, async, owned bool) {
	if async {
		aw := &log.AsyncWriter{ChannelSize: asyncChannelSize, Writer: w}
		o.writers = append(o.writers, aw)
		o.closers = append(o.closers, aw)
		return
	}
	o.writers = append(o.writers, w)
	if c, ok := w.(io.Closer); ok && owned {
		o.closers = append(o.closers, c)
	}
}

// Close flushes async queues and closes files and syslog connections,
// most recently opened first.
func (o *outputs) Close() error {
	var errs []error
	for i := len(o.closers) - 1; i >= 0; i-- {
		if err := o.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	o.closers = nil
	return errors.Join(errs...)
}

func (o *outputs) writer() log.Writer {
	switch len(o.writers) {
	case 0:
		return &log.IOWriter{Writer: os.Stderr}
	case 1:
		return o.writers[0]
	}
	mw := log.MultiEntryWriter(o.writers)
	return &mw
}

func consoleWriter(c *config.ConsoleConfig) log.Writer {
	var dst io.Writer = os.Stderr
	if c.Writer == "stdout" {
		dst = os.Stdout
	}
	if c.FastIO {
		return &log.IOWriter{Writer: dst}
	}

	cw := &log.ConsoleWriter{
		ColorOutput:    c.ColorOutput,
		QuoteString:    c.QuoteString,
		EndWithMessage: true,
		Writer:         dst,
	}
	switch c.Format {
	case "logfmt":
		cw.Formatter = log.LogfmtFormatter{TimeField: "time"}.Formatter
	case "glog":
		cw.Formatter = glogFormatter
	}
	return cw
}

func fileWriter(c *config.FileConfig) (log.Writer, error) {
	if c.Filename == "" {
		return nil, errors.New("file output needs a filename")
	}
	if c.EnsureFolder {
		if err := os.MkdirAll(filepath.Dir(c.Filename), 0755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
	}
	return &log.FileWriter{
		Filename:     c.Filename,
		FileMode:     0644,
		MaxSize:      c.MaxSize << 20,
		MaxBackups:   c.MaxBackups,
		TimeFormat:   mapTimeFormat(c.TimeFormat),
		LocalTime:    c.LocalTime,
		HostName:     c.HostName,
		ProcessID:    c.ProcessID,
		EnsureFolder: c.EnsureFolder,
	}, nil
}

func syslogWriter(c *config.SyslogConfig) log.Writer {
	return &log.SyslogWriter{
		Network:  c.Network,
		Address:  c.Address,
		Hostname: c.Hostname,
		Tag:      c.Tag,
		Marker:   c.Marker,
	}
}

// buildOutput adds the writer for one enabled [[logging.outputs]] entry.
func (o *outputs) buildOutput(out config.LogOutput) error {
	if !out.Enabled {
		return nil
	}
	switch out.Type {
	case "console":
		if out.Console == nil {
			return errors.New("console output missing console configuration")
		}
		o.add(consoleWriter(out.Console), out.Console.Async, false)
	case "file":
		if out.File == nil {
			return errors.New("file output missing file configuration")
		}
		w, err := fileWriter(out.File)
		if err != nil {
			return err
		}
		o.add(w, out.File.Async, true)
	case "syslog":
		if out.Syslog == nil {
			return errors.New("syslog output missing syslog configuration")
		}
		o.add(syslogWriter(out.Syslog), out.Syslog.Async, true)
	default:
		return fmt.Errorf("unknown output type: %s", out.Type)
	}
	return nil
}

// ConfigureLogging replaces log.DefaultLogger with one writing to every
// enabled output. The returned closer flushes them and should run last.
// With no enabled output, logs go to stderr.
func ConfigureLogging(cfg config.LoggingConfig) (io.Closer, error) {
	o := &outputs{}
	for _, out := range cfg.Outputs {
		if err := o.buildOutput(out); err != nil {
			_ = o.Close()
			return nil, err
		}
	}

	log.DefaultLogger = log.Logger{
		Level:        parseLogLevel(cfg.Defaults.Level),
		Caller:       cfg.Defaults.Caller,
		TimeField:    cfg.Defaults.TimeField,
		TimeFormat:   mapTimeFormat(cfg.Defaults.TimeFormat),
		TimeLocation: parseTimeLocation(cfg.Defaults.TimeLocation),
		Writer:       o.writer(),
	}

	log.Info().
		Str("level", cfg.Defaults.Level).
		Int("outputs", len(o.writers)).
		Msg("Loggers configured")

	return o, nil
}

// NewLoggerWithContext returns a copy of log.DefaultLogger tagged with
// component, e.g. NewLoggerWithContext("controller").
func NewLoggerWithContext(component string) log.Logger {
	l := log.DefaultLogger
	l.Caller = 0
	l.Context = log.NewContext(l.Context).Str("component", component).Value()
	return l
}
