// Package logcfg owns the process log sinks. The agent starts with a
// console sink at INFO; the controller's ConfigureLogging command (or the
// -l CLI option) replaces the sinks at runtime.
package logcfg

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/1ureka/tincan/internal/control"
	"github.com/1ureka/tincan/internal/errs"
)

// Sink selection values for ConfigureLoggingRequest.Device.
const (
	DeviceAll     = "All"
	DeviceFile    = "File"
	DeviceConsole = "Console"
)

const (
	defaultFilename    = "tincan.log"
	defaultMaxFileSize = 5 // MB
	defaultMaxArchives = 10
)

// sinkHook fans a log entry out to one writer with its own formatter and
// severity floor, so the console and the file can differ in both.
type sinkHook struct {
	w      io.Writer
	format logrus.Formatter
	levels []logrus.Level
}

func (h *sinkHook) Levels() []logrus.Level { return h.levels }

func (h *sinkHook) Fire(e *logrus.Entry) error {
	line, err := h.format.Format(e)
	if err != nil {
		return err
	}
	_, err = h.w.Write(line)
	return err
}

// levelsUpTo returns every severity at or above floor, or nil for NONE.
func levelsUpTo(floor logrus.Level, none bool) []logrus.Level {
	if none {
		return nil
	}
	var out []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= floor {
			out = append(out, l)
		}
	}
	return out
}

// parseLevel maps a controller severity name to a logrus level. The
// boolean result reports the NONE pseudo-level.
func parseLevel(name string, fallback logrus.Level) (logrus.Level, bool, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "":
		return fallback, false, nil
	case "DEBUG", "VERBOSE":
		return logrus.DebugLevel, false, nil
	case "INFO":
		return logrus.InfoLevel, false, nil
	case "WARNING", "WARN":
		return logrus.WarnLevel, false, nil
	case "ERROR":
		return logrus.ErrorLevel, false, nil
	case "NONE":
		return logrus.PanicLevel, true, nil
	default:
		return fallback, false, fmt.Errorf("%w: unrecognized log level %q", errs.ErrConfig, name)
	}
}

// Default installs the startup configuration: console at INFO.
func Default(console io.Writer) {
	logrus.SetOutput(io.Discard)
	logrus.SetLevel(logrus.InfoLevel)
	hooks := make(logrus.LevelHooks)
	hooks.Add(&sinkHook{
		w:      console,
		format: &logrus.TextFormatter{FullTimestamp: true},
		levels: levelsUpTo(logrus.InfoLevel, false),
	})
	logrus.StandardLogger().ReplaceHooks(hooks)
}

// Apply installs the sinks a ConfigureLogging request describes: a
// rotating JSON file at Level, a text console at ConsoleLevel, or both,
// depending on Device.
func Apply(console io.Writer, req *control.ConfigureLoggingRequest) error {
	fileLevel, fileNone, err := parseLevel(req.Level, logrus.WarnLevel)
	if err != nil {
		return err
	}
	consoleLevel, consoleNone, err := parseLevel(req.ConsoleLevel, logrus.InfoLevel)
	if err != nil {
		return err
	}

	device := strings.TrimSpace(req.Device)
	if device == "" {
		device = DeviceAll
	}
	wantFile := strings.EqualFold(device, DeviceAll) || strings.EqualFold(device, DeviceFile)
	wantConsole := strings.EqualFold(device, DeviceAll) || strings.EqualFold(device, DeviceConsole)
	if !wantFile && !wantConsole {
		return fmt.Errorf("%w: unrecognized log device %q", errs.ErrConfig, req.Device)
	}

	hooks := make(logrus.LevelHooks)
	verbosity := logrus.PanicLevel

	if wantFile {
		name := req.Filename
		if name == "" {
			name = defaultFilename
		}
		size := req.MaxFileSize
		if size <= 0 {
			size = defaultMaxFileSize
		}
		archives := req.MaxArchives
		if archives <= 0 {
			archives = defaultMaxArchives
		}
		hooks.Add(&sinkHook{
			w: &lumberjack.Logger{
				Filename:   filepath.Join(req.Directory, name),
				MaxSize:    size,
				MaxBackups: archives,
			},
			format: &logrus.JSONFormatter{},
			levels: levelsUpTo(fileLevel, fileNone),
		})
		if !fileNone && fileLevel > verbosity {
			verbosity = fileLevel
		}
	}
	if wantConsole {
		hooks.Add(&sinkHook{
			w:      console,
			format: &logrus.TextFormatter{FullTimestamp: true},
			levels: levelsUpTo(consoleLevel, consoleNone),
		})
		if !consoleNone && consoleLevel > verbosity {
			verbosity = consoleLevel
		}
	}

	logrus.SetOutput(io.Discard)
	logrus.SetLevel(verbosity)
	logrus.StandardLogger().ReplaceHooks(hooks)
	return nil
}

// ApplyJSON parses an inline ConfigureLogging request (the -l option) and
// applies it.
func ApplyJSON(console io.Writer, raw string) error {
	var req control.ConfigureLoggingRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return fmt.Errorf("%w: parsing log config: %v", errs.ErrConfig, err)
	}
	return Apply(console, &req)
}
