// Package log wires zerolog for the node: a colored console stream for
// operators, an optional always-JSON file tee for machines, and one child
// logger per component.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the root logger. Component loggers derive from it.
var Logger = newLogger(console(os.Stdout), zerolog.InfoLevel)

// Component loggers for different parts of the system.
var (
	Chain     zerolog.Logger
	Mempool   zerolog.Logger
	Consensus zerolog.Logger
	EventSync zerolog.Logger
	Breaker   zerolog.Logger
	Health    zerolog.Logger
	API       zerolog.Logger
	Storage   zerolog.Logger
)

func init() {
	rebuildComponents()
}

// Init reconfigures the root logger. With a file path the output is teed:
// the console keeps its configured format while the file always receives
// JSON lines for parsing.
func Init(level string, jsonOutput bool, file string) error {
	var out io.Writer = os.Stdout
	if !jsonOutput {
		out = console(os.Stdout)
	}

	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		out = zerolog.MultiLevelWriter(out, f)
	}

	Logger = newLogger(out, parseLevel(level))
	rebuildComponents()
	return nil
}

// WithComponent returns a child logger tagged with a component field.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

func console(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
}

func newLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func rebuildComponents() {
	Chain = WithComponent("chain")
	Mempool = WithComponent("mempool")
	Consensus = WithComponent("consensus")
	EventSync = WithComponent("eventsync")
	Breaker = WithComponent("breaker")
	Health = WithComponent("health")
	API = WithComponent("api")
	Storage = WithComponent("storage")
}
