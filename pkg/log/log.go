// Package log configures the controller's single logrus sink and hands out
// component-scoped child loggers to the rest of the tree.
package log

import (
	"io"
	"os"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
)

// base is the package-level sink every component logger is derived from.
var base = logrus.New()

// Level is the accepted set of configurable log levels.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how Init sets up the sink.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init (re)configures the package-level sink. Call once at process startup.
func Init(cfg Config) {
	lvl, err := logrus.ParseLevel(string(cfg.Level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	base.SetOutput(out)

	if cfg.JSONOutput {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&formatter.Formatter{
			HideKeys:    true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
}

// ForComponent returns a child logger tagged with the given component name,
// the idiom used throughout this repo instead of passing *logrus.Logger by
// value (entries accumulate fields without mutating the shared sink).
func ForComponent(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// WithNode returns a child logger additionally tagged with a node name.
func WithNode(entry *logrus.Entry, node string) *logrus.Entry {
	return entry.WithField("node", node)
}

// Root returns the package-level sink entry with no fields attached, for
// callers that only need a single log line and not a persistent component
// logger.
func Root() *logrus.Entry {
	return logrus.NewEntry(base)
}
