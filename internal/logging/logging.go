// Package logging configures the process-wide logrus logger and hands out
// component-scoped entries.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Options selects the level, format and destination of log output.
type Options struct {
	Level  string    // logrus level name; empty means info
	Format string    // "text" or "json"; empty means text
	Out    io.Writer // defaults to os.Stderr
}

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return l
}

// Setup applies opts to the shared logger.
func Setup(opts Options) error {
	level := logrus.InfoLevel
	if opts.Level != "" {
		lv, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		level = lv
	}
	switch strings.ToLower(opts.Format) {
	case "", "text":
		base.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q (want text or json)", opts.Format)
	}
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	base.SetOutput(out)
	base.SetLevel(level)
	return nil
}

// New returns an entry tagged with the given component name.
func New(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// Discard returns an entry that writes nowhere; used by tests and by callers
// that want silent operation.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
