package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Log is the logger shared by every package in the process. MCP-style
// integrations run with stdout reserved for the protocol, so everything
// goes to stderr.
var Log = logrus.New()

func init() {
	Log.Out = os.Stderr
	Log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	Log.SetLevel(logrus.InfoLevel)
}

// Debug will switch the verbosity of the whole process.
func Debug(t bool) {
	if t {
		Log.SetLevel(logrus.DebugLevel)
	} else {
		Log.SetLevel(logrus.InfoLevel)
	}
}

// SetLevel sets the verbosity by name, falling back to "info" for
// anything unrecognized.
func SetLevel(level string) {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		l = logrus.InfoLevel
	}
	Log.SetLevel(l)
}
