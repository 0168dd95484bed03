// Package rangelog centralizes the per-package loggers used throughout the
// daemon: one *logging.Logger per package, obtained through For
// (logging.MustGetLogger); this package's init() installs the shared
// format and backend.
package rangelog

import (
	"os"

	logging "github.com/op/go-logging"
)

var format = logging.MustStringFormatter(
	`%{time:15:04:05.000} %{level:.4s} %{module}: %{message}`,
)

func init() {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, format)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(logging.INFO, "")
	logging.SetBackend(leveled)
}

// For returns the logger for the named module, e.g. "paxos.proposer".
func For(module string) *logging.Logger {
	return logging.MustGetLogger(module)
}

// SetLevel adjusts the global verbosity, driven by the daemon's --verbose
// and --debug flags.
func SetLevel(level logging.Level) {
	logging.SetLevel(level, "")
}
