package setup

import "log/slog"

var packageLogger = slog.Default()

// SetLogger routes this package's messages through the given logger. A nil
// logger resets to the process default.
func SetLogger(logger *slog.Logger) {
	if logger == nil {
		packageLogger = slog.Default()
		return
	}
	packageLogger = logger
}

func getLogger() *slog.Logger {
	return packageLogger
}
