package logging

import (
	"fmt"
	"os"
)

// logger is a global reference to a shared Logger (created/initialized with the
// CLI, but separated for general usage by the JIT packages)
var logger = newLogger(LogLevelWarning)

// Initialize initializes the global logger with the provided log level
func Initialize(loglevelname string) {
	logger = newLogger(ParseLogLevel(loglevelname))
}

// ParseLogLevel converts a log level name into one of the enumerated levels
func ParseLogLevel(loglevelname string) int {
	switch loglevelname {
	case "silent":
		return LogLevelSilent
	case "error":
		return LogLevelError
	case "warn", "warning":
		return LogLevelWarning
	case "debug":
		return LogLevelDebug
	// everything else (including invalid log levels) should default to verbose
	default:
		return LogLevelVerbose
	}
}

// ShouldProceed indicates whether or not the logger has seen any errors
func ShouldProceed() bool {
	logger.m.Lock()
	defer logger.m.Unlock()

	return logger.errorCount == 0
}

// -----------------------------------------------------------------------------
// NOTE: All log functions will only display if the appropriate log level is
// set.  Most log functions will simply fail silently if below their appropriate
// log level.

// LogSessionError logs an error reported by a running execution session
func LogSessionError(kind string, err error) {
	logger.handleMsg(&SessionError{Kind: kind, Err: err})
}

// LogConfigError logs an error related to the manifest or the command line
func LogConfigError(kind, message string) {
	logger.handleMsg(&SessionError{Kind: kind, Err: fmt.Errorf("%s", message)})
}

// LogWarning queues a warning to be displayed when the run finishes
func LogWarning(kind, warning string) {
	logger.handleMsg(&SessionWarning{Kind: kind, Message: warning})
}

// LogDebug prints a trace line for a session event.  Nothing is printed below
// the debug log level.
func LogDebug(component, format string, args ...interface{}) {
	if logger.LogLevel < LogLevelDebug {
		return
	}

	logger.m.Lock()
	defer logger.m.Unlock()

	displayDebug(component, fmt.Sprintf(format, args...))
}

// LogFatal logs a fatal error that was not expected: ie. the JIT did something
// it wasn't supposed to.  It exits the program.
func LogFatal(message string, args ...interface{}) {
	logger.m.Lock()
	displayFatalError(fmt.Sprintf(message, args...))
	logger.m.Unlock()

	os.Exit(1)
}

// -----------------------------------------------------------------------------
// Below are all the "aesthetic" functions that only run at the verbose log
// level.

// LogRunHeader displays the version and configuration of a run
func LogRunHeader(manifestName, dispatch string, lazy bool) {
	if logger.LogLevel >= LogLevelVerbose {
		displayRunHeader(manifestName, dispatch, lazy)
	}
}

// LogSymbolTable displays a table of symbol lookup results
func LogSymbolTable(header []string, rows [][]string) {
	if logger.LogLevel >= LogLevelVerbose {
		logger.m.Lock()
		defer logger.m.Unlock()

		displayTable(header, rows)
	}
}

// LogRunFinished displays all queued warnings and the closing message
func LogRunFinished() {
	logger.m.Lock()
	defer logger.m.Unlock()

	if logger.LogLevel >= LogLevelWarning {
		for _, warning := range logger.warnings {
			warning.display()
		}
	}

	if logger.LogLevel > LogLevelSilent {
		displayRunFinished(logger.errorCount == 0, logger.errorCount, len(logger.warnings))
	}

	logger.warnings = nil
}
