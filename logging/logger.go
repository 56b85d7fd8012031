package logging

import (
	"sync"
)

// Logger is a type that is responsible for storing and logging output from the
// JIT as necessary
type Logger struct {
	errorCount int // Total encountered errors
	LogLevel   int

	// warnings is a list of all warnings to be displayed at the end of a run
	warnings []LogMessage

	// m is the mutex used to synchonize the printing of messages: sessions
	// report errors from whatever goroutine a materializer happens to run on
	m *sync.Mutex
}

// Enumeration of the different log levels
const (
	LogLevelSilent  = iota // no output at all
	LogLevelError          // only errors and the closing summary
	LogLevelWarning        // errors, warnings, and the closing summary
	LogLevelVerbose        // errors, warnings, version header and lookup results (DEFAULT)
	LogLevelDebug          // everything above plus a trace of session events
)

// newLogger creates a new logger struct
func newLogger(loglevel int) Logger {
	return Logger{
		LogLevel: loglevel,
		m:        &sync.Mutex{},
	}
}

// handleMsg prompts to logger to process a message -- this message could be
// coming in concurrently and so we need to make sure we are not printing
// multiple things at the same time
func (l *Logger) handleMsg(lm LogMessage) {
	l.m.Lock()
	defer l.m.Unlock()

	if lm.isError() {
		l.errorCount++

		if l.LogLevel > LogLevelSilent {
			lm.display()
		}
	} else {
		l.warnings = append(l.warnings, lm)
	}
}

// LogMessage is anything the logger can queue or display
type LogMessage interface {
	display()
	isError() bool
}

// SessionError is an error raised by the JIT while the session was running:
// a failed materialization, a missing symbol, a bad manifest entry
type SessionError struct {
	Kind string
	Err  error
}

func (se *SessionError) display() {
	PrintErrorMessage(se.Kind+" Error", se.Err)
}

func (se *SessionError) isError() bool {
	return true
}

// SessionWarning is a non-fatal problem that is reported once the run ends
type SessionWarning struct {
	Kind    string
	Message string
}

func (sw *SessionWarning) display() {
	PrintWarningMessage(sw.Kind+" Warning", sw.Message)
}

func (sw *SessionWarning) isError() bool {
	return false
}
