package logger

import "codeberg.org/mutker/perfcollect/internal/errors"

// Logger is the logging surface injected into components. Component
// returns one tagged with the component name; tests pass Nop.
type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	// ErrorWithCode logs err with its code and data attached.
	ErrorWithCode(err errors.Error) *LogEvent
	ErrorWithContext(err errors.Error, component, operation string) *LogEvent
}
