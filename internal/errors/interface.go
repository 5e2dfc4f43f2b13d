package errors

// ErrorCode identifies an error kind. Packages declare their own codes
// next to the operations that return them, e.g. perfetto_stop_timeout.
type ErrorCode string

// Error is a coded error. Data carries structured context for the log
// line, such as a process id, the failing command or the heap errors
// found in logcat.
type Error interface {
	error
	Code() ErrorCode
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
}

// Factory builds coded errors. Callers create one per operation with New
// and check results with HasCode.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
