package perfetto

import "codeberg.org/mutker/perfcollect/internal/errors"

const (
	// Configuration Errors
	ErrMissingConfigFile = errors.ErrorCode("perfetto_missing_config_file")
	ErrMissingConfigRoot = errors.ErrorCode("perfetto_missing_config_root")

	// Session Errors
	ErrSessionActive = errors.ErrorCode("perfetto_session_active")
	ErrNoSession     = errors.ErrorCode("perfetto_no_session")

	// Start Errors
	ErrStartFailed = errors.ErrorCode("perfetto_start_failed")
	ErrInvalidPID  = errors.ErrorCode("perfetto_invalid_pid")
	ErrNotRunning  = errors.ErrorCode("perfetto_not_running")

	// Stop Errors
	ErrStopFailed  = errors.ErrorCode("perfetto_stop_failed")
	ErrStopTimeout = errors.ErrorCode("perfetto_stop_timeout")

	// Output Errors
	ErrCreateDir  = errors.ErrorCode("perfetto_create_dir_failed")
	ErrMoveFailed = errors.ErrorCode("perfetto_move_failed")
)
