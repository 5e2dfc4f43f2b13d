// Package shell runs commands on the device under test, either directly on
// the local host or through adb.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"codeberg.org/mutker/perfcollect/internal/errors"
)

// Executor is the command channel to a device shell.
type Executor interface {
	// Run executes cmd and returns its stdout. A non-zero exit status is
	// not an error; only failing to reach the shell is.
	Run(ctx context.Context, cmd string) (string, error)

	// Check executes cmd and fails when it exits with a non-zero status.
	Check(ctx context.Context, cmd string) (string, error)

	// RunWithInput executes cmd with stdin attached and returns raw stdout.
	// A non-zero exit status is an error.
	RunWithInput(ctx context.Context, cmd string, stdin []byte) ([]byte, error)
}

// CommandError describes a command that exited with a non-zero status.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitCode)
	}

	return fmt.Sprintf("command %q exited with status %d: %s", e.Command, e.ExitCode, strings.TrimSpace(e.Stderr))
}

type commandExecutor struct {
	argv func(cmd string) []string
}

// Local returns an Executor that runs commands through "sh -c" on this host.
func Local() Executor {
	return &commandExecutor{
		argv: func(cmd string) []string {
			return []string{"sh", "-c", cmd}
		},
	}
}

// ADB returns an Executor that runs commands through "adb shell". An empty
// serial targets the only connected device.
func ADB(adbPath, serial string) Executor {
	if adbPath == "" {
		adbPath = "adb"
	}

	return &commandExecutor{
		argv: func(cmd string) []string {
			args := []string{adbPath}
			if serial != "" {
				args = append(args, "-s", serial)
			}

			return append(args, "shell", cmd)
		},
	}
}

func (e *commandExecutor) Run(ctx context.Context, cmd string) (string, error) {
	stdout, err := e.exec(ctx, cmd, nil)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			return string(stdout), nil
		}

		return "", err
	}

	return string(stdout), nil
}

func (e *commandExecutor) Check(ctx context.Context, cmd string) (string, error) {
	stdout, err := e.exec(ctx, cmd, nil)
	return string(stdout), err
}

func (e *commandExecutor) RunWithInput(ctx context.Context, cmd string, stdin []byte) ([]byte, error) {
	return e.exec(ctx, cmd, stdin)
}

func (e *commandExecutor) exec(ctx context.Context, cmd string, stdin []byte) ([]byte, error) {
	errFactory := errors.New()
	argv := e.argv(cmd)

	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if stdin != nil {
		c.Stdin = bytes.NewReader(stdin)
	}

	err := c.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return stdout.Bytes(), errFactory.Wrap(errors.ErrShellCommand, &CommandError{
			Command:  cmd,
			ExitCode: exitErr.ExitCode(),
			Stderr:   stderr.String(),
		})
	}

	if ctx.Err() != nil {
		return nil, errFactory.Wrap(errors.ErrTimeout, ctx.Err())
	}

	return nil, errFactory.Wrap(errors.ErrUnavailable, err)
}
