// Package procutil looks up processes on the local host.
package procutil

import (
	"context"

	"codeberg.org/mutker/perfcollect/internal/errors"
	"github.com/shirou/gopsutil/v3/process"
)

const ErrProcessList = errors.ErrorCode("procutil_process_list_failed")

// Finder finds local processes by name. It serves as the device process
// finder when tests run on the host itself.
type Finder struct{}

// PidsOf returns the ids of every local process named name.
func (Finder) PidsOf(ctx context.Context, name string) ([]int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, errors.New().Wrap(ErrProcessList, err)
	}

	var pids []int
	for _, p := range procs {
		n, err := p.NameWithContext(ctx)
		if err != nil {
			// The process exited while listing.
			continue
		}
		if n == name {
			pids = append(pids, int(p.Pid))
		}
	}

	return pids, nil
}

// IsRunning reports whether a local process with pid exists.
func IsRunning(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}

	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return false, errors.New().Wrap(ErrProcessList, err)
	}

	return ok, nil
}
