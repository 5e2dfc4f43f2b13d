package procutil_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"codeberg.org/mutker/perfcollect/internal/procutil"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRunningSelf(t *testing.T) {
	running, err := procutil.IsRunning(context.Background(), os.Getpid())
	require.NoError(t, err)
	assert.True(t, running)

	running, err = procutil.IsRunning(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestPidsOfFindsSelf(t *testing.T) {
	self, err := process.NewProcess(int32(os.Getpid()))
	require.NoError(t, err)
	name, err := self.Name()
	require.NoError(t, err)

	pids, err := procutil.Finder{}.PidsOf(context.Background(), name)
	require.NoError(t, err)
	assert.Contains(t, pids, os.Getpid())

	pids, err = procutil.Finder{}.PidsOf(context.Background(), filepath.Base(t.TempDir())+"-absent")
	require.NoError(t, err)
	assert.Empty(t, pids)
}
