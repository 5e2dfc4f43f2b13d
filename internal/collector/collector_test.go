package collector_test

import (
	"context"
	"testing"

	"codeberg.org/mutker/perfcollect/internal/collector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopCollector(t *testing.T) {
	var c collector.Collector[string] = collector.Nop[string]{}
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.StartWithFilter(ctx, collector.Exclude("x")))
	m, err := c.Metrics(ctx)
	require.NoError(t, err)
	assert.NotNil(t, m)
	assert.Empty(t, m)
	require.NoError(t, c.Stop(ctx))
}

func TestExclude(t *testing.T) {
	assert.Nil(t, collector.Exclude())

	f := collector.Exclude("SHADE_ROW_SWIPE", "LAUNCHER_QUICK_SWITCH")
	assert.True(t, f("SHADE_ROW_SWIPE"))
	assert.False(t, f("SHADE_ROW_EXPAND"))
}
