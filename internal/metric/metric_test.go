package metric_test

import (
	"testing"

	"codeberg.org/mutker/perfcollect/internal/metric"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestConstructKey(t *testing.T) {
	assert.Equal(t, "cuj_SHADE_ROW_EXPAND_max_frame_time_ms",
		metric.ConstructKey("cuj", "SHADE_ROW_EXPAND", "max_frame_time_ms"))
	assert.Equal(t, "perfetto_file_path", metric.ConstructKey("perfetto", "", "file_path"))
	assert.Equal(t, "", metric.ConstructKey())
}

func TestRecordAccumulates(t *testing.T) {
	r := metric.Record{}
	r.Add("cuj_LAUNCHER_QUICK_SWITCH_total_frames", 120)
	r.Add("cuj_LAUNCHER_QUICK_SWITCH_total_frames", 98)
	r.Add("cuj_LAUNCHER_QUICK_SWITCH_missed_frames", int64(3))

	want := map[string]string{
		"cuj_LAUNCHER_QUICK_SWITCH_total_frames":  "120,98",
		"cuj_LAUNCHER_QUICK_SWITCH_missed_frames": "3",
	}
	if diff := cmp.Diff(want, r.Strings()); diff != "" {
		t.Errorf("Strings() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2, r["cuj_LAUNCHER_QUICK_SWITCH_total_frames"].Len())
}
