package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/vkinfer/pkg/gpu/alloc"
)

func TestObserveDispatchRecordsHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObserveDispatch("matmul", 5*time.Millisecond)

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, findFamily(metricFamilies, "vkinfer_dispatch_seconds"))
}

func TestObserveFenceWaitCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObserveFenceWait(false)
	c.ObserveFenceWait(true)

	mf, err := reg.Gather()
	require.NoError(t, err)
	waits := findFamily(mf, "vkinfer_fence_waits_total")
	require.NotNil(t, waits)
	require.Equal(t, float64(1), waits.Metric[0].Counter.GetValue())

	timeouts := findFamily(mf, "vkinfer_fence_timeouts_total")
	require.NotNil(t, timeouts)
	require.Equal(t, float64(1), timeouts.Metric[0].Counter.GetValue())
}

func TestSetAllocBytesFromStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.SetAllocBytes([]alloc.TypeStats{{MemoryTypeIndex: 0, BytesInUse: 4096}})

	mf, err := reg.Gather()
	require.NoError(t, err)
	require.NotNil(t, findFamily(mf, "vkinfer_alloc_bytes_in_use"))
}

func TestNilCollectorsAreNoOps(t *testing.T) {
	var c *Collectors
	c.ObserveDispatch("x", time.Second)
	c.ObserveFenceWait(true)
	c.SetAllocBytes(nil)
}

func findFamily(mf []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, f := range mf {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}
