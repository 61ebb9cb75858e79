// Package metrics provides the Prometheus collectors that stand in for
// the teacher C++ engine's VkQueryPool timestamp queries and
// Pipeline::time() (SPEC_FULL.md §C.2): dispatch latency, fence-wait
// duration, and suballocator bytes-in-use.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orneryd/vkinfer/pkg/gpu/alloc"
)

// Collectors bundles the engine's Prometheus metrics. A nil *Collectors
// is safe to call methods on (all become no-ops), so callers that
// don't want metrics can simply not construct one.
type Collectors struct {
	dispatchLatency *prometheus.HistogramVec
	fenceWaits      prometheus.Counter
	fenceTimeouts   prometheus.Counter
	allocBytes      *prometheus.GaugeVec
}

// New creates the engine's collectors and registers them against reg.
// Pass prometheus.DefaultRegisterer to use the global registry, as the
// pack's aistore-derived metrics setup does.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vkinfer_dispatch_seconds",
			Help:    "Wall-clock duration of one pipeline dispatch, by operator label.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		fenceWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vkinfer_fence_waits_total",
			Help: "Number of command-buffer fence waits completed.",
		}),
		fenceTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vkinfer_fence_timeouts_total",
			Help: "Number of command-buffer fence waits that hit the 60s timeout.",
		}),
		allocBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vkinfer_alloc_bytes_in_use",
			Help: "Suballocator bytes currently allocated, by memory-type index.",
		}, []string{"memory_type"}),
	}
	reg.MustRegister(c.dispatchLatency, c.fenceWaits, c.fenceTimeouts, c.allocBytes)
	return c
}

// ObserveDispatch records one dispatch's duration under op's label —
// wired as the command.Command.OnQueryTimestamp hook.
func (c *Collectors) ObserveDispatch(op string, d time.Duration) {
	if c == nil {
		return
	}
	c.dispatchLatency.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveFenceWait records a completed fence wait, or a timeout when
// timedOut is true.
func (c *Collectors) ObserveFenceWait(timedOut bool) {
	if c == nil {
		return
	}
	if timedOut {
		c.fenceTimeouts.Inc()
		return
	}
	c.fenceWaits.Inc()
}

// SetAllocBytes records the suballocator's current occupancy for a
// memory-type index, read from alloc.Allocator.Stats.
func (c *Collectors) SetAllocBytes(stats []alloc.TypeStats) {
	if c == nil {
		return
	}
	for _, s := range stats {
		c.allocBytes.WithLabelValues(memoryTypeLabel(s.MemoryTypeIndex)).Set(float64(s.BytesInUse))
	}
}

func memoryTypeLabel(idx uint32) string {
	const hexDigits = "0123456789abcdef"
	if idx < 16 {
		return string([]byte{hexDigits[idx]})
	}
	return string([]byte{hexDigits[idx/16], hexDigits[idx%16]})
}
