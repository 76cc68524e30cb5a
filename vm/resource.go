// Resource tracker (C5, §4.5). Metrics grounded on Voskan-arena-cache's
// pkg/metrics.go: a small set of labeled prometheus counters/gauges
// registered once per process, here labeled by session id so a host
// embedding many sandboxes keeps per-sandbox visibility.
package vm

import (
	"time"

	"github.com/parcadei/ouros/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Limits mirrors §6's "Limits object". Zero/negative means unbounded,
// per spec ("any field may be omitted (unbounded)").
type Limits struct {
	MaxAllocations   int64
	MaxMemory        int64 // bytes, approximated by heap payload bytes
	MaxDurationSecs  float64
	MaxRecursionDepth int
	GCInterval       time.Duration // reserved, unused (§4.5)
}

// DefaultLimits matches §4.5's stated default recursion depth; every
// other field is left unbounded unless the driver supplies Limits.
func DefaultLimits() Limits {
	return Limits{MaxRecursionDepth: 1000}
}

var (
	metricAllocations = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ouros",
		Subsystem: "resource",
		Name:      "allocations",
		Help:      "Live heap allocations for a sandbox session.",
	}, []string{"session_id"})

	metricMemoryBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ouros",
		Subsystem: "resource",
		Name:      "memory_bytes",
		Help:      "Approximate heap payload bytes for a sandbox session.",
	}, []string{"session_id"})

	metricRecursionDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ouros",
		Subsystem: "resource",
		Name:      "recursion_depth",
		Help:      "Current frame-stack depth for a sandbox session.",
	}, []string{"session_id"})

	metricBreaches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ouros",
		Subsystem: "resource",
		Name:      "breaches_total",
		Help:      "Resource-limit breaches by kind.",
	}, []string{"session_id", "kind"})
)

func init() {
	prometheus.MustRegister(metricAllocations, metricMemoryBytes, metricRecursionDepth, metricBreaches)
}

// Tracker enforces Limits and is polled at opcode boundaries for time
// checks, "so the failure is synchronous with bytecode" (§4.5).
type Tracker struct {
	SessionID string
	Limits    Limits

	startedAt    time.Time
	started      bool
	memoryBytes  int64
	allocations  int64
}

func NewTracker(sessionID string, limits Limits) *Tracker {
	return &Tracker{SessionID: sessionID, Limits: limits}
}

// Start marks the beginning (or resumption) of a synchronous run; wall
// time is measured from the first Start call of a session's lifetime so
// that time spent suspended (§4.6 "A resource-limit breach during
// suspension is impossible") does not count against MaxDurationSecs.
func (t *Tracker) Start() {
	if !t.started {
		t.startedAt = time.Now()
		t.started = true
	}
}

// CheckAlloc must be called before a heap slot is created for a new
// object (§4.5: "on breach, allocation fails before the slot is
// created"). payloadBytes is an estimate of the new object's size.
func (t *Tracker) CheckAlloc(payloadBytes int64) error {
	if t.Limits.MaxAllocations > 0 && t.allocations+1 > t.Limits.MaxAllocations {
		metricBreaches.WithLabelValues(t.SessionID, "allocations").Inc()
		return models.NewException("MemoryError", "allocation limit exceeded")
	}
	if t.Limits.MaxMemory > 0 && t.memoryBytes+payloadBytes > t.Limits.MaxMemory {
		metricBreaches.WithLabelValues(t.SessionID, "memory").Inc()
		return models.NewException("MemoryError", "memory limit exceeded")
	}
	t.allocations++
	t.memoryBytes += payloadBytes
	metricAllocations.WithLabelValues(t.SessionID).Set(float64(t.allocations))
	metricMemoryBytes.WithLabelValues(t.SessionID).Set(float64(t.memoryBytes))
	return nil
}

// CheckTime is polled at opcode boundaries (§4.5 "safe points").
func (t *Tracker) CheckTime() error {
	if t.Limits.MaxDurationSecs <= 0 || !t.started {
		return nil
	}
	if time.Since(t.startedAt).Seconds() > t.Limits.MaxDurationSecs {
		metricBreaches.WithLabelValues(t.SessionID, "time").Inc()
		return models.NewException("TimeoutError", "execution time limit exceeded")
	}
	return nil
}

// CheckRecursion is polled on every frame push (§4.5, §4.3 push_frame).
func (t *Tracker) CheckRecursion(depth int) error {
	if t.Limits.MaxRecursionDepth > 0 && depth > t.Limits.MaxRecursionDepth {
		metricBreaches.WithLabelValues(t.SessionID, "recursion").Inc()
		return models.NewException("RecursionError", "maximum recursion depth exceeded")
	}
	metricRecursionDepth.WithLabelValues(t.SessionID).Set(float64(depth))
	return nil
}

// Counters returns the tracker's live allocation count and memory
// estimate, for the serializer (C7) to persist across a dump.
func (t *Tracker) Counters() (allocations, memoryBytes int64) {
	return t.allocations, t.memoryBytes
}

// RestoreCounters reinstates allocation/memory counters from a loaded
// dump, so limits keep being enforced against the pre-suspension totals
// rather than resetting to zero.
func (t *Tracker) RestoreCounters(allocations, memoryBytes int64) {
	t.allocations = allocations
	t.memoryBytes = memoryBytes
}

// Release gives back payloadBytes on a decref-driven free, keeping the
// memory gauge accurate as objects are collected.
func (t *Tracker) Release(payloadBytes int64) {
	t.memoryBytes -= payloadBytes
	if t.memoryBytes < 0 {
		t.memoryBytes = 0
	}
	metricMemoryBytes.WithLabelValues(t.SessionID).Set(float64(t.memoryBytes))
}
