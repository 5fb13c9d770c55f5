package realtime

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) Store(v float64) { f.bits.Store(math.Float64bits(v)) }
func (f *atomicFloat) Load() float64   { return math.Float64frombits(f.bits.Load()) }

const latencyEWMAAlpha = 0.2

// Collector aggregates every admission, message and error the hub observes
// into the counters behind SystemMetrics, and forwards them to the exporter
// seam. Rates are computed on a fixed aggregation tick.
type Collector struct {
	exp Metrics

	admissions atomic.Uint64
	closes     atomic.Uint64
	msgsIn     atomic.Uint64
	msgsOut    atomic.Uint64
	failures   atomic.Uint64
	dropped    atomic.Uint64

	winOut  atomic.Uint64
	winFail atomic.Uint64

	msgRate  atomicFloat
	errRate  atomicFloat
	latEWMA  atomicFloat
	queueLen func() int
}

func NewCollector(exp Metrics) *Collector {
	if exp == nil {
		exp = noopMetrics{}
	}
	return &Collector{exp: exp, queueLen: func() int { return 0 }}
}

func (col *Collector) setQueueProvider(fn func() int) {
	if fn != nil {
		col.queueLen = fn
	}
}

func (col *Collector) ConnAdmitted() {
	col.admissions.Add(1)
	col.exp.IncConnections(1)
}

func (col *Collector) ConnClosed() {
	col.closes.Add(1)
	col.exp.IncConnections(-1)
}

func (col *Collector) MessageIn(kind string) {
	col.msgsIn.Add(1)
	col.exp.IncMessagesIn(kind)
}

func (col *Collector) MessageOut(kind string) {
	col.msgsOut.Add(1)
	col.winOut.Add(1)
	col.exp.IncMessagesOut(kind)
}

func (col *Collector) MessageFailed(kind string) {
	col.failures.Add(1)
	col.winFail.Add(1)
	col.exp.IncErrors(kind)
}

// MessageDropped records a frame lost to a full consumer buffer. Drops count
// against the error rate: a silent broadcast failure is forbidden.
func (col *Collector) MessageDropped(reason string) {
	col.dropped.Add(1)
	col.failures.Add(1)
	col.winFail.Add(1)
	col.exp.IncDropped(reason)
}

func (col *Collector) ObserveLatency(kind string, d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	prev := col.latEWMA.Load()
	if prev == 0 {
		col.latEWMA.Store(ms)
	} else {
		col.latEWMA.Store(prev*(1-latencyEWMAAlpha) + ms*latencyEWMAAlpha)
	}
	col.exp.ObserveDispatchLatency(kind, d)
}

// tick folds the current window into the published rate values.
func (col *Collector) tick(elapsed time.Duration) {
	out := col.winOut.Swap(0)
	fail := col.winFail.Swap(0)

	secs := elapsed.Seconds()
	if secs <= 0 {
		secs = 1
	}
	col.msgRate.Store(float64(out) / secs)

	total := out + fail
	if total == 0 {
		col.errRate.Store(0)
	} else {
		col.errRate.Store(float64(fail) / float64(total) * 100)
	}

	col.exp.SetQueueDepth(col.queueLen())
}

func (col *Collector) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			col.tick(interval)
		case <-ctx.Done():
			return
		}
	}
}

func (col *Collector) MessagesPerSecond() float64 { return col.msgRate.Load() }
func (col *Collector) ErrorRatePct() float64      { return col.errRate.Load() }
func (col *Collector) AvgLatencyMs() float64      { return col.latEWMA.Load() }
func (col *Collector) Dropped() uint64            { return col.dropped.Load() }
func (col *Collector) Failures() uint64           { return col.failures.Load() }
func (col *Collector) MessagesIn() uint64         { return col.msgsIn.Load() }
func (col *Collector) MessagesOut() uint64        { return col.msgsOut.Load() }

type noopMetrics struct{}

func (noopMetrics) IncConnections(int)                           {}
func (noopMetrics) IncMessagesIn(string)                         {}
func (noopMetrics) IncMessagesOut(string)                        {}
func (noopMetrics) IncErrors(string)                             {}
func (noopMetrics) IncDropped(string)                            {}
func (noopMetrics) SetQueueDepth(int)                            {}
func (noopMetrics) ObserveDispatchLatency(string, time.Duration) {}

// PromMetrics exports the Metrics seam to Prometheus.
type PromMetrics struct {
	connections prometheus.Gauge
	messagesIn  *prometheus.CounterVec
	messagesOut *prometheus.CounterVec
	errors      *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	queueDepth  prometheus.Gauge
	latency     *prometheus.HistogramVec
}

func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	m := &PromMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "realtime", Name: "connections_active",
			Help: "Currently open connections.",
		}),
		messagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime", Name: "messages_in_total",
			Help: "Inbound frames by event kind.",
		}, []string{"kind"}),
		messagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime", Name: "messages_out_total",
			Help: "Outbound frames by event type.",
		}, []string{"kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime", Name: "errors_total",
			Help: "Errors by kind.",
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "realtime", Name: "messages_dropped_total",
			Help: "Frames dropped on full consumer buffers.",
		}, []string{"reason"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "realtime", Name: "backlog_depth",
			Help: "Frames waiting in the retry backlog.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "realtime", Name: "dispatch_latency_seconds",
			Help:    "Handler dispatch latency by event kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
	}

	if reg != nil {
		reg.MustRegister(m.connections, m.messagesIn, m.messagesOut,
			m.errors, m.dropped, m.queueDepth, m.latency)
	}
	return m
}

func (m *PromMetrics) IncConnections(delta int) {
	m.connections.Add(float64(delta))
}
func (m *PromMetrics) IncMessagesIn(kind string)  { m.messagesIn.WithLabelValues(kind).Inc() }
func (m *PromMetrics) IncMessagesOut(kind string) { m.messagesOut.WithLabelValues(kind).Inc() }
func (m *PromMetrics) IncErrors(kind string)      { m.errors.WithLabelValues(kind).Inc() }
func (m *PromMetrics) IncDropped(reason string)   { m.dropped.WithLabelValues(reason).Inc() }
func (m *PromMetrics) SetQueueDepth(n int)        { m.queueDepth.Set(float64(n)) }
func (m *PromMetrics) ObserveDispatchLatency(kind string, d time.Duration) {
	m.latency.WithLabelValues(kind).Observe(d.Seconds())
}
