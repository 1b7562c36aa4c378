// Package metrics is a small Prometheus-compatible collector. It renders the
// text exposition format without pulling in client_golang.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry.
var Collector = NewMetricsCollector()

// MetricsCollector holds counters, gauges and histograms by name and labels.
type MetricsCollector struct {
	counters   sync.Map // key -> *Counter
	gauges     sync.Map // key -> *Gauge
	histograms sync.Map // key -> *Histogram
	startTime  time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram counts observations into cumulative buckets.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// ObserveSince records the seconds elapsed since start.
func (h *Histogram) ObserveSince(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func metricKey(name, labels string) string { return name + "{" + labels + "}" }

// Counter returns the counter with this name and label set, creating it.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	key := metricKey(name, labels)
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	actual, _ := c.counters.LoadOrStore(key, &Counter{name: name, help: help, labels: labels})
	return actual.(*Counter)
}

func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	key := metricKey(name, labels)
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	actual, _ := c.gauges.LoadOrStore(key, &Gauge{name: name, help: help, labels: labels})
	return actual.(*Gauge)
}

func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := metricKey(name, labels)
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	bs := append([]float64(nil), buckets...)
	sort.Float64s(bs)
	hb := make([]histBucket, len(bs))
	for i, b := range bs {
		hb[i] = histBucket{le: b}
	}
	actual, _ := c.histograms.LoadOrStore(key, &Histogram{name: name, help: help, labels: labels, buckets: hb})
	return actual.(*Histogram)
}

// Handler serves the registry in Prometheus text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.WriteTo(w)
	}
}

// sample is one rendered line group, sorted by key for stable output.
type sample struct {
	key, name, help, kind string
	write                 func(io.Writer)
}

// WriteTo renders every metric. Output is sorted by metric name.
func (c *MetricsCollector) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	fmt.Fprintf(cw, "# HELP guildsync_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(cw, "# TYPE guildsync_uptime_seconds gauge\n")
	fmt.Fprintf(cw, "guildsync_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

	var all []sample
	c.counters.Range(func(k, v any) bool {
		ctr := v.(*Counter)
		all = append(all, sample{k.(string), ctr.name, ctr.help, "counter", func(w io.Writer) {
			fmt.Fprintf(w, "%s %d\n", series(ctr.name, ctr.labels), ctr.Value())
		}})
		return true
	})
	c.gauges.Range(func(k, v any) bool {
		g := v.(*Gauge)
		all = append(all, sample{k.(string), g.name, g.help, "gauge", func(w io.Writer) {
			fmt.Fprintf(w, "%s %d\n", series(g.name, g.labels), g.Value())
		}})
		return true
	})
	c.histograms.Range(func(k, v any) bool {
		h := v.(*Histogram)
		all = append(all, sample{k.(string), h.name, h.help, "histogram", h.render})
		return true
	})
	sort.Slice(all, func(i, j int) bool { return all[i].key < all[j].key })

	seen := make(map[string]bool)
	for _, s := range all {
		if !seen[s.name] {
			fmt.Fprintf(cw, "# HELP %s %s\n# TYPE %s %s\n", s.name, s.help, s.name, s.kind)
			seen[s.name] = true
		}
		s.write(cw)
	}
	return cw.n, cw.err
}

func (h *Histogram) render(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	join := ""
	if h.labels != "" {
		join = h.labels + ","
	}
	for _, b := range h.buckets {
		le := fmt.Sprintf("%g", b.le)
		if math.IsInf(b.le, 1) {
			le = "+Inf"
		}
		fmt.Fprintf(w, "%s_bucket{%sle=%q} %d\n", h.name, join, le, b.count)
	}
	fmt.Fprintf(w, "%s %d\n", series(h.name+"_count", h.labels), h.count)
	fmt.Fprintf(w, "%s %f\n", series(h.name+"_sum", h.labels), h.sum)
}

func series(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	if cw.err != nil {
		return 0, cw.err
	}
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	cw.err = err
	return n, err
}

// Metrics shared across the client.
var (
	EventsApplied       = Collector.Counter("guildsync_events_applied_total", "Stream events folded into the cache", "")
	EventsDeduplicated  = Collector.Counter("guildsync_events_deduplicated_total", "Stream events at or below the cursor", "")
	ProtocolErrors      = Collector.Counter("guildsync_protocol_errors_total", "Malformed frames dropped by the transport", "")
	ConsistencyWarnings = Collector.Counter("guildsync_consistency_warnings_total", "Events referencing entities not in the cache", "")
	Reconnects          = Collector.Counter("guildsync_reconnects_total", "Reconnection attempts", "")
	RPCFailures         = Collector.Counter("guildsync_rpc_failures_total", "Failed RPC calls", "")
	ActionsSubmitted    = Collector.Counter("guildsync_actions_submitted_total", "Actions accepted into the outbox", "")
	ActionsFailed       = Collector.Counter("guildsync_actions_failed_total", "Outbox entries moved to failed", "")
	DeltasDropped       = Collector.Counter("guildsync_deltas_dropped_total", "Deltas dropped for slow subscribers", "")
	AttachmentFetches   = Collector.Counter("guildsync_attachment_fetches_total", "Attachment downloads started", "")
	AttachmentFailures  = Collector.Counter("guildsync_attachment_failures_total", "Attachment downloads that failed", "")

	OutboxEntries       = Collector.Gauge("guildsync_outbox_entries", "Outstanding outbox entries", "")
	SessionState        = Collector.Gauge("guildsync_session_state", "Session state (0 disconnected .. 4 reconnecting)", "")
	CacheVersion        = Collector.Gauge("guildsync_cache_version", "Current cache snapshot version", "")
	AttachmentsInFlight = Collector.Gauge("guildsync_attachment_fetches_in_flight", "Attachment downloads in progress", "")

	RPCLatency = Collector.Histogram("guildsync_rpc_latency_seconds", "RPC round-trip latency in seconds", "",
		[]float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10})
	AttachmentLatency = Collector.Histogram("guildsync_attachment_fetch_seconds", "Attachment download time in seconds", "",
		[]float64{0.1, 0.5, 1, 5, 10, 30})
)
