// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector for the gateway. It outputs text/plain in Prometheus exposition
// format.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the global metrics collector.
var Collector = NewMetricsCollector()

// MetricsCollector aggregates counters, gauges, and histograms. Series are
// keyed by name and label set; one name always maps to one metric type.
type MetricsCollector struct {
	mu        sync.Mutex
	series    map[string]series
	startTime time.Time
}

type series interface {
	meta() (name, help, labels, kind string)
	write(sb *strings.Builder)
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{series: make(map[string]series), startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name, help, labels string
	value              atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(n int64) { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

func (c *Counter) meta() (string, string, string, string) {
	return c.name, c.help, c.labels, "counter"
}

func (c *Counter) write(sb *strings.Builder) {
	fmt.Fprintf(sb, "%s %d\n", seriesName(c.name, c.labels), c.Value())
}

// Gauge is a value that can go up and down.
type Gauge struct {
	name, help, labels string
	value              atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

func (g *Gauge) meta() (string, string, string, string) {
	return g.name, g.help, g.labels, "gauge"
}

func (g *Gauge) write(sb *strings.Builder) {
	fmt.Fprintf(sb, "%s %d\n", seriesName(g.name, g.labels), g.Value())
}

// Histogram tracks the distribution of values in cumulative buckets.
type Histogram struct {
	name, help, labels string

	mu      sync.Mutex
	count   int64
	sum     float64
	bounds  []float64
	buckets []int64
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.buckets[i]++
		}
	}
}

func (h *Histogram) meta() (string, string, string, string) {
	return h.name, h.help, h.labels, "histogram"
}

func (h *Histogram) write(sb *strings.Builder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	withLE := func(le string) string {
		if h.labels == "" {
			return `le="` + le + `"`
		}
		return h.labels + `,le="` + le + `"`
	}
	for i, le := range h.bounds {
		fmt.Fprintf(sb, "%s %d\n", seriesName(h.name+"_bucket", withLE(strconv.FormatFloat(le, 'g', -1, 64))), h.buckets[i])
	}
	fmt.Fprintf(sb, "%s %d\n", seriesName(h.name+"_bucket", withLE("+Inf")), h.count)
	fmt.Fprintf(sb, "%s %d\n", seriesName(h.name+"_count", h.labels), h.count)
	fmt.Fprintf(sb, "%s %g\n", seriesName(h.name+"_sum", h.labels), h.sum)
}

func seriesName(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

// Label renders one label pair with the value escaped for the text format.
func Label(key, value string) string {
	value = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(value)
	return key + `="` + value + `"`
}

// lookup returns the series under key, creating it with mk. Registering a
// name twice with different types is a programming error.
func lookup[T series](c *MetricsCollector, name, labels string, mk func() T) T {
	key := seriesName(name, labels)
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.series[key]; ok {
		t, ok := s.(T)
		if !ok {
			panic(fmt.Sprintf("metrics: %s already registered as another type", key))
		}
		return t
	}
	t := mk()
	c.series[key] = t
	return t
}

// Counter returns or creates a counter.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	return lookup(c, name, labels, func() *Counter {
		return &Counter{name: name, help: help, labels: labels}
	})
}

// Gauge returns or creates a gauge.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	return lookup(c, name, labels, func() *Gauge {
		return &Gauge{name: name, help: help, labels: labels}
	})
}

// Histogram returns or creates a histogram. A +Inf bound is implied.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	return lookup(c, name, labels, func() *Histogram {
		bounds := make([]float64, 0, len(buckets))
		for _, b := range buckets {
			if !math.IsInf(b, 1) {
				bounds = append(bounds, b)
			}
		}
		sort.Float64s(bounds)
		return &Histogram{name: name, help: help, labels: labels, bounds: bounds, buckets: make([]int64, len(bounds))}
	})
}

// Handler renders every series in Prometheus text format, sorted so that
// all series of one family sit under a single HELP/TYPE header.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder
		fmt.Fprintf(&sb, "# HELP laughingfox_uptime_seconds Time since start in seconds\n")
		fmt.Fprintf(&sb, "# TYPE laughingfox_uptime_seconds gauge\n")
		fmt.Fprintf(&sb, "laughingfox_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

		c.mu.Lock()
		keys := make([]string, 0, len(c.series))
		for k := range c.series {
			keys = append(keys, k)
		}
		all := make([]series, len(keys))
		sort.Strings(keys)
		for i, k := range keys {
			all[i] = c.series[k]
		}
		c.mu.Unlock()

		family := ""
		for _, s := range all {
			name, help, _, kind := s.meta()
			if name != family {
				fmt.Fprintf(&sb, "# HELP %s %s\n", name, help)
				fmt.Fprintf(&sb, "# TYPE %s %s\n", name, kind)
				family = name
			}
			s.write(&sb)
		}
		fmt.Fprint(w, sb.String())
	}
}

// --- Gateway metrics ---

var (
	EventsReceived    = Collector.Counter("laughingfox_events_received_total", "Protocol events received", "")
	MessagesRouted    = Collector.Counter("laughingfox_messages_routed_total", "Messages passed to the dispatcher", "")
	HandlerFaults     = Collector.Counter("laughingfox_handler_faults_total", "Command handler failures recovered at dispatch", "")
	ReconnectAttempts = Collector.Counter("laughingfox_reconnect_attempts_total", "Connection attempts after the first", "")
	SessionsOpened    = Collector.Counter("laughingfox_sessions_opened_total", "Sessions that reached the connected state", "")
	CredsPersistFails = Collector.Counter("laughingfox_creds_persist_failures_total", "Failed credential writes", "")
	MessagesSent      = Collector.Counter("laughingfox_messages_sent_total", "Outbound messages sent", "")
	SendFailures      = Collector.Counter("laughingfox_send_failures_total", "Outbound sends that failed", "")

	StoredMessages     = Collector.Counter("laughingfox_store_messages_total", "Messages recorded in the message store", "")
	StoreFlushFailures = Collector.Counter("laughingfox_store_flush_failures_total", "Failed message store snapshots", "")

	ConnectionState    = Collector.Gauge("laughingfox_connection_state", "Connection manager state (0 disconnected .. 5 fatal)", "")
	CorrelationEntries = Collector.Gauge("laughingfox_correlation_entries", "Tracked reply and reaction entries", "")
	InFlightEvents     = Collector.Gauge("laughingfox_inflight_events", "Events currently being routed", "")

	DispatchLatency = Collector.Histogram("laughingfox_dispatch_latency_seconds", "Time to route one event including handlers", "",
		[]float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30})
)

// StoreLookup counts message store lookups by where they were answered
// ("cache", "table" or "miss").
func StoreLookup(result string) *Counter {
	return Collector.Counter("laughingfox_store_lookups_total", "Message store lookups", Label("result", result))
}

// AdmissionRejected counts events stopped by an admission gate.
func AdmissionRejected(gate string) *Counter {
	return Collector.Counter("laughingfox_admission_rejected_total", "Events stopped by admission gates", Label("gate", gate))
}

// CommandInvocations counts primary entry invocations per command.
func CommandInvocations(command string) *Counter {
	return Collector.Counter("laughingfox_command_invocations_total", "Command invocations", Label("command", command))
}
