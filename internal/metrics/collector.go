// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector. It renders text/plain exposition format without pulling in
// prometheus/client_golang.
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

// Collector aggregates counters, gauges, and histograms.
type Collector struct {
	namespace  string
	counters   sync.Map // name{labels} -> *Counter
	gauges     sync.Map // name{labels} -> *Gauge
	histograms sync.Map // name{labels} -> *Histogram
	startTime  time.Time
}

// NewCollector creates a collector. namespace prefixes the built-in uptime gauge.
func NewCollector(namespace string) *Collector {
	return &Collector{namespace: namespace, startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(n int64) { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of observed values. Bucket counts are
// cumulative, as the exposition format expects.
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

// Observe records a value in the histogram.
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

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// --- Registration helpers ---

// Counter returns or creates the counter identified by name and labels.
// labels is the raw label list, e.g. `result="delivered"`.
func (c *Collector) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	actual, _ := c.counters.LoadOrStore(key, &Counter{name: name, help: help, labels: labels})
	return actual.(*Counter)
}

// Gauge returns or creates the gauge identified by name and labels.
func (c *Collector) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	actual, _ := c.gauges.LoadOrStore(key, &Gauge{name: name, help: help, labels: labels})
	return actual.(*Gauge)
}

// Histogram returns or creates the histogram identified by name and labels.
// A +Inf bucket is appended when missing.
func (c *Collector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	bs := append([]float64(nil), buckets...)
	sort.Float64s(bs)
	if len(bs) == 0 || !math.IsInf(bs[len(bs)-1], 1) {
		bs = append(bs, math.Inf(1))
	}
	hb := make([]histBucket, len(bs))
	for i, b := range bs {
		hb[i] = histBucket{le: b}
	}
	actual, _ := c.histograms.LoadOrStore(key, &Histogram{name: name, help: help, labels: labels, buckets: hb})
	return actual.(*Histogram)
}

// --- Prometheus text rendering ---

// WriteTo renders every metric in Prometheus text format, sorted by name
// and labels so output is stable between scrapes.
func (c *Collector) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}

	uptime := c.namespace + "_uptime_seconds"
	fmt.Fprintf(cw, "# HELP %s Time since start in seconds\n", uptime)
	fmt.Fprintf(cw, "# TYPE %s gauge\n", uptime)
	fmt.Fprintf(cw, "%s %d\n", uptime, int64(c.Uptime().Seconds()))

	var counters []*Counter
	c.counters.Range(func(_, v any) bool { counters = append(counters, v.(*Counter)); return true })
	sort.Slice(counters, func(i, j int) bool {
		return counters[i].name+counters[i].labels < counters[j].name+counters[j].labels
	})
	helpWritten := make(map[string]bool)
	for _, ctr := range counters {
		if !helpWritten[ctr.name] {
			writeHeader(cw, ctr.name, ctr.help, "counter")
			helpWritten[ctr.name] = true
		}
		fmt.Fprintf(cw, "%s %d\n", series(ctr.name, ctr.labels), ctr.Value())
	}

	var gauges []*Gauge
	c.gauges.Range(func(_, v any) bool { gauges = append(gauges, v.(*Gauge)); return true })
	sort.Slice(gauges, func(i, j int) bool {
		return gauges[i].name+gauges[i].labels < gauges[j].name+gauges[j].labels
	})
	for _, g := range gauges {
		if !helpWritten[g.name] {
			writeHeader(cw, g.name, g.help, "gauge")
			helpWritten[g.name] = true
		}
		fmt.Fprintf(cw, "%s %d\n", series(g.name, g.labels), g.Value())
	}

	var hists []*Histogram
	c.histograms.Range(func(_, v any) bool { hists = append(hists, v.(*Histogram)); return true })
	sort.Slice(hists, func(i, j int) bool {
		return hists[i].name+hists[i].labels < hists[j].name+hists[j].labels
	})
	for _, h := range hists {
		if !helpWritten[h.name] {
			writeHeader(cw, h.name, h.help, "histogram")
			helpWritten[h.name] = true
		}
		h.mu.Lock()
		for _, b := range h.buckets {
			le := fmt.Sprintf("%g", b.le)
			if math.IsInf(b.le, 1) {
				le = "+Inf"
			}
			bucketLabels := `le="` + le + `"`
			if h.labels != "" {
				bucketLabels = h.labels + "," + bucketLabels
			}
			fmt.Fprintf(cw, "%s %d\n", series(h.name+"_bucket", bucketLabels), b.count)
		}
		fmt.Fprintf(cw, "%s %f\n", series(h.name+"_sum", h.labels), h.sum)
		fmt.Fprintf(cw, "%s %d\n", series(h.name+"_count", h.labels), h.count)
		h.mu.Unlock()
	}

	return cw.n, cw.err
}

// Handler returns an http.HandlerFunc that renders metrics in Prometheus text format.
func (c *Collector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.WriteTo(w)
	}
}

func writeHeader(w io.Writer, name, help, kind string) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
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
