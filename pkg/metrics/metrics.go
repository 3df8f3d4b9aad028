// Package metrics is a small Prometheus-compatible metrics registry.
// Metrics are grouped into families by base name; labelled series are
// requested by passing a name built with WithLabels. Handler serves the
// text exposition format.
package metrics

import (
	"fmt"
	"maps"
	"math"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuckets are the default histogram buckets (in seconds).
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Counter is a monotonically increasing counter.
type Counter struct{ val atomic.Int64 }

func (c *Counter) Inc()        { c.val.Add(1) }
func (c *Counter) Add(n int64) { c.val.Add(n) }
func (c *Counter) Value() int64 { return c.val.Load() }

// Gauge can go up and down. The value is stored as float64 bits.
type Gauge struct{ bits atomic.Uint64 }

func (g *Gauge) Set(v float64) { g.bits.Store(math.Float64bits(v)) }
func (g *Gauge) Inc()          { g.Add(1) }
func (g *Gauge) Dec()          { g.Add(-1) }

// Add adjusts the gauge by delta.
func (g *Gauge) Add(delta float64) {
	for {
		old := g.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if g.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (g *Gauge) Value() float64 { return math.Float64frombits(g.bits.Load()) }

// Histogram counts observations into fixed upper-bound buckets.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []uint64 // non-cumulative, one per bound
	sum    float64
	count  uint64
}

func newHistogram(bounds []float64) *Histogram {
	b := slices.Clone(bounds)
	slices.Sort(b)
	return &Histogram{bounds: b, counts: make([]uint64, len(b))}
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	if i := sort.SearchFloat64s(h.bounds, v); i < len(h.bounds) {
		h.counts[i]++
	}
}

// Since observes the seconds elapsed since t.
func (h *Histogram) Since(t time.Time) {
	h.Observe(time.Since(t).Seconds())
}

func (h *Histogram) snapshot() (bounds []float64, counts []uint64, sum float64, count uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bounds, slices.Clone(h.counts), h.sum, h.count
}

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// family is every series sharing a base name, keyed by label set.
type family struct {
	help   string
	kind   kind
	series map[string]any
}

// Registry holds metric families in registration order.
type Registry struct {
	mu       sync.RWMutex
	families map[string]*family
	order    []string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{families: make(map[string]*family)}
}

// Counter returns the counter for name, creating it on first use.
func (r *Registry) Counter(name, help string) *Counter {
	return lookup(r, name, help, kindCounter, func() *Counter { return &Counter{} })
}

// Gauge returns the gauge for name, creating it on first use.
func (r *Registry) Gauge(name, help string) *Gauge {
	return lookup(r, name, help, kindGauge, func() *Gauge { return &Gauge{} })
}

// Histogram returns the histogram for name, creating it on first use with
// buckets (DefaultBuckets when nil).
func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	return lookup(r, name, help, kindHistogram, func() *Histogram { return newHistogram(buckets) })
}

// lookup finds or creates the series for name. Reusing a base name with a
// different metric kind is a programming error and panics.
func lookup[M any](r *Registry, name, help string, k kind, create func() *M) *M {
	base, labels := splitName(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[base]
	if !ok {
		f = &family{kind: k, series: make(map[string]any)}
		r.families[base] = f
		r.order = append(r.order, base)
	}
	if f.kind != k {
		panic(fmt.Sprintf("metrics: %s is a %s, not a %s", base, f.kind, k))
	}
	if f.help == "" {
		f.help = help
	}
	if m, ok := f.series[labels]; ok {
		return m.(*M)
	}
	m := create()
	f.series[labels] = m
	return m
}

// WithLabels returns a metric name with labels appended, e.g.
// WithLabels("foo", "k", "v") => `foo{k="v"}`. Values are escaped.
func WithLabels(name string, kvs ...string) string {
	if len(kvs) == 0 || len(kvs)%2 != 0 {
		return name
	}
	pairs := make([]string, 0, len(kvs)/2)
	for i := 0; i < len(kvs); i += 2 {
		pairs = append(pairs, kvs[i]+`="`+labelEscaper.Replace(kvs[i+1])+`"`)
	}
	return name + "{" + strings.Join(pairs, ",") + "}"
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// splitName separates `foo{k="v"}` into "foo" and `k="v"`.
func splitName(name string) (base, labels string) {
	i := strings.IndexByte(name, '{')
	if i < 0 || !strings.HasSuffix(name, "}") {
		return name, ""
	}
	return name[:i], name[i+1 : len(name)-1]
}

func braced(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

// Render returns all metrics in the Prometheus text exposition format.
// Families appear in registration order, series sorted by label set.
func (r *Registry) Render() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	for _, name := range r.order {
		f := r.families[name]
		if f.help != "" {
			fmt.Fprintf(&b, "# HELP %s %s\n", name, f.help)
		}
		fmt.Fprintf(&b, "# TYPE %s %s\n", name, f.kind)
		for _, labels := range slices.Sorted(maps.Keys(f.series)) {
			switch m := f.series[labels].(type) {
			case *Counter:
				fmt.Fprintf(&b, "%s%s %d\n", name, braced(labels), m.Value())
			case *Gauge:
				fmt.Fprintf(&b, "%s%s %g\n", name, braced(labels), m.Value())
			case *Histogram:
				writeHistogram(&b, name, labels, m)
			}
		}
	}
	return b.String()
}

func writeHistogram(b *strings.Builder, name, labels string, h *Histogram) {
	bounds, counts, sum, count := h.snapshot()
	prefix := labels
	if prefix != "" {
		prefix += ","
	}
	var cumulative uint64
	for i, le := range bounds {
		cumulative += counts[i]
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, le, cumulative)
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, count)
	fmt.Fprintf(b, "%s_sum%s %g\n", name, braced(labels), sum)
	fmt.Fprintf(b, "%s_count%s %d\n", name, braced(labels), count)
}

// Handler serves the registry in the text exposition format.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(r.Render()))
	})
}
