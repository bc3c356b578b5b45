// Package telemetry records HTTP and referral-event metrics and serves them
// in Prometheus text exposition format.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram keeps non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		if atomic.CompareAndSwapUint64(&h.sum, old, math.Float64bits(math.Float64frombits(old)+v)) {
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// GaugeFunc is sampled on every scrape.
type GaugeFunc func() int64

type gauge struct {
	help string
	fn   GaugeFunc
}

// Provider holds every metric the server exports.
type Provider struct {
	mu         sync.RWMutex
	durations  map[string]*histogram // method|route|status
	events     map[string]*int64     // event name
	gauges     map[string]gauge
	inFlight   int64
	publishErr int64
}

func NewProvider() *Provider {
	return &Provider{
		durations: make(map[string]*histogram),
		events:    make(map[string]*int64),
		gauges:    make(map[string]gauge),
	}
}

// LabelsKey builds the key for a request-duration histogram.
func LabelsKey(method, route, statusCode string) string {
	return method + "|" + route + "|" + statusCode
}

// RegisterGauge exposes fn under name. Registering the same name twice
// replaces the earlier function.
func (p *Provider) RegisterGauge(name, help string, fn GaugeFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gauges[name] = gauge{help: help, fn: fn}
}

func (p *Provider) durationHistogram(key string) *histogram {
	p.mu.RLock()
	h, ok := p.durations[key]
	p.mu.RUnlock()
	if ok {
		return h
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok = p.durations[key]; !ok {
		h = newHistogram(defaultDurationBuckets)
		p.durations[key] = h
	}
	return h
}

// IncEvent counts one broadcast of the named event.
func (p *Provider) IncEvent(name string) {
	p.mu.RLock()
	c, ok := p.events[name]
	p.mu.RUnlock()
	if !ok {
		p.mu.Lock()
		if c, ok = p.events[name]; !ok {
			c = new(int64)
			p.events[name] = c
		}
		p.mu.Unlock()
	}
	atomic.AddInt64(c, 1)
}

// EventCount returns how many times name was broadcast.
func (p *Provider) EventCount(name string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if c, ok := p.events[name]; ok {
		return atomic.LoadInt64(c)
	}
	return 0
}

// RequestDuration returns the histogram for one method/route/status, or nil.
func (p *Provider) RequestDuration(method, route, status string) *histogram {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.durations[LabelsKey(method, route, status)]
}

// ---------------------------------------------------------------------------
// Publisher decorator
// ---------------------------------------------------------------------------

// Publisher matches the broadcaster interface the domain services use.
type Publisher interface {
	Publish(ctx context.Context, name string, payload any) error
}

// CountingPublisher counts events on their way to the broadcaster.
type CountingPublisher struct {
	next Publisher
	p    *Provider
}

func (p *Provider) WrapPublisher(next Publisher) *CountingPublisher {
	return &CountingPublisher{next: next, p: p}
}

func (c *CountingPublisher) Publish(ctx context.Context, name string, payload any) error {
	err := c.next.Publish(ctx, name, payload)
	if err != nil {
		atomic.AddInt64(&c.p.publishErr, 1)
		return err
	}
	c.p.IncEvent(name)
	return nil
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// MetricsMiddleware records request latency by route pattern.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&p.inFlight, 1)
			defer atomic.AddInt64(&p.inFlight, -1)

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			p.durationHistogram(LabelsKey(c.Request().Method, route, fmt.Sprintf("%d", status))).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// Exposition
// ---------------------------------------------------------------------------

// PrometheusHandler serves every metric in text exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		p.mu.RLock()
		durations := make(map[string]*histogram, len(p.durations))
		for k, v := range p.durations {
			durations[k] = v
		}
		events := make(map[string]int64, len(p.events))
		for k, v := range p.events {
			events[k] = atomic.LoadInt64(v)
		}
		gauges := make(map[string]gauge, len(p.gauges))
		for k, v := range p.gauges {
			gauges[k] = v
		}
		p.mu.RUnlock()

		b.WriteString("# HELP http_server_request_duration_seconds Duration of HTTP requests in seconds.\n")
		b.WriteString("# TYPE http_server_request_duration_seconds histogram\n")
		for _, key := range sortedKeys(durations) {
			parts := strings.SplitN(key, "|", 3)
			if len(parts) != 3 {
				continue
			}
			labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
			writeHistogram(&b, "http_server_request_duration_seconds", labels, durations[key])
		}
		b.WriteByte('\n')

		b.WriteString("# HELP http_server_active_requests Number of in-flight HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", atomic.LoadInt64(&p.inFlight))

		b.WriteString("# HELP referral_events_total Events broadcast to dashboards, by event name.\n")
		b.WriteString("# TYPE referral_events_total counter\n")
		for _, name := range sortedKeys(events) {
			fmt.Fprintf(&b, "referral_events_total{event=%q} %d\n", name, events[name])
		}
		b.WriteByte('\n')

		b.WriteString("# HELP referral_event_publish_errors_total Events the broadcaster refused.\n")
		b.WriteString("# TYPE referral_event_publish_errors_total counter\n")
		fmt.Fprintf(&b, "referral_event_publish_errors_total %d\n\n", atomic.LoadInt64(&p.publishErr))

		for _, name := range sortedKeys(gauges) {
			g := gauges[name]
			fmt.Fprintf(&b, "# HELP %s %s\n", name, g.help)
			fmt.Fprintf(&b, "# TYPE %s gauge\n", name)
			fmt.Fprintf(&b, "%s %d\n\n", name, g.fn())
		}

		return c.String(http.StatusOK, b.String())
	}
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, h.Count())
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, h.Count())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
