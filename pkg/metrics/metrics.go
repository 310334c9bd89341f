// Package metrics keeps in-process counters for the bridge and exposes them
// as JSON or Prometheus text.
package metrics

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Counter names used across the bridge.
const (
	AuthRejected       = "auth_rejected"
	AuthAccepted       = "auth_accepted"
	Broadcasts         = "broadcasts"
	BroadcastDelivered = "broadcast_delivered"
	ChannelsPruned     = "channels_pruned"
	DriftChanges       = "drift_changes"
	WSConnections      = "ws_connections"
)

// Gauge names.
const (
	GaugeClients    = "ws_clients"
	GaugeIssueCount = "issue_count"
)

type Registry struct {
	mu       sync.RWMutex
	endpoint map[string]*EndpointStat
	counters map[string]int64
	labelled map[string]map[string]int64
	gauges   map[string]float64
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt string                      `json:"generated_at"`
	Endpoints   map[string]EndpointStat     `json:"endpoints"`
	Counters    map[string]int64            `json:"counters"`
	Labelled    map[string]map[string]int64 `json:"labelled"`
	Gauges      map[string]float64          `json:"gauges"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint: map[string]*EndpointStat{},
		counters: map[string]int64{},
		labelled: map[string]map[string]int64{},
		gauges:   map[string]float64{},
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	if r == nil {
		return
	}
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// Add is nil-safe so components can run without a registry.
func (r *Registry) Add(name string, delta int64) {
	if r == nil || name == "" || delta <= 0 {
		return
	}
	r.mu.Lock()
	r.counters[name] += delta
	r.mu.Unlock()
}

func (r *Registry) Inc(name string) { r.Add(name, 1) }

// IncLabel counts name{label}. Used for rejection reasons, which stay
// internal to the metrics endpoint.
func (r *Registry) IncLabel(name, label string) {
	if r == nil || name == "" {
		return
	}
	label = strings.TrimSpace(label)
	if label == "" {
		label = "unknown"
	}
	r.mu.Lock()
	m, ok := r.labelled[name]
	if !ok {
		m = map[string]int64{}
		r.labelled[name] = m
	}
	m[label]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if r == nil || name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Counters:    make(map[string]int64, len(r.counters)),
		Labelled:    make(map[string]map[string]int64, len(r.labelled)),
		Gauges:      make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.counters {
		out.Counters[k] = v
	}
	for k, m := range r.labelled {
		cp := make(map[string]int64, len(m))
		for lk, lv := range m {
			cp[lk] = lv
		}
		out.Labelled[k] = cp
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}

// Middleware records one endpoint observation per request, keyed by method
// and the route pattern returned by routeOf.
func (r *Registry) Middleware(routeOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, req)
			route := req.URL.Path
			if routeOf != nil {
				if p := routeOf(req); p != "" {
					route = p
				}
			}
			r.Observe(req.Method+" "+route, sw.status, time.Since(start))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack is required by the websocket upgrade.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP issuebridge_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE issuebridge_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "issuebridge_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP issuebridge_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE issuebridge_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "issuebridge_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP issuebridge_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE issuebridge_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "issuebridge_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		for _, name := range SortedKeys(snap.Counters) {
			fmt.Fprintf(b, "# TYPE issuebridge_%s_total counter\n", name)
			fmt.Fprintf(b, "issuebridge_%s_total %d\n", name, snap.Counters[name])
		}
		for _, name := range SortedKeys(snap.Labelled) {
			fmt.Fprintf(b, "# TYPE issuebridge_%s_total counter\n", name)
			for _, label := range SortedKeys(snap.Labelled[name]) {
				fmt.Fprintf(b, "issuebridge_%s_total{reason=%q} %d\n", name, label, snap.Labelled[name][label])
			}
		}
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "# TYPE issuebridge_%s gauge\n", name)
			fmt.Fprintf(b, "issuebridge_%s %.3f\n", name, snap.Gauges[name])
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
