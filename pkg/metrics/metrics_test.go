package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /issues", 200, 15*time.Millisecond)
	r.Observe("GET /issues", 401, 35*time.Millisecond)
	r.Inc(Broadcasts)
	r.Add(ChannelsPruned, 2)
	r.IncLabel(AuthRejected, "rate_limited")
	r.IncLabel(AuthRejected, "")
	r.SetGauge(GaugeClients, 3)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["GET /issues"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 || ep.ErrorCount != 1 || ep.MaxMillis != 35 {
		t.Fatalf("unexpected endpoint stat %+v", ep)
	}
	if snap.Counters[Broadcasts] != 1 || snap.Counters[ChannelsPruned] != 2 {
		t.Fatalf("unexpected counters %+v", snap.Counters)
	}
	if snap.Labelled[AuthRejected]["rate_limited"] != 1 || snap.Labelled[AuthRejected]["unknown"] != 1 {
		t.Fatalf("unexpected labelled counters %+v", snap.Labelled)
	}
	if snap.Gauges[GaugeClients] != 3 {
		t.Fatalf("expected gauge ws_clients=3 got=%v", snap.Gauges[GaugeClients])
	}
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	r.Inc(Broadcasts)
	r.IncLabel(AuthRejected, "x")
	r.SetGauge(GaugeClients, 1)
	r.Observe("GET /health", 200, time.Millisecond)
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /issues", 200, 12*time.Millisecond)
	r.Inc(Broadcasts)
	r.IncLabel(AuthRejected, "malformed")
	r.SetGauge(GaugeIssueCount, 7)

	rr := httptest.NewRecorder()
	r.PrometheusHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	body := rr.Body.String()
	for _, want := range []string{
		`issuebridge_endpoint_count{endpoint="GET /issues"} 1`,
		"issuebridge_broadcasts_total 1",
		`issuebridge_auth_rejected_total{reason="malformed"} 1`,
		"issuebridge_issue_count 7.000",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in: %s", want, body)
		}
	}
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	r := NewRegistry()
	h := r.Middleware(func(*http.Request) string { return "/issues/{id}" })(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/issues/abc", nil))
	stat := r.Snapshot().Endpoints["GET /issues/{id}"]
	if stat.Count != 1 || stat.ErrorCount != 1 || stat.LastStatusCode != http.StatusNotFound {
		t.Fatalf("unexpected stat %+v", stat)
	}

	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	if !strings.Contains(rr.Body.String(), "\"generated_at\"") {
		t.Fatalf("expected generated timestamp in body: %s", rr.Body.String())
	}
}
