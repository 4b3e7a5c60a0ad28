package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestInstrumentsExposed(t *testing.T) {
	m := New()
	m.HTTPRequests.WithLabelValues("GET", "/health", "200").Inc()
	m.TasksStarted.WithLabelValues("deep_dive").Inc()
	m.TasksFinished.WithLabelValues("deep_dive", "completed").Inc()
	m.TasksInFlight.Set(2)
	m.NewsIngested.Add(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		`atlas_http_requests_total{method="GET",route="/health",status="200"} 1`,
		`atlas_research_tasks_started_total{type="deep_dive"} 1`,
		`atlas_research_tasks_finished_total{status="completed",type="deep_dive"} 1`,
		`atlas_research_tasks_in_flight 2`,
		`atlas_news_ingested_total 3`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Exposition missing %q", want)
		}
	}
}

func TestProviderTransport(t *testing.T) {
	m := New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/limited" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := &http.Client{Transport: m.ProviderTransport("finnhub", nil)}
	for _, path := range []string{"/quote", "/quote", "/limited"} {
		resp, err := client.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s failed: %v", path, err)
		}
		resp.Body.Close()
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`atlas_provider_requests_total{outcome="ok",service="finnhub"} 2`,
		`atlas_provider_requests_total{outcome="http_error",service="finnhub"} 1`,
		`atlas_provider_request_duration_seconds_count{service="finnhub"} 3`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Exposition missing %q", want)
		}
	}
}

func TestCacheStatsCounters(t *testing.T) {
	m := New()
	hits, misses := uint64(7), uint64(3)
	m.RegisterCacheStats(
		func() uint64 { return hits },
		func() uint64 { return misses },
	)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "atlas_cache_hits_total 7") {
		t.Errorf("Exposition missing cache hits: %s", body)
	}
	if !strings.Contains(body, "atlas_cache_misses_total 3") {
		t.Errorf("Exposition missing cache misses: %s", body)
	}
}

func TestIndependentRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	a := New()
	b := New()
	a.NewsIngested.Inc()

	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if strings.Contains(rec.Body.String(), "atlas_news_ingested_total 1") {
		t.Error("Registries should be independent")
	}
}
